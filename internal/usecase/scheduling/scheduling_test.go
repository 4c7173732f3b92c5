package scheduling

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"30s", false},
		{"250ms", false},
		{"", true},
		{"-5s", true},
		{"nonsense", true},
	}
	for _, tt := range tests {
		_, err := parseSchedule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSchedule(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestAddUnknownAction(t *testing.T) {
	s := New(slog.Default())
	if err := s.Add(Job{Name: "j", Schedule: "30s", Action: ActionTaskWatchdog}); err == nil {
		t.Fatal("expected error for unregistered action")
	}
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(slog.Default())

	var runs atomic.Int64
	s.Register(ActionResourceSample, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if err := s.Add(Job{Name: "sample", Schedule: "20ms", Action: ActionResourceSample}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	if got := runs.Load(); got < 2 {
		t.Fatalf("job ran %d times, want at least 2", got)
	}

	// No further runs after Stop.
	settled := runs.Load()
	time.Sleep(60 * time.Millisecond)
	if runs.Load() != settled {
		t.Error("job kept running after Stop")
	}
}

func TestJobErrorDoesNotStopScheduler(t *testing.T) {
	s := New(slog.Default())

	var runs atomic.Int64
	s.Register(ActionAuditRetention, func(context.Context) error {
		runs.Add(1)
		return context.DeadlineExceeded
	})
	if err := s.Add(Job{Name: "retention", Schedule: "20ms", Action: ActionAuditRetention}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatal("failing job was not rescheduled")
	}
}
