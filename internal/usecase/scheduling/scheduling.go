package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Action identifies a kind of recurring maintenance job.
type Action string

const (
	// ActionTaskWatchdog sweeps tasks stuck in progress.
	ActionTaskWatchdog Action = "task_watchdog"
	// ActionResourceSample refreshes process resource snapshots.
	ActionResourceSample Action = "resource_sample"
	// ActionAuditRetention prunes old audit store rows.
	ActionAuditRetention Action = "audit_retention"
)

// Job binds an action to a recurring schedule. The schedule is either
// a cron expression ("*/5 * * * *") or a duration ("30s").
type Job struct {
	Name     string
	Schedule string
	Action   Action
}

// jobTimeout bounds a single run of any job.
const jobTimeout = 5 * time.Minute

// Scheduler runs registered maintenance actions on cron or fixed-delay
// schedules.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	actions map[Action]func(ctx context.Context) error

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler with no jobs.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		actions: make(map[Action]func(ctx context.Context) error),
	}
}

// Register installs the handler for an action. Must be called before
// Add for that action.
func (s *Scheduler) Register(action Action, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// Add schedules a job. Unknown actions and unparsable schedules are
// errors.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[job.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for job %q", job.Action, job.Name)
	}
	schedule, err := parseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", job.Name, err)
	}

	name := job.Name
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}

		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()

		start := time.Now()
		if err := fn(jobCtx); err != nil {
			s.logger.Warn("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Debug("scheduled job completed", "job", name, "duration", time.Since(start))
	}))

	s.logger.Info("job scheduled", "job", job.Name, "schedule", job.Schedule, "action", string(job.Action))
	return nil
}

// Start begins firing schedules. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels the job context and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	s.ctx = nil
	<-s.cron.Stop().Done()
	s.started = false
}

// parseSchedule accepts a standard five-field cron expression or,
// failing that, a Go duration interpreted as a fixed delay.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay is a fixed-interval cron.Schedule. Unlike cron.Every
// it supports sub-second intervals, which the tests rely on.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
