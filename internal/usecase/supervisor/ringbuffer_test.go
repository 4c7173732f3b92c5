package supervisor

import "testing"

func TestRingBufferKeepsTailOnOverflow(t *testing.T) {
	rb := newRingBuffer(8, nil)

	rb.Write([]byte("abcd"))
	rb.Write([]byte("efgh"))
	if got := rb.String(); got != "abcdefgh" {
		t.Fatalf("String() = %q, want %q", got, "abcdefgh")
	}

	rb.Write([]byte("ijkl"))
	if got := rb.String(); got != "efghijkl" {
		t.Errorf("String() after overflow = %q, want %q", got, "efghijkl")
	}
	if got := rb.TotalWritten(); got != 12 {
		t.Errorf("TotalWritten() = %d, want 12 (dropped bytes still count)", got)
	}
}

func TestRingBufferOnFirstFiresOnce(t *testing.T) {
	fired := 0
	rb := newRingBuffer(64, func() { fired++ })

	rb.Write(nil)
	if fired != 0 {
		t.Fatal("empty write must not signal readiness")
	}

	rb.Write([]byte("x"))
	rb.Write([]byte("y"))
	if fired != 1 {
		t.Errorf("onFirst fired %d times, want 1", fired)
	}
}

func TestRingBufferReadFrom(t *testing.T) {
	rb := newRingBuffer(8, nil)
	rb.Write([]byte("abcdefgh"))

	if got := rb.ReadFrom(4); got != "efgh" {
		t.Errorf("ReadFrom(4) = %q, want %q", got, "efgh")
	}
	if got := rb.ReadFrom(8); got != "" {
		t.Errorf("ReadFrom(8) = %q, want empty", got)
	}

	// Overflow drops "abcd"; an offset inside the dropped region reads
	// from the oldest retained byte.
	rb.Write([]byte("ijkl"))
	if got := rb.ReadFrom(2); got != "efghijkl" {
		t.Errorf("ReadFrom(2) after overflow = %q, want %q", got, "efghijkl")
	}
	if got := rb.ReadFrom(8); got != "ijkl" {
		t.Errorf("ReadFrom(8) after overflow = %q, want %q", got, "ijkl")
	}
}
