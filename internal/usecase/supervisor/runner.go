package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"foreman/internal/domain"
)

// DefaultOutputBufferMax bounds per-process captured output.
const DefaultOutputBufferMax = 1024 * 1024

// Handle is a live worker process as seen by the supervisor. The
// ExecRunner implementation wraps os/exec; tests inject fakes so the
// supervisor logic runs without spawning real processes.
type Handle interface {
	// PID returns the OS process id, or 0 if unknown.
	PID() int
	// Ready is closed after the process produces its first output.
	Ready() <-chan struct{}
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed.
	Err() error
	// Write sends data to the process's stdin.
	Write(p []byte) (int, error)
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Kill forcibly terminates the process.
	Kill() error
	// Output returns the buffered stdout tail.
	Output() string
	// OutputFrom returns stdout from the given total-bytes offset and
	// the cursor to pass on the next call. Offsets pointing into data
	// dropped by the ring read from the oldest retained byte.
	OutputFrom(offset int64) (string, int64)
	// ResourceUsage returns a best-effort usage snapshot.
	ResourceUsage() domain.ResourceUsage
}

// Runner abstracts process spawning so supervisor logic is testable.
type Runner interface {
	Start(ctx context.Context, spec domain.SpawnSpec) (Handle, error)
}

// ExecRunner spawns real OS processes with os/exec.
type ExecRunner struct {
	// OutputBufferMax bounds the per-process output ring buffers.
	// Zero means DefaultOutputBufferMax.
	OutputBufferMax int
}

// Start launches the process described by spec. The returned handle
// reports readiness on the first byte of stdout or stderr.
func (r *ExecRunner) Start(_ context.Context, spec domain.SpawnSpec) (Handle, error) {
	if spec.Command == "" {
		return nil, domain.NewDomainError("ExecRunner.Start", domain.ErrInvalidInput, "empty command")
	}

	max := r.OutputBufferMax
	if max <= 0 {
		max = DefaultOutputBufferMax
	}

	h := &execHandle{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	signalReady := func() { h.readyOnce.Do(func() { close(h.ready) }) }
	h.stdout = newRingBuffer(max, signalReady)
	h.stderr = newRingBuffer(max, signalReady)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("execrunner: stdin pipe: %w", err)
	}
	h.stdin = stdin
	h.cmd = cmd

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("execrunner: start %q: %w", spec.Command, err)
	}
	h.usage = newUsageSampler(cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		stdin.Close()
		close(h.done)
	}()

	return h, nil
}

type execHandle struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *ringBuffer
	stderr    *ringBuffer
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	usage     *usageSampler

	mu      sync.Mutex
	exitErr error
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Ready() <-chan struct{} { return h.ready }
func (h *execHandle) Done() <-chan struct{}  { return h.done }

func (h *execHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *execHandle) Write(p []byte) (int, error) {
	select {
	case <-h.done:
		return 0, domain.NewSubSystemError("process", "Handle.Write", domain.ErrInvalidState, "process exited")
	default:
	}
	return h.stdin.Write(p)
}

func (h *execHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Output() string { return h.stdout.String() }

func (h *execHandle) OutputFrom(offset int64) (string, int64) {
	return h.stdout.ReadFrom(offset), h.stdout.TotalWritten()
}

func (h *execHandle) ResourceUsage() domain.ResourceUsage {
	select {
	case <-h.done:
		return domain.ResourceUsage{}
	default:
	}
	return h.usage.sample()
}
