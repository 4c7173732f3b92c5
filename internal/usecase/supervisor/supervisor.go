package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// Supervisor owns the lifecycle of worker processes, one per agent.
// It enforces the single-slot invariant (at most one non-terminal
// process record per agent), restarts crashed workers with exponential
// backoff, and publishes process.status.changed events on every
// transition.
type Supervisor struct {
	cfg    config.SupervisorConfig
	runner Runner
	bus    domain.EventBus
	logger *slog.Logger

	mu       sync.Mutex
	byAgent  map[string]*entry
	breakers map[string]*gobreaker.CircuitBreaker[Handle]
	closed   bool
	wg       sync.WaitGroup
}

type entry struct {
	record       domain.ProcessRecord
	spec         domain.SpawnSpec
	handle       Handle
	restartTimer *time.Timer
	exhausted    bool
	settled      chan struct{} // closed when starting resolves (running or error)
	exited       chan struct{} // closed once exit handling completed
}

// New creates a Supervisor. runner may be nil, in which case a default
// ExecRunner is used.
func New(cfg config.SupervisorConfig, runner Runner, bus domain.EventBus, logger *slog.Logger) *Supervisor {
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &Supervisor{
		cfg:      cfg,
		runner:   runner,
		bus:      bus,
		logger:   logger,
		byAgent:  make(map[string]*entry),
		breakers: make(map[string]*gobreaker.CircuitBreaker[Handle]),
	}
}

// EnsureRunning guarantees a worker process for the agent. If a
// non-terminal record already exists it is returned as-is; a concurrent
// caller racing a spawn waits for that spawn to settle, so both callers
// observe the same record. An agent whose restart budget is exhausted
// returns ErrLimitReached until Reset is called.
func (s *Supervisor) EnsureRunning(ctx context.Context, agentID string, spec *domain.SpawnSpec) (domain.ProcessRecord, error) {
	const op = "Supervisor.EnsureRunning"

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return domain.ProcessRecord{}, domain.NewDomainError(op, domain.ErrInvalidState, "supervisor closed")
		}

		if e, ok := s.byAgent[agentID]; ok {
			if e.exhausted {
				s.mu.Unlock()
				return domain.ProcessRecord{}, domain.NewSubSystemError("restart", op, domain.ErrLimitReached, agentID)
			}
			switch e.record.Status {
			case domain.ProcessStatusStarting:
				settled := e.settled
				s.mu.Unlock()
				select {
				case <-settled:
					continue
				case <-ctx.Done():
					return domain.ProcessRecord{}, ctx.Err()
				}
			case domain.ProcessStatusRunning, domain.ProcessStatusStopping:
				rec := e.record
				s.mu.Unlock()
				return rec, nil
			case domain.ProcessStatusError:
				if e.restartTimer != nil {
					// Restart already scheduled; the slot is taken.
					rec := e.record
					s.mu.Unlock()
					return rec, nil
				}
				// No pending restart: the old record is dead, replace it.
			case domain.ProcessStatusStopped:
				// Terminal, replace.
			}
		}

		use := s.defaultSpec()
		if spec != nil {
			use = *spec
		}
		now := time.Now()
		e := &entry{
			record: domain.ProcessRecord{
				ID:            ulid.Make().String(),
				AgentID:       agentID,
				Status:        domain.ProcessStatusStarting,
				CreatedAt:     now,
				LastHeartbeat: now,
			},
			spec:    use,
			settled: make(chan struct{}),
			exited:  make(chan struct{}),
		}
		s.byAgent[agentID] = e
		s.mu.Unlock()

		s.publishStatus(ctx, e.record)
		return s.spawn(ctx, e)
	}
}

// spawn launches the process for e and waits for readiness. Must be
// called without the lock held, with e already installed in byAgent.
func (s *Supervisor) spawn(ctx context.Context, e *entry) (domain.ProcessRecord, error) {
	const op = "Supervisor.spawn"
	agentID := e.record.AgentID

	h, err := s.breakerFor(agentID).Execute(func() (Handle, error) {
		return s.runner.Start(ctx, e.spec)
	})
	if err != nil {
		s.logger.Error("spawn failed", "agent_id", agentID, "error", err)
		return s.failStart(ctx, e, err.Error())
	}

	s.mu.Lock()
	if e.record.Status == domain.ProcessStatusStopping {
		// Stop raced the spawn; tear the child down immediately.
		now := time.Now()
		e.record.Status = domain.ProcessStatusStopped
		e.record.StoppedAt = &now
		rec := e.record
		close(e.settled)
		close(e.exited)
		s.mu.Unlock()
		h.Kill()
		s.publishStatus(ctx, rec)
		return rec, nil
	}
	e.handle = h
	e.record.PID = h.PID()
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-h.Ready():
		now := time.Now()
		s.mu.Lock()
		e.record.Status = domain.ProcessStatusRunning
		e.record.StartedAt = &now
		e.record.LastHeartbeat = now
		rec := e.record
		close(e.settled)
		s.mu.Unlock()

		s.logger.Info("process running", "agent_id", agentID, "process_id", rec.ID, "pid", rec.PID)
		s.publishStatus(ctx, rec)
		s.wg.Add(1)
		go s.watch(e)
		return rec, nil

	case <-h.Done():
		detail := "exited before ready"
		if werr := h.Err(); werr != nil {
			detail = werr.Error()
		}
		return s.failStart(ctx, e, detail)

	case <-timer.C:
		h.Kill()
		return s.failStart(ctx, e, "no output within startup timeout")

	case <-ctx.Done():
		h.Kill()
		return s.failStart(ctx, e, ctx.Err().Error())
	}
}

// failStart marks a spawn attempt as failed, schedules a restart if
// budget remains, and returns ErrSpawnFailure.
func (s *Supervisor) failStart(ctx context.Context, e *entry, detail string) (domain.ProcessRecord, error) {
	now := time.Now()

	s.mu.Lock()
	e.handle = nil
	e.record.Status = domain.ProcessStatusError
	e.record.LastError = detail
	e.record.StoppedAt = &now
	s.scheduleRestartLocked(e)
	rec := e.record
	fatal := e.exhausted
	close(e.settled)
	s.mu.Unlock()

	s.publishStatus(ctx, rec)
	if fatal {
		s.publishFatal(ctx, rec)
	}
	return rec, domain.NewSubSystemError("process", "Supervisor.spawn", domain.ErrSpawnFailure, detail)
}

// watch handles the exit of a running process.
func (s *Supervisor) watch(e *entry) {
	defer s.wg.Done()
	<-e.handle.Done()

	ctx := context.Background()
	exitErr := e.handle.Err()
	now := time.Now()

	s.mu.Lock()
	if s.byAgent[e.record.AgentID] != e {
		s.mu.Unlock()
		return
	}
	e.record.StoppedAt = &now
	e.record.Usage = domain.ResourceUsage{}

	var fatal bool
	switch e.record.Status {
	case domain.ProcessStatusStopping:
		e.record.Status = domain.ProcessStatusStopped
	default:
		e.record.Status = domain.ProcessStatusError
		if exitErr != nil {
			e.record.LastError = exitErr.Error()
		} else {
			e.record.LastError = "exited unexpectedly"
		}
		s.scheduleRestartLocked(e)
		fatal = e.exhausted
	}
	rec := e.record
	close(e.exited)
	s.mu.Unlock()

	if rec.Status == domain.ProcessStatusError {
		s.logger.Warn("process exited unexpectedly",
			"agent_id", rec.AgentID, "process_id", rec.ID, "error", rec.LastError,
			"restart_count", rec.RestartCount)
	}
	s.publishStatus(ctx, rec)
	if fatal {
		s.publishFatal(ctx, rec)
	}
}

// scheduleRestartLocked arms the backoff timer for e, or marks the
// entry exhausted when the budget is spent. Caller holds s.mu.
func (s *Supervisor) scheduleRestartLocked(e *entry) {
	if s.closed || e.record.RestartCount >= s.cfg.MaxRestarts {
		e.exhausted = true
		return
	}
	delay := s.backoff(e.record.RestartCount)
	e.restartTimer = time.AfterFunc(delay, func() { s.restart(e) })
	s.logger.Info("restart scheduled",
		"agent_id", e.record.AgentID, "delay", delay, "restart_count", e.record.RestartCount)
}

// restart re-spawns the process for e after a backoff delay.
func (s *Supervisor) restart(e *entry) {
	ctx := context.Background()

	s.mu.Lock()
	if s.closed || s.byAgent[e.record.AgentID] != e || e.record.Status != domain.ProcessStatusError {
		s.mu.Unlock()
		return
	}
	e.restartTimer = nil
	e.record.RestartCount++
	e.record.Status = domain.ProcessStatusStarting
	e.record.PID = 0
	e.record.StartedAt = nil
	e.record.StoppedAt = nil
	e.settled = make(chan struct{})
	e.exited = make(chan struct{})
	rec := e.record
	s.mu.Unlock()

	s.publishStatus(ctx, rec)
	s.spawn(ctx, e)
}

// Stop gracefully stops the process with the given record id: SIGTERM,
// then SIGKILL after the stop timeout. Stopping an unknown or already
// terminal process is a no-op.
func (s *Supervisor) Stop(ctx context.Context, processID string) error {
	s.mu.Lock()
	e := s.findByRecordLocked(processID)
	if e == nil || e.record.Status == domain.ProcessStatusStopped {
		s.mu.Unlock()
		return nil
	}

	if e.record.Status == domain.ProcessStatusError {
		// Not live; cancel any pending restart and finalize.
		if e.restartTimer != nil {
			e.restartTimer.Stop()
			e.restartTimer = nil
		}
		now := time.Now()
		e.record.Status = domain.ProcessStatusStopped
		e.record.StoppedAt = &now
		rec := e.record
		s.mu.Unlock()
		s.publishStatus(ctx, rec)
		return nil
	}

	if e.record.Status == domain.ProcessStatusStopping {
		exited := e.exited
		s.mu.Unlock()
		return s.awaitExit(ctx, nil, exited)
	}

	e.record.Status = domain.ProcessStatusStopping
	h := e.handle
	exited := e.exited
	rec := e.record
	s.mu.Unlock()

	s.publishStatus(ctx, rec)

	if h == nil {
		// Spawn still in flight; spawn() observes the stopping status.
		return nil
	}
	h.Signal(syscall.SIGTERM)
	return s.awaitExit(ctx, h, exited)
}

func (s *Supervisor) awaitExit(ctx context.Context, h Handle, exited <-chan struct{}) error {
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if h != nil {
			s.logger.Warn("process ignored SIGTERM, killing")
			h.Kill()
		}
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears a terminal or exhausted record for the agent, allowing a
// fresh spawn with a fresh restart budget. Resetting a live process
// returns ErrInvalidState.
func (s *Supervisor) Reset(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byAgent[agentID]
	if !ok {
		return nil
	}
	switch e.record.Status {
	case domain.ProcessStatusStopped, domain.ProcessStatusError:
		if e.restartTimer != nil {
			e.restartTimer.Stop()
		}
		delete(s.byAgent, agentID)
		delete(s.breakers, agentID)
		return nil
	default:
		return domain.NewSubSystemError("process", "Supervisor.Reset", domain.ErrInvalidState,
			string(e.record.Status))
	}
}

// GetByAgent returns the current process record for the agent.
func (s *Supervisor) GetByAgent(agentID string) (domain.ProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byAgent[agentID]
	if !ok {
		return domain.ProcessRecord{}, domain.NewSubSystemError("process", "Supervisor.GetByAgent", domain.ErrNotFound, agentID)
	}
	return e.record, nil
}

// Get returns the process record with the given id.
func (s *Supervisor) Get(processID string) (domain.ProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.findByRecordLocked(processID); e != nil {
		return e.record, nil
	}
	return domain.ProcessRecord{}, domain.NewSubSystemError("process", "Supervisor.Get", domain.ErrNotFound, processID)
}

// List returns all tracked process records, ordered by agent id.
func (s *Supervisor) List() []domain.ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ProcessRecord, 0, len(s.byAgent))
	for _, e := range s.byAgent {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// IsLive reports whether the agent has a running worker process.
func (s *Supervisor) IsLive(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byAgent[agentID]
	return ok && e.record.Status == domain.ProcessStatusRunning
}

// WriteTo delivers payload to the agent's running worker over stdin. A
// trailing newline is appended if missing.
func (s *Supervisor) WriteTo(agentID string, payload []byte) error {
	const op = "Supervisor.WriteTo"

	s.mu.Lock()
	e, ok := s.byAgent[agentID]
	if !ok || e.record.Status != domain.ProcessStatusRunning {
		s.mu.Unlock()
		return domain.NewSubSystemError("process", op, domain.ErrNotFound, agentID)
	}
	h := e.handle
	s.mu.Unlock()

	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		payload = append(payload, '\n')
	}
	if _, err := h.Write(payload); err != nil {
		return domain.WrapOp(op, err)
	}
	return nil
}

// Logs returns buffered process output from the given cursor onward,
// plus the cursor for the next call. Cursors count total bytes ever
// written, so a poller that falls behind the ring buffer resumes from
// the oldest retained byte. Cursor 0 reads everything retained.
func (s *Supervisor) Logs(processID string, cursor int64) (string, int64, error) {
	s.mu.Lock()
	e := s.findByRecordLocked(processID)
	if e == nil {
		s.mu.Unlock()
		return "", 0, domain.NewSubSystemError("process", "Supervisor.Logs", domain.ErrNotFound, processID)
	}
	h := e.handle
	s.mu.Unlock()

	if h == nil {
		return "", cursor, nil
	}
	out, next := h.OutputFrom(cursor)
	return out, next, nil
}

// BindTask records the task currently assigned to the process.
func (s *Supervisor) BindTask(processID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findByRecordLocked(processID)
	if e == nil {
		return domain.NewSubSystemError("process", "Supervisor.BindTask", domain.ErrNotFound, processID)
	}
	e.record.TaskID = taskID
	return nil
}

// ClearTask removes the task binding from the process, if any.
func (s *Supervisor) ClearTask(processID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.findByRecordLocked(processID); e != nil {
		e.record.TaskID = ""
	}
}

// ResourceUsage samples and returns the current usage of the process.
func (s *Supervisor) ResourceUsage(processID string) (domain.ResourceUsage, error) {
	s.mu.Lock()
	e := s.findByRecordLocked(processID)
	if e == nil {
		s.mu.Unlock()
		return domain.ResourceUsage{}, domain.NewSubSystemError("process", "Supervisor.ResourceUsage", domain.ErrNotFound, processID)
	}
	h := e.handle
	live := e.record.Status == domain.ProcessStatusRunning
	usage := e.record.Usage
	s.mu.Unlock()

	if !live || h == nil {
		return usage, nil
	}
	usage = h.ResourceUsage()

	s.mu.Lock()
	e.record.Usage = usage
	s.mu.Unlock()
	return usage, nil
}

// SampleResources refreshes the usage snapshot and heartbeat of every
// running process. Invoked periodically by the scheduler.
func (s *Supervisor) SampleResources(_ context.Context) {
	s.mu.Lock()
	live := make([]*entry, 0, len(s.byAgent))
	for _, e := range s.byAgent {
		if e.record.Status == domain.ProcessStatusRunning && e.handle != nil {
			live = append(live, e)
		}
	}
	s.mu.Unlock()

	now := time.Now()
	for _, e := range live {
		usage := e.handle.ResourceUsage()
		s.mu.Lock()
		if e.record.Status == domain.ProcessStatusRunning {
			e.record.Usage = usage
			e.record.LastHeartbeat = now
		}
		s.mu.Unlock()
	}
}

// Close stops all live processes and waits for exit handling to finish.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.byAgent))
	for _, e := range s.byAgent {
		if e.restartTimer != nil {
			e.restartTimer.Stop()
			e.restartTimer = nil
		}
		ids = append(ids, e.record.ID)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return firstErr
}

func (s *Supervisor) defaultSpec() domain.SpawnSpec {
	return domain.SpawnSpec{
		Command: s.cfg.Command,
		Args:    append([]string(nil), s.cfg.Args...),
		WorkDir: s.cfg.WorkDir,
	}
}

func (s *Supervisor) backoff(restartCount int) time.Duration {
	if restartCount > 30 {
		return s.cfg.BackoffMax
	}
	d := s.cfg.BackoffBase << uint(restartCount)
	if d > s.cfg.BackoffMax || d <= 0 {
		d = s.cfg.BackoffMax
	}
	return d
}

// findByRecordLocked scans for the entry whose record id matches.
// Caller holds s.mu.
func (s *Supervisor) findByRecordLocked(processID string) *entry {
	for _, e := range s.byAgent {
		if e.record.ID == processID {
			return e
		}
	}
	return nil
}

func (s *Supervisor) breakerFor(agentID string) *gobreaker.CircuitBreaker[Handle] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[agentID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[Handle](gobreaker.Settings{
		Name:        "spawn:" + agentID,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("spawn breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	s.breakers[agentID] = cb
	return cb
}

func (s *Supervisor) publishStatus(ctx context.Context, rec domain.ProcessRecord) {
	s.publish(ctx, domain.EventProcessStatusChanged, rec)
}

func (s *Supervisor) publishFatal(ctx context.Context, rec domain.ProcessRecord) {
	s.logger.Error("restart budget exhausted", "agent_id", rec.AgentID, "process_id", rec.ID)
	s.publish(ctx, domain.EventProcessFatal, rec)
}

func (s *Supervisor) publish(ctx context.Context, t domain.EventType, rec domain.ProcessRecord) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(rec)
	s.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		AgentID:   rec.AgentID,
		Payload:   payload,
	})
}
