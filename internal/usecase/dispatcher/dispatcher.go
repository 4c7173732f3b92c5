package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
	"foreman/internal/infra/tracer"
)

// AgentDirectory is the slice of the directory the dispatcher needs.
type AgentDirectory interface {
	List() []domain.Agent
	Get(id string) (domain.Agent, error)
	UpdateWorkload(id string, delta int)
}

// ProcessSupervisor is the slice of the supervisor the dispatcher needs.
type ProcessSupervisor interface {
	EnsureRunning(ctx context.Context, agentID string, spec *domain.SpawnSpec) (domain.ProcessRecord, error)
	IsLive(agentID string) bool
	BindTask(processID, taskID string) error
	ClearTask(processID string)
}

// Dispatcher owns the task state machine and skill-based assignment.
// Assignment is fully serialized under one mutex, including the spawn
// of the chosen agent's worker, so two concurrent assigns can never
// observe the same stale workload.
type Dispatcher struct {
	cfg    config.DispatcherConfig
	dir    AgentDirectory
	sup    ProcessSupervisor
	bus    domain.EventBus
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*domain.Task
	order []string // submission order

	unsub func()
}

// New creates a Dispatcher. It subscribes to process lifecycle events
// so tasks bound to a dead worker are failed through the normal retry
// path.
func New(cfg config.DispatcherConfig, dir AgentDirectory, sup ProcessSupervisor, bus domain.EventBus, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		dir:    dir,
		sup:    sup,
		bus:    bus,
		logger: logger,
		tasks:  make(map[string]*domain.Task),
	}
	if bus != nil {
		unsubStatus := bus.Subscribe(domain.EventProcessStatusChanged, d.onProcessEvent)
		unsubFatal := bus.Subscribe(domain.EventProcessFatal, d.onProcessEvent)
		d.unsub = func() {
			unsubStatus()
			unsubFatal()
		}
	}
	return d
}

// Close detaches the dispatcher from the event bus.
func (d *Dispatcher) Close() {
	if d.unsub != nil {
		d.unsub()
	}
}

// Submit validates the spec and creates a pending task.
func (d *Dispatcher) Submit(ctx context.Context, spec domain.TaskSpec) (domain.Task, error) {
	const op = "Dispatcher.Submit"

	if spec.Title == "" {
		return domain.Task{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty title")
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.MaxRetries
	}

	now := time.Now()
	t := &domain.Task{
		ID:             ulid.Make().String(),
		Title:          spec.Title,
		SkillsRequired: append([]string(nil), spec.SkillsRequired...),
		Priority:       spec.Priority,
		Status:         domain.TaskStatusPending,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	d.mu.Lock()
	d.tasks[t.ID] = t
	d.order = append(d.order, t.ID)
	task := *t
	d.mu.Unlock()

	d.logger.Info("task submitted", "task_id", task.ID, "title", task.Title, "skills", task.SkillsRequired)
	d.publish(ctx, task)
	return task, nil
}

// Assign moves a pending or reopened task to assigned. With an empty
// explicitAgentID it picks the best-scoring eligible agent; otherwise
// the named agent is used without scoring. Returns ErrNoEligibleAgent
// when no agent scores above zero.
func (d *Dispatcher) Assign(ctx context.Context, taskID, explicitAgentID string) (domain.Task, error) {
	const op = "Dispatcher.Assign"

	ctx, span := tracer.StartSpan(ctx, "dispatcher.assign")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("task.id", taskID))

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		err := domain.NewSubSystemError("task", op, domain.ErrNotFound, taskID)
		tracer.RecordError(span, err)
		return domain.Task{}, err
	}
	if t.Status != domain.TaskStatusPending && t.Status != domain.TaskStatusReopened {
		err := domain.NewSubSystemError("task", op, domain.ErrInvalidState, string(t.Status))
		tracer.RecordError(span, err)
		return domain.Task{}, err
	}

	var best *domain.Agent
	var score int
	if explicitAgentID != "" {
		a, err := d.dir.Get(explicitAgentID)
		if err != nil {
			tracer.RecordError(span, err)
			return domain.Task{}, domain.WrapOp(op, err)
		}
		best = &a
	} else {
		best, score = d.pickAgent(t.SkillsRequired)
		if best == nil {
			err := domain.NewDomainError(op, domain.ErrNoEligibleAgent, "no agent scored above zero")
			tracer.RecordError(span, err)
			return domain.Task{}, err
		}
	}
	span.SetAttributes(tracer.StringAttr("agent.id", best.ID), tracer.IntAttr("score", score))

	rec, err := d.sup.EnsureRunning(ctx, best.ID, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Task{}, domain.WrapOp(op, err)
	}

	now := time.Now()
	t.Status = domain.TaskStatusAssigned
	t.AgentID = best.ID
	t.ProcessID = rec.ID
	t.AssignedAt = &now
	t.UpdatedAt = now
	d.sup.BindTask(rec.ID, t.ID)
	d.dir.UpdateWorkload(best.ID, d.cfg.WorkloadStep)

	task := *t
	d.logger.Info("task assigned",
		"task_id", task.ID, "agent_id", best.ID, "score", score, "process_id", rec.ID)
	d.publish(ctx, task)
	tracer.SetOK(span)
	return task, nil
}

// Start moves an assigned task to in_progress. The agent's worker must
// be running: a task never enters in_progress without a live process
// behind it.
func (d *Dispatcher) Start(ctx context.Context, taskID string) (domain.Task, error) {
	const op = "Dispatcher.Start"

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.NewSubSystemError("task", op, domain.ErrNotFound, taskID)
	}
	if t.Status != domain.TaskStatusAssigned {
		return domain.Task{}, domain.NewSubSystemError("task", op, domain.ErrInvalidState, string(t.Status))
	}
	if !d.sup.IsLive(t.AgentID) {
		return domain.Task{}, domain.NewSubSystemError("task", op, domain.ErrInvalidState,
			"no running worker for agent "+t.AgentID)
	}

	now := time.Now()
	t.Status = domain.TaskStatusInProgress
	t.StartedAt = &now
	t.UpdatedAt = now
	task := *t
	d.publish(ctx, task)
	return task, nil
}

// Report records the outcome of an assigned or in_progress task.
// Success completes it; failure retries it through pending until the
// retry budget is spent, after which the task is terminally failed.
func (d *Dispatcher) Report(ctx context.Context, taskID string, result domain.TaskResult) (domain.Task, error) {
	const op = "Dispatcher.Report"

	ctx, span := tracer.StartSpan(ctx, "dispatcher.report")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("task.id", taskID))

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		err := domain.NewSubSystemError("task", op, domain.ErrNotFound, taskID)
		tracer.RecordError(span, err)
		return domain.Task{}, err
	}
	if t.Status != domain.TaskStatusAssigned && t.Status != domain.TaskStatusInProgress {
		err := domain.NewSubSystemError("task", op, domain.ErrInvalidState, string(t.Status))
		tracer.RecordError(span, err)
		return domain.Task{}, err
	}

	var task domain.Task
	if result.Success {
		now := time.Now()
		t.Status = domain.TaskStatusCompleted
		t.Result = &result
		t.FinishedAt = &now
		t.UpdatedAt = now
		d.releaseAgentLocked(t)
		task = *t
		d.logger.Info("task completed", "task_id", task.ID, "agent_id", task.AgentID)
	} else {
		task = d.failLocked(t, result)
	}

	d.publish(ctx, task)
	tracer.SetOK(span)
	return task, nil
}

// failLocked applies the retry state machine to t and returns a copy.
// Caller holds d.mu.
func (d *Dispatcher) failLocked(t *domain.Task, result domain.TaskResult) domain.Task {
	now := time.Now()
	d.releaseAgentLocked(t)
	t.Result = &result
	t.RetryCount++
	t.UpdatedAt = now

	if t.RetryCount >= t.MaxRetries {
		t.Status = domain.TaskStatusFailed
		t.FinishedAt = &now
		d.logger.Warn("task failed terminally",
			"task_id", t.ID, "retries", t.RetryCount, "error", result.Error)
	} else {
		t.Status = domain.TaskStatusPending
		t.AgentID = ""
		t.ProcessID = ""
		t.AssignedAt = nil
		t.StartedAt = nil
		d.logger.Info("task failed, retrying",
			"task_id", t.ID, "retry", t.RetryCount, "max_retries", t.MaxRetries)
	}
	return *t
}

// releaseAgentLocked returns the agent's workload slice and unbinds the
// process. Caller holds d.mu.
func (d *Dispatcher) releaseAgentLocked(t *domain.Task) {
	if t.AgentID != "" {
		d.dir.UpdateWorkload(t.AgentID, -d.cfg.WorkloadStep)
	}
	if t.ProcessID != "" {
		d.sup.ClearTask(t.ProcessID)
	}
}

// Resolve marks a completed task as resolved, the terminal success
// state.
func (d *Dispatcher) Resolve(ctx context.Context, taskID string) (domain.Task, error) {
	const op = "Dispatcher.Resolve"

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.NewSubSystemError("task", op, domain.ErrNotFound, taskID)
	}
	if t.Status != domain.TaskStatusCompleted {
		return domain.Task{}, domain.NewSubSystemError("task", op, domain.ErrInvalidState, string(t.Status))
	}

	t.Status = domain.TaskStatusResolved
	t.UpdatedAt = time.Now()
	task := *t
	d.publish(ctx, task)
	return task, nil
}

// Reopen returns a completed or resolved task to the assignable pool.
// The retry budget starts fresh; the previous result is kept for audit.
func (d *Dispatcher) Reopen(ctx context.Context, taskID string) (domain.Task, error) {
	const op = "Dispatcher.Reopen"

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.NewSubSystemError("task", op, domain.ErrNotFound, taskID)
	}
	if t.Status != domain.TaskStatusCompleted && t.Status != domain.TaskStatusResolved {
		return domain.Task{}, domain.NewSubSystemError("task", op, domain.ErrInvalidState, string(t.Status))
	}

	t.Status = domain.TaskStatusReopened
	t.AgentID = ""
	t.ProcessID = ""
	t.AssignedAt = nil
	t.StartedAt = nil
	t.FinishedAt = nil
	t.RetryCount = 0
	t.UpdatedAt = time.Now()
	task := *t
	d.logger.Info("task reopened", "task_id", task.ID)
	d.publish(ctx, task)
	return task, nil
}

// Cancel terminally cancels a pending, assigned, or in_progress task.
// Cancellation does not consume the retry budget.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (domain.Task, error) {
	const op = "Dispatcher.Cancel"

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.NewSubSystemError("task", op, domain.ErrNotFound, taskID)
	}
	switch t.Status {
	case domain.TaskStatusPending, domain.TaskStatusReopened,
		domain.TaskStatusAssigned, domain.TaskStatusInProgress:
	default:
		return domain.Task{}, domain.NewSubSystemError("task", op, domain.ErrInvalidState, string(t.Status))
	}

	now := time.Now()
	d.releaseAgentLocked(t)
	t.Status = domain.TaskStatusCancelled
	t.FinishedAt = &now
	t.UpdatedAt = now
	task := *t
	d.logger.Info("task cancelled", "task_id", task.ID)
	d.publish(ctx, task)
	return task, nil
}

// Get returns a copy of the task with the given id.
func (d *Dispatcher) Get(taskID string) (domain.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.NewSubSystemError("task", "Dispatcher.Get", domain.ErrNotFound, taskID)
	}
	return *t, nil
}

// List returns all tasks in submission order.
func (d *Dispatcher) List() []domain.Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]domain.Task, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.tasks[id])
	}
	return out
}

// Statistics aggregates the current task set. Assigned tasks count as
// in progress; resolved tasks count as completed.
func (d *Dispatcher) Statistics() domain.TaskStatistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	var st domain.TaskStatistics
	for _, t := range d.tasks {
		st.Total++
		switch t.Status {
		case domain.TaskStatusPending, domain.TaskStatusReopened:
			st.Pending++
		case domain.TaskStatusAssigned, domain.TaskStatusInProgress:
			st.InProgress++
		case domain.TaskStatusCompleted, domain.TaskStatusResolved:
			st.Completed++
		case domain.TaskStatusFailed:
			st.Failed++
		}
	}
	return st
}

// WatchdogSweep fails every in_progress task whose StartedAt is older
// than the watchdog timeout, through the normal retry path. Returns the
// number of tasks swept. Invoked periodically by the scheduler.
func (d *Dispatcher) WatchdogSweep(ctx context.Context) int {
	if d.cfg.WatchdogTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-d.cfg.WatchdogTimeout)

	d.mu.Lock()
	var swept []domain.Task
	for _, id := range d.order {
		t := d.tasks[id]
		if t.Status != domain.TaskStatusInProgress || t.StartedAt == nil || t.StartedAt.After(cutoff) {
			continue
		}
		swept = append(swept, d.failLocked(t, domain.TaskResult{
			Success: false,
			Error:   "watchdog: task exceeded in-progress timeout",
		}))
	}
	d.mu.Unlock()

	for _, task := range swept {
		d.logger.Warn("watchdog swept task", "task_id", task.ID, "status", task.Status)
		d.publish(ctx, task)
	}
	return len(swept)
}

// onProcessEvent fails tasks bound to a worker that is gone for good:
// a deliberate stop or an exhausted restart budget. A crash with a
// pending restart leaves the task alone; the watchdog catches it if
// the worker never comes back in time.
func (d *Dispatcher) onProcessEvent(ctx context.Context, e domain.Event) {
	var rec domain.ProcessRecord
	if err := json.Unmarshal(e.Payload, &rec); err != nil || rec.TaskID == "" {
		return
	}
	dead := e.Type == domain.EventProcessFatal || rec.Status == domain.ProcessStatusStopped
	if !dead {
		return
	}

	d.mu.Lock()
	t, ok := d.tasks[rec.TaskID]
	if !ok || (t.Status != domain.TaskStatusAssigned && t.Status != domain.TaskStatusInProgress) {
		d.mu.Unlock()
		return
	}
	task := d.failLocked(t, domain.TaskResult{
		Success: false,
		Error:   "worker process " + string(rec.Status) + ": " + rec.LastError,
	})
	d.mu.Unlock()

	d.logger.Warn("task failed by process exit",
		"task_id", task.ID, "process_id", rec.ID, "process_status", string(rec.Status))
	d.publish(ctx, task)
}

// pickAgent scores every non-offline agent and returns the best one, or
// nil when no agent scores above zero. Ties break toward the lower
// workload, then toward directory order.
func (d *Dispatcher) pickAgent(skills []string) (*domain.Agent, int) {
	var best *domain.Agent
	bestScore := 0

	for _, a := range d.dir.List() {
		if a.Status == domain.AgentStatusOffline {
			continue
		}
		score := scoreAgent(a, skills)
		if score == 0 {
			continue
		}
		switch {
		case best == nil || score > bestScore:
		case score == bestScore && a.Workload < best.Workload:
		default:
			continue
		}
		cand := a
		best = &cand
		bestScore = score
	}
	return best, bestScore
}

// scoreAgent implements the assignment score: ten points per matching
// skill plus a bonus for spare capacity.
func scoreAgent(a domain.Agent, skills []string) int {
	overlap := a.SkillOverlap(skills)
	if overlap == 0 {
		return 0
	}
	return overlap*10 + workloadBonus(a.Workload)
}

func workloadBonus(workload int) int {
	switch {
	case workload < 50:
		return 20
	case workload < 80:
		return 10
	default:
		return 0
	}
}

func (d *Dispatcher) publish(ctx context.Context, t domain.Task) {
	if d.bus == nil {
		return
	}
	payload, _ := json.Marshal(t)
	d.bus.Publish(ctx, domain.Event{
		Type:      domain.EventTaskStatusChanged,
		Timestamp: time.Now(),
		AgentID:   t.AgentID,
		Payload:   payload,
	})
}
