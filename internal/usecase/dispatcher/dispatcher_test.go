package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
	"foreman/internal/usecase/directory"
	"foreman/internal/usecase/eventbus"
)

type fakeSup struct {
	mu       sync.Mutex
	ensured  []string
	bound    map[string]string
	down     map[string]bool
	failWith error
}

func newFakeSup() *fakeSup {
	return &fakeSup{bound: make(map[string]string), down: make(map[string]bool)}
}

func (f *fakeSup) setDown(agentID string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[agentID] = down
}

func (f *fakeSup) IsLive(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down[agentID]
}

func (f *fakeSup) EnsureRunning(_ context.Context, agentID string, _ *domain.SpawnSpec) (domain.ProcessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.ProcessRecord{}, f.failWith
	}
	f.ensured = append(f.ensured, agentID)
	return domain.ProcessRecord{
		ID:      "proc-" + agentID,
		AgentID: agentID,
		Status:  domain.ProcessStatusRunning,
	}, nil
}

func (f *fakeSup) BindTask(processID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[processID] = taskID
	return nil
}

func (f *fakeSup) ClearTask(processID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bound, processID)
}

func testDir(agents ...config.AgentConfig) *directory.Directory {
	return directory.New(config.DirectoryConfig{Agents: agents}, nil, slog.Default())
}

func testCfg() config.DispatcherConfig {
	return config.DispatcherConfig{
		MaxRetries:      2,
		WorkloadStep:    10,
		WatchdogTimeout: 10 * time.Minute,
	}
}

func TestWorkloadBonus(t *testing.T) {
	tests := []struct {
		workload int
		want     int
	}{
		{0, 20}, {49, 20}, {50, 10}, {79, 10}, {80, 0}, {100, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, workloadBonus(tt.workload), "workload %d", tt.workload)
	}
}

func TestScoreAgent(t *testing.T) {
	a := domain.Agent{Skills: []string{"go", "sql"}, Workload: 30}
	assert.Equal(t, 40, scoreAgent(a, []string{"go", "sql"}))
	assert.Equal(t, 30, scoreAgent(a, []string{"GO"}))
	assert.Equal(t, 0, scoreAgent(a, []string{"rust"}), "no overlap means no score regardless of capacity")
}

func TestAssignScoringDeterminism(t *testing.T) {
	// X matches both skills at workload 30; Y matches one at workload
	// 10. X must win on score even though Y has more spare capacity.
	dir := testDir(
		config.AgentConfig{ID: "X", Skills: []string{"a", "b"}, Workload: 30},
		config.AgentConfig{ID: "Y", Skills: []string{"a"}, Workload: 10},
	)
	d := New(testCfg(), dir, newFakeSup(), nil, slog.Default())

	task, err := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"a", "b"}})
	require.NoError(t, err)

	assigned, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "X", assigned.AgentID)
}

func TestAssignTieBreaks(t *testing.T) {
	// Same score: lower workload wins. Same workload too: directory
	// insertion order wins.
	dir := testDir(
		config.AgentConfig{ID: "first", Skills: []string{"go"}, Workload: 20},
		config.AgentConfig{ID: "second", Skills: []string{"go"}, Workload: 20},
		config.AgentConfig{ID: "busy", Skills: []string{"go"}, Workload: 40},
	)
	d := New(testCfg(), dir, newFakeSup(), nil, slog.Default())

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})
	assigned, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "first", assigned.AgentID)
}

func TestAssignNoEligibleAgent(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "ada", Skills: []string{"go"}, Workload: 0})
	d := New(testCfg(), dir, newFakeSup(), nil, slog.Default())

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"rust"}})
	_, err := d.Assign(context.Background(), task.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoEligibleAgent)

	got, _ := d.Get(task.ID)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
}

func TestAssignExplicitAgent(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "ada", Skills: []string{"go"}, Workload: 0})
	d := New(testCfg(), dir, newFakeSup(), nil, slog.Default())

	// Explicit assignment skips scoring entirely.
	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"rust"}})
	assigned, err := d.Assign(context.Background(), task.ID, "ada")
	require.NoError(t, err)
	assert.Equal(t, "ada", assigned.AgentID)

	other, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t2"})
	_, err = d.Assign(context.Background(), other.ID, "ghost")
	require.Error(t, err)
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))
}

func TestHappyPath(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"javascript"}, Workload: 40})
	sup := newFakeSup()
	d := New(testCfg(), dir, sup, nil, slog.Default())

	task, err := d.Submit(context.Background(), domain.TaskSpec{Title: "build ui", SkillsRequired: []string{"javascript"}})
	require.NoError(t, err)

	assigned, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "lin", assigned.AgentID)
	assert.Equal(t, "proc-lin", assigned.ProcessID)

	a, _ := dir.Get("lin")
	assert.Equal(t, 50, a.Workload, "assignment takes a workload slice")

	_, err = d.Start(context.Background(), task.ID)
	require.NoError(t, err)

	done, err := d.Report(context.Background(), task.ID, domain.TaskResult{Success: true, Output: "ok"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	require.NotNil(t, done.FinishedAt)

	a, _ = dir.Get("lin")
	assert.Equal(t, 40, a.Workload, "completion returns the workload slice")
	sup.mu.Lock()
	assert.Empty(t, sup.bound)
	sup.mu.Unlock()
}

func TestStartRequiresLiveWorker(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"go"}})
	sup := newFakeSup()
	d := New(testCfg(), dir, sup, nil, slog.Default())

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})
	_, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)

	// Worker crashed after assignment; a restart may be pending but the
	// process is not running, so the task cannot start.
	sup.setDown("lin", true)
	_, err = d.Start(context.Background(), task.ID)
	require.Error(t, err)
	assert.Equal(t, domain.CodeTaskInvalidState, domain.ErrorCodeOf(err))

	got, _ := d.Get(task.ID)
	assert.Equal(t, domain.TaskStatusAssigned, got.Status, "a rejected start leaves the task assigned")

	// Worker came back: start now succeeds.
	sup.setDown("lin", false)
	started, err := d.Start(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInProgress, started.Status)
}

func TestReportFromAssigned(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"go"}})
	d := New(testCfg(), dir, newFakeSup(), nil, slog.Default())

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})
	_, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)

	done, err := d.Report(context.Background(), task.ID, domain.TaskResult{Success: true})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
}

func TestExhaustedRetries(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"go"}})
	d := New(testCfg(), dir, newFakeSup(), nil, slog.Default()) // MaxRetries: 2

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})

	// First failure: back to pending with one retry consumed.
	_, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)
	got, err := d.Report(context.Background(), task.ID, domain.TaskResult{Success: false, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.AgentID)

	// Second failure exhausts the budget: terminal failed.
	_, err = d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)
	got, err = d.Report(context.Background(), task.ID, domain.TaskResult{Success: false, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	// A third report is rejected; the task never returns to pending.
	_, err = d.Report(context.Background(), task.ID, domain.TaskResult{Success: false})
	require.Error(t, err)
	assert.Equal(t, domain.CodeTaskInvalidState, domain.ErrorCodeOf(err))
	got, _ = d.Get(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)

	a, _ := dir.Get("lin")
	assert.Equal(t, 0, a.Workload)
}

func TestSpawnFailureLeavesTaskPending(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"go"}, Workload: 30})
	sup := newFakeSup()
	sup.failWith = domain.NewSubSystemError("process", "spawn", domain.ErrSpawnFailure, "exec: not found")
	d := New(testCfg(), dir, sup, nil, slog.Default())

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})
	_, err := d.Assign(context.Background(), task.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSpawnFailure)

	got, _ := d.Get(task.ID)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	a, _ := dir.Get("lin")
	assert.Equal(t, 30, a.Workload, "no workload charged for a failed assignment")
}

func TestCancel(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"go"}, Workload: 0})
	d := New(testCfg(), dir, newFakeSup(), nil, slog.Default())

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})
	_, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)

	got, err := d.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	assert.Zero(t, got.RetryCount, "cancellation does not consume the retry budget")

	a, _ := dir.Get("lin")
	assert.Equal(t, 0, a.Workload)

	_, err = d.Cancel(context.Background(), task.ID)
	require.Error(t, err)
	assert.Equal(t, domain.CodeTaskInvalidState, domain.ErrorCodeOf(err))
}

func TestResolveAndReopen(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"go"}})
	d := New(testCfg(), dir, newFakeSup(), nil, slog.Default())

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})
	_, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)
	_, err = d.Report(context.Background(), task.ID, domain.TaskResult{Success: true})
	require.NoError(t, err)

	resolved, err := d.Resolve(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusResolved, resolved.Status)

	reopened, err := d.Reopen(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusReopened, reopened.Status)
	assert.Empty(t, reopened.AgentID)

	assigned, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAssigned, assigned.Status)
}

func TestStatistics(t *testing.T) {
	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"go"}})
	d := New(testCfg(), dir, newFakeSup(), nil, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})
		require.NoError(t, err)
	}
	tasks := d.List()
	_, err := d.Assign(context.Background(), tasks[0].ID, "")
	require.NoError(t, err)
	_, err = d.Report(context.Background(), tasks[0].ID, domain.TaskResult{Success: true})
	require.NoError(t, err)

	st := d.Statistics()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, 1, st.Completed)
	assert.Zero(t, st.InProgress)
	assert.Zero(t, st.Failed)
}

func TestWatchdogSweep(t *testing.T) {
	cfg := testCfg()
	cfg.WatchdogTimeout = 10 * time.Millisecond
	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"go"}})
	d := New(cfg, dir, newFakeSup(), nil, slog.Default())

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})
	_, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)
	_, err = d.Start(context.Background(), task.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.WatchdogSweep(context.Background()))

	got, _ := d.Get(task.ID)
	assert.Equal(t, domain.TaskStatusPending, got.Status, "swept task goes through the retry path")
	assert.Equal(t, 1, got.RetryCount)

	assert.Zero(t, d.WatchdogSweep(context.Background()), "nothing left to sweep")
}

func TestProcessExitFailsBoundTask(t *testing.T) {
	bus := eventbus.New(slog.Default())
	defer bus.Close()

	dir := testDir(config.AgentConfig{ID: "lin", Skills: []string{"go"}})
	d := New(testCfg(), dir, newFakeSup(), bus, slog.Default())
	defer d.Close()

	task, _ := d.Submit(context.Background(), domain.TaskSpec{Title: "t", SkillsRequired: []string{"go"}})
	_, err := d.Assign(context.Background(), task.ID, "")
	require.NoError(t, err)
	_, err = d.Start(context.Background(), task.ID)
	require.NoError(t, err)

	rec := domain.ProcessRecord{
		ID:      "proc-lin",
		AgentID: "lin",
		Status:  domain.ProcessStatusStopped,
		TaskID:  task.ID,
	}
	payload, _ := json.Marshal(rec)
	bus.Publish(context.Background(), domain.Event{
		Type:    domain.EventProcessStatusChanged,
		AgentID: "lin",
		Payload: payload,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := d.Get(task.ID)
		if got.Status == domain.TaskStatusPending {
			assert.Equal(t, 1, got.RetryCount)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task was not failed after process stop")
}
