package directory

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

type captureBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *captureBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}
func (b *captureBus) Subscribe(_ domain.EventType, _ domain.EventHandler) func() { return func() {} }
func (b *captureBus) SubscribeAll(_ domain.EventHandler) func()                  { return func() {} }
func (b *captureBus) Close()                                                     {}

func (b *captureBus) snapshot() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.events...)
}

func seed() config.DirectoryConfig {
	return config.DirectoryConfig{Agents: []config.AgentConfig{
		{ID: "ada", Name: "Ada", Department: "engineering", Skills: []string{"Go", "sql"}, Workload: 30},
		{ID: "lin", Name: "Lin", Department: "engineering", Skills: []string{"javascript"}, Workload: 10},
		{ID: "sam", Name: "Sam", Department: "design", Skills: []string{"figma"}, Workload: 70},
	}}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	d := New(seed(), nil, slog.Default())

	agents := d.List()
	require.Len(t, agents, 3)
	assert.Equal(t, "ada", agents[0].ID)
	assert.Equal(t, "lin", agents[1].ID)
	assert.Equal(t, "sam", agents[2].ID)
}

func TestGetUnknownAgent(t *testing.T) {
	d := New(seed(), nil, slog.Default())

	_, err := d.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))
}

func TestFindBySkillCaseInsensitive(t *testing.T) {
	d := New(seed(), nil, slog.Default())

	got := d.FindBySkill("GO")
	require.Len(t, got, 1)
	assert.Equal(t, "ada", got[0].ID)

	assert.Empty(t, d.FindBySkill("rust"))
}

func TestUpdateWorkloadClamps(t *testing.T) {
	d := New(seed(), nil, slog.Default())

	d.UpdateWorkload("ada", 90)
	a, _ := d.Get("ada")
	assert.Equal(t, 100, a.Workload)

	d.UpdateWorkload("ada", -250)
	a, _ = d.Get("ada")
	assert.Equal(t, 0, a.Workload)

	// Unknown agent is a silent no-op.
	d.UpdateWorkload("ghost", 10)
}

func TestUpdateStatusEmitsEvent(t *testing.T) {
	bus := &captureBus{}
	d := New(seed(), bus, slog.Default())

	require.NoError(t, d.UpdateStatus(context.Background(), "ada", domain.AgentStatusOffline))
	require.NoError(t, d.UpdateStatus(context.Background(), "ada", domain.AgentStatusOffline)) // no-op, no event

	events := bus.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAgentStatusChanged, events[0].Type)
	assert.Equal(t, "ada", events[0].AgentID)

	err := d.UpdateStatus(context.Background(), "ghost", domain.AgentStatusActive)
	assert.Error(t, err)
}

func TestRegisterDuplicate(t *testing.T) {
	d := New(seed(), nil, slog.Default())

	err := d.Register(domain.Agent{ID: "ada"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeDuplicate, domain.ErrorCodeOf(err))

	require.NoError(t, d.Register(domain.Agent{ID: "new", Name: "New"}))
	agents := d.List()
	assert.Equal(t, "new", agents[len(agents)-1].ID)
	a, err := d.Get("new")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusActive, a.Status)
}

func TestConcurrentWorkloadUpdates(t *testing.T) {
	d := New(seed(), nil, slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); d.UpdateWorkload("lin", 1) }()
		go func() { defer wg.Done(); d.UpdateWorkload("lin", -1) }()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent updates did not finish")
	}

	a, _ := d.Get("lin")
	assert.Equal(t, 10, a.Workload)
}
