package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// Directory is the read-mostly catalog of agents: identity, skills,
// department, current workload. It is a leaf component; the dispatcher
// and router depend on it, never the reverse.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent
	order  []string // insertion order, for stable List and tie-breaks
	bus    domain.EventBus
	logger *slog.Logger
}

// New creates a Directory seeded from the company config. Agents with
// no explicit status start active.
func New(cfg config.DirectoryConfig, bus domain.EventBus, logger *slog.Logger) *Directory {
	d := &Directory{
		agents: make(map[string]*domain.Agent, len(cfg.Agents)),
		bus:    bus,
		logger: logger,
	}
	for _, ac := range cfg.Agents {
		d.agents[ac.ID] = &domain.Agent{
			ID:         ac.ID,
			Name:       ac.Name,
			Role:       ac.Role,
			Department: ac.Department,
			Skills:     append([]string(nil), ac.Skills...),
			Workload:   ac.Workload,
			Status:     domain.AgentStatusActive,
		}
		d.order = append(d.order, ac.ID)
	}
	logger.Info("directory loaded", "agents", len(d.order))
	return d
}

// Register adds an agent at runtime. Returns ErrDuplicate if the id is
// already present.
func (d *Directory) Register(agent domain.Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.agents[agent.ID]; exists {
		return domain.NewSubSystemError("agent", "Directory.Register", domain.ErrDuplicate, agent.ID)
	}
	if agent.Status == "" {
		agent.Status = domain.AgentStatusActive
	}
	a := agent
	d.agents[a.ID] = &a
	d.order = append(d.order, a.ID)
	d.logger.Info("agent registered", "agent_id", a.ID, "name", a.Name)
	return nil
}

// Get returns a copy of the agent with the given id.
func (d *Directory) Get(id string) (domain.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.agents[id]
	if !ok {
		return domain.Agent{}, domain.NewSubSystemError("agent", "Directory.Get", domain.ErrNotFound, id)
	}
	return *a, nil
}

// List returns all agents in insertion order.
func (d *Directory) List() []domain.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.Agent, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.agents[id])
	}
	return out
}

// FindBySkill returns agents whose skill set contains skill,
// case-insensitively, in insertion order.
func (d *Directory) FindBySkill(skill string) []domain.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []domain.Agent
	for _, id := range d.order {
		if d.agents[id].HasSkill(skill) {
			out = append(out, *d.agents[id])
		}
	}
	return out
}

// UpdateWorkload adjusts an agent's workload by delta, clamped to
// [0,100]. Unknown agents are a silent no-op.
func (d *Directory) UpdateWorkload(id string, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.agents[id]
	if !ok {
		return
	}
	w := a.Workload + delta
	if w < domain.WorkloadMin {
		w = domain.WorkloadMin
	}
	if w > domain.WorkloadMax {
		w = domain.WorkloadMax
	}
	a.Workload = w
}

// UpdateStatus sets an agent's status and publishes an
// agent.status.changed event. Unknown agents return ErrNotFound.
func (d *Directory) UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	d.mu.Lock()
	a, ok := d.agents[id]
	if !ok {
		d.mu.Unlock()
		return domain.NewSubSystemError("agent", "Directory.UpdateStatus", domain.ErrNotFound, id)
	}
	old := a.Status
	a.Status = status
	d.mu.Unlock()

	if old == status {
		return nil
	}

	d.logger.Debug("agent status changed", "agent_id", id, "old", old, "new", status)
	d.publishStatusChange(ctx, id, old, status)
	return nil
}

func (d *Directory) publishStatusChange(ctx context.Context, id string, old, next domain.AgentStatus) {
	if d.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.AgentStatusChange{AgentID: id, Old: old, New: next})
	d.bus.Publish(ctx, domain.Event{
		Type:      domain.EventAgentStatusChanged,
		Timestamp: time.Now(),
		AgentID:   id,
		Payload:   payload,
	})
}
