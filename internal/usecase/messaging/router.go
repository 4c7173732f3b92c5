package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// broadcastChannelID is the well-known id of the all-agents channel.
const broadcastChannelID = "broadcast"

// ProcessLiveness is the slice of the supervisor the router needs: who
// is reachable right now, and how to hand them a message.
type ProcessLiveness interface {
	IsLive(agentID string) bool
	WriteTo(agentID string, payload []byte) error
}

// AgentCatalog is the slice of the directory the router needs.
type AgentCatalog interface {
	List() []domain.Agent
	Get(id string) (domain.Agent, error)
}

// Router delivers messages between agents. A message to a live agent
// goes straight to its worker's stdin; anything else is queued per
// recipient in insertion order and flushed when the agent comes back.
type Router struct {
	cfg    config.MessagingConfig
	dir    AgentCatalog
	procs  ProcessLiveness
	bus    domain.EventBus
	logger *slog.Logger

	mu       sync.Mutex
	queues   map[string][]domain.AgentMessage
	channels map[string]*domain.Channel
	collabs  map[string]*domain.Collaboration
	limiters map[string]*rate.Limiter

	totalMessages int
	byPriority    map[int]int

	unsub func()
}

// New creates a Router. Department channels and the broadcast channel
// are derived from the directory at construction time; direct and team
// channels are created on demand. The router subscribes to agent
// status changes so queued messages flush when an agent becomes
// active.
func New(cfg config.MessagingConfig, dir AgentCatalog, procs ProcessLiveness, bus domain.EventBus, logger *slog.Logger) *Router {
	r := &Router{
		cfg:        cfg,
		dir:        dir,
		procs:      procs,
		bus:        bus,
		logger:     logger,
		queues:     make(map[string][]domain.AgentMessage),
		channels:   make(map[string]*domain.Channel),
		collabs:    make(map[string]*domain.Collaboration),
		limiters:   make(map[string]*rate.Limiter),
		byPriority: make(map[int]int),
	}
	r.deriveChannels()
	if bus != nil {
		r.unsub = bus.Subscribe(domain.EventAgentStatusChanged, r.onAgentStatusChanged)
	}
	return r
}

// Close detaches the router from the event bus.
func (r *Router) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}

// deriveChannels builds one channel per department plus the broadcast
// channel from the current directory contents.
func (r *Router) deriveChannels() {
	now := time.Now()
	var all []string
	byDept := make(map[string][]string)
	var deptOrder []string

	for _, a := range r.dir.List() {
		all = append(all, a.ID)
		if a.Department == "" {
			continue
		}
		if _, seen := byDept[a.Department]; !seen {
			deptOrder = append(deptOrder, a.Department)
		}
		byDept[a.Department] = append(byDept[a.Department], a.ID)
	}

	r.channels[broadcastChannelID] = &domain.Channel{
		ID:           broadcastChannelID,
		Name:         "broadcast",
		Members:      all,
		Kind:         domain.ChannelKindBroadcast,
		LastActivity: now,
	}
	for _, dept := range deptOrder {
		id := "dept:" + dept
		r.channels[id] = &domain.Channel{
			ID:           id,
			Name:         dept,
			Members:      byDept[dept],
			Kind:         domain.ChannelKindDepartment,
			LastActivity: now,
		}
	}
	r.logger.Info("channels derived", "count", len(r.channels))
}

// Send routes a message. Exactly one addressing mode applies: To (one
// or more agent ids), ChannelID, or Broadcast. Returns the message id.
func (r *Router) Send(ctx context.Context, msg domain.AgentMessage) (string, error) {
	const op = "Router.Send"

	if msg.From == "" {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "empty sender")
	}
	if msg.Type == "" {
		msg.Type = domain.MessageTypeNotification
	}
	msg.ID = ulid.Make().String()
	msg.SentAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.limiterLocked(msg.From).Allow() {
		return "", domain.NewSubSystemError("send", op, domain.ErrLimitReached, msg.From)
	}

	var recipients []string
	switch {
	case msg.ChannelID != "":
		ch, ok := r.channels[msg.ChannelID]
		if !ok {
			return "", domain.NewSubSystemError("channel", op, domain.ErrNotFound, msg.ChannelID)
		}
		ch.LastActivity = msg.SentAt
		recipients = excludeSender(ch.Members, msg.From)
	case msg.Broadcast:
		for _, a := range r.dir.List() {
			if a.ID != msg.From {
				recipients = append(recipients, a.ID)
			}
		}
	case len(msg.To) > 0:
		for _, id := range msg.To {
			if _, err := r.dir.Get(id); err != nil {
				return "", domain.WrapOp(op, err)
			}
		}
		recipients = msg.To
	default:
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "no recipients")
	}

	r.totalMessages++
	r.byPriority[msg.Priority]++

	for _, agentID := range recipients {
		r.deliverLocked(ctx, agentID, msg)
	}
	return msg.ID, nil
}

// deliverLocked hands msg to the agent's live worker or queues it.
// Caller holds r.mu.
func (r *Router) deliverLocked(ctx context.Context, agentID string, msg domain.AgentMessage) {
	if r.procs.IsLive(agentID) {
		payload, _ := json.Marshal(msg)
		if err := r.procs.WriteTo(agentID, payload); err == nil {
			msg.State = domain.DeliveryDelivered
			r.publish(ctx, domain.EventMessageDelivered, agentID, msg)
			return
		}
		// Worker vanished between the liveness check and the write.
	}

	msg.State = domain.DeliveryQueued
	q := r.queues[agentID]
	if len(q) >= r.cfg.QueueLimit {
		dropped := q[0]
		q = q[1:]
		r.logger.Warn("queue full, dropping oldest message",
			"agent_id", agentID, "dropped_id", dropped.ID, "limit", r.cfg.QueueLimit)
	}
	r.queues[agentID] = append(q, msg)
	r.publish(ctx, domain.EventMessageQueued, agentID, msg)
}

// PendingFor returns the agent's queued messages, oldest first.
func (r *Router) PendingFor(agentID string) []domain.AgentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AgentMessage(nil), r.queues[agentID]...)
}

// Acknowledge removes the given message ids from the agent's queue and
// returns how many were removed.
func (r *Router) Acknowledge(agentID string, messageIDs []string) int {
	acked := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		acked[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[agentID]
	kept := q[:0]
	removed := 0
	for _, m := range q {
		if acked[m.ID] {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		delete(r.queues, agentID)
	} else {
		r.queues[agentID] = kept
	}
	return removed
}

// onAgentStatusChanged flushes the pending queue when an agent comes
// back to active, preserving the original order.
func (r *Router) onAgentStatusChanged(ctx context.Context, e domain.Event) {
	var change domain.AgentStatusChange
	if err := json.Unmarshal(e.Payload, &change); err != nil || change.New != domain.AgentStatusActive {
		return
	}
	r.OnAgentBecameActive(ctx, change.AgentID)
}

// OnAgentBecameActive re-runs delivery for everything queued for the
// agent. Messages that still cannot be delivered are re-queued in the
// same order.
func (r *Router) OnAgentBecameActive(ctx context.Context, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.queues[agentID]
	if len(pending) == 0 {
		return
	}
	delete(r.queues, agentID)
	r.logger.Info("flushing queued messages", "agent_id", agentID, "count", len(pending))
	for _, msg := range pending {
		r.deliverLocked(ctx, agentID, msg)
	}
}

// CreateChannel registers a channel. Direct channels derive a
// canonical id from the sorted member pair, so repeated creation for
// the same pair returns the existing channel.
func (r *Router) CreateChannel(kind domain.ChannelKind, members []string, name string) (domain.Channel, error) {
	const op = "Router.CreateChannel"

	for _, id := range members {
		if _, err := r.dir.Get(id); err != nil {
			return domain.Channel{}, domain.WrapOp(op, err)
		}
	}

	var id string
	switch kind {
	case domain.ChannelKindDirect:
		if len(members) != 2 {
			return domain.Channel{}, domain.NewDomainError(op, domain.ErrInvalidInput, "direct channel needs exactly two members")
		}
		pair := []string{members[0], members[1]}
		sort.Strings(pair)
		id = "direct:" + pair[0] + ":" + pair[1]
	case domain.ChannelKindTeam:
		if len(members) == 0 {
			return domain.Channel{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty member list")
		}
		id = "team:" + ulid.Make().String()
	case domain.ChannelKindDepartment:
		id = "dept:" + name
	case domain.ChannelKindBroadcast:
		id = broadcastChannelID
	default:
		return domain.Channel{}, domain.NewDomainError(op, domain.ErrInvalidInput, "unknown channel kind")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.channels[id]; ok {
		return *existing, nil
	}
	ch := &domain.Channel{
		ID:           id,
		Name:         name,
		Members:      append([]string(nil), members...),
		Kind:         kind,
		LastActivity: time.Now(),
	}
	r.channels[id] = ch
	r.logger.Info("channel created", "channel_id", id, "kind", kind, "members", len(members))
	return *ch, nil
}

// GetChannel returns the channel with the given id.
func (r *Router) GetChannel(id string) (domain.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return domain.Channel{}, domain.NewSubSystemError("channel", "Router.GetChannel", domain.ErrNotFound, id)
	}
	return *ch, nil
}

// ListChannels returns all channels ordered by id.
func (r *Router) ListChannels() []domain.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindExperts ranks agents for a topic: ten points per exact skill
// match, five per partial match, plus a spare-capacity bonus. Offline
// agents are excluded; ties break toward the lower workload. At most
// limit agents are returned (default 3).
func (r *Router) FindExperts(topic string, skills []string, limit int) []domain.Agent {
	if limit <= 0 {
		limit = 3
	}

	type ranked struct {
		agent domain.Agent
		score int
		order int
	}
	var candidates []ranked

	for i, a := range r.dir.List() {
		if a.Status == domain.AgentStatusOffline {
			continue
		}
		score := expertScore(a, topic, skills)
		if score == 0 {
			continue
		}
		candidates = append(candidates, ranked{agent: a, score: score, order: i})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].agent.Workload != candidates[j].agent.Workload {
			return candidates[i].agent.Workload < candidates[j].agent.Workload
		}
		return candidates[i].order < candidates[j].order
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]domain.Agent, len(candidates))
	for i, c := range candidates {
		out[i] = c.agent
	}
	return out
}

// expertScore mirrors the assignment scoring but adds partial credit:
// an exact skill match is worth 10, a substring match 5, and the topic
// itself counts as one more partial matcher.
func expertScore(a domain.Agent, topic string, skills []string) int {
	score := 0
	for _, want := range skills {
		switch {
		case a.HasSkill(want):
			score += 10
		case partialMatch(a, want):
			score += 5
		}
	}
	if topic != "" && !containsFold(skills, topic) {
		switch {
		case a.HasSkill(topic):
			score += 10
		case partialMatch(a, topic):
			score += 5
		}
	}
	if score == 0 {
		return 0
	}
	return score + availabilityBonus(a.Workload)
}

func partialMatch(a domain.Agent, want string) bool {
	w := strings.ToLower(want)
	for _, s := range a.Skills {
		ls := strings.ToLower(s)
		if strings.Contains(ls, w) || strings.Contains(w, ls) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func availabilityBonus(workload int) int {
	switch {
	case workload < 50:
		return 20
	case workload < 80:
		return 10
	default:
		return 0
	}
}

// CreateCollaboration opens a pending collaboration and sends a
// request-type message to every participant carrying the
// collaboration id.
func (r *Router) CreateCollaboration(ctx context.Context, initiator string, participants []string, topic, description string, deadline *time.Time) (domain.Collaboration, error) {
	const op = "Router.CreateCollaboration"

	if initiator == "" || len(participants) == 0 {
		return domain.Collaboration{}, domain.NewDomainError(op, domain.ErrInvalidInput, "initiator and participants required")
	}
	for _, id := range participants {
		if _, err := r.dir.Get(id); err != nil {
			return domain.Collaboration{}, domain.WrapOp(op, err)
		}
	}

	now := time.Now()
	collab := &domain.Collaboration{
		ID:           ulid.Make().String(),
		Initiator:    initiator,
		Participants: append([]string(nil), participants...),
		Topic:        topic,
		Description:  description,
		Status:       domain.CollaborationPending,
		Deadline:     deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	r.collabs[collab.ID] = collab
	record := *collab

	content, _ := json.Marshal(map[string]string{
		"collaboration_id": record.ID,
		"topic":            topic,
	})
	msg := domain.AgentMessage{
		ID:       ulid.Make().String(),
		From:     initiator,
		Type:     domain.MessageTypeRequest,
		Topic:    topic,
		Content:  content,
		SentAt:   now,
		Priority: 1,
	}
	r.totalMessages++
	r.byPriority[msg.Priority]++
	for _, agentID := range participants {
		r.deliverLocked(ctx, agentID, msg)
	}
	r.mu.Unlock()

	r.logger.Info("collaboration created",
		"collaboration_id", record.ID, "initiator", initiator, "participants", len(participants))
	if r.bus != nil {
		payload, _ := json.Marshal(record)
		r.bus.Publish(ctx, domain.Event{
			Type:      domain.EventCollaborationCreated,
			Timestamp: now,
			AgentID:   initiator,
			Payload:   payload,
		})
	}
	return record, nil
}

// UpdateCollaboration applies a caller-driven status transition:
// pending may activate or cancel, active may complete or cancel.
func (r *Router) UpdateCollaboration(id string, status domain.CollaborationStatus) (domain.Collaboration, error) {
	const op = "Router.UpdateCollaboration"

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collabs[id]
	if !ok {
		return domain.Collaboration{}, domain.NewSubSystemError("collaboration", op, domain.ErrNotFound, id)
	}

	allowed := map[domain.CollaborationStatus][]domain.CollaborationStatus{
		domain.CollaborationPending: {domain.CollaborationActive, domain.CollaborationCancelled},
		domain.CollaborationActive:  {domain.CollaborationCompleted, domain.CollaborationCancelled},
	}
	ok = false
	for _, next := range allowed[c.Status] {
		if next == status {
			ok = true
			break
		}
	}
	if !ok {
		return domain.Collaboration{}, domain.NewDomainError(op, domain.ErrInvalidState,
			string(c.Status)+" -> "+string(status))
	}

	c.Status = status
	c.UpdatedAt = time.Now()
	return *c, nil
}

// GetCollaboration returns the collaboration with the given id.
func (r *Router) GetCollaboration(id string) (domain.Collaboration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collabs[id]
	if !ok {
		return domain.Collaboration{}, domain.NewSubSystemError("collaboration", "Router.GetCollaboration", domain.ErrNotFound, id)
	}
	return *c, nil
}

// Metrics returns the router's counter snapshot.
func (r *Router) Metrics() domain.MessageMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued := 0
	for _, q := range r.queues {
		queued += len(q)
	}
	activeCollabs := 0
	for _, c := range r.collabs {
		if c.Status == domain.CollaborationPending || c.Status == domain.CollaborationActive {
			activeCollabs++
		}
	}
	byPriority := make(map[int]int, len(r.byPriority))
	for k, v := range r.byPriority {
		byPriority[k] = v
	}
	return domain.MessageMetrics{
		TotalMessages:        r.totalMessages,
		QueuedMessages:       queued,
		ActiveChannels:       len(r.channels),
		ActiveCollaborations: activeCollabs,
		MessagesByPriority:   byPriority,
	}
}

// limiterLocked returns the per-sender rate limiter, creating it on
// first use. Caller holds r.mu.
func (r *Router) limiterLocked(sender string) *rate.Limiter {
	l, ok := r.limiters[sender]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.cfg.RatePerSender), r.cfg.Burst)
		r.limiters[sender] = l
	}
	return l
}

func (r *Router) publish(ctx context.Context, t domain.EventType, agentID string, msg domain.AgentMessage) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.MessageDisposition{AgentID: agentID, Message: msg})
	r.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Payload:   payload,
	})
}

func excludeSender(members []string, sender string) []string {
	out := make([]string, 0, len(members))
	for _, id := range members {
		if id != sender {
			out = append(out, id)
		}
	}
	return out
}
