package gateway

import (
	"context"
	"encoding/json"
	"time"

	"foreman/internal/adapter/store"
	"foreman/internal/domain"
	"foreman/internal/usecase/directory"
	"foreman/internal/usecase/dispatcher"
	"foreman/internal/usecase/messaging"
	"foreman/internal/usecase/supervisor"
)

// Handler wires the orchestration usecases to gateway RPC methods.
// The audit store is optional; its methods report NotFound when absent.
type Handler struct {
	dir    *directory.Directory
	sup    *supervisor.Supervisor
	disp   *dispatcher.Dispatcher
	router *messaging.Router
	audit  *store.AuditStore
}

// NewHandler creates a Handler over the core components.
func NewHandler(dir *directory.Directory, sup *supervisor.Supervisor, disp *dispatcher.Dispatcher, router *messaging.Router, audit *store.AuditStore) *Handler {
	return &Handler{dir: dir, sup: sup, disp: disp, router: router, audit: audit}
}

// RegisterAll installs every RPC method on the server.
func (h *Handler) RegisterAll(s *Server) {
	s.Register("agent.list", h.agentList)
	s.Register("agent.get", h.agentGet)
	s.Register("agent.status", h.agentStatus)

	s.Register("task.submit", h.taskSubmit)
	s.Register("task.assign", h.taskAssign)
	s.Register("task.start", h.taskStart)
	s.Register("task.report", h.taskReport)
	s.Register("task.resolve", h.taskResolve)
	s.Register("task.reopen", h.taskReopen)
	s.Register("task.cancel", h.taskCancel)
	s.Register("task.get", h.taskGet)
	s.Register("task.list", h.taskList)
	s.Register("stats.tasks", h.taskStats)

	s.Register("process.ensure", h.processEnsure)
	s.Register("process.stop", h.processStop)
	s.Register("process.get", h.processGet)
	s.Register("process.list", h.processList)
	s.Register("process.reset", h.processReset)
	s.Register("process.usage", h.processUsage)
	s.Register("process.logs", h.processLogs)

	s.Register("message.send", h.messageSend)
	s.Register("message.pending", h.messagePending)
	s.Register("message.ack", h.messageAck)
	s.Register("metrics.messages", h.messageMetrics)

	s.Register("channel.create", h.channelCreate)
	s.Register("channel.list", h.channelList)
	s.Register("experts.find", h.expertsFind)

	s.Register("collab.create", h.collabCreate)
	s.Register("collab.update", h.collabUpdate)
	s.Register("collab.get", h.collabGet)

	s.Register("audit.tasks", h.auditTasks)
	s.Register("audit.messages", h.auditMessages)
}

func decode[T any](payload json.RawMessage) (T, error) {
	var req T
	if len(payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, domain.NewDomainError("gateway", domain.ErrInvalidInput, err.Error())
	}
	return req, nil
}

type idRequest struct {
	ID string `json:"id"`
}

type agentRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) agentList(_ context.Context, _ json.RawMessage) (any, error) {
	return h.dir.List(), nil
}

func (h *Handler) agentGet(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest](payload)
	if err != nil {
		return nil, err
	}
	return h.dir.Get(req.ID)
}

func (h *Handler) agentStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		AgentID string             `json:"agent_id"`
		Status  domain.AgentStatus `json:"status"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := h.dir.UpdateStatus(ctx, req.AgentID, req.Status); err != nil {
		return nil, err
	}
	return h.dir.Get(req.AgentID)
}

func (h *Handler) taskSubmit(ctx context.Context, payload json.RawMessage) (any, error) {
	spec, err := decode[domain.TaskSpec](payload)
	if err != nil {
		return nil, err
	}
	return h.disp.Submit(ctx, spec)
}

func (h *Handler) taskAssign(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id,omitempty"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.disp.Assign(ctx, req.TaskID, req.AgentID)
}

func (h *Handler) taskStart(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest](payload)
	if err != nil {
		return nil, err
	}
	return h.disp.Start(ctx, req.ID)
}

func (h *Handler) taskReport(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID string            `json:"task_id"`
		Result domain.TaskResult `json:"result"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.disp.Report(ctx, req.TaskID, req.Result)
}

func (h *Handler) taskResolve(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest](payload)
	if err != nil {
		return nil, err
	}
	return h.disp.Resolve(ctx, req.ID)
}

func (h *Handler) taskReopen(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest](payload)
	if err != nil {
		return nil, err
	}
	return h.disp.Reopen(ctx, req.ID)
}

func (h *Handler) taskCancel(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest](payload)
	if err != nil {
		return nil, err
	}
	return h.disp.Cancel(ctx, req.ID)
}

func (h *Handler) taskGet(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest](payload)
	if err != nil {
		return nil, err
	}
	return h.disp.Get(req.ID)
}

func (h *Handler) taskList(_ context.Context, _ json.RawMessage) (any, error) {
	return h.disp.List(), nil
}

func (h *Handler) taskStats(_ context.Context, _ json.RawMessage) (any, error) {
	return h.disp.Statistics(), nil
}

func (h *Handler) processEnsure(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		AgentID string            `json:"agent_id"`
		Spawn   *domain.SpawnSpec `json:"spawn,omitempty"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.sup.EnsureRunning(ctx, req.AgentID, req.Spawn)
}

func (h *Handler) processStop(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		ProcessID string `json:"process_id"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := h.sup.Stop(ctx, req.ProcessID); err != nil {
		return nil, err
	}
	return map[string]bool{"stopped": true}, nil
}

func (h *Handler) processGet(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[agentRequest](payload)
	if err != nil {
		return nil, err
	}
	return h.sup.GetByAgent(req.AgentID)
}

func (h *Handler) processList(_ context.Context, _ json.RawMessage) (any, error) {
	return h.sup.List(), nil
}

func (h *Handler) processReset(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[agentRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := h.sup.Reset(req.AgentID); err != nil {
		return nil, err
	}
	return map[string]bool{"reset": true}, nil
}

func (h *Handler) processUsage(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		ProcessID string `json:"process_id"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.sup.ResourceUsage(req.ProcessID)
}

func (h *Handler) processLogs(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		ProcessID string `json:"process_id"`
		Cursor    int64  `json:"cursor,omitempty"`
	}](payload)
	if err != nil {
		return nil, err
	}
	output, cursor, err := h.sup.Logs(req.ProcessID, req.Cursor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": output, "cursor": cursor}, nil
}

func (h *Handler) messageSend(ctx context.Context, payload json.RawMessage) (any, error) {
	msg, err := decode[domain.AgentMessage](payload)
	if err != nil {
		return nil, err
	}
	id, err := h.router.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	return map[string]string{"message_id": id}, nil
}

func (h *Handler) messagePending(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[agentRequest](payload)
	if err != nil {
		return nil, err
	}
	return h.router.PendingFor(req.AgentID), nil
}

func (h *Handler) messageAck(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		AgentID    string   `json:"agent_id"`
		MessageIDs []string `json:"message_ids"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return map[string]int{"removed": h.router.Acknowledge(req.AgentID, req.MessageIDs)}, nil
}

func (h *Handler) messageMetrics(_ context.Context, _ json.RawMessage) (any, error) {
	return h.router.Metrics(), nil
}

func (h *Handler) channelCreate(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		Kind    domain.ChannelKind `json:"kind"`
		Members []string           `json:"members"`
		Name    string             `json:"name,omitempty"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.router.CreateChannel(req.Kind, req.Members, req.Name)
}

func (h *Handler) channelList(_ context.Context, _ json.RawMessage) (any, error) {
	return h.router.ListChannels(), nil
}

func (h *Handler) expertsFind(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		Topic  string   `json:"topic,omitempty"`
		Skills []string `json:"skills,omitempty"`
		Limit  int      `json:"limit,omitempty"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.router.FindExperts(req.Topic, req.Skills, req.Limit), nil
}

func (h *Handler) collabCreate(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		Initiator    string     `json:"initiator"`
		Participants []string   `json:"participants"`
		Topic        string     `json:"topic"`
		Description  string     `json:"description,omitempty"`
		Deadline     *time.Time `json:"deadline,omitempty"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.router.CreateCollaboration(ctx, req.Initiator, req.Participants, req.Topic, req.Description, req.Deadline)
}

func (h *Handler) collabUpdate(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		ID     string                     `json:"id"`
		Status domain.CollaborationStatus `json:"status"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.router.UpdateCollaboration(req.ID, req.Status)
}

func (h *Handler) collabGet(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest](payload)
	if err != nil {
		return nil, err
	}
	return h.router.GetCollaboration(req.ID)
}

func (h *Handler) auditTasks(_ context.Context, payload json.RawMessage) (any, error) {
	if h.audit == nil {
		return nil, domain.NewDomainError("gateway", domain.ErrNotFound, "audit store disabled")
	}
	req, err := decode[struct {
		Limit int `json:"limit,omitempty"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.audit.RecentTasks(req.Limit)
}

func (h *Handler) auditMessages(_ context.Context, payload json.RawMessage) (any, error) {
	if h.audit == nil {
		return nil, domain.NewDomainError("gateway", domain.ErrNotFound, "audit store disabled")
	}
	req, err := decode[struct {
		Limit int `json:"limit,omitempty"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return h.audit.RecentMessages(req.Limit)
}
