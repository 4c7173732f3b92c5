package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentStatusChanged   EventType = "agent.status.changed"
	EventProcessStatusChanged EventType = "process.status.changed"
	EventProcessFatal         EventType = "process.fatal"
	EventTaskStatusChanged    EventType = "task.status.changed"
	EventMessageDelivered     EventType = "message.delivered"
	EventMessageQueued        EventType = "message.queued"
	EventCollaborationCreated EventType = "collaboration.created"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
// Publish must not block on slow subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// AgentStatusChange is the payload for EventAgentStatusChanged.
type AgentStatusChange struct {
	AgentID string      `json:"agent_id"`
	Old     AgentStatus `json:"old"`
	New     AgentStatus `json:"new"`
}

// MessageDisposition is the payload for EventMessageDelivered and
// EventMessageQueued.
type MessageDisposition struct {
	AgentID string       `json:"agent_id"`
	Message AgentMessage `json:"message"`
}
