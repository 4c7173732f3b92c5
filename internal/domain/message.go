package domain

import (
	"encoding/json"
	"time"
)

// MessageType classifies agent-to-agent messages.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeBroadcast    MessageType = "broadcast"
)

// DeliveryState records whether a message reached a live process or
// was queued for a currently unreachable agent.
type DeliveryState string

const (
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryQueued    DeliveryState = "queued"
)

// AgentMessage is a message routed between agents. Exactly one of the
// addressing fields applies: To (one or more agent ids), ChannelID, or
// Broadcast.
type AgentMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        []string        `json:"to,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Priority  int             `json:"priority"`
	Content   json.RawMessage `json:"content,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
	State     DeliveryState   `json:"state,omitempty"`
}

// ChannelKind classifies message channels.
type ChannelKind string

const (
	ChannelKindDirect     ChannelKind = "direct"
	ChannelKindTeam       ChannelKind = "team"
	ChannelKindDepartment ChannelKind = "department"
	ChannelKindBroadcast  ChannelKind = "broadcast"
)

// Channel is a named group of agents used for scoped message fan-out.
// Department and broadcast channels are derived from the directory at
// startup; direct and team channels are created on demand.
type Channel struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Members      []string    `json:"members"`
	Kind         ChannelKind `json:"kind"`
	LastActivity time.Time   `json:"last_activity"`
}

// CollaborationStatus is the caller-driven state of a collaboration.
type CollaborationStatus string

const (
	CollaborationPending   CollaborationStatus = "pending"
	CollaborationActive    CollaborationStatus = "active"
	CollaborationCompleted CollaborationStatus = "completed"
	CollaborationCancelled CollaborationStatus = "cancelled"
)

// Collaboration is an explicit multi-agent work session, distinct from
// automatic task assignment. Status transitions are caller-driven.
type Collaboration struct {
	ID           string              `json:"id"`
	Initiator    string              `json:"initiator"`
	Participants []string            `json:"participants"`
	Topic        string              `json:"topic"`
	Description  string              `json:"description,omitempty"`
	Status       CollaborationStatus `json:"status"`
	Deadline     *time.Time          `json:"deadline,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// MessageMetrics is the router's read-side counter snapshot.
type MessageMetrics struct {
	TotalMessages        int         `json:"total_messages"`
	QueuedMessages       int         `json:"queued_messages"`
	ActiveChannels       int         `json:"active_channels"`
	ActiveCollaborations int         `json:"active_collaborations"`
	MessagesByPriority   map[int]int `json:"messages_by_priority"`
}
