package gateway

import "encoding/json"

// FrameType identifies the kind of frame on the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged with gateway clients.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // request/response correlation id
	Method  string          `json:"method,omitempty"`  // RPC method name (request only)
	Payload json.RawMessage `json:"payload,omitempty"` // request params or response result
	Code    string          `json:"code,omitempty"`    // machine-parseable error code (response only)
	Error   string          `json:"error,omitempty"`   // error description (response only)
}
