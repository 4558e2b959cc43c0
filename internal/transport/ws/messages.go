// Package ws is the minimal stand-in chat transport that drives the
// Session Manager end to end over a WebSocket connection. A full
// chat-platform adapter (reactions, keyboards, media) would replace this
// package; it exists to exercise the session surface with a real
// transport.
package ws

import "github.com/kandev/relaygate/internal/queryruntime"

// InboundType enumerates the client-to-server message shapes this
// transport accepts.
type InboundType string

const (
	InboundMessage InboundType = "message"
	InboundSteer   InboundType = "steer"
	InboundStop    InboundType = "stop"
	InboundKill    InboundType = "kill"
)

// Inbound is one client-to-server envelope. Tenant/ChatID/ThreadID
// together resolve a Session; Content is interpreted per Type.
type Inbound struct {
	Type     InboundType `json:"type"`
	Tenant   string      `json:"tenant"`
	ChatID   string      `json:"chatId"`
	ThreadID string      `json:"threadId,omitempty"`
	Content  string      `json:"content,omitempty"`
	// MessageID is the steering message id; when it is absent or not
	// positive the transport stamps one from the current time.
	MessageID int `json:"messageId,omitempty"`
}

// OutboundType enumerates the server-to-client message shapes. Status
// carries the queryruntime.StatusType vocabulary verbatim; the remaining
// kinds are transport-level acks/errors this stand-in adds.
type OutboundType string

const (
	OutboundStatus  OutboundType = "status"
	OutboundResult  OutboundType = "result"
	OutboundError   OutboundType = "error"
	OutboundNotice  OutboundType = "notice"
)

// Outbound is one server-to-client envelope.
type Outbound struct {
	Type      OutboundType               `json:"type"`
	ChatID    string                     `json:"chatId,omitempty"`
	ThreadID  string                     `json:"threadId,omitempty"`
	Status    queryruntime.StatusType    `json:"status,omitempty"`
	Content   string                     `json:"content,omitempty"`
	SegmentID string                     `json:"segmentId,omitempty"`
	Metadata  map[string]any             `json:"metadata,omitempty"`
	Error     string                     `json:"error,omitempty"`
}
