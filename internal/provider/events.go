// Package provider implements the Provider Orchestrator: it hides provider
// identity behind a unified event contract, selects primary/fallback
// providers, and applies a per-provider retry policy on transient failure.
package provider

import "time"

// EventKind enumerates the unified event vocabulary.
type EventKind string

const (
	EventSession   EventKind = "session"
	EventTool      EventKind = "tool"
	EventText      EventKind = "text"
	EventUsage     EventKind = "usage"
	EventContext   EventKind = "context"
	EventThinking  EventKind = "thinking"
	EventDone      EventKind = "done"
)

// ToolPhase distinguishes a tool event's phase.
type ToolPhase string

const (
	ToolStart ToolPhase = "start"
	ToolEnd   ToolPhase = "end"
)

// DoneReason is carried by a terminal Done event.
type DoneReason string

const (
	DoneCompleted DoneReason = "completed"
	DoneAborted   DoneReason = "aborted"
	DoneFailed    DoneReason = "failed"
)

// Usage carries cumulative token accounting for the query.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
	ContextWindowSize        int // 0 when not reported
}

// Event is a single unified provider event. All events carry ProviderID,
// QueryID, and Timestamp, stamped by the orchestrator.
type Event struct {
	Kind       EventKind
	ProviderID string
	QueryID    string
	Timestamp  time.Time

	// Session
	ProviderSessionID string
	Resumed           bool

	// Tool
	ToolPhase   ToolPhase
	ToolName    string
	ToolPayload any

	// Text / Thinking
	Delta string

	// Usage
	Usage Usage

	// Context
	UsedTokens int
	MaxTokens  int

	// Done
	Reason DoneReason
	Err    error
}

// Handler consumes one Event. Returning an error, or the Input's abort
// signal firing, stops further event delivery for that query.
type Handler func(evt Event) error
