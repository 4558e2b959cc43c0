// Package queryruntime drives exactly one provider streaming call per
// invocation: it enforces generation fencing and tool-call safety, installs
// the PreTool/PostTool hooks a Session implements, and translates the
// unified provider.Event vocabulary into the transport-facing status
// callback vocabulary.
package queryruntime

// StatusType is the transport-facing status callback vocabulary.
type StatusType string

const (
	StatusThinking        StatusType = "thinking"
	StatusTool            StatusType = "tool"
	StatusText            StatusType = "text"
	StatusSegmentEnd      StatusType = "segment_end"
	StatusDone            StatusType = "done"
	StatusSteeringPending StatusType = "steering_pending"
	StatusSystem          StatusType = "system"
)

// StatusEvent is one callback delivered to the transport during a query.
type StatusEvent struct {
	Type      StatusType
	Content   string
	SegmentID string
	Metadata  map[string]any
}

// StatusCallback receives StatusEvents in delivery order.
type StatusCallback func(evt StatusEvent) error
