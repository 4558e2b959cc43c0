// Package eventbus provides the internal publish/subscribe fabric used to
// fan out unified provider events and scheduler job notices to any number
// of in-process listeners. An always-available in-memory implementation
// and an optional NATS-backed one share the same contract.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single bus message.
type Event struct {
	ID        string
	Subject   string
	Timestamp time.Time
	Data      any
}

// NewEvent stamps a new Event with a fresh id and the current time.
func NewEvent(subject string, data any) *Event {
	return &Event{ID: uuid.NewString(), Subject: subject, Timestamp: time.Now().UTC(), Data: data}
}

// Handler processes one delivered Event.
type Handler func(ctx context.Context, evt *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe()
}

// Bus is the publish/subscribe contract shared by the in-memory and NATS
// backed implementations.
type Bus interface {
	Publish(ctx context.Context, subject string, evt *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}
