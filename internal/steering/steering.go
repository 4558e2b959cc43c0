// Package steering implements the steering buffer: a bounded FIFO of user
// messages received while a query is running, with a shadow list that
// tracks which messages were injected into the provider via the PostTool
// hook, and a pending-recovery slot used on kill.
package steering

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrEmptyContent is returned by Enqueue when content is empty after trimming.
var ErrEmptyContent = errors.New("EMPTY_STEERING")

// ErrInvalidMessageID is returned by Enqueue when messageId <= 0.
var ErrInvalidMessageID = errors.New("steering message id must be positive")

// DefaultCapacity is the default active FIFO capacity.
const DefaultCapacity = 100

// Message is a single immutable steering entry.
type Message struct {
	Content           string
	MessageID         int64
	Timestamp         time.Time
	ReceivedDuringTool string
}

// PendingRecovery holds steering messages offered back to the user after a
// kill, expiring 60s after being prompted.
type PendingRecovery struct {
	Messages  []Message
	PromptedAt time.Time
	State     RecoveryState
	ChatID    string
	BoundToMessageID int64
}

// RecoveryState is the lifecycle of a PendingRecovery.
type RecoveryState int

const (
	RecoveryAwaiting RecoveryState = iota
	RecoveryResolved
)

const pendingRecoveryTTL = 60 * time.Second

// Buffer is the per-Session steering buffer. It is safe for concurrent use;
// all operations are synchronous and non-blocking.
type Buffer struct {
	mu       sync.Mutex
	cap      int
	active   []Message
	shadow   []Message
	pending  *PendingRecovery
	now      func() time.Time
}

// New creates a Buffer with the given active-FIFO capacity. A capacity of
// 0 defaults to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{cap: capacity, now: time.Now}
}

// Enqueue appends a steering message to the active FIFO. If the FIFO is at
// capacity, the head is dropped and evicted=true is returned.
func (b *Buffer) Enqueue(content string, messageID int64, toolHint string) (evicted bool, err error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false, ErrEmptyContent
	}
	if messageID <= 0 {
		return false, ErrInvalidMessageID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	msg := Message{
		Content:            trimmed,
		MessageID:          messageID,
		Timestamp:          b.now(),
		ReceivedDuringTool: toolHint,
	}

	if len(b.active) >= b.cap {
		b.active = append(b.active[1:], msg)
		return true, nil
	}
	b.active = append(b.active, msg)
	return false, nil
}

// Consume drains the active FIFO and returns the formatted joined string,
// or nil when empty.
func (b *Buffer) Consume() *string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.active) == 0 {
		return nil
	}
	formatted := formatMessages(b.active)
	b.active = nil
	return &formatted
}

// Peek returns the same formatting as Consume without draining the buffer.
func (b *Buffer) Peek() *string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.active) == 0 {
		return nil
	}
	formatted := formatMessages(b.active)
	return &formatted
}

// Len reports the number of messages currently in the active FIFO.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// TrackForInjection moves the active FIFO into the shadow list, returning
// how many messages moved. Called from the PostTool hook once its payload
// has been handed to the provider.
func (b *Buffer) TrackForInjection() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.active)
	if n == 0 {
		return 0
	}
	b.shadow = append(b.shadow, b.active...)
	b.active = nil
	return n
}

// RestoreInjected prepends the shadow list back into the active FIFO and
// clears the shadow list. Called at the start of a new query so that
// messages the previous query never actually delivered (e.g. a text-only
// response with no PostTool boundary) remain visible.
func (b *Buffer) RestoreInjected() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.shadow)
	if n == 0 {
		return 0
	}
	b.active = append(append([]Message{}, b.shadow...), b.active...)
	b.shadow = nil
	return n
}

// ClearInjectedTracking discards the shadow list once the next query has
// successfully re-anchored the messages.
func (b *Buffer) ClearInjectedTracking() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shadow = nil
}

// Extract drains the active FIFO and returns its messages, discarding the
// shadow list without returning it (used on kill).
func (b *Buffer) Extract() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.active
	b.active = nil
	b.shadow = nil
	return out
}

// SetPendingRecovery stores a PendingRecovery snapshot for up to 60s.
func (b *Buffer) SetPendingRecovery(messages []Message, chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = &PendingRecovery{
		Messages:   messages,
		PromptedAt: b.now(),
		State:      RecoveryAwaiting,
		ChatID:     chatID,
	}
}

// GetPendingRecovery returns the current PendingRecovery, or nil if absent
// or past its 60s TTL.
func (b *Buffer) GetPendingRecovery() *PendingRecovery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingLocked()
}

func (b *Buffer) pendingLocked() *PendingRecovery {
	if b.pending == nil {
		return nil
	}
	if b.now().Sub(b.pending.PromptedAt) > pendingRecoveryTTL {
		b.pending = nil
		return nil
	}
	return b.pending
}

// ResolvePendingRecovery marks the current PendingRecovery resolved and
// binds it to the given message id, returning false if none is active.
func (b *Buffer) ResolvePendingRecovery(boundToMessageID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pendingLocked()
	if p == nil {
		return false
	}
	p.State = RecoveryResolved
	p.BoundToMessageID = boundToMessageID
	return true
}

// ClearPendingRecovery discards any pending recovery.
func (b *Buffer) ClearPendingRecovery() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

func formatMessages(msgs []Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ts := m.Timestamp.Format("15:04:05")
		if m.ReceivedDuringTool != "" {
			parts = append(parts, fmt.Sprintf("[%s (during %s)] %s", ts, m.ReceivedDuringTool, m.Content))
		} else {
			parts = append(parts, fmt.Sprintf("[%s] %s", ts, m.Content))
		}
	}
	return strings.Join(parts, "\n---\n")
}
