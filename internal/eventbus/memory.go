package eventbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
)

// MemoryBus implements Bus using in-process channels; it is the default
// backend and the one all tests exercise.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	logger *logger.Logger
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	handler Handler
	mu      sync.Mutex
	active  bool
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub), logger: log}
}

// Publish delivers evt to every subscriber of subject, each in its own
// goroutine, matching the fire-and-forget semantics a session's status
// callback needs (publishing must never block query execution).
func (b *MemoryBus) Publish(ctx context.Context, subject string, evt *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subs[subject] {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		go func(s *memorySub, e *Event) {
			if err := s.handler(ctx, e); err != nil {
				b.logger.Error("event handler error", zap.String("subject", subject), zap.Error(err))
			}
		}(sub, evt)
	}
	return nil
}

// Subscribe registers handler for subject. Exact match only, no
// wildcards; the event vocabularies are small closed sets.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySub{bus: b, subject: subject, handler: handler, active: true}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

func (s *memorySub) Unsubscribe() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.subject]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Close deactivates every subscription.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySub)
}
