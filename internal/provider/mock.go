package provider

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// MockProvider is a deterministic in-process Provider used for tests and as
// the stand-in fallback provider in demo wiring (cmd/relaygate) when no
// real agent runtime is configured.
type MockProvider struct {
	id string
	// Responder, when set, computes the text response for a prompt.
	// Defaults to echoing the prompt.
	Responder func(prompt string) string
	// FailNext, when non-nil, is returned (and then cleared) by the next Run.
	FailNext error
}

// NewMockProvider creates a MockProvider with the given id.
func NewMockProvider(id string) *MockProvider {
	return &MockProvider{id: id}
}

func (m *MockProvider) ID() string { return m.id }

// Run emits a session event, a synthetic tool call if the prompt mentions
// "tool", a handful of text deltas, a usage snapshot, and a done event.
func (m *MockProvider) Run(ctx context.Context, in Input, onEvent Handler) error {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}

	sessionID := in.ResumeSessionID
	resumed := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := onEvent(Event{Kind: EventSession, ProviderSessionID: sessionID, Resumed: resumed}); err != nil {
		return err
	}

	if strings.Contains(strings.ToLower(in.Prompt), "tool") {
		if err := onEvent(Event{Kind: EventTool, ToolPhase: ToolStart, ToolName: "Bash"}); err != nil {
			return err
		}
		if err := onEvent(Event{Kind: EventTool, ToolPhase: ToolEnd, ToolName: "Bash"}); err != nil {
			return err
		}
	}

	response := in.Prompt
	if m.Responder != nil {
		response = m.Responder(in.Prompt)
	}
	for _, chunk := range splitChunks(response, 40) {
		select {
		case <-ctx.Done():
			return onEvent(Event{Kind: EventDone, Reason: DoneAborted})
		default:
		}
		if err := onEvent(Event{Kind: EventText, Delta: chunk}); err != nil {
			return err
		}
	}

	if err := onEvent(Event{Kind: EventUsage, Usage: Usage{InputTokens: len(in.Prompt), OutputTokens: len(response)}}); err != nil {
		return err
	}
	if err := onEvent(Event{Kind: EventContext, UsedTokens: len(in.Prompt) + len(response), MaxTokens: 200000}); err != nil {
		return err
	}
	return onEvent(Event{Kind: EventDone, Reason: DoneCompleted})
}

// Cancel is a no-op for MockProvider; it completes synchronously.
func (m *MockProvider) Cancel(ctx context.Context) error { return nil }

func splitChunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}
