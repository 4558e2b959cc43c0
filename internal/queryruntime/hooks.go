package queryruntime

import "context"

// ToolCall is the normalized shape of one tool invocation the provider
// reports, enough for safety validation and for formatting a display string.
type ToolCall struct {
	Name    string
	Payload any
}

// Hooks is implemented by the Session. It is an interface rather than a
// pair of closures so the provider adapter never captures session state.
type Hooks interface {
	// PreTool fires before a tool call is allowed to execute. A non-nil
	// error blocks the call.
	PreTool(ctx context.Context, call ToolCall) error
	// PostTool fires after a tool call completes. If ok, systemMessage is
	// the formatted steering envelope to inject into the current turn as a
	// system-message observation, never as a new user turn.
	PostTool(ctx context.Context, call ToolCall) (systemMessage string, ok bool)
}

// NopHooks performs no validation and never injects; useful for the
// scheduler path, which runs against a dedicated Session that has its own
// Hooks implementation but lets callers opt out in tests.
type NopHooks struct{}

func (NopHooks) PreTool(ctx context.Context, call ToolCall) error { return nil }
func (NopHooks) PostTool(ctx context.Context, call ToolCall) (string, bool) { return "", false }
