package queryruntime

import (
	"context"
	"testing"

	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/provider"
)

type recordingHooks struct {
	preCalls  int
	postCalls int
	postMsg   string
	postOK    bool
}

func (h *recordingHooks) PreTool(ctx context.Context, call ToolCall) error {
	h.preCalls++
	return nil
}

func (h *recordingHooks) PostTool(ctx context.Context, call ToolCall) (string, bool) {
	h.postCalls++
	return h.postMsg, h.postOK
}

func newTestRunner() (*Runner, *provider.Orchestrator) {
	log := logger.Default()
	o := provider.NewOrchestrator(log)
	return New(o, NewSafetyValidator([]string{"/workspace"}), log), o
}

func TestExecuteCollectsTextAndUsage(t *testing.T) {
	runner, o := newTestRunner()
	o.Register(provider.NewMockProvider("primary"), provider.DefaultRetryPolicy)

	var events []StatusEvent
	hooks := &recordingHooks{}
	res, err := runner.Execute(context.Background(), Options{
		PrimaryProviderID: "primary",
		Input:             provider.Input{Prompt: "hello world"},
	}, hooks, func(evt StatusEvent) error {
		events = append(events, evt)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("expected full text to be echoed, got %q", res.Text)
	}
	if res.DoneReason != provider.DoneCompleted {
		t.Fatalf("expected DoneCompleted, got %v", res.DoneReason)
	}
	if res.Usage.InputTokens != 11 || res.Usage.OutputTokens != 11 {
		t.Fatalf("expected usage 11/11 from the mock, got %+v", res.Usage)
	}
	foundDone := false
	for _, e := range events {
		if e.Type == StatusDone {
			foundDone = true
		}
	}
	if !foundDone {
		t.Fatal("expected a terminal done status event")
	}
}

func TestExecuteRunsToolHooks(t *testing.T) {
	runner, o := newTestRunner()
	o.Register(provider.NewMockProvider("primary"), provider.DefaultRetryPolicy)

	hooks := &recordingHooks{postMsg: "[USER SENT MESSAGE DURING EXECUTION]\nB\n[END USER MESSAGE]", postOK: true}
	var sawSystem bool
	_, err := runner.Execute(context.Background(), Options{
		PrimaryProviderID: "primary",
		Input:             provider.Input{Prompt: "please use a tool"},
	}, hooks, func(evt StatusEvent) error {
		if evt.Type == StatusSystem {
			sawSystem = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hooks.preCalls != 1 || hooks.postCalls != 1 {
		t.Fatalf("expected exactly one PreTool/PostTool call, got pre=%d post=%d", hooks.preCalls, hooks.postCalls)
	}
	if !sawSystem {
		t.Fatal("expected PostTool's system message to be emitted")
	}
}

func TestExecuteSuppressesAbortRequested(t *testing.T) {
	runner, o := newTestRunner()
	o.Register(provider.NewMockProvider("primary"), provider.DefaultRetryPolicy)

	abort := make(chan struct{})
	close(abort)

	_, err := runner.Execute(context.Background(), Options{
		PrimaryProviderID: "primary",
		Input:             provider.Input{Prompt: "hello", AbortSignal: abort},
		ShouldStop:        func() bool { return true },
	}, &recordingHooks{}, func(StatusEvent) error { return nil })
	if err != nil {
		t.Fatalf("expected abort to be suppressed, got %v", err)
	}
}

func TestExecuteSuppressesGenerationMismatch(t *testing.T) {
	runner, o := newTestRunner()
	o.Register(provider.NewMockProvider("primary"), provider.DefaultRetryPolicy)

	gen := uint64(1)
	_, err := runner.Execute(context.Background(), Options{
		PrimaryProviderID:    "primary",
		Input:                provider.Input{Prompt: "hello"},
		QueryGeneration:      1,
		GetCurrentGeneration: func() uint64 { return gen + 1 },
	}, &recordingHooks{}, func(StatusEvent) error { return nil })
	if err != nil {
		t.Fatalf("expected generation mismatch to be suppressed, got %v", err)
	}
}

func TestTextThrottlingRespectsMinLength(t *testing.T) {
	runner, o := newTestRunner()
	mock := provider.NewMockProvider("primary")
	mock.Responder = func(string) string { return "short" }
	o.Register(mock, provider.DefaultRetryPolicy)

	var textEvents int
	_, err := runner.Execute(context.Background(), Options{
		PrimaryProviderID: "primary",
		Input:             provider.Input{Prompt: "hi"},
	}, &recordingHooks{}, func(evt StatusEvent) error {
		if evt.Type == StatusText {
			textEvents++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if textEvents != 0 {
		t.Fatalf("expected short segment to never cross the emit threshold, got %d text events", textEvents)
	}
}
