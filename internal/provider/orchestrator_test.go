package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kandev/relaygate/internal/platform/logger"
)

func newTestOrchestrator() *Orchestrator {
	o := NewOrchestrator(logger.Default())
	o.backoff = func(attempt int, base time.Duration) {} // no sleeping in tests
	return o
}

func TestExecuteProviderQuerySuccess(t *testing.T) {
	o := newTestOrchestrator()
	o.Register(NewMockProvider("primary"), RetryPolicy{MaxRetries: 1, BaseBackoffMs: 1})

	var kinds []EventKind
	res, err := o.ExecuteProviderQuery(context.Background(), Query{
		PrimaryProviderID: "primary",
		Input:             Input{Prompt: "hello"},
		OnEvent: func(evt Event) error {
			kinds = append(kinds, evt.Kind)
			if evt.ProviderID != "primary" {
				t.Fatalf("expected provider id stamped, got %q", evt.ProviderID)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != "primary" || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if kinds[len(kinds)-1] != EventDone {
		t.Fatalf("expected final event to be done, got %v", kinds)
	}
}

func TestExecuteProviderQueryRetriesThenSucceeds(t *testing.T) {
	o := newTestOrchestrator()
	mock := NewMockProvider("primary")
	mock.FailNext = errors.New("rate limit exceeded")
	o.Register(mock, RetryPolicy{MaxRetries: 2, BaseBackoffMs: 1})

	res, err := o.ExecuteProviderQuery(context.Background(), Query{
		PrimaryProviderID: "primary",
		Input:             Input{Prompt: "hello"},
		OnEvent:           func(Event) error { return nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts (1 fail + 1 success), got %d", res.Attempts)
	}
}

func TestExecuteProviderQueryFallsBackOnFatal(t *testing.T) {
	o := newTestOrchestrator()
	primary := NewMockProvider("primary")
	primary.FailNext = errors.New("permanent auth failure")
	o.Register(primary, RetryPolicy{MaxRetries: 1, BaseBackoffMs: 1})
	o.Register(NewMockProvider("fallback"), RetryPolicy{MaxRetries: 1, BaseBackoffMs: 1})

	res, err := o.ExecuteProviderQuery(context.Background(), Query{
		PrimaryProviderID:  "primary",
		FallbackProviderID: "fallback",
		Input:              Input{Prompt: "hello"},
		OnEvent:            func(Event) error { return nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != "fallback" {
		t.Fatalf("expected fallback provider to serve the query, got %q", res.ProviderID)
	}
}

func TestExecuteProviderQueryPropagatesWithoutFallback(t *testing.T) {
	o := newTestOrchestrator()
	primary := NewMockProvider("primary")
	primary.FailNext = errors.New("permanent auth failure")
	o.Register(primary, RetryPolicy{MaxRetries: 0, BaseBackoffMs: 1})

	_, err := o.ExecuteProviderQuery(context.Background(), Query{
		PrimaryProviderID: "primary",
		Input:             Input{Prompt: "hello"},
		OnEvent:           func(Event) error { return nil },
	})
	if err == nil {
		t.Fatal("expected error to propagate with no fallback configured")
	}
}

func TestDefaultClassifier(t *testing.T) {
	if DefaultClassifier(errors.New("429 too many requests")) != ClassTransient {
		t.Fatal("expected 429 to classify as transient")
	}
	if DefaultClassifier(errors.New("invalid api key")) != ClassFatal {
		t.Fatal("expected auth error to classify as fatal")
	}
}
