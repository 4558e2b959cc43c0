package restart

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kandev/relaygate/internal/platform/logger"
)

func TestBuildAndParseShutdownContextRoundTrip(t *testing.T) {
	m := New(logger.Default())
	m.SetVerificationTask(&VerificationTask{Command: "true", BDTaskID: "bd-42", Description: "fix the thing"})

	markdown, err := m.BuildShutdownContext("# shutdown summary\nsomething happened")
	if err != nil {
		t.Fatalf("BuildShutdownContext: %v", err)
	}

	summary, task, err := ParseShutdownContext(markdown)
	if err != nil {
		t.Fatalf("ParseShutdownContext: %v", err)
	}
	if !strings.Contains(summary, "shutdown summary") {
		t.Fatalf("unexpected summary: %q", summary)
	}
	if task == nil || task.BDTaskID != "bd-42" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestBuildShutdownContextWithoutTask(t *testing.T) {
	m := New(logger.Default())
	markdown, err := m.BuildShutdownContext("no task this time")
	if err != nil {
		t.Fatalf("BuildShutdownContext: %v", err)
	}
	_, task, err := ParseShutdownContext(markdown)
	if err != nil {
		t.Fatalf("ParseShutdownContext: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task, got %+v", task)
	}
}

func TestRunVerificationSuccess(t *testing.T) {
	msg := RunVerification(context.Background(), VerificationTask{
		Command:     "exit 0",
		BDTaskID:    "bd-1",
		Description: "always passes",
	}, time.Second)
	if !strings.Contains(msg, "passed") {
		t.Fatalf("expected a passing message, got %q", msg)
	}
}

func TestRunVerificationFailure(t *testing.T) {
	msg := RunVerification(context.Background(), VerificationTask{
		Command:     "echo boom 1>&2; exit 1",
		BDTaskID:    "bd-2",
		Description: "always fails",
	}, time.Second)
	if !strings.Contains(msg, "failed") || !strings.Contains(msg, "boom") {
		t.Fatalf("expected a failure message containing output, got %q", msg)
	}
}
