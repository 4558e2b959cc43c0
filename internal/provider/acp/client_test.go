package acp

import (
	"context"
	"path/filepath"
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/kandev/relaygate/internal/platform/logger"
)

func TestResolvePath(t *testing.T) {
	client := NewClient(logger.Default(), WithWorkspaceRoot("/workspace/project"))

	tests := []struct {
		name      string
		input     string
		expected  string
		expectErr bool
	}{
		{name: "absolute path within workspace", input: "/workspace/project/src/main.go", expected: "/workspace/project/src/main.go"},
		{name: "relative path resolves within workspace", input: "src/main.go", expected: filepath.Join("/workspace/project", "src/main.go")},
		{name: "workspace root itself is allowed", input: "/workspace/project", expected: "/workspace/project"},
		{name: "dot path resolves to workspace root", input: ".", expected: "/workspace/project"},
		{name: "path traversal with relative path is rejected", input: "../../etc/passwd", expectErr: true},
		{name: "path traversal with dot-dot in middle is rejected", input: "src/../../etc/passwd", expectErr: true},
		{name: "absolute path outside workspace is rejected", input: "/etc/passwd", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.resolvePath(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("resolvePath(%q) expected error, got path %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Errorf("resolvePath(%q) unexpected error: %v", tt.input, err)
				return
			}
			if got != tt.expected {
				t.Errorf("resolvePath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestRequestPermissionAutoApprovesAllowOption(t *testing.T) {
	client := NewClient(logger.Default())

	allowOnce := acpsdk.PermissionOptionKindAllowOnce
	req := acpsdk.RequestPermissionRequest{
		Options: []acpsdk.PermissionOption{
			{OptionId: "reject", Kind: acpsdk.PermissionOptionKindRejectOnce},
			{OptionId: "allow", Kind: allowOnce},
		},
	}

	resp, err := client.RequestPermission(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "allow" {
		t.Fatalf("expected auto-approve to select the allow option, got %+v", resp.Outcome)
	}
}

func TestRequestPermissionCancelsWithNoOptions(t *testing.T) {
	client := NewClient(logger.Default())

	resp, err := client.RequestPermission(context.Background(), acpsdk.RequestPermissionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Outcome.Cancelled == nil {
		t.Fatalf("expected cancelled outcome with no options, got %+v", resp.Outcome)
	}
}

func TestSessionUpdateForwardsToBoundHandler(t *testing.T) {
	client := NewClient(logger.Default())

	var received acpsdk.SessionNotification
	calls := 0
	client.SetUpdateHandler(func(n acpsdk.SessionNotification) {
		received = n
		calls++
	})

	want := acpsdk.SessionNotification{SessionId: "s-1"}
	if err := client.SessionUpdate(context.Background(), want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || received.SessionId != want.SessionId {
		t.Fatalf("expected update to be forwarded once, got calls=%d received=%+v", calls, received)
	}
}
