// Package acp implements a Provider backend that speaks the Agent Client
// Protocol to a subprocess or remote agent runtime, using
// github.com/coder/acp-go-sdk. It is the native Provider behind the
// Provider Orchestrator.
package acp

import (
	"context"
	"fmt"
	"io"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/provider"
)

// Dialer starts (or connects to) the remote agent runtime and returns its
// stdin/stdout pipes. Kept as an interface so tests can substitute an
// in-process pipe instead of spawning a real subprocess.
type Dialer interface {
	Dial(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
}

// Adapter is a provider.Provider backed by one ACP connection.
type Adapter struct {
	id     string
	dialer Dialer
	logger *logger.Logger

	mu        sync.Mutex
	conn      *acpsdk.ClientSideConnection
	client    *Client
	sessionID string
}

// New creates an Adapter identified by id, using dialer to obtain the
// transport on first Run.
func New(id string, dialer Dialer, log *logger.Logger) *Adapter {
	return &Adapter{id: id, dialer: dialer, logger: log.With(zap.String("provider", id))}
}

func (a *Adapter) ID() string { return a.id }

// Run performs the ACP handshake (once per Adapter lifetime), creates or
// loads a session per in.ResumeSessionID, sends the prompt, and translates
// ACP session notifications into the unified provider.Event vocabulary.
func (a *Adapter) Run(ctx context.Context, in provider.Input, onEvent provider.Handler) error {
	conn, sessionID, client, err := a.ensureSession(ctx, in)
	if err != nil {
		return err
	}

	client.SetWorkspaceRoot(in.WorkingDir)
	client.SetUpdateHandler(func(n acpsdk.SessionNotification) {
		if evt := translateUpdate(n); evt != nil {
			_ = onEvent(*evt)
		}
	})
	// Neither PermissionDefault nor PermissionBypass has a human-in-the-loop
	// transport wired (chat-platform transport is out of scope); leaving the
	// handler unset makes Client auto-approve, which is the correct behavior
	// for both modes until such a transport exists.
	client.SetPermissionHandler(nil)

	if err := onEvent(provider.Event{
		Kind:              provider.EventSession,
		ProviderSessionID: sessionID,
		Resumed:           in.ResumeSessionID != "",
	}); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.Prompt(ctx, acpsdk.PromptRequest{
			SessionId: acpsdk.SessionId(sessionID),
			Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(in.Prompt)},
		})
		done <- err
	}()

	select {
	case <-ctx.Done():
		_ = a.Cancel(context.Background())
		return onEvent(provider.Event{Kind: provider.EventDone, Reason: provider.DoneAborted})
	case <-in.AbortSignal:
		_ = a.Cancel(context.Background())
		return onEvent(provider.Event{Kind: provider.EventDone, Reason: provider.DoneAborted})
	case err := <-done:
		if err != nil {
			_ = onEvent(provider.Event{Kind: provider.EventDone, Reason: provider.DoneFailed, Err: err})
			return fmt.Errorf("acp prompt: %w", err)
		}
		return onEvent(provider.Event{Kind: provider.EventDone, Reason: provider.DoneCompleted})
	}
}

// Cancel sends an ACP session/cancel for the active session.
func (a *Adapter) Cancel(ctx context.Context) error {
	a.mu.Lock()
	conn, sessionID := a.conn, a.sessionID
	a.mu.Unlock()

	if conn == nil || sessionID == "" {
		return nil
	}
	return conn.Cancel(ctx, acpsdk.CancelNotification{SessionId: acpsdk.SessionId(sessionID)})
}

func (a *Adapter) ensureSession(ctx context.Context, in provider.Input) (*acpsdk.ClientSideConnection, string, *Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		stdin, stdout, err := a.dialer.Dial(ctx)
		if err != nil {
			return nil, "", nil, fmt.Errorf("dial agent runtime: %w", err)
		}
		a.client = NewClient(a.logger, WithWorkspaceRoot(in.WorkingDir))
		a.conn = acpsdk.NewClientSideConnection(a.client, stdin, stdout)

		if _, err := a.conn.Initialize(ctx, acpsdk.InitializeRequest{
			ProtocolVersion: acpsdk.ProtocolVersionNumber,
			ClientInfo:      &acpsdk.Implementation{Name: "relaygate", Version: "1.0.0"},
		}); err != nil {
			a.conn, a.client = nil, nil
			return nil, "", nil, fmt.Errorf("acp initialize: %w", err)
		}
	}

	if in.ResumeSessionID != "" && a.sessionID != in.ResumeSessionID {
		if _, err := a.conn.LoadSession(ctx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(in.ResumeSessionID),
			Cwd:        in.WorkingDir,
			McpServers: toACPMcpServers(in.MCPServers),
		}); err != nil {
			return nil, "", nil, fmt.Errorf("acp load session: %w", err)
		}
		a.sessionID = in.ResumeSessionID
		return a.conn, a.sessionID, a.client, nil
	}

	if a.sessionID == "" {
		resp, err := a.conn.NewSession(ctx, acpsdk.NewSessionRequest{
			Cwd:        in.WorkingDir,
			McpServers: toACPMcpServers(in.MCPServers),
		})
		if err != nil {
			return nil, "", nil, fmt.Errorf("acp new session: %w", err)
		}
		a.sessionID = string(resp.SessionId)
	}

	return a.conn, a.sessionID, a.client, nil
}

// translateUpdate maps one ACP session/update notification onto the unified
// provider.Event vocabulary. Update kinds this gateway has no use for
// (plans, available-commands) are dropped rather than surfaced as a
// synthetic event kind.
func translateUpdate(n acpsdk.SessionNotification) *provider.Event {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil:
		return &provider.Event{Kind: provider.EventText, Delta: u.AgentMessageChunk.Content.Text.Text}

	case u.AgentThoughtChunk != nil && u.AgentThoughtChunk.Content.Text != nil:
		return &provider.Event{Kind: provider.EventThinking, Delta: u.AgentThoughtChunk.Content.Text.Text}

	case u.ToolCall != nil:
		return &provider.Event{
			Kind:        provider.EventTool,
			ToolPhase:   provider.ToolStart,
			ToolName:    string(u.ToolCall.Kind),
			ToolPayload: u.ToolCall.RawInput,
		}

	case u.ToolCallUpdate != nil && isToolCallTerminal(u.ToolCallUpdate.Status):
		return &provider.Event{
			Kind:        provider.EventTool,
			ToolPhase:   provider.ToolEnd,
			ToolPayload: u.ToolCallUpdate.RawOutput,
		}
	}
	return nil
}

func isToolCallTerminal(status *acpsdk.ToolCallStatus) bool {
	if status == nil {
		return false
	}
	return *status == acpsdk.ToolCallStatusCompleted || *status == acpsdk.ToolCallStatusFailed
}

func toACPMcpServers(servers []provider.McpServer) []acpsdk.McpServer {
	out := make([]acpsdk.McpServer, 0, len(servers))
	for _, s := range servers {
		if s.Type == "sse" {
			out = append(out, acpsdk.McpServer{Sse: &acpsdk.McpServerSse{Name: s.Name, Url: s.URL}})
			continue
		}
		out = append(out, acpsdk.McpServer{Stdio: &acpsdk.McpServerStdio{Name: s.Name, Command: s.Command, Args: append([]string{}, s.Args...)}})
	}
	return out
}
