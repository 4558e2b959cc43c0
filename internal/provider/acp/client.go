package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
)

// UpdateHandler receives every ACP session/update notification for the
// session currently bound to the Client, already unwrapped from its JSON-RPC
// envelope.
type UpdateHandler func(acpsdk.SessionNotification)

// PermissionHandler decides the outcome of a session/request_permission
// call. Returning a zero optionID with cancelled=false falls back to
// auto-approval.
type PermissionHandler func(ctx context.Context, req acpsdk.RequestPermissionRequest) (optionID string, cancelled bool, err error)

// Client implements the acp-go-sdk Client interface: it is the half of the
// JSON-RPC connection that answers requests the agent runtime makes of us
// (file access, terminals, permission prompts) and receives the
// session/update notification stream. One Client is created per Adapter and
// reused across Run calls; its handlers are swapped per call via
// SetUpdateHandler/SetPermissionHandler since only one query runs at a time
// per session.
type Client struct {
	logger        *logger.Logger
	workspaceRoot string

	mu                sync.RWMutex
	updateHandler     UpdateHandler
	permissionHandler PermissionHandler
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithWorkspaceRoot(root string) ClientOption {
	return func(c *Client) { c.workspaceRoot = root }
}

func WithUpdateHandler(h UpdateHandler) ClientOption {
	return func(c *Client) { c.updateHandler = h }
}

func WithPermissionHandler(h PermissionHandler) ClientOption {
	return func(c *Client) { c.permissionHandler = h }
}

// NewClient creates the Client bound to log, applying opts in order.
func NewClient(log *logger.Logger, opts ...ClientOption) *Client {
	c := &Client{logger: log, workspaceRoot: "/"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUpdateHandler swaps the notification handler (thread-safe, called
// before each Run so updates are routed to that call's provider.Handler).
func (c *Client) SetUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = h
}

// SetPermissionHandler swaps the permission handler (thread-safe).
func (c *Client) SetPermissionHandler(h PermissionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissionHandler = h
}

// SetWorkspaceRoot restricts ReadTextFile/WriteTextFile to the given root,
// matching the working directory of the query currently bound to this
// session.
func (c *Client) SetWorkspaceRoot(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workspaceRoot = root
}

// SessionUpdate forwards every notification to the currently bound handler.
func (c *Client) SessionUpdate(ctx context.Context, n acpsdk.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(n)
	}
	return nil
}

// RequestPermission forwards to the bound PermissionHandler, or auto-approves
// the first allow-shaped option when none is set. The Adapter binds no
// handler, so its calls are always auto-approved.
func (c *Client) RequestPermission(ctx context.Context, p acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		c.logger.Warn("permission request with no options, cancelling")
		return cancelledPermission(), nil
	}

	c.mu.RLock()
	handler := c.permissionHandler
	c.mu.RUnlock()

	if handler == nil {
		return autoApprovePermission(p), nil
	}

	optionID, cancelled, err := handler(ctx, p)
	if err != nil {
		c.logger.Error("permission handler failed", zap.Error(err))
		return cancelledPermission(), nil
	}
	if cancelled {
		return cancelledPermission(), nil
	}
	if optionID == "" {
		return autoApprovePermission(p), nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Selected: &acpsdk.RequestPermissionOutcomeSelected{OptionId: acpsdk.PermissionOptionId(optionID)},
		},
	}, nil
}

func cancelledPermission() acpsdk.RequestPermissionResponse {
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{Cancelled: &acpsdk.RequestPermissionOutcomeCancelled{}},
	}
}

func autoApprovePermission(p acpsdk.RequestPermissionRequest) acpsdk.RequestPermissionResponse {
	selected := &p.Options[0]
	for i := range p.Options {
		if p.Options[i].Kind == acpsdk.PermissionOptionKindAllowOnce || p.Options[i].Kind == acpsdk.PermissionOptionKindAllowAlways {
			selected = &p.Options[i]
			break
		}
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Selected: &acpsdk.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}
}

func (c *Client) resolvePath(reqPath string) (string, error) {
	c.mu.RLock()
	root := c.workspaceRoot
	c.mu.RUnlock()

	var resolved string
	if filepath.IsAbs(reqPath) {
		resolved = filepath.Clean(reqPath)
	} else {
		resolved = filepath.Join(root, reqPath)
	}
	withSep := filepath.Clean(root) + string(filepath.Separator)
	if resolved != filepath.Clean(root) && !strings.HasPrefix(resolved, withSep) {
		return "", fmt.Errorf("path %q resolves outside working directory %q", reqPath, root)
	}
	return resolved, nil
}

// ReadTextFile serves fs/read_text_file for the agent runtime, confined to
// the session's working directory.
func (c *Client) ReadTextFile(ctx context.Context, p acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acpsdk.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves fs/write_text_file, creating parent directories as
// needed, confined to the session's working directory.
func (c *Client) WriteTextFile(ctx context.Context, p acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acpsdk.WriteTextFileResponse{}, err
		}
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

// Terminal operations are not supported by this gateway. CreateTerminal,
// TerminalOutput and WaitForTerminalExit return an error;
// KillTerminalCommand and ReleaseTerminal answer with empty responses.
func (c *Client) CreateTerminal(ctx context.Context, p acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("terminal operations are not supported")
}

func (c *Client) KillTerminalCommand(ctx context.Context, p acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, nil
}

func (c *Client) TerminalOutput(ctx context.Context, p acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("terminal operations are not supported")
}

func (c *Client) ReleaseTerminal(ctx context.Context, p acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, nil
}

func (c *Client) WaitForTerminalExit(ctx context.Context, p acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("terminal operations are not supported")
}

var _ acpsdk.Client = (*Client)(nil)
