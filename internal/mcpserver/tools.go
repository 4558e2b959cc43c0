package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
)

func registerTools(s *server.MCPServer, sessions SessionGateway, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message into a relaygate session, driving it the same way the chat transport would. Blocks until the provider finishes responding."),
			mcp.WithString("tenant", mcp.Required(), mcp.Description("Tenant identifier")),
			mcp.WithString("chat_id", mcp.Required(), mcp.Description("Chat/channel identifier")),
			mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread identifier")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Message text to send")),
		),
		sendMessageHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("kill_session",
			mcp.WithDescription("Forcibly terminate a session's in-flight query and clear its steering buffer."),
			mcp.WithString("tenant", mcp.Required(), mcp.Description("Tenant identifier")),
			mcp.WithString("chat_id", mcp.Required(), mcp.Description("Chat/channel identifier")),
			mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread identifier")),
		),
		killSessionHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("get_session_stats",
			mcp.WithDescription("Get token usage and query counters for a session."),
			mcp.WithString("tenant", mcp.Required(), mcp.Description("Tenant identifier")),
			mcp.WithString("chat_id", mcp.Required(), mcp.Description("Chat/channel identifier")),
			mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread identifier")),
		),
		getSessionStatsHandler(sessions, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func sendMessageHandler(sessions SessionGateway, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		chatID, err := req.RequireString("chat_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, err := sessions.GetSession(tenant, chatID, threadID)
		if err != nil {
			log.Error("mcp send_message: failed to resolve session", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to resolve session: %v", err)), nil
		}

		reply, err := sess.SendMessageStreaming(ctx, message, "", nil, chatID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcp.NewToolResultText(reply), nil
	}
}

func killSessionHandler(sessions SessionGateway, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		chatID, err := req.RequireString("chat_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		count, _, err := sessions.KillSession(tenant, chatID, threadID)
		if err != nil {
			log.Error("mcp kill_session: failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to kill session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("killed, %d queued steering message(s) discarded", count)), nil
	}
}

func getSessionStatsHandler(sessions SessionGateway, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		chatID, err := req.RequireString("chat_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, err := sessions.GetSession(tenant, chatID, threadID)
		if err != nil {
			log.Error("mcp get_session_stats: failed to resolve session", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to resolve session: %v", err)), nil
		}

		snap := sess.Snapshot()
		used, max := sess.ContextWindowUsage()
		formatted := fmt.Sprintf(
			"queries=%d inputTokens=%d outputTokens=%d contextWindow=%d/%d",
			snap.TotalQueries, snap.TotalInputTokens, snap.TotalOutputTokens, used, max,
		)
		return mcp.NewToolResultText(formatted), nil
	}
}
