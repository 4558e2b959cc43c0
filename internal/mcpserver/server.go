// Package mcpserver exposes the Session Manager over the Model Context
// Protocol, serving session send/kill/stats tools over both SSE and
// Streamable HTTP transports.
// Running our own session surface as an MCP server lets any MCP-speaking
// client (Claude Desktop, Cursor, or another relaygate instance acting as
// the orchestrator's MCP client) drive conversations the same way the
// WebSocket transport does.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/session"
	"github.com/kandev/relaygate/internal/steering"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
}

// SessionGateway is the subset of sessionmanager.Manager the MCP tools
// depend on (mirrors internal/transport/ws.SessionGateway).
type SessionGateway interface {
	GetSession(tenant, chatID, threadID string) (*session.Session, error)
	KillSession(tenant, chatID, threadID string) (count int, messages []steering.Message, err error)
}

// Server wraps the SSE and Streamable HTTP MCP transports with lifecycle
// management.
type Server struct {
	cfg                  Config
	sessions             SessionGateway
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates an MCP server bound to sessions.
func New(cfg Config, sessions SessionGateway, log *logger.Logger) *Server {
	return &Server{cfg: cfg, sessions: sessions, logger: log}
}

// Start starts the MCP server in a goroutine and returns once it is
// listening, serving both transports on the same port.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"relaygate-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.sessions, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("mcp server listening")
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server error")
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown mcp http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown mcp sse server")
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown mcp streamable server")
		}
	}
	return nil
}
