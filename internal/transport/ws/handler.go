package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Stand-in transport: every origin is trusted. A production chat-
	// platform adapter would replace this handler entirely.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP requests to WebSocket connections and
// wires each one to a Hub-backed Client.
type Handler struct {
	hub    *Hub
	base   context.Context
	logger *logger.Logger
}

// NewHandler builds a gin-compatible websocket upgrade handler. base is
// the process lifetime context; cancelling it during shutdown aborts every
// in-flight query driven by a client still connected.
func NewHandler(base context.Context, hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, base: base, logger: log.With(zap.String("component", "ws-handler"))}
}

// ServeHTTP is the gin handler function for the websocket route.
func (h *Handler) ServeHTTP(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), conn, h.hub, h.logger)
	h.hub.register(client)

	go client.WritePump()
	client.ReadPump(h.base)
}
