package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/session"
	"github.com/kandev/relaygate/internal/steering"
)

// SessionGateway is the subset of sessionmanager.Manager the transport
// depends on.
type SessionGateway interface {
	GetSession(tenant, chatID, threadID string) (*session.Session, error)
	KillSession(tenant, chatID, threadID string) (count int, messages []steering.Message, err error)
}

// Hub tracks connected clients for lifecycle purposes; graceful shutdown
// closes every connection.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}

	sessions SessionGateway
	logger   *logger.Logger
}

// NewHub creates a Hub bound to a SessionGateway.
func NewHub(sessions SessionGateway, log *logger.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		sessions: sessions,
		logger:   log.With(zap.String("component", "ws-hub")),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns the number of currently connected clients (surfaced
// on the admin /stats endpoint).
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast fans an Outbound frame out to every connected client, used for
// scheduler notifications and the shutdown summary, where there is no
// single originating chat connection to reply to.
func (h *Hub) Broadcast(msg Outbound) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.sendOutbound(msg)
	}
}

// CloseAll closes every connected client, used during graceful shutdown
// before the HTTP server stops accepting.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
