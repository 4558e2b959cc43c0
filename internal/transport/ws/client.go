package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/queryruntime"
	"github.com/kandev/relaygate/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is a single WebSocket connection driving one or more Sessions
// through the Inbound/Outbound envelope defined in messages.go, split into
// the usual read/write pump pair.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu     sync.Mutex
	closed bool

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.With(zap.String("client_id", id)),
	}
}

// Close closes the underlying connection; safe to call more than once.
func (c *Client) Close() {
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("close websocket connection", zap.Error(err))
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) sendBytes(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("client send buffer full")
		return false
	}
}

func (c *Client) sendOutbound(msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound message", zap.Error(err))
		return
	}
	c.sendBytes(data)
}

// ReadPump reads Inbound envelopes off the connection and dispatches each
// to handleInbound in its own goroutine, so a long-running query on one
// chat never blocks a stop/kill for another.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.closeSend()
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.sendOutbound(Outbound{Type: OutboundError, Error: "invalid message format"})
			continue
		}
		go c.handleInbound(ctx, in)
	}
}

func (c *Client) handleInbound(ctx context.Context, in Inbound) {
	switch in.Type {
	case InboundMessage:
		c.handleMessage(ctx, in)
	case InboundSteer:
		c.handleSteer(in)
	case InboundStop:
		c.handleStop(in)
	case InboundKill:
		c.handleKill(in)
	default:
		c.sendOutbound(Outbound{Type: OutboundError, ChatID: in.ChatID, ThreadID: in.ThreadID, Error: "unknown message type"})
	}
}

func (c *Client) handleMessage(ctx context.Context, in Inbound) {
	sess, err := c.hub.sessions.GetSession(in.Tenant, in.ChatID, in.ThreadID)
	if err != nil {
		c.sendOutbound(Outbound{Type: OutboundError, ChatID: in.ChatID, ThreadID: in.ThreadID, Error: err.Error()})
		return
	}

	content := in.Content
	interrupt := strings.HasPrefix(content, "!")
	if interrupt {
		content = strings.TrimSpace(strings.TrimPrefix(content, "!"))
	}

	// A message arriving while a query is in flight becomes steering unless
	// it is an interrupt, in which case the running query is stopped first
	// and the message dispatched as a fresh one.
	if sess.IsBusy() && !interrupt {
		c.enqueueSteering(sess, in, content)
		return
	}
	if interrupt {
		sess.MarkInterruptFlag()
		if sess.IsBusy() {
			if sess.BeginInterrupt() {
				sess.Stop()
				sess.EndInterrupt()
			} else {
				// Another interrupt is already stopping this query; queue
				// the message so it rides the restarted conversation.
				c.enqueueSteering(sess, in, content)
				return
			}
		}
	}

	statusCB := func(evt queryruntime.StatusEvent) error {
		c.sendOutbound(Outbound{
			Type:      OutboundStatus,
			ChatID:    in.ChatID,
			ThreadID:  in.ThreadID,
			Status:    evt.Type,
			Content:   evt.Content,
			SegmentID: evt.SegmentID,
			Metadata:  evt.Metadata,
		})
		return nil
	}

	text, err := sess.SendMessageStreaming(ctx, content, session.ContextGeneral, statusCB, in.ChatID)
	if err != nil {
		var rateLimited *session.RateLimitError
		if errors.As(err, &rateLimited) {
			c.sendOutbound(Outbound{
				Type:     OutboundError,
				ChatID:   in.ChatID,
				ThreadID: in.ThreadID,
				Error:    fmt.Sprintf("⏳ Rate limited. Please wait %ds.", int(rateLimited.RetryAfter.Round(time.Second).Seconds())),
			})
			return
		}
		c.sendOutbound(Outbound{Type: OutboundError, ChatID: in.ChatID, ThreadID: in.ThreadID, Error: truncateError(err, 300)})
		return
	}
	c.sendOutbound(Outbound{Type: OutboundResult, ChatID: in.ChatID, ThreadID: in.ThreadID, Content: text})
}

func (c *Client) handleSteer(in Inbound) {
	sess, err := c.hub.sessions.GetSession(in.Tenant, in.ChatID, in.ThreadID)
	if err != nil {
		c.sendOutbound(Outbound{Type: OutboundError, ChatID: in.ChatID, ThreadID: in.ThreadID, Error: err.Error()})
		return
	}
	c.enqueueSteering(sess, in, in.Content)
}

func (c *Client) enqueueSteering(sess *session.Session, in Inbound, content string) {
	msgID := int64(in.MessageID)
	if msgID <= 0 {
		// Plain messages redirected into the buffer carry no client-assigned
		// id; stamp one so ordering stays reconstructable.
		msgID = time.Now().UnixMilli()
	}
	evicted, err := sess.Steering().Enqueue(content, msgID, sess.CurrentTool())
	if err != nil {
		c.sendOutbound(Outbound{Type: OutboundError, ChatID: in.ChatID, ThreadID: in.ThreadID, Error: err.Error()})
		return
	}
	if evicted {
		c.sendOutbound(Outbound{Type: OutboundNotice, ChatID: in.ChatID, ThreadID: in.ThreadID, Content: "⚠️ Message Queue Full"})
		return
	}
	c.sendOutbound(Outbound{Type: OutboundNotice, ChatID: in.ChatID, ThreadID: in.ThreadID, Content: "steering message queued"})
}

func truncateError(err error, max int) string {
	msg := err.Error()
	if len(msg) > max {
		msg = msg[:max] + "..."
	}
	return msg
}

func (c *Client) handleStop(in Inbound) {
	sess, err := c.hub.sessions.GetSession(in.Tenant, in.ChatID, in.ThreadID)
	if err != nil {
		c.sendOutbound(Outbound{Type: OutboundError, ChatID: in.ChatID, ThreadID: in.ThreadID, Error: err.Error()})
		return
	}
	result := sess.Stop()
	c.sendOutbound(Outbound{Type: OutboundNotice, ChatID: in.ChatID, ThreadID: in.ThreadID, Content: string(result)})
}

func (c *Client) handleKill(in Inbound) {
	count, _, err := c.hub.sessions.KillSession(in.Tenant, in.ChatID, in.ThreadID)
	if err != nil {
		c.sendOutbound(Outbound{Type: OutboundError, ChatID: in.ChatID, ThreadID: in.ThreadID, Error: err.Error()})
		return
	}
	c.sendOutbound(Outbound{
		Type:     OutboundNotice,
		ChatID:   in.ChatID,
		ThreadID: in.ThreadID,
		Content:  "killed",
		Metadata: map[string]any{"discardedSteeringMessages": count},
	})
}

// WritePump pumps outbound frames and keepalive pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("set write deadline", zap.Error(err))
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write websocket message", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("set write deadline", zap.Error(err))
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
