package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
)

// NATSBus implements Bus over a NATS connection, for deployments that want
// the event stream observable outside this process. Used only when
// Config.EventBus.NATSUrl is set; the in-memory bus remains the default.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus dials url and returns a ready NATSBus.
func NewNATSBus(url, clientID string, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(clientID),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSBus{conn: conn, logger: log}, nil
}

// Publish marshals evt as JSON and publishes it to subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, evt *Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe decodes inbound NATS messages back into Events and invokes
// handler on each.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Error("failed to decode event", zap.String("subject", subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &evt); err != nil {
			b.logger.Error("event handler error", zap.String("subject", subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &natsSub{sub: sub}, nil
}

type natsSub struct{ sub *nats.Subscription }

func (s *natsSub) Unsubscribe() { _ = s.sub.Unsubscribe() }

// Close drains and closes the underlying NATS connection.
func (b *NATSBus) Close() {
	b.conn.Close()
}
