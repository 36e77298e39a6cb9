package realtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	natsSubjectPrefix = "chat.rooms."
	natsSubjectFilter = "chat.rooms.*"
)

func NATSSubject(roomID string) string { return natsSubjectPrefix + roomID }

// NATSConn subset of *nats.Conn the bus needs
type NATSConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

var _ NATSConn = (*nats.Conn)(nil)

// NATSBus core NATS backplane, subject chat.rooms.<id>.
// Events are hints; durable history stays in Postgres, so no JetStream.
type NATSBus struct {
	conn   NATSConn
	hub    *Hub
	logger *zap.Logger
	sub    *nats.Subscription
}

var _ Bus = (*NATSBus)(nil)

// ConnectNATS dials the server with reconnects enabled
func ConnectNATS(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func NewNATSBus(conn NATSConn, hub *Hub, logger *zap.Logger) (*NATSBus, error) {
	b := &NATSBus{conn: conn, hub: hub, logger: logger}
	sub, err := conn.Subscribe(natsSubjectFilter, b.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", natsSubjectFilter, err)
	}
	b.sub = sub
	return b, nil
}

func (b *NATSBus) handle(msg *nats.Msg) {
	evt, err := DecodeEvent(msg.Data)
	if err != nil {
		b.logger.Warn("Dropping malformed room event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if strings.TrimPrefix(msg.Subject, natsSubjectPrefix) != evt.RoomID {
		b.logger.Warn("Room event on wrong subject",
			zap.String("subject", msg.Subject), zap.String("room_id", evt.RoomID))
		return
	}
	b.hub.Deliver(evt)
}

func (b *NATSBus) Publish(_ context.Context, evt Event) error {
	payload, err := evt.Encode()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(NATSSubject(evt.RoomID), payload); err != nil {
		b.hub.Deliver(evt)
		return fmt.Errorf("failed to publish room event: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(roomID string) *Subscription {
	return b.hub.Subscribe(roomID)
}

func (b *NATSBus) Close() error {
	var err error
	if b.sub != nil {
		err = b.sub.Unsubscribe()
	}
	_ = b.hub.Close()
	return err
}
