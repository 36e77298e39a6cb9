package mqtt

import (
	"fmt"
	"sync"
	"time"

	"wisefido-chat/common/config"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opTimeout         = 10 * time.Second
	disconnectQuiesce = 250 // ms
)

// MessageHandler handles one inbound message; an error is logged and the message dropped
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client broker connection for the room event backplane. Subscriptions are
// remembered and replayed on every reconnect, since clean sessions lose them.
type Client struct {
	conn   paho.Client
	qos    byte
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

// NewClient connects to cfg.Broker. An empty client id gets a random suffix
// so replicas never evict each other.
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is not configured")
	}
	c := &Client{qos: cfg.QoS, logger: logger, subs: make(map[string]subscription)}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "wisefido-chat-" + uuid.NewString()[:8]
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(opTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("MQTT connection lost", zap.String("client_id", clientID), zap.Error(err))
		})

	c.conn = paho.NewClient(opts)
	if err := wait(c.conn.Connect()); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	logger.Info("MQTT connected", zap.String("broker", cfg.Broker), zap.String("client_id", clientID))
	return c, nil
}

func (c *Client) QoS() byte { return c.qos }

// onConnect replays remembered subscriptions; runs on the first connect too,
// where the set is still empty
func (c *Client) onConnect(conn paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		if err := wait(conn.Subscribe(topic, s.qos, c.dispatch(s.handler))); err != nil {
			c.logger.Error("MQTT resubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (c *Client) dispatch(handler MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("Dropping MQTT message", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	}
}

func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := wait(c.conn.Subscribe(topic, qos, c.dispatch(handler))); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if err := wait(c.conn.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if err := wait(c.conn.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("failed to unsubscribe %v: %w", topics, err)
	}
	return nil
}

func (c *Client) Disconnect() {
	c.conn.Disconnect(disconnectQuiesce)
}

// wait bounds a paho token; an unbounded Wait hangs while the broker is unreachable
func wait(token paho.Token) error {
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("timed out after %s", opTimeout)
	}
	return token.Error()
}
