package realtime

import (
	"context"
	"fmt"
	"strings"

	"wisefido-chat/common/mqtt"

	"go.uber.org/zap"
)

const mqttTopicFilter = "chat/rooms/+/events"

func MQTTTopic(roomID string) string { return "chat/rooms/" + roomID + "/events" }

// roomFromTopic chat/rooms/<id>/events -> <id>
func roomFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "chat" || parts[1] != "rooms" || parts[3] != "events" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// MQTTClient subset of common/mqtt.Client the bus needs
type MQTTClient interface {
	QoS() byte
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
}

var _ MQTTClient = (*mqtt.Client)(nil)

// MQTTBus MQTT backplane, one topic per room
type MQTTBus struct {
	client MQTTClient
	hub    *Hub
	logger *zap.Logger
}

var _ Bus = (*MQTTBus)(nil)

func NewMQTTBus(client MQTTClient, hub *Hub, logger *zap.Logger) (*MQTTBus, error) {
	b := &MQTTBus{client: client, hub: hub, logger: logger}
	if err := client.Subscribe(mqttTopicFilter, client.QoS(), b.handle); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MQTTBus) handle(topic string, payload []byte) error {
	roomID, ok := roomFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %s", topic)
	}
	evt, err := DecodeEvent(payload)
	if err != nil {
		return err
	}
	if evt.RoomID != roomID {
		return fmt.Errorf("room mismatch: topic %s, event %s", roomID, evt.RoomID)
	}
	b.hub.Deliver(evt)
	return nil
}

func (b *MQTTBus) Publish(_ context.Context, evt Event) error {
	payload, err := evt.Encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(MQTTTopic(evt.RoomID), b.client.QoS(), false, payload); err != nil {
		b.hub.Deliver(evt)
		return err
	}
	return nil
}

func (b *MQTTBus) Subscribe(roomID string) *Subscription {
	return b.hub.Subscribe(roomID)
}

func (b *MQTTBus) Close() error {
	err := b.client.Unsubscribe(mqttTopicFilter)
	_ = b.hub.Close()
	if err != nil {
		b.logger.Warn("MQTT unsubscribe failed", zap.Error(err))
	}
	return err
}
