package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	redisChannelPrefix  = "chat:room:"
	redisChannelPattern = "chat:room:*"
)

func RedisChannel(roomID string) string { return redisChannelPrefix + roomID }

// RedisBus Redis pub/sub backplane. Every instance PSUBSCRIBEs to all room
// channels and republishes into its local hub, so an event published on any
// instance reaches websocket clients on all of them.
type RedisBus struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger

	pubsub *redis.PubSub
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(ctx context.Context, client *redis.Client, hub *Hub, logger *zap.Logger) (*RedisBus, error) {
	ps := client.PSubscribe(ctx, redisChannelPattern)
	// wait for the subscription confirmation so no event published after
	// construction is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", redisChannelPattern, err)
	}

	b := &RedisBus{client: client, hub: hub, logger: logger, pubsub: ps}
	b.wg.Add(1)
	go b.receiveLoop(ps.Channel())
	return b, nil
}

func (b *RedisBus) receiveLoop(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		evt, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn("Dropping malformed room event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if !strings.HasSuffix(msg.Channel, evt.RoomID) {
			b.logger.Warn("Room event on wrong channel",
				zap.String("channel", msg.Channel), zap.String("room_id", evt.RoomID))
			continue
		}
		b.hub.Deliver(evt)
	}
}

// Publish PUBLISHes to chat:room:<id>. If Redis is down, local subscribers
// still get the event and the error is returned.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	payload, err := evt.Encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, RedisChannel(evt.RoomID), payload).Err(); err != nil {
		b.hub.Deliver(evt)
		return fmt.Errorf("failed to publish room event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(roomID string) *Subscription {
	return b.hub.Subscribe(roomID)
}

func (b *RedisBus) Close() error {
	var err error
	b.once.Do(func() {
		err = b.pubsub.Close()
		b.wg.Wait()
		_ = b.hub.Close()
	})
	return err
}
