package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wisefido-chat/common/mqtt"
	"wisefido-chat/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEvent(roomID, id string) Event {
	return InsertEvent(&domain.Message{
		MessageID: id, RoomID: roomID, SenderID: "op-a", Body: "hi",
		Kind: domain.MessageText, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_DeliversOnlyToRoom(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a1 := hub.Subscribe("room-a")
	a2 := hub.Subscribe("room-a")
	b := hub.Subscribe("room-b")

	n := hub.Deliver(testEvent("room-a", "m1"))
	assert.Equal(t, 2, n)
	assert.Equal(t, "m1", recv(t, a1).Message.MessageID)
	assert.Equal(t, "m1", recv(t, a2).Message.MessageID)

	select {
	case <-b.C:
		t.Fatal("room-b must not see room-a events")
	default:
	}
}

func TestHub_PreservesOrderWithinRoom(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	sub := hub.Subscribe("room-a")

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, hub.Publish(context.Background(), testEvent("room-a", id)))
	}
	assert.Equal(t, "m1", recv(t, sub).Message.MessageID)
	assert.Equal(t, "m2", recv(t, sub).Message.MessageID)
	assert.Equal(t, "m3", recv(t, sub).Message.MessageID)
}

func seqEvent(roomID string, seq int64) Event {
	evt := testEvent(roomID, fmt.Sprintf("m%d", seq))
	evt.Message.Seq = seq
	return evt
}

func TestHub_ReordersInsertsBySeq(t *testing.T) {
	hub := NewHub(WithGapWait(time.Minute))
	defer hub.Close()
	sub := hub.Subscribe("room-a")

	assert.Equal(t, 1, hub.Deliver(seqEvent("room-a", 1)))
	assert.Equal(t, 0, hub.Deliver(seqEvent("room-a", 3)))
	// an update for m3 waits behind it
	assert.Equal(t, 0, hub.Deliver(UpdateEvent(seqEvent("room-a", 3).Message)))
	assert.Equal(t, 1, hub.Deliver(seqEvent("room-a", 2)))

	assert.Equal(t, "m1", recv(t, sub).Message.MessageID)
	assert.Equal(t, "m2", recv(t, sub).Message.MessageID)
	got := recv(t, sub)
	assert.Equal(t, EventInsert, got.Type)
	assert.Equal(t, "m3", got.Message.MessageID)
	got = recv(t, sub)
	assert.Equal(t, EventUpdate, got.Type)
	assert.Equal(t, "m3", got.Message.MessageID)
}

func TestHub_GapWaitReleasesHeldInserts(t *testing.T) {
	hub := NewHub(WithGapWait(20 * time.Millisecond))
	defer hub.Close()
	sub := hub.Subscribe("room-a")

	hub.Deliver(seqEvent("room-a", 5))
	hub.Deliver(seqEvent("room-a", 8))
	hub.Deliver(seqEvent("room-a", 7))

	assert.Equal(t, "m5", recv(t, sub).Message.MessageID)
	// seq 6 never arrives
	assert.Equal(t, "m7", recv(t, sub).Message.MessageID)
	assert.Equal(t, "m8", recv(t, sub).Message.MessageID)

	// a late 6 still reaches clients
	assert.Equal(t, 1, hub.Deliver(seqEvent("room-a", 6)))
	assert.Equal(t, "m6", recv(t, sub).Message.MessageID)
}

func TestHub_ConcurrentPublishersCommitOrder(t *testing.T) {
	hub := NewHub(WithGapWait(time.Minute))
	defer hub.Close()
	sub := hub.Subscribe("room-a")
	hub.Deliver(seqEvent("room-a", 1))

	var wg sync.WaitGroup
	for seq := int64(20); seq >= 2; seq-- {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			_ = hub.Publish(context.Background(), seqEvent("room-a", seq))
		}(seq)
	}
	wg.Wait()

	for seq := int64(1); seq <= 20; seq++ {
		assert.Equal(t, seq, recv(t, sub).Message.Seq)
	}
}

func TestHub_DropsOrderStateWithoutSubscribers(t *testing.T) {
	hub := NewHub(WithGapWait(time.Minute))
	defer hub.Close()
	sub := hub.Subscribe("room-a")
	hub.Deliver(seqEvent("room-a", 1))
	sub.Unsubscribe()

	assert.Equal(t, 0, hub.Deliver(seqEvent("room-a", 2)))
	// a new subscriber starts from whatever it sees first
	again := hub.Subscribe("room-a")
	assert.Equal(t, 1, hub.Deliver(seqEvent("room-a", 9)))
	assert.Equal(t, "m9", recv(t, again).Message.MessageID)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	slow := hub.Subscribe("room-a")

	for i := 0; i < subscriptionBuffer; i++ {
		hub.Deliver(testEvent("room-a", "m"))
	}
	assert.Equal(t, 0, hub.Deliver(testEvent("room-a", "overflow")))
	assert.Equal(t, 0, hub.Subscribers("room-a"))

	drained := 0
	for range slow.C {
		drained++
	}
	assert.Equal(t, subscriptionBuffer, drained)
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("room-a")
	sub.Unsubscribe()
	sub.Unsubscribe()
	_, ok := <-sub.C
	assert.False(t, ok)

	other := hub.Subscribe("room-a")
	require.NoError(t, hub.Close())
	_, ok = <-other.C
	assert.False(t, ok)

	late := hub.Subscribe("room-a")
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"delete","roomId":"r","message":{}}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`{"type":"insert","roomId":"r"}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestRedisBus_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	busA, err := NewRedisBus(ctx, client, NewHub(), zap.NewNop())
	require.NoError(t, err)
	defer busA.Close()
	busB, err := NewRedisBus(ctx, client, NewHub(), zap.NewNop())
	require.NoError(t, err)
	defer busB.Close()

	subA := busA.Subscribe("room-1")
	subB := busB.Subscribe("room-1")

	require.NoError(t, busA.Publish(ctx, testEvent("room-1", "m1")))

	assert.Equal(t, "m1", recv(t, subA).Message.MessageID)
	assert.Equal(t, "m1", recv(t, subB).Message.MessageID)
}

type fakeMQTT struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	fail     error
}

func (f *fakeMQTT) QoS() byte { return 1 }

func (f *fakeMQTT) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]mqtt.MessageHandler{}
	}
	f.handlers[topic] = h
	return nil
}

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload []byte) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	h := f.handlers[mqttTopicFilter]
	f.mu.Unlock()
	return h(topic, payload)
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return nil
}

func TestMQTTBus_RoundTripAndFallback(t *testing.T) {
	client := &fakeMQTT{}
	bus, err := NewMQTTBus(client, NewHub(), zap.NewNop())
	require.NoError(t, err)
	defer bus.Close()

	sub := bus.Subscribe("room-1")
	require.NoError(t, bus.Publish(context.Background(), testEvent("room-1", "m1")))
	assert.Equal(t, "m1", recv(t, sub).Message.MessageID)

	// broker down: local subscribers still see it
	client.fail = assert.AnError
	assert.Error(t, bus.Publish(context.Background(), testEvent("room-1", "m2")))
	assert.Equal(t, "m2", recv(t, sub).Message.MessageID)
}

func TestMQTTBus_RejectsMismatchedTopic(t *testing.T) {
	bus, err := NewMQTTBus(&fakeMQTT{}, NewHub(), zap.NewNop())
	require.NoError(t, err)
	payload, _ := testEvent("room-1", "m1").Encode()
	assert.Error(t, bus.handle(MQTTTopic("room-2"), payload))
	assert.Error(t, bus.handle("chat/other", payload))

	id, ok := roomFromTopic("chat/rooms/abc/events")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
}

type fakeNATS struct {
	cb nats.MsgHandler
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.cb(&nats.Msg{Subject: subj, Data: data})
	return nil
}

func (f *fakeNATS) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if subj != natsSubjectFilter {
		return nil, assert.AnError
	}
	f.cb = cb
	return nil, nil
}

func TestNATSBus_RoundTrip(t *testing.T) {
	bus, err := NewNATSBus(&fakeNATS{}, NewHub(), zap.NewNop())
	require.NoError(t, err)
	defer bus.Close()

	sub := bus.Subscribe("room-1")
	other := bus.Subscribe("room-2")
	require.NoError(t, bus.Publish(context.Background(), testEvent("room-1", "m1")))
	assert.Equal(t, "m1", recv(t, sub).Message.MessageID)
	assert.Equal(t, "chat.rooms.room-1", NATSSubject("room-1"))

	select {
	case <-other.C:
		t.Fatal("room-2 must not receive")
	default:
	}
}

func TestConnection_PushesRoomEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConnection("op-b", "room-1", ws)
		conn.Serve(hub.Subscribe("room-1"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("room-1") == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Deliver(testEvent("room-1", "m1"))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	evt, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventInsert, evt.Type)
	assert.Equal(t, "m1", evt.Message.MessageID)

	// client going away releases the subscription
	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return hub.Subscribers("room-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
