package syncclient

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/realtime"
	"wisefido-chat/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const me = "op-alice"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu        sync.Mutex
	getRoom   func(ctx context.Context, roomID string, since time.Time) (*service.RoomDetail, error)
	send      func(ctx context.Context, req service.AppendRequest) (*domain.Message, error)
	upload    func(ctx context.Context, messageID, fileName string, body io.Reader) (*domain.Attachment, error)
	markReads []string
}

func (f *fakeAPI) GetRoom(ctx context.Context, roomID string, since time.Time) (*service.RoomDetail, error) {
	if f.getRoom == nil {
		return &service.RoomDetail{}, nil
	}
	return f.getRoom(ctx, roomID, since)
}

func (f *fakeAPI) SendMessage(ctx context.Context, req service.AppendRequest) (*domain.Message, error) {
	return f.send(ctx, req)
}

func (f *fakeAPI) UploadAttachment(ctx context.Context, messageID, fileName string, body io.Reader) (*domain.Attachment, error) {
	return f.upload(ctx, messageID, fileName, body)
}

func (f *fakeAPI) MarkRead(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, roomID)
	return nil
}

func (f *fakeAPI) reads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markReads...)
}

type fakePush struct {
	mu     sync.Mutex
	opened []string
	closed int
}

type fakeSub struct{ p *fakePush }

func (s fakeSub) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.closed++
	return nil
}

func (p *fakePush) Subscribe(_ context.Context, roomID string, _ func(realtime.Event)) (PushSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, roomID)
	return fakeSub{p}, nil
}

func msgAt(id, roomID, sender string, at time.Time) *domain.Message {
	return &domain.Message{MessageID: id, RoomID: roomID, SenderID: sender, Body: id, Kind: domain.MessageText, CreatedAt: at}
}

func roomWith(msgs ...*domain.Message) func(context.Context, string, time.Time) (*service.RoomDetail, error) {
	return func(context.Context, string, time.Time) (*service.RoomDetail, error) {
		return &service.RoomDetail{Messages: msgs}, nil
	}
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID())
	}
	return out
}

func newEngine(api *fakeAPI, push Push, opts Options) *Engine {
	return NewEngine(api, push, me, opts, zap.NewNop())
}

func TestSend_FailedPersistLeavesNoTempEntry(t *testing.T) {
	api := &fakeAPI{getRoom: roomWith(msgAt("m1", "r1", "op-super", t0))}
	e := newEngine(api, &fakePush{}, Options{})
	require.NoError(t, e.Open(context.Background(), "r1"))

	api.send = func(context.Context, service.AppendRequest) (*domain.Message, error) {
		// optimistic entry is visible while the request is in flight
		items := e.Messages()
		require.Len(t, items, 2)
		assert.Equal(t, Optimistic, items[1].State)
		assert.Equal(t, "hello", items[1].Message.Body)
		assert.Empty(t, e.Composer())
		return nil, &service.Error{Kind: service.KindNetwork, Message: "network error, please retry"}
	}

	e.SetComposer("hello")
	item, err := e.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Equal(t, service.KindNetwork, service.KindOf(err))
	assert.Equal(t, Discarded, item.State)

	items := e.Messages()
	assert.Equal(t, []string{"m1"}, ids(items))
	for _, it := range items {
		assert.NotEqual(t, Optimistic, it.State)
	}
	// composer is not restored
	assert.Empty(t, e.Composer())
}

func TestSend_SuccessReplacesTempEntry(t *testing.T) {
	api := &fakeAPI{getRoom: roomWith(msgAt("m1", "r1", "op-super", t0))}
	e := newEngine(api, &fakePush{}, Options{})
	require.NoError(t, e.Open(context.Background(), "r1"))

	var clientID string
	api.send = func(_ context.Context, req service.AppendRequest) (*domain.Message, error) {
		clientID = req.ClientMsgID
		assert.Equal(t, "r1", req.RoomID)
		return msgAt("m2", "r1", me, t0.Add(time.Second)), nil
	}
	item, err := e.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "m2", item.ID())
	assert.Equal(t, Persisted, item.State)
	assert.True(t, strings.HasPrefix(clientID, "tmp-"))
	assert.Equal(t, clientID, item.TempID)

	assert.Equal(t, []string{"m1", "m2"}, ids(e.Messages()))

	// the echo through the push channel does not duplicate it
	e.HandleEvent(realtime.InsertEvent(msgAt("m2", "r1", me, t0.Add(time.Second))))
	items := e.Messages()
	assert.Equal(t, []string{"m1", "m2"}, ids(items))
	assert.Equal(t, Delivered, items[1].State)
}

func TestSend_PushArrivesBeforeResponse(t *testing.T) {
	api := &fakeAPI{}
	e := newEngine(api, &fakePush{}, Options{})
	require.NoError(t, e.Open(context.Background(), "r1"))

	persisted := msgAt("m9", "r1", me, t0)
	api.send = func(context.Context, service.AppendRequest) (*domain.Message, error) {
		e.HandleEvent(realtime.InsertEvent(persisted))
		return persisted, nil
	}
	_, err := e.Send(context.Background(), "m9", nil)
	require.NoError(t, err)

	items := e.Messages()
	require.Len(t, items, 1)
	assert.Equal(t, "m9", items[0].ID())
	assert.NotEqual(t, Optimistic, items[0].State)
}

func TestSend_FailedResponseAfterPushKeepsMessage(t *testing.T) {
	m1 := msgAt("m1", "r1", "op-super", t0)
	m2 := msgAt("m2", "r1", me, t0.Add(time.Minute))
	api := &fakeAPI{getRoom: roomWith(m1)}
	e := newEngine(api, &fakePush{}, Options{})
	require.NoError(t, e.Open(context.Background(), "r1"))

	api.send = func(context.Context, service.AppendRequest) (*domain.Message, error) {
		// the row committed and its insert arrived, then the response was lost
		e.HandleEvent(realtime.InsertEvent(m2))
		return nil, &service.Error{Kind: service.KindNetwork, Message: "network error, please retry"}
	}
	item, err := e.Send(context.Background(), "m2", nil)
	require.NoError(t, err)
	assert.Equal(t, "m2", item.ID())
	assert.Equal(t, Delivered, item.State)
	assert.Equal(t, []string{"m1", "m2"}, ids(e.Messages()))

	api.getRoom = roomWith(m1, m2)
	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, []string{"m1", "m2"}, ids(e.Messages()))
}

func TestRefresh_RestoresIndexedEntryMissingFromList(t *testing.T) {
	m1 := msgAt("m1", "r1", "op-super", t0)
	m2 := msgAt("m2", "r1", me, t0.Add(time.Minute))
	api := &fakeAPI{getRoom: roomWith(m1)}
	e := newEngine(api, &fakePush{}, Options{})
	require.NoError(t, e.Open(context.Background(), "r1"))

	e.mu.Lock()
	e.byID["m2"] = &Item{Message: *m2, State: Optimistic}
	e.mu.Unlock()

	api.getRoom = roomWith(m1, m2)
	require.NoError(t, e.Refresh(context.Background()))
	items := e.Messages()
	assert.Equal(t, []string{"m1", "m2"}, ids(items))
	assert.NotEqual(t, Optimistic, items[1].State)
}

func TestClose_SkipsBackgroundWorkStartedLate(t *testing.T) {
	api := &fakeAPI{getRoom: roomWith(msgAt("m1", "r1", "op-x", t0))}
	e := newEngine(api, &fakePush{}, Options{})
	require.NoError(t, e.Open(context.Background(), "r1"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.startMarkRead("r1")
		}()
	}
	require.NoError(t, e.Close())
	wg.Wait()
	before := len(api.reads())

	e.startMarkRead("r1")
	e.startUpload("r1", "m1", &Attachment{FileName: "x", Body: strings.NewReader("x")})
	require.NoError(t, e.Close())
	assert.Len(t, api.reads(), before)
}

func TestSend_OneInFlightPerComposer(t *testing.T) {
	api := &fakeAPI{}
	e := newEngine(api, &fakePush{}, Options{})

	_, err := e.Send(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrNoRoom)

	require.NoError(t, e.Open(context.Background(), "r1"))
	api.send = func(context.Context, service.AppendRequest) (*domain.Message, error) {
		_, err := e.Send(context.Background(), "second", nil)
		assert.ErrorIs(t, err, ErrSendInFlight)
		return msgAt("m1", "r1", me, t0), nil
	}
	_, err = e.Send(context.Background(), "first", nil)
	require.NoError(t, err)
}

func TestOpen_StaleResponseIsDiscarded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	api := &fakeAPI{getRoom: func(_ context.Context, roomID string, _ time.Time) (*service.RoomDetail, error) {
		if roomID == "room-a" {
			close(started)
			<-release
			return &service.RoomDetail{Messages: []*domain.Message{msgAt("a1", "room-a", "op-x", t0)}}, nil
		}
		return &service.RoomDetail{Messages: []*domain.Message{msgAt("b1", "room-b", "op-x", t0)}}, nil
	}}
	push := &fakePush{}
	e := newEngine(api, push, Options{})

	errA := make(chan error, 1)
	go func() { errA <- e.Open(context.Background(), "room-a") }()
	<-started

	require.NoError(t, e.Open(context.Background(), "room-b"))
	close(release)
	assert.ErrorIs(t, <-errA, ErrSuperseded)

	assert.Equal(t, "room-b", e.RoomID())
	assert.Equal(t, []string{"b1"}, ids(e.Messages()))

	push.mu.Lock()
	assert.Equal(t, []string{"room-a", "room-b"}, push.opened)
	assert.Equal(t, 1, push.closed, "switching rooms drops the old channel")
	push.mu.Unlock()

	// late events for the old room are ignored too
	e.HandleEvent(realtime.InsertEvent(msgAt("a2", "room-a", "op-x", t0)))
	assert.Equal(t, []string{"b1"}, ids(e.Messages()))
}

func TestSend_ResponseAfterRoomSwitch(t *testing.T) {
	api := &fakeAPI{}
	e := newEngine(api, &fakePush{}, Options{})
	require.NoError(t, e.Open(context.Background(), "r1"))

	api.send = func(context.Context, service.AppendRequest) (*domain.Message, error) {
		require.NoError(t, e.Open(context.Background(), "r2"))
		return msgAt("m1", "r1", me, t0), nil
	}
	_, err := e.Send(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Empty(t, e.Messages())
}

func TestHandleEvent_OrderIdempotenceAndReads(t *testing.T) {
	api := &fakeAPI{}
	e := newEngine(api, &fakePush{}, Options{})
	require.NoError(t, e.Open(context.Background(), "r1"))

	// pushed out of creation order
	e.HandleEvent(realtime.InsertEvent(msgAt("m3", "r1", "op-x", t0.Add(3*time.Second))))
	e.HandleEvent(realtime.InsertEvent(msgAt("m1", "r1", "op-x", t0.Add(1*time.Second))))
	e.HandleEvent(realtime.InsertEvent(msgAt("m2", "r1", me, t0.Add(2*time.Second))))
	e.HandleEvent(realtime.InsertEvent(msgAt("m1", "r1", "op-x", t0.Add(1*time.Second))))
	// same timestamp: id breaks the tie
	e.HandleEvent(realtime.InsertEvent(msgAt("m0", "r1", "op-x", t0.Add(3*time.Second))))
	assert.Equal(t, []string{"m1", "m2", "m0", "m3"}, ids(e.Messages()))

	e.HandleEvent(realtime.UpdateEvent(&domain.Message{MessageID: "m2", RoomID: "r1", IsRead: true}))
	e.HandleEvent(realtime.UpdateEvent(&domain.Message{MessageID: "unknown", RoomID: "r1", IsRead: true}))
	items := e.Messages()
	require.Len(t, items, 4)
	assert.Equal(t, Read, items[1].State)
	assert.True(t, items[1].Message.IsRead)
	assert.Equal(t, "m2", items[1].Message.Body, "partial update keeps the rest of the row")

	att := &domain.Message{MessageID: "m3", RoomID: "r1", Attachments: []domain.Attachment{{AttachmentID: "a1", FileName: "x.pdf"}}}
	e.HandleEvent(realtime.UpdateEvent(att))
	items = e.Messages()
	require.Len(t, items[3].Message.Attachments, 1)
}

func TestHandleEvent_FocusedRoomMarksRead(t *testing.T) {
	api := &fakeAPI{getRoom: roomWith(msgAt("m1", "r1", "op-x", t0))}
	e := newEngine(api, &fakePush{}, Options{})
	require.NoError(t, e.Open(context.Background(), "r1"))

	// unfocused: nothing
	e.HandleEvent(realtime.InsertEvent(msgAt("m2", "r1", "op-x", t0.Add(time.Second))))
	require.NoError(t, e.Close())
	assert.Empty(t, api.reads())

	require.NoError(t, e.Open(context.Background(), "r1"))
	e.SetFocused(true) // unread m1 on focus
	e.HandleEvent(realtime.InsertEvent(msgAt("m3", "r1", "op-x", t0.Add(2*time.Second))))
	e.HandleEvent(realtime.InsertEvent(msgAt("m4", "r1", me, t0.Add(3*time.Second))))
	require.NoError(t, e.Close())
	assert.Equal(t, []string{"r1", "r1"}, api.reads())
}

func TestSend_AttachmentUploadsInBackground(t *testing.T) {
	var notices []error
	var mu sync.Mutex
	api := &fakeAPI{}
	e := newEngine(api, &fakePush{}, Options{OnNotice: func(err error) {
		mu.Lock()
		notices = append(notices, err)
		mu.Unlock()
	}})
	require.NoError(t, e.Open(context.Background(), "r1"))

	api.send = func(_ context.Context, req service.AppendRequest) (*domain.Message, error) {
		assert.True(t, req.HasAttachment)
		m := msgAt("m1", "r1", me, t0)
		m.Kind = domain.MessageAttachment
		return m, nil
	}
	api.upload = func(_ context.Context, messageID, fileName string, body io.Reader) (*domain.Attachment, error) {
		b, _ := io.ReadAll(body)
		assert.Equal(t, "PDF", string(b))
		return &domain.Attachment{AttachmentID: "a1", MessageID: messageID, FileName: fileName}, nil
	}
	_, err := e.Send(context.Background(), "", &Attachment{FileName: "r.pdf", Body: strings.NewReader("PDF")})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	require.NoError(t, e.Open(context.Background(), "r1"))
	api.send = func(context.Context, service.AppendRequest) (*domain.Message, error) {
		return msgAt("m2", "r1", me, t0), nil
	}
	api.upload = func(context.Context, string, string, io.Reader) (*domain.Attachment, error) {
		return nil, &service.Error{Kind: service.KindStorageUnavailable, Message: "attachment storage is not available"}
	}
	item, err := e.Send(context.Background(), "with file", &Attachment{FileName: "x", Body: strings.NewReader("x")})
	require.NoError(t, err, "upload failure never fails the send")
	assert.Equal(t, "m2", item.ID())
	require.NoError(t, e.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notices, 1)
	assert.True(t, errors.Is(notices[0], service.ErrStorageUnavailable))
}

func TestRefresh_FetchesSinceNewest(t *testing.T) {
	var sinces []time.Time
	api := &fakeAPI{getRoom: func(_ context.Context, _ string, since time.Time) (*service.RoomDetail, error) {
		sinces = append(sinces, since)
		if since.IsZero() {
			return &service.RoomDetail{Messages: []*domain.Message{msgAt("m1", "r1", "op-x", t0)}}, nil
		}
		read := msgAt("m1", "r1", "op-x", t0)
		read.IsRead = true
		return &service.RoomDetail{Messages: []*domain.Message{read, msgAt("m2", "r1", "op-x", t0.Add(time.Minute))}}, nil
	}}
	e := newEngine(api, nil, Options{})
	assert.ErrorIs(t, e.Refresh(context.Background()), ErrNoRoom)

	require.NoError(t, e.Open(context.Background(), "r1"))
	require.NoError(t, e.Refresh(context.Background()))
	require.Len(t, sinces, 2)
	assert.True(t, sinces[1].Equal(t0))

	items := e.Messages()
	assert.Equal(t, []string{"m1", "m2"}, ids(items))
	assert.Equal(t, Read, items[0].State)
}
