package syncclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/realtime"
	"wisefido-chat/internal/service"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSuperseded the room was switched while the request was in flight; its result was dropped
	ErrSuperseded = errors.New("room switched while request was in flight")
	// ErrNoRoom no room is open
	ErrNoRoom = errors.New("no room open")
	// ErrSendInFlight one persist request per composer at a time
	ErrSendInFlight = errors.New("a message is already being sent")
)

// API REST side of the chat core
type API interface {
	GetRoom(ctx context.Context, roomID string, since time.Time) (*service.RoomDetail, error)
	SendMessage(ctx context.Context, req service.AppendRequest) (*domain.Message, error)
	UploadAttachment(ctx context.Context, messageID, fileName string, body io.Reader) (*domain.Attachment, error)
	MarkRead(ctx context.Context, roomID string) error
}

// PushSubscription one open push channel
type PushSubscription interface {
	Close() error
}

// Push per-room push channel
type Push interface {
	Subscribe(ctx context.Context, roomID string, handler func(realtime.Event)) (PushSubscription, error)
}

// Attachment file sent alongside a message; uploaded after the message persists
type Attachment struct {
	FileName string
	Body     io.Reader
}

// Options engine callbacks; all optional
type Options struct {
	// OnChange called after every list change with a snapshot of the open room
	OnChange func(roomID string, items []Item)
	// OnNotice non-blocking failures (attachment upload, mark-read)
	OnNotice func(err error)
	// BackgroundTimeout bound for async uploads and mark-read calls
	BackgroundTimeout time.Duration
}

// Engine client-side sync for one operator and one open room at a time.
// Messages are ordered by server created_at, never by arrival order.
type Engine struct {
	api        API
	push       Push
	operatorID string
	opts       Options
	logger     *zap.Logger

	mu       sync.Mutex
	roomID   string
	gen      uint64
	focused  bool
	composer string
	items    []*Item
	byID     map[string]*Item
	inflight *Item
	seq      uint64
	sub      PushSubscription
	closed   bool

	bg sync.WaitGroup
}

func NewEngine(api API, push Push, operatorID string, opts Options, logger *zap.Logger) *Engine {
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = 30 * time.Second
	}
	return &Engine{
		api:        api,
		push:       push,
		operatorID: operatorID,
		opts:       opts,
		logger:     logger,
		byID:       map[string]*Item{},
	}
}

// Open switches to roomID: drops the old push channel, subscribes to the new
// one, then loads the room. A load that finishes after another Open returns
// ErrSuperseded and changes nothing.
func (e *Engine) Open(ctx context.Context, roomID string) error {
	e.mu.Lock()
	e.closed = false
	e.gen++
	gen := e.gen
	old := e.sub
	e.sub = nil
	e.roomID = roomID
	e.items = nil
	e.byID = map[string]*Item{}
	e.inflight = nil
	e.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	e.notify()

	if e.push != nil {
		sub, err := e.push.Subscribe(ctx, roomID, e.HandleEvent)
		if err != nil {
			// polling via Refresh still works
			e.logger.Warn("Push subscribe failed", zap.String("room_id", roomID), zap.Error(err))
		} else {
			e.mu.Lock()
			if e.gen != gen {
				e.mu.Unlock()
				_ = sub.Close()
				return ErrSuperseded
			}
			e.sub = sub
			e.mu.Unlock()
		}
	}

	detail, err := e.api.GetRoom(ctx, roomID, time.Time{})

	e.mu.Lock()
	if e.gen != gen || e.roomID != roomID {
		e.mu.Unlock()
		e.logger.Debug("Discarding stale room load", zap.String("room_id", roomID))
		return ErrSuperseded
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.mergeLocked(detail.Messages)
	e.mu.Unlock()
	e.notify()
	return nil
}

// Refresh polling backstop: fetches messages newer than the newest persisted one
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	roomID, gen := e.roomID, e.gen
	var since time.Time
	for _, it := range e.items {
		if it.State != Optimistic && it.Message.CreatedAt.After(since) {
			since = it.Message.CreatedAt
		}
	}
	e.mu.Unlock()
	if roomID == "" {
		return ErrNoRoom
	}

	detail, err := e.api.GetRoom(ctx, roomID, since)

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.mergeLocked(detail.Messages)
	e.mu.Unlock()
	e.notify()
	return nil
}

// mergeLocked server rows win over what is held, keyed by id. An indexed
// entry that fell out of the list is put back.
func (e *Engine) mergeLocked(msgs []*domain.Message) {
	for _, m := range msgs {
		if it, ok := e.byID[m.MessageID]; ok {
			it.Message = *m
			if m.IsRead {
				it.State = Read
			}
			if !e.listedLocked(it) {
				if it.State == Optimistic {
					it.State = stateFor(m)
				}
				e.items = append(e.items, it)
			}
			continue
		}
		it := &Item{Message: *m, State: stateFor(m)}
		e.items = append(e.items, it)
		e.byID[m.MessageID] = it
	}
	sortItems(e.items)
}

func (e *Engine) listedLocked(target *Item) bool {
	for _, it := range e.items {
		if it == target {
			return true
		}
	}
	return false
}

// SetComposer current draft text
func (e *Engine) SetComposer(text string) {
	e.mu.Lock()
	e.composer = text
	e.mu.Unlock()
}

func (e *Engine) Composer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.composer
}

// Send optimistic send: the entry shows immediately and the composer clears.
// On failure the entry is removed and the composer stays empty; the user re-sends.
// A failed response for a send the push already delivered keeps the entry:
// the server has the row. The attachment, if any, uploads in the background
// once the message persists.
func (e *Engine) Send(ctx context.Context, body string, att *Attachment) (Item, error) {
	e.mu.Lock()
	if e.roomID == "" {
		e.mu.Unlock()
		return Item{}, ErrNoRoom
	}
	if e.inflight != nil {
		e.mu.Unlock()
		return Item{}, ErrSendInFlight
	}
	roomID, gen := e.roomID, e.gen
	e.seq++
	tmp := &Item{
		TempID: "tmp-" + uuid.NewString(),
		State:  Optimistic,
		seq:    e.seq,
		Message: domain.Message{
			RoomID:    roomID,
			SenderID:  e.operatorID,
			Body:      body,
			Kind:      domain.MessageText,
			CreatedAt: time.Now().UTC(),
		},
	}
	if att != nil {
		tmp.Message.Kind = domain.MessageAttachment
	}
	e.items = append(e.items, tmp)
	sortItems(e.items)
	e.inflight = tmp
	e.composer = ""
	e.mu.Unlock()
	e.notify()

	msg, err := e.api.SendMessage(ctx, service.AppendRequest{
		RoomID:        roomID,
		Body:          body,
		ClientMsgID:   tmp.TempID,
		HasAttachment: att != nil,
	})

	e.mu.Lock()
	if e.gen != gen {
		// the list was reset by Open; nothing to reconcile
		e.mu.Unlock()
		if err != nil {
			return Item{TempID: tmp.TempID, State: Discarded, Message: tmp.Message}, err
		}
		return Item{TempID: tmp.TempID, State: Persisted, Message: *msg}, ErrSuperseded
	}
	e.inflight = nil
	if err != nil && tmp.Message.MessageID != "" {
		// push adopted the entry before the response failed
		e.logger.Debug("Send response failed after push delivery",
			zap.String("message_id", tmp.Message.MessageID), zap.Error(err))
		out := *tmp
		e.mu.Unlock()
		if att != nil {
			e.startUpload(roomID, out.Message.MessageID, att)
		}
		return out, nil
	}
	if err != nil {
		e.removeLocked(tmp)
		out := *tmp
		out.State = Discarded
		e.mu.Unlock()
		e.notify()
		return out, err
	}
	if existing, ok := e.byID[msg.MessageID]; ok && existing != tmp {
		// push delivered it first
		e.removeLocked(tmp)
	} else if !ok {
		tmp.Message = *msg
		tmp.State = stateFor(msg)
		e.byID[msg.MessageID] = tmp
	}
	sortItems(e.items)
	out := *e.byID[msg.MessageID]
	e.mu.Unlock()
	e.notify()

	if att != nil {
		e.startUpload(roomID, msg.MessageID, att)
	}
	return out, nil
}

func (e *Engine) removeLocked(target *Item) {
	for i, it := range e.items {
		if it == target {
			e.items = append(e.items[:i], e.items[i+1:]...)
			return
		}
	}
}

// track registers background work; false once Close has begun
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.bg.Add(1)
	return true
}

func (e *Engine) startUpload(roomID, messageID string, att *Attachment) {
	if !e.track() {
		return
	}
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.BackgroundTimeout)
		defer cancel()
		a, err := e.api.UploadAttachment(ctx, messageID, att.FileName, att.Body)
		if err != nil {
			e.logger.Warn("Attachment upload failed", zap.String("message_id", messageID), zap.Error(err))
			e.notice(err)
			return
		}
		e.mu.Lock()
		if it, ok := e.byID[messageID]; ok && e.roomID == roomID {
			it.Message.Attachments = appendAttachment(it.Message.Attachments, *a)
		}
		e.mu.Unlock()
		e.notify()
	}()
}

func appendAttachment(list []domain.Attachment, a domain.Attachment) []domain.Attachment {
	for _, x := range list {
		if x.AttachmentID == a.AttachmentID {
			return list
		}
	}
	return append(list, a)
}

// HandleEvent applies one push event. Safe to call more than once per event.
func (e *Engine) HandleEvent(evt realtime.Event) {
	if evt.Message == nil {
		return
	}
	markRead := false

	e.mu.Lock()
	if evt.RoomID != e.roomID {
		e.mu.Unlock()
		return
	}
	m := evt.Message
	switch evt.Type {
	case realtime.EventInsert:
		if it, ok := e.byID[m.MessageID]; ok {
			if it.State == Persisted && m.SenderID == e.operatorID {
				it.State = Delivered
			}
			break
		}
		if m.SenderID == e.operatorID && e.inflight != nil && e.inflight.State == Optimistic {
			// our in-flight send came back before its response
			e.inflight.Message = *m
			e.inflight.State = Delivered
			e.byID[m.MessageID] = e.inflight
		} else {
			it := &Item{Message: *m, State: stateFor(m)}
			e.items = append(e.items, it)
			e.byID[m.MessageID] = it
			markRead = m.SenderID != e.operatorID && !m.IsRead && e.focused
		}
		sortItems(e.items)
	case realtime.EventUpdate:
		it, ok := e.byID[m.MessageID]
		if !ok {
			break
		}
		if m.IsRead {
			it.Message.IsRead = true
			it.State = Read
		}
		if len(m.Attachments) > 0 {
			it.Message.Attachments = m.Attachments
		}
	}
	roomID := e.roomID
	e.mu.Unlock()
	e.notify()

	if markRead {
		e.startMarkRead(roomID)
	}
}

// SetFocused marks the open room read when it gains focus with unread messages
func (e *Engine) SetFocused(focused bool) {
	e.mu.Lock()
	e.focused = focused
	roomID := e.roomID
	unread := false
	if focused {
		for _, it := range e.items {
			if it.State != Optimistic && it.Message.SenderID != e.operatorID && !it.Message.IsRead {
				unread = true
				break
			}
		}
	}
	e.mu.Unlock()
	if unread && roomID != "" {
		e.startMarkRead(roomID)
	}
}

func (e *Engine) startMarkRead(roomID string) {
	if !e.track() {
		return
	}
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.BackgroundTimeout)
		defer cancel()
		if err := e.api.MarkRead(ctx, roomID); err != nil {
			e.logger.Warn("Mark read failed", zap.String("room_id", roomID), zap.Error(err))
			e.notice(err)
		}
	}()
}

// Messages snapshot of the open room, in display order
func (e *Engine) Messages() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) RoomID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roomID
}

func (e *Engine) snapshotLocked() []Item {
	out := make([]Item, len(e.items))
	for i, it := range e.items {
		out[i] = *it
	}
	return out
}

func (e *Engine) notify() {
	if e.opts.OnChange == nil {
		return
	}
	e.mu.Lock()
	roomID, items := e.roomID, e.snapshotLocked()
	e.mu.Unlock()
	e.opts.OnChange(roomID, items)
}

func (e *Engine) notice(err error) {
	if e.opts.OnNotice != nil {
		e.opts.OnNotice(err)
	}
}

// Close drops the push channel and waits for background work. Work started
// after Close is skipped until the next Open; do not call Open concurrently
// with Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	sub := e.sub
	e.sub = nil
	e.gen++
	e.roomID = ""
	e.mu.Unlock()
	var err error
	if sub != nil {
		err = sub.Close()
	}
	e.bg.Wait()
	return err
}
