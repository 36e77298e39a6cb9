package realtime

import (
	"context"
	"slices"
	"sync"
	"time"
)

const (
	subscriptionBuffer = 64
	defaultGapWait     = 500 * time.Millisecond
)

// Bus per-room push channel. Publish is called after the store commits.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(roomID string) *Subscription
	Close() error
}

// Subscription one subscriber on one room. C is closed when the subscriber
// unsubscribes, is dropped for being slow, or the bus shuts down.
type Subscription struct {
	RoomID string
	C      <-chan Event

	ch  chan Event
	hub *Hub
}

func (s *Subscription) Unsubscribe() {
	s.hub.remove(s)
}

// Hub in-process fan-out, roomID -> subscribers.
// Used directly for PUSH_BACKEND=local and as the delivery end of every backplane.
//
// Inserts carrying a seq are released in seq order per room. An insert that
// arrives ahead of a missing seq is held for at most gapWait; updates queue
// behind held inserts so a change never reaches a client before its row.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	closed bool

	orderMu sync.Mutex
	order   map[string]*roomOrder
	gapWait time.Duration
}

// roomOrder insert sequencing state for one subscribed room
type roomOrder struct {
	roomID   string
	next     int64
	pending  map[int64]Event
	deferred []Event
	timer    *time.Timer
}

var _ Bus = (*Hub)(nil)

type HubOption func(*Hub)

// WithGapWait how long an out-of-order insert waits for the missing ones
func WithGapWait(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.gapWait = d
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:   make(map[string]map[*Subscription]struct{}),
		order:   make(map[string]*roomOrder),
		gapWait: defaultGapWait,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Subscribe(roomID string) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{RoomID: roomID, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	set := h.rooms[roomID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.rooms[roomID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.Deliver(evt)
	return nil
}

// Deliver fans evt out to the room's subscribers and returns how many
// received it now; a held insert counts 0. Subscribers whose buffer is full
// are dropped.
func (h *Hub) Deliver(evt Event) int {
	h.orderMu.Lock()
	defer h.orderMu.Unlock()

	ro := h.order[evt.RoomID]
	if h.Subscribers(evt.RoomID) == 0 {
		if ro != nil {
			h.dropOrderLocked(ro)
		}
		return 0
	}

	if evt.Type != EventInsert || evt.Message == nil || evt.Message.Seq <= 0 {
		if ro != nil && len(ro.pending) > 0 {
			ro.deferred = append(ro.deferred, evt)
			return 0
		}
		return h.fanout(evt)
	}

	seq := evt.Message.Seq
	switch {
	case ro == nil:
		// first insert seen for this room sets the baseline
		h.order[evt.RoomID] = &roomOrder{roomID: evt.RoomID, next: seq + 1, pending: make(map[int64]Event)}
		return h.fanout(evt)
	case seq < ro.next:
		// late or duplicate; clients dedupe by message id
		return h.fanout(evt)
	case seq > ro.next:
		ro.pending[seq] = evt
		if ro.timer == nil {
			h.armLocked(ro)
		}
		return 0
	}
	n := h.fanout(evt)
	ro.next++
	h.drainLocked(ro)
	return n
}

// drainLocked releases consecutive held inserts, then the deferred updates
// once nothing is held
func (h *Hub) drainLocked(ro *roomOrder) {
	for {
		evt, ok := ro.pending[ro.next]
		if !ok {
			break
		}
		delete(ro.pending, ro.next)
		h.fanout(evt)
		ro.next++
	}
	if len(ro.pending) > 0 {
		if ro.timer == nil {
			h.armLocked(ro)
		}
		return
	}
	if ro.timer != nil {
		ro.timer.Stop()
		ro.timer = nil
	}
	for _, evt := range ro.deferred {
		h.fanout(evt)
	}
	ro.deferred = nil
}

// armLocked starts the gap timer; on expiry the missing seqs are given up
// and the lowest held insert becomes the next expected
func (h *Hub) armLocked(ro *roomOrder) {
	var t *time.Timer
	t = time.AfterFunc(h.gapWait, func() {
		h.orderMu.Lock()
		defer h.orderMu.Unlock()
		if ro.timer != t || h.order[ro.roomID] != ro {
			return
		}
		ro.timer = nil
		if len(ro.pending) == 0 {
			return
		}
		seqs := make([]int64, 0, len(ro.pending))
		for seq := range ro.pending {
			seqs = append(seqs, seq)
		}
		ro.next = slices.Min(seqs)
		h.drainLocked(ro)
	})
	ro.timer = t
}

func (h *Hub) dropOrderLocked(ro *roomOrder) {
	if ro.timer != nil {
		ro.timer.Stop()
	}
	delete(h.order, ro.roomID)
}

func (h *Hub) fanout(evt Event) int {
	var slow []*Subscription
	delivered := 0

	h.mu.RLock()
	for sub := range h.rooms[evt.RoomID] {
		select {
		case sub.ch <- evt:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.remove(sub)
	}
	return delivered
}

// Subscribers current subscriber count for a room
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.rooms[sub.RoomID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.rooms, sub.RoomID)
	}
	close(sub.ch)
}

func (h *Hub) Close() error {
	h.orderMu.Lock()
	for _, ro := range h.order {
		h.dropOrderLocked(ro)
	}
	h.orderMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, set := range h.rooms {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.rooms = make(map[string]map[*Subscription]struct{})
	return nil
}
