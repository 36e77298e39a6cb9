package syncclient

import (
	"sort"

	"wisefido-chat/internal/domain"
)

// MessageState client-side lifecycle of one message
type MessageState int

const (
	// Optimistic local only, temp id, persist request pending
	Optimistic MessageState = iota
	// Persisted server id assigned
	Persisted
	// Delivered seen coming back through the push channel (informational)
	Delivered
	// Read is_read observed true
	Read
	// Discarded persist failed; the entry is gone from the list
	Discarded
)

func (s MessageState) String() string {
	switch s {
	case Optimistic:
		return "optimistic"
	case Persisted:
		return "persisted"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

// Item one entry of the open room's message list
type Item struct {
	Message domain.Message
	// TempID set while (and after) the entry was optimistic
	TempID string
	State  MessageState

	seq uint64
}

// ID server id, or the temp id while optimistic
func (it *Item) ID() string {
	if it.Message.MessageID != "" {
		return it.Message.MessageID
	}
	return it.TempID
}

func stateFor(m *domain.Message) MessageState {
	if m.IsRead {
		return Read
	}
	return Persisted
}

// sortItems (created_at, id); optimistic entries last, in send order
func sortItems(items []*Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		ao, bo := a.State == Optimistic, b.State == Optimistic
		if ao != bo {
			return bo
		}
		if ao {
			return a.seq < b.seq
		}
		return a.Message.Before(&b.Message)
	})
}
