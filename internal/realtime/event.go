package realtime

import (
	"encoding/json"
	"fmt"

	"wisefido-chat/internal/domain"
)

// EventType row change kind pushed to room subscribers
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

func (t EventType) Valid() bool {
	return t == EventInsert || t == EventUpdate
}

// Event one message row change in one room.
// Attachment updates carry the full row; read flips carry only id, room and isRead.
type Event struct {
	Type    EventType       `json:"type"`
	RoomID  string          `json:"roomId"`
	Message *domain.Message `json:"message"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if !e.Type.Valid() || e.RoomID == "" || e.Message == nil {
		return Event{}, fmt.Errorf("invalid event: type=%q room=%q", e.Type, e.RoomID)
	}
	return e, nil
}

func InsertEvent(m *domain.Message) Event {
	return Event{Type: EventInsert, RoomID: m.RoomID, Message: m}
}

func UpdateEvent(m *domain.Message) Event {
	return Event{Type: EventUpdate, RoomID: m.RoomID, Message: m}
}
