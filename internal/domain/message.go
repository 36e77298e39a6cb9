package domain

import "time"

// MessageKind closed set of message kinds
type MessageKind string

const (
	MessageText       MessageKind = "text"
	MessageSystem     MessageKind = "system"
	MessageAttachment MessageKind = "attachment"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageSystem, MessageAttachment:
		return true
	}
	return false
}

// Message chat_messages row. Immutable after insert except IsRead (false -> true only).
type Message struct {
	MessageID string      `db:"message_id" json:"id"`
	RoomID    string      `db:"room_id" json:"roomId"`
	SenderID  string      `db:"sender_id" json:"senderId"`
	Body      string      `db:"body" json:"body"`
	Kind      MessageKind `db:"kind" json:"kind"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"` // server-assigned ordering key
	IsRead    bool        `db:"is_read" json:"isRead"`
	// Seq per-room commit order, assigned under the room lock; 1 is the room's first message
	Seq int64 `db:"seq" json:"seq"`

	Attachments []Attachment `db:"-" json:"attachments,omitempty"`
}

// Before orders by (created_at, message_id)
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.MessageID < o.MessageID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// Attachment chat_attachments row, created only after its parent message
type Attachment struct {
	AttachmentID string    `db:"attachment_id" json:"id"`
	MessageID    string    `db:"message_id" json:"messageId"`
	FileName     string    `db:"file_name" json:"fileName"`
	FileURL      string    `db:"file_url" json:"fileUrl"`
	UploadedBy   string    `db:"uploaded_by" json:"uploadedBy"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}
