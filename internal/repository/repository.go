package repository

import (
	"context"
	"errors"
	"time"

	"wisefido-chat/internal/domain"
)

var (
	// ErrNotFound row absent (or soft-deleted where the query excludes those)
	ErrNotFound = errors.New("not found")
	// ErrConflict unique constraint hit (personal room pair race)
	ErrConflict = errors.New("conflict")
	// ErrNotParticipant sender/reader is not an active participant of the room
	ErrNotParticipant = errors.New("not an active participant")
)

// OperatorsRepository read-only view of console operators (users table)
type OperatorsRepository interface {
	GetOperator(ctx context.Context, operatorID string) (*domain.Operator, error)
	GetOperators(ctx context.Context, operatorIDs []string) (map[string]*domain.Operator, error)
	ListOperatorsByRole(ctx context.Context, role domain.GlobalRole) ([]*domain.Operator, error)
}

// NewRoom everything written atomically when a room is created
type NewRoom struct {
	Room          *domain.Room
	Participants  []*domain.Participant
	SystemMessage *domain.Message
}

// RoomsRepository chat_rooms access
type RoomsRepository interface {
	// CreateRoom inserts room, participants and system message in one transaction.
	// Returns ErrConflict if a non-deleted personal room already holds the pair key.
	CreateRoom(ctx context.Context, in NewRoom) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	FindPersonalRoom(ctx context.Context, pairKey string) (*domain.Room, error)
	ListRooms(ctx context.Context, filter RoomsFilter) ([]*RoomSummary, int, error)
	SoftDeleteRoom(ctx context.Context, roomID string) error
	UpdateRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus, priority domain.RoomPriority) error
}

// RoomsFilter listing filter, scoped to a viewer
type RoomsFilter struct {
	ViewerID string
	// IncludeAllGroups elevated oversight: every non-deleted group room, member or not
	IncludeAllGroups bool
	Kind             domain.RoomKind   // optional
	Status           domain.RoomStatus // optional
	Search           string            // subject / group name
	Page             int
	Size             int
}

// RoomSummary room annotated with derived fields for one viewer
type RoomSummary struct {
	Room              *domain.Room
	LastMessage       *domain.Message
	UnreadCount       int // others' messages with is_read = false
	UnreadSinceCursor int // others' messages after the viewer's last_read_at
	ParticipantCount  int // active rows
	OtherParticipant  string
}

// ParticipantsRepository chat_participants access
type ParticipantsRepository interface {
	GetParticipant(ctx context.Context, roomID, operatorID string) (*domain.Participant, error)
	ListParticipants(ctx context.Context, roomID string, activeOnly bool) ([]*domain.Participant, error)
	// AddParticipant inserts, or re-activates a participant who left
	AddParticipant(ctx context.Context, p *domain.Participant) error
	MarkLeft(ctx context.Context, roomID, operatorID string, at time.Time) error
	// AdvanceReadCursor sets last_read_at = GREATEST(last_read_at, at); returns the stored value.
	// A zero at means now by the store's clock.
	AdvanceReadCursor(ctx context.Context, roomID, operatorID string, at time.Time) (time.Time, error)
}

// ReadMark newest message marked read per room
type ReadMark struct {
	RoomID string
	UpTo   time.Time
	IDs    []string
}

// MessagesRepository chat_messages / chat_attachments access
type MessagesRepository interface {
	// AppendMessage assigns id, created_at and the room's next seq, requires an
	// active participant sender and bumps last_message_at in the same transaction.
	AppendMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	// ListMessages ordered by (created_at, message_id); since zero = all
	ListMessages(ctx context.Context, roomID string, since time.Time) ([]*domain.Message, error)
	AddAttachment(ctx context.Context, a *domain.Attachment) (*domain.Attachment, error)
	// MarkRoomRead flips is_read for others' messages created at or before upTo
	MarkRoomRead(ctx context.Context, roomID, readerID string, upTo time.Time) ([]string, error)
	// MarkMessagesRead flips is_read on ids the reader may read (active member, not own)
	MarkMessagesRead(ctx context.Context, readerID string, messageIDs []string) ([]ReadMark, error)
	CountUnread(ctx context.Context, roomID, operatorID string) (int, error)
	// UnreadCounts per room over the operator's active, non-deleted rooms
	UnreadCounts(ctx context.Context, operatorID string) (map[string]int, error)
}

// FeedRow one unread message with its room
type FeedRow struct {
	Message *domain.Message
	Room    *domain.Room
}

// NotificationsRepository cross-room unread feed + dismissals
type NotificationsRepository interface {
	// ListFeed others' unread messages in the operator's active rooms, not dismissed, newest first
	ListFeed(ctx context.Context, operatorID string, limit int) ([]*FeedRow, error)
	// Dismiss hides messages from the operator's feed; message rows are untouched
	Dismiss(ctx context.Context, operatorID string, messageIDs []string) (int, error)
}
