package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/realtime"
	"wisefido-chat/internal/repository"

	"go.uber.org/zap"
)

// ReadStateService read cursors and unread counts.
// Unread counts are live queries over is_read, never stored.
type ReadStateService struct {
	rooms        repository.RoomsRepository
	participants repository.ParticipantsRepository
	messages     repository.MessagesRepository
	bus          realtime.Bus
	locks        *RoomLocks
	logger       *zap.Logger
}

func NewReadStateService(
	rooms repository.RoomsRepository,
	participants repository.ParticipantsRepository,
	messages repository.MessagesRepository,
	bus realtime.Bus,
	locks *RoomLocks,
	logger *zap.Logger,
) *ReadStateService {
	if locks == nil {
		locks = NewRoomLocks()
	}
	return &ReadStateService{
		rooms:        rooms,
		participants: participants,
		messages:     messages,
		bus:          bus,
		locks:        locks,
		logger:       logger,
	}
}

type MarkReadResponse struct {
	RoomID     string    `json:"roomId"`
	LastReadAt time.Time `json:"lastReadAt"`
	Marked     int       `json:"marked"`
}

// MarkRead advances the operator's cursor to now, by the store's clock, and
// marks others' messages up to it read
func (s *ReadStateService) MarkRead(ctx context.Context, sess Session, roomID string) (*MarkReadResponse, error) {
	roomID, err := rowID(roomID, "room_id", "room")
	if err != nil {
		return nil, err
	}
	room, err := s.rooms.GetRoom(ctx, roomID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && room.IsDeleted) {
		return nil, notFound("room not found")
	}
	if err != nil {
		return nil, internalError("failed to load room", err)
	}

	cursor, err := s.participants.AdvanceReadCursor(ctx, roomID, sess.OperatorID, time.Time{})
	if errors.Is(err, repository.ErrNotParticipant) {
		return nil, permissionDenied("not an active participant of this room")
	}
	if err != nil {
		return nil, internalError("failed to advance read cursor", err)
	}

	ids, err := s.messages.MarkRoomRead(ctx, roomID, sess.OperatorID, cursor)
	if err != nil {
		return nil, internalError("failed to mark messages read", err)
	}
	publishRead(ctx, s.bus, s.locks, s.logger, roomID, ids)
	return &MarkReadResponse{RoomID: roomID, LastReadAt: cursor, Marked: len(ids)}, nil
}

type UnreadCountResponse struct {
	Total int            `json:"total"`
	Rooms map[string]int `json:"rooms"`
}

// UnreadCount one room when roomID is set, otherwise all the operator's rooms
func (s *ReadStateService) UnreadCount(ctx context.Context, sess Session, roomID string) (*UnreadCountResponse, error) {
	if strings.TrimSpace(roomID) != "" {
		roomID, err := rowID(roomID, "room_id", "room")
		if err != nil {
			return nil, err
		}
		p, err := s.participants.GetParticipant(ctx, roomID, sess.OperatorID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && !p.Active()) {
			return nil, permissionDenied("not an active participant of this room")
		}
		if err != nil {
			return nil, internalError("failed to load participant", err)
		}
		n, err := s.messages.CountUnread(ctx, roomID, sess.OperatorID)
		if err != nil {
			return nil, internalError("failed to count unread", err)
		}
		return &UnreadCountResponse{Total: n, Rooms: map[string]int{roomID: n}}, nil
	}

	counts, err := s.messages.UnreadCounts(ctx, sess.OperatorID)
	if err != nil {
		return nil, internalError("failed to count unread", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return &UnreadCountResponse{Total: total, Rooms: counts}, nil
}

// publishRead one update event per flipped message. Read flips carry only
// id, room and isRead; clients keep the rest of the row they already hold.
func publishRead(ctx context.Context, bus realtime.Bus, locks *RoomLocks, logger *zap.Logger, roomID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	unlock := locks.Lock(roomID)
	defer unlock()
	for _, id := range ids {
		evt := realtime.UpdateEvent(&domain.Message{MessageID: id, RoomID: roomID, IsRead: true})
		if err := bus.Publish(ctx, evt); err != nil {
			logger.Warn("Failed to publish read update", zap.String("room_id", roomID), zap.Error(err))
			return
		}
	}
}
