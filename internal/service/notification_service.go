package service

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/realtime"
	"wisefido-chat/internal/repository"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// NotificationService cross-room unread feed.
// Mark-read and dismiss are distinct: dismiss only hides a feed entry for the
// viewer and leaves is_read (and everyone's unread counts) untouched.
type NotificationService struct {
	notifications repository.NotificationsRepository
	messages      repository.MessagesRepository
	participants  repository.ParticipantsRepository
	operators     repository.OperatorsRepository
	bus           realtime.Bus
	locks         *RoomLocks
	previewRunes  int
	defaultLimit  int
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationsRepository,
	messages repository.MessagesRepository,
	participants repository.ParticipantsRepository,
	operators repository.OperatorsRepository,
	bus realtime.Bus,
	locks *RoomLocks,
	previewRunes, defaultLimit int,
	logger *zap.Logger,
) *NotificationService {
	if locks == nil {
		locks = NewRoomLocks()
	}
	if previewRunes <= 0 {
		previewRunes = 80
	}
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	return &NotificationService{
		notifications: notifications,
		messages:      messages,
		participants:  participants,
		operators:     operators,
		bus:           bus,
		locks:         locks,
		previewRunes:  previewRunes,
		defaultLimit:  defaultLimit,
		logger:        logger,
		now:           time.Now,
	}
}

// FeedItem one unread message, annotated for display
type FeedItem struct {
	MessageID  string    `json:"messageId"`
	RoomID     string    `json:"roomId"`
	RoomName   string    `json:"roomName"`
	RoomKind   string    `json:"roomKind"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Preview    string    `json:"preview"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"createdAt"`
	AgeSeconds int64     `json:"ageSeconds"`
	Age        string    `json:"age"`
}

type FeedResponse struct {
	Items []FeedItem `json:"items"`
	Total int        `json:"total"`
}

func (s *NotificationService) Feed(ctx context.Context, sess Session, limit int) (*FeedResponse, error) {
	if limit <= 0 || limit > 500 {
		limit = s.defaultLimit
	}
	rows, err := s.notifications.ListFeed(ctx, sess.OperatorID, limit)
	if err != nil {
		return nil, internalError("failed to load notifications", err)
	}

	senderIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		senderIDs = append(senderIDs, r.Message.SenderID)
	}
	ops, err := s.operators.GetOperators(ctx, uniqueIDs(senderIDs))
	if err != nil {
		s.logger.Warn("Failed to resolve notification senders", zap.Error(err))
		ops = map[string]*domain.Operator{}
	}

	now := s.now()
	items := make([]FeedItem, 0, len(rows))
	for _, r := range rows {
		senderName := r.Message.SenderID
		if op := ops[r.Message.SenderID]; op != nil {
			senderName = op.DisplayName()
		}
		age := now.Sub(r.Message.CreatedAt)
		if age < 0 {
			age = 0
		}
		items = append(items, FeedItem{
			MessageID:  r.Message.MessageID,
			RoomID:     r.Room.RoomID,
			RoomName:   r.Room.DisplayName(),
			RoomKind:   string(r.Room.Kind),
			SenderID:   r.Message.SenderID,
			SenderName: senderName,
			Preview:    truncateRunes(r.Message.Body, s.previewRunes),
			Kind:       string(r.Message.Kind),
			CreatedAt:  r.Message.CreatedAt,
			AgeSeconds: int64(age / time.Second),
			Age:        humanize.RelTime(r.Message.CreatedAt, now, "ago", "from now"),
		})
	}
	return &FeedResponse{Items: items, Total: len(items)}, nil
}

type NotificationIDsRequest struct {
	IDs []string `json:"ids"`
}

type NotificationsChangedResponse struct {
	Count int `json:"count"`
}

// MarkRead marks the given messages read and moves each affected room cursor
// up to the newest marked message.
func (s *NotificationService) MarkRead(ctx context.Context, sess Session, req NotificationIDsRequest) (*NotificationsChangedResponse, error) {
	if len(uniqueIDs(req.IDs)) == 0 {
		return nil, validationError("ids is required")
	}
	ids := rowIDs(req.IDs)
	if len(ids) == 0 {
		return &NotificationsChangedResponse{}, nil
	}
	marks, err := s.messages.MarkMessagesRead(ctx, sess.OperatorID, ids)
	if err != nil {
		return nil, internalError("failed to mark notifications read", err)
	}

	count := 0
	for _, mk := range marks {
		count += len(mk.IDs)
		if _, err := s.participants.AdvanceReadCursor(ctx, mk.RoomID, sess.OperatorID, mk.UpTo); err != nil &&
			!errors.Is(err, repository.ErrNotParticipant) {
			s.logger.Warn("Failed to advance read cursor",
				zap.String("room_id", mk.RoomID), zap.String("operator_id", sess.OperatorID), zap.Error(err))
		}
		publishRead(ctx, s.bus, s.locks, s.logger, mk.RoomID, mk.IDs)
	}
	return &NotificationsChangedResponse{Count: count}, nil
}

// Dismiss hides entries from the viewer's feed only
func (s *NotificationService) Dismiss(ctx context.Context, sess Session, req NotificationIDsRequest) (*NotificationsChangedResponse, error) {
	if len(uniqueIDs(req.IDs)) == 0 {
		return nil, validationError("ids is required")
	}
	ids := rowIDs(req.IDs)
	if len(ids) == 0 {
		return &NotificationsChangedResponse{}, nil
	}
	n, err := s.notifications.Dismiss(ctx, sess.OperatorID, ids)
	if err != nil {
		return nil, internalError("failed to dismiss notifications", err)
	}
	return &NotificationsChangedResponse{Count: n}, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
