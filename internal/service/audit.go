package service

import (
	"context"
	"time"

	commonredis "wisefido-chat/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Audit actions
const (
	AuditRoomCreated   = "room.created"
	AuditRoomDeleted   = "room.deleted"
	AuditRoomStatus    = "room.status_changed"
	AuditMemberAdded   = "room.member_added"
	AuditMemberRemoved = "room.member_removed"
)

// AuditEvent privileged room mutation, consumed by the console's audit log
type AuditEvent struct {
	Action   string            `json:"action"`
	RoomID   string            `json:"room_id"`
	ActorID  string            `json:"actor_id"`
	TargetID string            `json:"target_id,omitempty"`
	Detail   map[string]string `json:"detail,omitempty"`
	At       time.Time         `json:"at"`
}

// AuditSink best effort: a failed audit write never fails the operation
type AuditSink interface {
	Record(ctx context.Context, evt AuditEvent)
}

// StreamAuditSink appends audit events to a Redis Stream
type StreamAuditSink struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

func NewStreamAuditSink(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamAuditSink {
	return &StreamAuditSink{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

func (s *StreamAuditSink) Record(ctx context.Context, evt AuditEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if _, err := commonredis.PublishJSONToStream(ctx, s.client, s.stream, s.maxLen, evt); err != nil {
		s.logger.Warn("Failed to write audit event",
			zap.String("action", evt.Action),
			zap.String("room_id", evt.RoomID),
			zap.Error(err),
		)
	}
}

// LogAuditSink used when Redis is not configured
type LogAuditSink struct {
	logger *zap.Logger
}

func NewLogAuditSink(logger *zap.Logger) *LogAuditSink { return &LogAuditSink{logger: logger} }

func (s *LogAuditSink) Record(_ context.Context, evt AuditEvent) {
	s.logger.Info("Chat audit",
		zap.String("action", evt.Action),
		zap.String("room_id", evt.RoomID),
		zap.String("actor_id", evt.ActorID),
		zap.String("target_id", evt.TargetID),
		zap.Any("detail", evt.Detail),
	)
}
