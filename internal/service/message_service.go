package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"wisefido-chat/internal/blob"
	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/realtime"
	"wisefido-chat/internal/repository"
	"wisefido-chat/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const idempotencyPending = "pending"

// MessageService appends messages and attachments, then pushes room events
type MessageService struct {
	messages repository.MessagesRepository
	kv       store.KV
	bus      realtime.Bus
	locks    *RoomLocks
	storage  blob.Storage
	idemTTL  time.Duration
	logger   *zap.Logger
}

func NewMessageService(
	messages repository.MessagesRepository,
	kv store.KV,
	bus realtime.Bus,
	locks *RoomLocks,
	storage blob.Storage,
	idemTTL time.Duration,
	logger *zap.Logger,
) *MessageService {
	if idemTTL <= 0 {
		idemTTL = 10 * time.Minute
	}
	if locks == nil {
		locks = NewRoomLocks()
	}
	return &MessageService{
		messages: messages,
		kv:       kv,
		bus:      bus,
		locks:    locks,
		storage:  storage,
		idemTTL:  idemTTL,
		logger:   logger,
	}
}

type AppendRequest struct {
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
	Kind     string `json:"kind"`
	// ClientMsgID client-generated id; a resend with the same id returns the first result
	ClientMsgID string `json:"clientMsgId,omitempty"`
	// HasAttachment the client will upload a file for this message
	HasAttachment bool `json:"hasAttachment,omitempty"`
}

// Append persists one message from the session operator and publishes an insert event
func (s *MessageService) Append(ctx context.Context, sess Session, req AppendRequest) (*domain.Message, error) {
	roomID, err := rowID(req.RoomID, "roomId", "room")
	if err != nil {
		return nil, err
	}
	if req.SenderID != "" && req.SenderID != sess.OperatorID {
		return nil, permissionDenied("senderId must be the acting operator")
	}
	kind := domain.MessageKind(req.Kind)
	if kind == "" {
		kind = domain.MessageText
		if req.HasAttachment {
			kind = domain.MessageAttachment
		}
	}
	if !kind.Valid() || kind == domain.MessageSystem {
		return nil, validationError("invalid message kind %q", req.Kind)
	}
	body := strings.TrimSpace(req.Body)
	if body == "" && !req.HasAttachment {
		return nil, validationError("message body is required")
	}

	idemKey := ""
	if req.ClientMsgID != "" {
		idemKey = fmt.Sprintf("chat:idem:%s:%s", sess.OperatorID, req.ClientMsgID)
		if prior, err := s.reserve(ctx, idemKey); err != nil || prior != nil {
			return prior, err
		}
	}

	msg, err := s.commit(ctx, &domain.Message{
		RoomID:   roomID,
		SenderID: sess.OperatorID,
		Body:     body,
		Kind:     kind,
	})
	if err != nil {
		if idemKey != "" {
			_ = s.kv.Delete(ctx, idemKey)
		}
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, notFound("room not found")
		case errors.Is(err, repository.ErrNotParticipant):
			return nil, permissionDenied("not an active participant of this room")
		}
		return nil, internalError("failed to append message", err)
	}

	if idemKey != "" {
		if err := s.kv.Set(ctx, idemKey, msg.MessageID, s.idemTTL); err != nil {
			s.logger.Warn("Failed to record client message id", zap.String("key", idemKey), zap.Error(err))
		}
	}
	return msg, nil
}

// commit appends and publishes the insert under the room lock, so a second
// append to the same room cannot overtake this one on the bus
func (s *MessageService) commit(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	unlock := s.locks.Lock(m.RoomID)
	defer unlock()
	msg, err := s.messages.AppendMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.InsertEvent(msg))
	return msg, nil
}

// reserve claims idemKey. A non-nil message means this send already went through.
func (s *MessageService) reserve(ctx context.Context, key string) (*domain.Message, error) {
	ok, err := s.kv.SetNX(ctx, key, idempotencyPending, s.idemTTL)
	if err != nil {
		// KV down: send without dedup rather than refuse to send
		s.logger.Warn("Idempotency store unavailable", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if ok {
		return nil, nil
	}
	prior, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("Idempotency lookup failed", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if prior == idempotencyPending {
		return nil, &Error{Kind: KindConflict, Message: "message with this client id is already being sent"}
	}
	msg, err := s.messages.GetMessage(ctx, prior)
	if err != nil {
		return nil, internalError("failed to load prior message", err)
	}
	return msg, nil
}

type UploadRequest struct {
	MessageID   string
	UploadedBy  string
	FileName    string
	ContentType string
	Body        io.Reader
}

// UploadAttachment stores the file and links it to an existing message.
// The message is never retracted when this fails.
func (s *MessageService) UploadAttachment(ctx context.Context, sess Session, req UploadRequest) (*domain.Attachment, error) {
	if req.UploadedBy != "" && req.UploadedBy != sess.OperatorID {
		return nil, permissionDenied("uploaded_by must be the acting operator")
	}
	messageID, err := rowID(req.MessageID, "message_id", "message")
	if err != nil {
		return nil, err
	}
	fileName := filepath.Base(strings.TrimSpace(req.FileName))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		return nil, validationError("file is required")
	}
	if req.Body == nil {
		return nil, validationError("file is required")
	}

	msg, err := s.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("message not found")
	}
	if err != nil {
		return nil, internalError("failed to load message", err)
	}
	if msg.SenderID != sess.OperatorID {
		return nil, permissionDenied("only the sender can attach files to a message")
	}

	key := fmt.Sprintf("%s/%s-%s", msg.RoomID, uuid.NewString(), fileName)
	fileURL, err := s.storage.Upload(ctx, key, fileName, req.ContentType, req.Body)
	if err != nil {
		if errors.Is(err, blob.ErrStorageUnavailable) {
			s.logger.Error("Attachment storage unavailable", zap.String("message_id", messageID), zap.Error(err))
			return nil, &Error{Kind: KindStorageUnavailable, Message: "attachment storage is not available", Err: err}
		}
		s.logger.Warn("Attachment upload failed", zap.String("message_id", messageID), zap.Error(err))
		return nil, &Error{Kind: KindUploadFailed, Message: "attachment upload failed, please retry", Err: err}
	}

	att, err := s.messages.AddAttachment(ctx, &domain.Attachment{
		MessageID:  messageID,
		FileName:   fileName,
		FileURL:    fileURL,
		UploadedBy: sess.OperatorID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("message not found")
		}
		return nil, internalError("failed to save attachment", err)
	}

	unlock := s.locks.Lock(msg.RoomID)
	defer unlock()
	if updated, err := s.messages.GetMessage(ctx, messageID); err == nil {
		s.publish(ctx, realtime.UpdateEvent(updated))
	} else {
		s.logger.Warn("Failed to reload message after upload", zap.String("message_id", messageID), zap.Error(err))
	}
	return att, nil
}

// publish push is a hint; a failure is logged and the write still succeeds
func (s *MessageService) publish(ctx context.Context, evt realtime.Event) {
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Warn("Failed to publish room event",
			zap.String("room_id", evt.RoomID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}
