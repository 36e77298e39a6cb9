package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/repository"

	"go.uber.org/zap"
)

// RoomService room directory + membership (personal/group/support rooms)
type RoomService struct {
	rooms        repository.RoomsRepository
	participants repository.ParticipantsRepository
	messages     repository.MessagesRepository
	operators    repository.OperatorsRepository
	audit        AuditSink
	logger       *zap.Logger
	now          func() time.Time
}

func NewRoomService(
	rooms repository.RoomsRepository,
	participants repository.ParticipantsRepository,
	messages repository.MessagesRepository,
	operators repository.OperatorsRepository,
	audit AuditSink,
	logger *zap.Logger,
) *RoomService {
	return &RoomService{
		rooms:        rooms,
		participants: participants,
		messages:     messages,
		operators:    operators,
		audit:        audit,
		logger:       logger,
		now:          time.Now,
	}
}

// ---- personal ----

type CreatePersonalRequest struct {
	InitiatorID string `json:"initiatorId"`
	TargetID    string `json:"targetId"`
}

type CreatePersonalResponse struct {
	ID    string   `json:"id"`
	IsNew bool     `json:"isNew"`
	Room  RoomView `json:"room"`
}

// CreatePersonal returns the pair's existing personal room or creates it.
// At least one of the two operators must hold the elevated role.
func (s *RoomService) CreatePersonal(ctx context.Context, sess Session, req CreatePersonalRequest) (*CreatePersonalResponse, error) {
	initiatorID := strings.TrimSpace(req.InitiatorID)
	if initiatorID == "" {
		initiatorID = sess.OperatorID
	}
	targetID := strings.TrimSpace(req.TargetID)
	if targetID == "" {
		return nil, validationError("targetId is required")
	}
	if initiatorID != sess.OperatorID && !sess.Elevated() {
		return nil, permissionDenied("cannot open a conversation on behalf of another operator")
	}
	if initiatorID == targetID {
		return nil, validationError("cannot open a conversation with yourself")
	}

	ops, err := s.operators.GetOperators(ctx, []string{initiatorID, targetID})
	if err != nil {
		return nil, internalError("failed to resolve operators", err)
	}
	initiator, target := ops[initiatorID], ops[targetID]
	if initiator == nil || !initiator.Active {
		return nil, notFound("operator %s not found", initiatorID)
	}
	if target == nil || !target.Active {
		return nil, notFound("operator %s not found", targetID)
	}
	if !initiator.Role.Elevated() && !target.Role.Elevated() {
		return nil, permissionDenied("personal conversations require a super admin on one side")
	}

	pairKey := domain.PairKey(initiatorID, targetID)
	existing, err := s.rooms.FindPersonalRoom(ctx, pairKey)
	if err == nil {
		return &CreatePersonalResponse{ID: existing.RoomID, IsNew: false, Room: roomView(existing)}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, internalError("failed to look up personal room", err)
	}

	room, err := s.rooms.CreateRoom(ctx, repository.NewRoom{
		Room: &domain.Room{
			Kind:      domain.RoomPersonal,
			Subject:   fmt.Sprintf("%s & %s", initiator.DisplayName(), target.DisplayName()),
			Status:    domain.RoomOpen,
			Priority:  domain.PriorityNormal,
			CreatedBy: initiatorID,
			PairKey:   sql.NullString{String: pairKey, Valid: true},
		},
		Participants: []*domain.Participant{
			{OperatorID: initiatorID, Role: initiator.Role.ChatRole(), AddedBy: initiatorID},
			{OperatorID: targetID, Role: target.Role.ChatRole(), AddedBy: initiatorID},
		},
		SystemMessage: &domain.Message{
			SenderID: initiatorID,
			Body:     fmt.Sprintf("%s started a conversation with %s", initiator.DisplayName(), target.DisplayName()),
			Kind:     domain.MessageSystem,
		},
	})
	if errors.Is(err, repository.ErrConflict) {
		// lost the race against a concurrent create for the same pair
		winner, ferr := s.rooms.FindPersonalRoom(ctx, pairKey)
		if ferr != nil {
			s.logger.Warn("Personal room conflict without a readable winner",
				zap.String("pair_key", pairKey), zap.Error(ferr))
			return nil, &Error{Kind: KindConflict, Message: "conversation is being created, retry", Err: ferr}
		}
		return &CreatePersonalResponse{ID: winner.RoomID, IsNew: false, Room: roomView(winner)}, nil
	}
	if err != nil {
		return nil, internalError("failed to create personal room", err)
	}

	s.logger.Info("Personal room created",
		zap.String("room_id", room.RoomID),
		zap.String("initiator_id", initiatorID),
		zap.String("target_id", targetID),
	)
	s.audit.Record(ctx, AuditEvent{
		Action: AuditRoomCreated, RoomID: room.RoomID, ActorID: sess.OperatorID, TargetID: targetID,
		Detail: map[string]string{"kind": string(domain.RoomPersonal)}, At: s.now().UTC(),
	})
	return &CreatePersonalResponse{ID: room.RoomID, IsNew: true, Room: roomView(room)}, nil
}

// ---- group ----

type CreateGroupRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	CreatedBy      string   `json:"createdBy"`
	ParticipantIDs []string `json:"participantIds"`
}

// CreateGroup elevated only. Participant ids are de-duplicated and the creator
// is always a member.
func (s *RoomService) CreateGroup(ctx context.Context, sess Session, req CreateGroupRequest) (*RoomView, error) {
	if !sess.Elevated() {
		return nil, permissionDenied("only super admins can create groups")
	}
	creatorID := strings.TrimSpace(req.CreatedBy)
	if creatorID == "" {
		creatorID = sess.OperatorID
	}
	if creatorID != sess.OperatorID {
		return nil, permissionDenied("createdBy must be the acting operator")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, validationError("group name is required")
	}

	memberIDs := uniqueIDs(req.ParticipantIDs)
	if len(memberIDs) == 0 {
		return nil, validationError("at least one participant is required")
	}
	if !contains(memberIDs, creatorID) {
		memberIDs = append([]string{creatorID}, memberIDs...)
	}

	ops, err := s.operators.GetOperators(ctx, memberIDs)
	if err != nil {
		return nil, internalError("failed to resolve operators", err)
	}
	var missing []string
	participants := make([]*domain.Participant, 0, len(memberIDs))
	for _, id := range memberIDs {
		op := ops[id]
		if op == nil || !op.Active {
			missing = append(missing, id)
			continue
		}
		participants = append(participants, &domain.Participant{OperatorID: id, Role: op.Role.ChatRole(), AddedBy: creatorID})
	}
	if len(missing) > 0 {
		return nil, notFound("operators not found: %s", strings.Join(missing, ", "))
	}

	creatorName := sess.Username
	if op := ops[creatorID]; op != nil {
		creatorName = op.DisplayName()
	}
	room, err := s.rooms.CreateRoom(ctx, repository.NewRoom{
		Room: &domain.Room{
			Kind:        domain.RoomGroup,
			Subject:     name,
			GroupName:   sql.NullString{String: name, Valid: true},
			Description: sql.NullString{String: strings.TrimSpace(req.Description), Valid: strings.TrimSpace(req.Description) != ""},
			Status:      domain.RoomOpen,
			Priority:    domain.PriorityNormal,
			CreatedBy:   creatorID,
			GroupAdmin:  sql.NullString{String: creatorID, Valid: true},
		},
		Participants: participants,
		SystemMessage: &domain.Message{
			SenderID: creatorID,
			Body:     fmt.Sprintf("%s created group %q with %d members", creatorName, name, len(participants)),
			Kind:     domain.MessageSystem,
		},
	})
	if err != nil {
		return nil, internalError("failed to create group", err)
	}

	s.logger.Info("Group room created",
		zap.String("room_id", room.RoomID),
		zap.String("created_by", creatorID),
		zap.Int("member_count", len(participants)),
	)
	s.audit.Record(ctx, AuditEvent{
		Action: AuditRoomCreated, RoomID: room.RoomID, ActorID: creatorID,
		Detail: map[string]string{"kind": string(domain.RoomGroup), "members": fmt.Sprint(len(participants))},
		At:     s.now().UTC(),
	})
	v := roomView(room)
	return &v, nil
}

// ---- support ----

type CreateSupportRequest struct {
	Subject  string `json:"subject"`
	Priority string `json:"priority"`
}

// CreateSupport any operator opens a support room staffed by every active super admin
func (s *RoomService) CreateSupport(ctx context.Context, sess Session, req CreateSupportRequest) (*RoomView, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return nil, validationError("subject is required")
	}
	priority := domain.RoomPriority(strings.TrimSpace(req.Priority))
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return nil, validationError("invalid priority %q", req.Priority)
	}

	staff, err := s.operators.ListOperatorsByRole(ctx, domain.RoleSuperAdmin)
	if err != nil {
		return nil, internalError("failed to list support staff", err)
	}
	participants := []*domain.Participant{
		{OperatorID: sess.OperatorID, Role: sess.Role.ChatRole(), AddedBy: sess.OperatorID},
	}
	for _, op := range staff {
		if op.OperatorID == sess.OperatorID {
			continue
		}
		participants = append(participants, &domain.Participant{OperatorID: op.OperatorID, Role: op.Role.ChatRole(), AddedBy: sess.OperatorID})
	}

	room, err := s.rooms.CreateRoom(ctx, repository.NewRoom{
		Room: &domain.Room{
			Kind:      domain.RoomSupport,
			Subject:   subject,
			Status:    domain.RoomOpen,
			Priority:  priority,
			CreatedBy: sess.OperatorID,
		},
		Participants: participants,
		SystemMessage: &domain.Message{
			SenderID: sess.OperatorID,
			Body:     fmt.Sprintf("Support request opened: %s", subject),
			Kind:     domain.MessageSystem,
		},
	})
	if err != nil {
		return nil, internalError("failed to create support room", err)
	}
	s.audit.Record(ctx, AuditEvent{
		Action: AuditRoomCreated, RoomID: room.RoomID, ActorID: sess.OperatorID,
		Detail: map[string]string{"kind": string(domain.RoomSupport), "priority": string(priority)},
		At:     s.now().UTC(),
	})
	v := roomView(room)
	return &v, nil
}

// ---- listing ----

type ListRoomsRequest struct {
	Kind   string
	Status string
	Search string
	Page   int
	Size   int
}

type ListRoomsResponse struct {
	Items []RoomItem `json:"items"`
	Total int        `json:"total"`
}

// ListRooms rooms the operator is an active participant of; super admins also
// see every non-deleted group room (oversight).
func (s *RoomService) ListRooms(ctx context.Context, sess Session, req ListRoomsRequest) (*ListRoomsResponse, error) {
	filter := repository.RoomsFilter{
		ViewerID:         sess.OperatorID,
		IncludeAllGroups: sess.Elevated(),
		Search:           req.Search,
		Page:             req.Page,
		Size:             req.Size,
	}
	if req.Kind != "" {
		filter.Kind = domain.RoomKind(req.Kind)
		if !filter.Kind.Valid() {
			return nil, validationError("invalid kind %q", req.Kind)
		}
	}
	if req.Status != "" {
		filter.Status = domain.RoomStatus(req.Status)
		if !filter.Status.Valid() {
			return nil, validationError("invalid status %q", req.Status)
		}
	}

	sums, total, err := s.rooms.ListRooms(ctx, filter)
	if err != nil {
		return nil, internalError("failed to list rooms", err)
	}

	var others []string
	for _, sum := range sums {
		if sum.OtherParticipant != "" {
			others = append(others, sum.OtherParticipant)
		}
	}
	ops, err := s.operators.GetOperators(ctx, uniqueIDs(others))
	if err != nil {
		s.logger.Warn("Failed to resolve other participants", zap.Error(err))
		ops = map[string]*domain.Operator{}
	}

	items := make([]RoomItem, 0, len(sums))
	for _, sum := range sums {
		items = append(items, roomItem(sum, ops))
	}
	return &ListRoomsResponse{Items: items, Total: total}, nil
}

// ---- detail ----

type RoomDetail struct {
	Room         RoomView          `json:"room"`
	Participants []ParticipantView `json:"participants"`
	Messages     []*domain.Message `json:"messages"`
}

// GetRoom room with participants and messages ordered by (created_at, id).
// since filters messages for reconnect backfill. Deleted rooms stay readable
// by super admins and anyone who was a participant.
func (s *RoomService) GetRoom(ctx context.Context, sess Session, roomID string, since time.Time) (*RoomDetail, error) {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	participants, err := s.participants.ListParticipants(ctx, room.RoomID, false)
	if err != nil {
		return nil, internalError("failed to list participants", err)
	}
	if !s.canView(sess, room, participants) {
		return nil, permissionDenied("not a participant of this room")
	}

	messages, err := s.messages.ListMessages(ctx, room.RoomID, since)
	if err != nil {
		return nil, internalError("failed to list messages", err)
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Before(messages[j]) })

	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.OperatorID)
	}
	ops, err := s.operators.GetOperators(ctx, ids)
	if err != nil {
		s.logger.Warn("Failed to resolve participants", zap.String("room_id", room.RoomID), zap.Error(err))
		ops = map[string]*domain.Operator{}
	}
	views := make([]ParticipantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, participantView(p, ops))
	}

	return &RoomDetail{Room: roomView(room), Participants: views, Messages: messages}, nil
}

// Authorize push-channel access: the room must be live and visible to sess
func (s *RoomService) Authorize(ctx context.Context, sess Session, roomID string) (*RoomView, error) {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsDeleted {
		return nil, notFound("room not found")
	}
	participants, err := s.participants.ListParticipants(ctx, room.RoomID, false)
	if err != nil {
		return nil, internalError("failed to list participants", err)
	}
	if !s.canView(sess, room, participants) {
		return nil, permissionDenied("not a participant of this room")
	}
	v := roomView(room)
	return &v, nil
}

func (s *RoomService) canView(sess Session, room *domain.Room, participants []*domain.Participant) bool {
	if sess.Elevated() && (room.IsDeleted || room.Kind == domain.RoomGroup) {
		return true
	}
	for _, p := range participants {
		if p.OperatorID != sess.OperatorID {
			continue
		}
		return p.Active() || room.IsDeleted
	}
	return sess.Elevated() && room.Kind == domain.RoomSupport
}

func (s *RoomService) loadRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	roomID, err := rowID(roomID, "room_id", "room")
	if err != nil {
		return nil, err
	}
	room, err := s.rooms.GetRoom(ctx, roomID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("room not found")
	}
	if err != nil {
		return nil, internalError("failed to load room", err)
	}
	return room, nil
}

// ---- lifecycle ----

// DeleteRoom soft delete, super admin only. Messages stay for audit.
func (s *RoomService) DeleteRoom(ctx context.Context, sess Session, roomID string) error {
	if !sess.Elevated() {
		return permissionDenied("only super admins can delete rooms")
	}
	roomID, err := rowID(roomID, "room_id", "room")
	if err != nil {
		return err
	}
	if err := s.rooms.SoftDeleteRoom(ctx, roomID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("room not found")
		}
		return internalError("failed to delete room", err)
	}
	s.logger.Info("Room deleted", zap.String("room_id", roomID), zap.String("actor_id", sess.OperatorID))
	s.audit.Record(ctx, AuditEvent{Action: AuditRoomDeleted, RoomID: roomID, ActorID: sess.OperatorID, At: s.now().UTC()})
	return nil
}

type UpdateRoomStatusRequest struct {
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

func (s *RoomService) UpdateRoomStatus(ctx context.Context, sess Session, roomID string, req UpdateRoomStatusRequest) (*RoomView, error) {
	if !sess.Elevated() {
		return nil, permissionDenied("only super admins can change room status")
	}
	status := domain.RoomStatus(strings.TrimSpace(req.Status))
	priority := domain.RoomPriority(strings.TrimSpace(req.Priority))
	if status == "" && priority == "" {
		return nil, validationError("status or priority is required")
	}
	if status != "" && !status.Valid() {
		return nil, validationError("invalid status %q", req.Status)
	}
	if priority != "" && !priority.Valid() {
		return nil, validationError("invalid priority %q", req.Priority)
	}
	current, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	roomID = current.RoomID
	if err := s.rooms.UpdateRoomStatus(ctx, roomID, status, priority); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("room not found")
		}
		return nil, internalError("failed to update room status", err)
	}
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, AuditEvent{
		Action: AuditRoomStatus, RoomID: roomID, ActorID: sess.OperatorID,
		Detail: map[string]string{"status": string(room.Status), "priority": string(room.Priority)},
		At:     s.now().UTC(),
	})
	v := roomView(room)
	return &v, nil
}

// ---- membership ----

// AddMember group rooms only; super admin or the group's admin
func (s *RoomService) AddMember(ctx context.Context, sess Session, roomID, operatorID string) error {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.IsDeleted {
		return notFound("room not found")
	}
	if room.Kind != domain.RoomGroup {
		return validationError("members can only be added to group rooms")
	}
	if !s.canManage(sess, room) {
		return permissionDenied("only super admins or the group admin can add members")
	}
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return validationError("operatorId is required")
	}
	op, err := s.operators.GetOperator(ctx, operatorID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !op.Active) {
		return notFound("operator %s not found", operatorID)
	}
	if err != nil {
		return internalError("failed to resolve operator", err)
	}

	if err := s.participants.AddParticipant(ctx, &domain.Participant{
		RoomID: room.RoomID, OperatorID: operatorID, Role: op.Role.ChatRole(), AddedBy: sess.OperatorID,
	}); err != nil {
		return internalError("failed to add member", err)
	}
	s.audit.Record(ctx, AuditEvent{Action: AuditMemberAdded, RoomID: room.RoomID, ActorID: sess.OperatorID, TargetID: operatorID, At: s.now().UTC()})
	return nil
}

// Leave soft leave. Operators remove themselves; super admins and the group
// admin may remove others. Personal rooms always keep both participants.
func (s *RoomService) Leave(ctx context.Context, sess Session, roomID, operatorID string) error {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Kind == domain.RoomPersonal {
		return validationError("personal conversations cannot be left")
	}
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		operatorID = sess.OperatorID
	}
	if operatorID != sess.OperatorID && !s.canManage(sess, room) {
		return permissionDenied("only super admins or the group admin can remove members")
	}
	if err := s.participants.MarkLeft(ctx, room.RoomID, operatorID, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("operator %s is not an active participant", operatorID)
		}
		return internalError("failed to leave room", err)
	}
	s.audit.Record(ctx, AuditEvent{Action: AuditMemberRemoved, RoomID: room.RoomID, ActorID: sess.OperatorID, TargetID: operatorID, At: s.now().UTC()})
	return nil
}

func (s *RoomService) canManage(sess Session, room *domain.Room) bool {
	return sess.Elevated() || (room.GroupAdmin.Valid && room.GroupAdmin.String == sess.OperatorID)
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
