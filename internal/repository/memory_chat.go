package repository

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"wisefido-chat/internal/domain"

	"github.com/google/uuid"
)

// MemoryChatStore in-process store used when the DB is disabled and in tests.
// One mutex guards everything, which also makes the personal-room pair check
// and insert atomic the same way the partial unique index does in Postgres.
type MemoryChatStore struct {
	mu sync.RWMutex

	operators    map[string]*domain.Operator
	rooms        map[string]*domain.Room
	participants map[string]map[string]*domain.Participant // roomID -> operatorID -> row
	messages     map[string]*domain.Message
	roomMessages map[string][]string // roomID -> messageIDs in insert order
	roomSeq      map[string]int64    // roomID -> last assigned seq
	attachments  map[string][]domain.Attachment
	dismissed    map[string]map[string]time.Time // operatorID -> messageID -> at

	lastTS time.Time
	now    func() time.Time
}

var (
	_ OperatorsRepository     = (*MemoryChatStore)(nil)
	_ RoomsRepository         = (*MemoryChatStore)(nil)
	_ ParticipantsRepository  = (*MemoryChatStore)(nil)
	_ MessagesRepository      = (*MemoryChatStore)(nil)
	_ NotificationsRepository = (*MemoryChatStore)(nil)
)

func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{
		operators:    map[string]*domain.Operator{},
		rooms:        map[string]*domain.Room{},
		participants: map[string]map[string]*domain.Participant{},
		messages:     map[string]*domain.Message{},
		roomMessages: map[string][]string{},
		roomSeq:      map[string]int64{},
		attachments:  map[string][]domain.Attachment{},
		dismissed:    map[string]map[string]time.Time{},
		now:          time.Now,
	}
}

// UpsertOperator seeds the operator directory (dev bootstrap + tests)
func (s *MemoryChatStore) UpsertOperator(op domain.Operator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := op
	s.operators[op.OperatorID] = &cp
}

// tick strictly increasing timestamps, like clock_timestamp() per statement
func (s *MemoryChatStore) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = t
	return t
}

// ---- operators ----

func (s *MemoryChatStore) GetOperator(_ context.Context, operatorID string) (*domain.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operators[operatorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *MemoryChatStore) GetOperators(_ context.Context, operatorIDs []string) (map[string]*domain.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*domain.Operator, len(operatorIDs))
	for _, id := range operatorIDs {
		if op, ok := s.operators[id]; ok {
			cp := *op
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *MemoryChatStore) ListOperatorsByRole(_ context.Context, role domain.GlobalRole) ([]*domain.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Operator
	for _, op := range s.operators {
		if op.Role == role && op.Active {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperatorID < out[j].OperatorID })
	return out, nil
}

// ---- rooms ----

func (s *MemoryChatStore) CreateRoom(_ context.Context, in NewRoom) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := *in.Room
	if room.Kind == domain.RoomPersonal && room.PairKey.Valid {
		for _, r := range s.rooms {
			if r.Kind == domain.RoomPersonal && !r.IsDeleted && r.PairKey == room.PairKey {
				return nil, ErrConflict
			}
		}
	}

	room.RoomID = uuid.NewString()
	room.CreatedAt = s.tick()
	s.rooms[room.RoomID] = &room

	members := map[string]*domain.Participant{}
	for _, p := range in.Participants {
		cp := *p
		cp.RoomID = room.RoomID
		cp.JoinedAt = room.CreatedAt
		members[cp.OperatorID] = &cp
	}
	s.participants[room.RoomID] = members

	if in.SystemMessage != nil {
		msg := *in.SystemMessage
		msg.RoomID = room.RoomID
		s.insertMessageLocked(&msg)
	}

	out := *s.rooms[room.RoomID]
	return &out, nil
}

func (s *MemoryChatStore) GetRoom(_ context.Context, roomID string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryChatStore) FindPersonalRoom(_ context.Context, pairKey string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rooms {
		if r.Kind == domain.RoomPersonal && !r.IsDeleted && r.PairKey.Valid && r.PairKey.String == pairKey {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryChatStore) ListRooms(_ context.Context, filter RoomsFilter) ([]*RoomSummary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var all []*RoomSummary
	for _, r := range s.rooms {
		if r.IsDeleted {
			continue
		}
		me, member := s.participants[r.RoomID][filter.ViewerID]
		member = member && me.Active()
		if !member && !(filter.IncludeAllGroups && r.Kind == domain.RoomGroup) {
			continue
		}
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(r.Subject), search) &&
			!strings.Contains(strings.ToLower(r.GroupName.String), search) {
			continue
		}
		all = append(all, s.summarizeLocked(r, filter.ViewerID, me))
	}

	sort.Slice(all, func(i, j int) bool {
		return activityAt(all[i].Room).After(activityAt(all[j].Room))
	})

	total := len(all)
	page, size := normalizePage(filter.Page, filter.Size)
	start := (page - 1) * size
	if start >= total {
		return []*RoomSummary{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *MemoryChatStore) summarizeLocked(r *domain.Room, viewerID string, me *domain.Participant) *RoomSummary {
	cp := *r
	sum := &RoomSummary{Room: &cp}
	var cursor time.Time
	if me != nil && me.LastReadAt.Valid {
		cursor = me.LastReadAt.Time
	}
	for _, id := range s.roomMessages[r.RoomID] {
		m := s.messages[id]
		if sum.LastMessage == nil || sum.LastMessage.Before(m) {
			mc := *m
			sum.LastMessage = &mc
		}
		if m.SenderID == viewerID {
			continue
		}
		if !m.IsRead {
			sum.UnreadCount++
		}
		if m.CreatedAt.After(cursor) {
			sum.UnreadSinceCursor++
		}
	}
	for opID, p := range s.participants[r.RoomID] {
		if !p.Active() {
			continue
		}
		sum.ParticipantCount++
		if r.Kind == domain.RoomPersonal && opID != viewerID {
			sum.OtherParticipant = opID
		}
	}
	return sum
}

func activityAt(r *domain.Room) time.Time {
	if r.LastMessageAt.Valid {
		return r.LastMessageAt.Time
	}
	return r.CreatedAt
}

func (s *MemoryChatStore) SoftDeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || r.IsDeleted {
		return ErrNotFound
	}
	r.IsDeleted = true
	return nil
}

func (s *MemoryChatStore) UpdateRoomStatus(_ context.Context, roomID string, status domain.RoomStatus, priority domain.RoomPriority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || r.IsDeleted {
		return ErrNotFound
	}
	if status != "" {
		r.Status = status
	}
	if priority != "" {
		r.Priority = priority
	}
	return nil
}

// ---- participants ----

func (s *MemoryChatStore) GetParticipant(_ context.Context, roomID, operatorID string) (*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[roomID][operatorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryChatStore) ListParticipants(_ context.Context, roomID string, activeOnly bool) ([]*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Participant
	for _, p := range s.participants[roomID] {
		if activeOnly && !p.Active() {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].OperatorID < out[j].OperatorID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *MemoryChatStore) AddParticipant(_ context.Context, p *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[p.RoomID]; !ok {
		return ErrNotFound
	}
	members := s.participants[p.RoomID]
	if members == nil {
		members = map[string]*domain.Participant{}
		s.participants[p.RoomID] = members
	}
	if existing, ok := members[p.OperatorID]; ok {
		existing.LeftAt = sql.NullTime{}
		existing.Role = p.Role
		existing.AddedBy = p.AddedBy
		existing.JoinedAt = s.tick()
		return nil
	}
	cp := *p
	cp.JoinedAt = s.tick()
	members[p.OperatorID] = &cp
	return nil
}

func (s *MemoryChatStore) MarkLeft(_ context.Context, roomID, operatorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID][operatorID]
	if !ok || !p.Active() {
		return ErrNotFound
	}
	p.LeftAt = sql.NullTime{Time: at, Valid: true}
	return nil
}

func (s *MemoryChatStore) AdvanceReadCursor(_ context.Context, roomID, operatorID string, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID][operatorID]
	if !ok || !p.Active() {
		return time.Time{}, ErrNotParticipant
	}
	if at.IsZero() {
		at = s.tick()
	}
	if !p.LastReadAt.Valid || at.After(p.LastReadAt.Time) {
		p.LastReadAt = sql.NullTime{Time: at, Valid: true}
	}
	return p.LastReadAt.Time, nil
}

// ---- messages ----

func (s *MemoryChatStore) insertMessageLocked(msg *domain.Message) {
	msg.MessageID = uuid.NewString()
	msg.CreatedAt = s.tick()
	msg.IsRead = false
	s.roomSeq[msg.RoomID]++
	msg.Seq = s.roomSeq[msg.RoomID]
	s.messages[msg.MessageID] = msg
	s.roomMessages[msg.RoomID] = append(s.roomMessages[msg.RoomID], msg.MessageID)
	if r := s.rooms[msg.RoomID]; r != nil {
		if !r.LastMessageAt.Valid || msg.CreatedAt.After(r.LastMessageAt.Time) {
			r.LastMessageAt = sql.NullTime{Time: msg.CreatedAt, Valid: true}
		}
	}
}

func (s *MemoryChatStore) AppendMessage(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[msg.RoomID]
	if !ok || r.IsDeleted {
		return nil, ErrNotFound
	}
	p, ok := s.participants[msg.RoomID][msg.SenderID]
	if !ok || !p.Active() {
		return nil, ErrNotParticipant
	}
	cp := *msg
	cp.Attachments = nil
	s.insertMessageLocked(&cp)
	out := cp
	return &out, nil
}

func (s *MemoryChatStore) GetMessage(_ context.Context, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	cp.Attachments = append([]domain.Attachment(nil), s.attachments[messageID]...)
	return &cp, nil
}

func (s *MemoryChatStore) ListMessages(_ context.Context, roomID string, since time.Time) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[roomID]; !ok {
		return nil, ErrNotFound
	}
	out := []*domain.Message{}
	for _, id := range s.roomMessages[roomID] {
		m := s.messages[id]
		if !since.IsZero() && !m.CreatedAt.After(since) {
			continue
		}
		cp := *m
		cp.Attachments = append([]domain.Attachment(nil), s.attachments[id]...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemoryChatStore) AddAttachment(_ context.Context, a *domain.Attachment) (*domain.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[a.MessageID]; !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.AttachmentID = uuid.NewString()
	cp.CreatedAt = s.tick()
	s.attachments[a.MessageID] = append(s.attachments[a.MessageID], cp)
	return &cp, nil
}

func (s *MemoryChatStore) MarkRoomRead(_ context.Context, roomID, readerID string, upTo time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.roomMessages[roomID] {
		m := s.messages[id]
		if m.SenderID == readerID || m.IsRead || m.CreatedAt.After(upTo) {
			continue
		}
		m.IsRead = true
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryChatStore) MarkMessagesRead(_ context.Context, readerID string, messageIDs []string) ([]ReadMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks := map[string]*ReadMark{}
	var order []string
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.SenderID == readerID || m.IsRead {
			continue
		}
		p, ok := s.participants[m.RoomID][readerID]
		if !ok || !p.Active() {
			continue
		}
		m.IsRead = true
		mk := marks[m.RoomID]
		if mk == nil {
			mk = &ReadMark{RoomID: m.RoomID}
			marks[m.RoomID] = mk
			order = append(order, m.RoomID)
		}
		mk.IDs = append(mk.IDs, id)
		if m.CreatedAt.After(mk.UpTo) {
			mk.UpTo = m.CreatedAt
		}
	}
	out := make([]ReadMark, 0, len(order))
	for _, roomID := range order {
		out = append(out, *marks[roomID])
	}
	return out, nil
}

func (s *MemoryChatStore) CountUnread(_ context.Context, roomID, operatorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.roomMessages[roomID] {
		m := s.messages[id]
		if m.SenderID != operatorID && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *MemoryChatStore) UnreadCounts(_ context.Context, operatorID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int{}
	for roomID, members := range s.participants {
		p, ok := members[operatorID]
		if !ok || !p.Active() || s.rooms[roomID].IsDeleted {
			continue
		}
		n := 0
		for _, id := range s.roomMessages[roomID] {
			m := s.messages[id]
			if m.SenderID != operatorID && !m.IsRead {
				n++
			}
		}
		out[roomID] = n
	}
	return out, nil
}

// ---- notifications ----

func (s *MemoryChatStore) ListFeed(_ context.Context, operatorID string, limit int) ([]*FeedRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []*FeedRow
	for roomID, members := range s.participants {
		p, ok := members[operatorID]
		room := s.rooms[roomID]
		if !ok || !p.Active() || room.IsDeleted {
			continue
		}
		for _, id := range s.roomMessages[roomID] {
			m := s.messages[id]
			if m.SenderID == operatorID || m.IsRead {
				continue
			}
			if _, gone := s.dismissed[operatorID][id]; gone {
				continue
			}
			mc := *m
			rc := *room
			rows = append(rows, &FeedRow{Message: &mc, Room: &rc})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[j].Message.Before(rows[i].Message) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *MemoryChatStore) Dismiss(_ context.Context, operatorID string, messageIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.dismissed[operatorID]
	if set == nil {
		set = map[string]time.Time{}
		s.dismissed[operatorID] = set
	}
	n := 0
	for _, id := range messageIDs {
		if _, ok := s.messages[id]; !ok {
			continue
		}
		if _, already := set[id]; already {
			continue
		}
		set[id] = s.now().UTC()
		n++
	}
	return n, nil
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 100
	}
	return page, size
}
