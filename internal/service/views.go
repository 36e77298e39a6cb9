package service

import (
	"time"

	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/repository"
)

// OperatorRef operator as shown next to rooms and messages
type OperatorRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Role     string `json:"role"`
}

func operatorRef(op *domain.Operator) *OperatorRef {
	if op == nil {
		return nil
	}
	return &OperatorRef{ID: op.OperatorID, Username: op.Username, Nickname: op.Nickname, Role: string(op.Role)}
}

// RoomView room in API shape
type RoomView struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Subject       string     `json:"subject"`
	Name          string     `json:"name"`
	GroupName     string     `json:"groupName,omitempty"`
	Description   string     `json:"description,omitempty"`
	Status        string     `json:"status"`
	Priority      string     `json:"priority"`
	CreatedBy     string     `json:"createdBy"`
	GroupAdmin    string     `json:"groupAdmin,omitempty"`
	IsDeleted     bool       `json:"isDeleted"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

func roomView(r *domain.Room) RoomView {
	v := RoomView{
		ID:          r.RoomID,
		Kind:        string(r.Kind),
		Subject:     r.Subject,
		Name:        r.DisplayName(),
		GroupName:   r.GroupName.String,
		Description: r.Description.String,
		Status:      string(r.Status),
		Priority:    string(r.Priority),
		CreatedBy:   r.CreatedBy,
		GroupAdmin:  r.GroupAdmin.String,
		IsDeleted:   r.IsDeleted,
		CreatedAt:   r.CreatedAt,
	}
	if r.LastMessageAt.Valid {
		t := r.LastMessageAt.Time
		v.LastMessageAt = &t
	}
	return v
}

// RoomItem listing row with derived fields for the viewer
type RoomItem struct {
	RoomView
	LastMessage       *domain.Message `json:"lastMessage,omitempty"`
	UnreadCount       int             `json:"unreadCount"`
	UnreadSinceCursor int             `json:"unreadSinceCursor"`
	ParticipantCount  int             `json:"participantCount"`
	OtherParticipant  *OperatorRef    `json:"otherParticipant,omitempty"`
}

func roomItem(sum *repository.RoomSummary, ops map[string]*domain.Operator) RoomItem {
	item := RoomItem{
		RoomView:          roomView(sum.Room),
		LastMessage:       sum.LastMessage,
		UnreadCount:       sum.UnreadCount,
		UnreadSinceCursor: sum.UnreadSinceCursor,
		ParticipantCount:  sum.ParticipantCount,
	}
	if sum.OtherParticipant != "" {
		if op, ok := ops[sum.OtherParticipant]; ok {
			item.OtherParticipant = operatorRef(op)
		} else {
			item.OtherParticipant = &OperatorRef{ID: sum.OtherParticipant}
		}
	}
	return item
}

// ParticipantView membership row in API shape
type ParticipantView struct {
	OperatorID string     `json:"operatorId"`
	Username   string     `json:"username,omitempty"`
	Role       string     `json:"role"`
	AddedBy    string     `json:"addedBy,omitempty"`
	JoinedAt   time.Time  `json:"joinedAt"`
	LeftAt     *time.Time `json:"leftAt,omitempty"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

func participantView(p *domain.Participant, ops map[string]*domain.Operator) ParticipantView {
	v := ParticipantView{
		OperatorID: p.OperatorID,
		Role:       string(p.Role),
		AddedBy:    p.AddedBy,
		JoinedAt:   p.JoinedAt,
	}
	if op, ok := ops[p.OperatorID]; ok {
		v.Username = op.Username
	}
	if p.LeftAt.Valid {
		t := p.LeftAt.Time
		v.LeftAt = &t
	}
	if p.LastReadAt.Valid {
		t := p.LastReadAt.Time
		v.LastReadAt = &t
	}
	return v
}
