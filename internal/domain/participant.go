package domain

import (
	"database/sql"
	"time"
)

// ParticipantRole chat role, derived from the operator's global role at add time
type ParticipantRole string

const (
	ParticipantSuperAdmin ParticipantRole = "super_admin"
	ParticipantAdmin      ParticipantRole = "admin"
	ParticipantMember     ParticipantRole = "member"
)

func (r ParticipantRole) Valid() bool {
	switch r {
	case ParticipantSuperAdmin, ParticipantAdmin, ParticipantMember:
		return true
	}
	return false
}

// Participant membership row (chat_participants, PK room_id + operator_id)
type Participant struct {
	RoomID     string          `db:"room_id"`
	OperatorID string          `db:"operator_id"`
	Role       ParticipantRole `db:"role"`
	AddedBy    string          `db:"added_by"`
	JoinedAt   time.Time       `db:"joined_at"`
	LeftAt     sql.NullTime    `db:"left_at"`      // soft leave
	LastReadAt sql.NullTime    `db:"last_read_at"` // never moves backwards
}

// Active true until the participant leaves
func (p *Participant) Active() bool { return !p.LeftAt.Valid }
