package domain

import (
	"database/sql"
	"time"
)

// RoomKind closed set of room kinds
type RoomKind string

const (
	RoomPersonal RoomKind = "personal"
	RoomGroup    RoomKind = "group"
	RoomSupport  RoomKind = "support"
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomPersonal, RoomGroup, RoomSupport:
		return true
	}
	return false
}

// RoomStatus lifecycle status, mutated by the elevated role only
type RoomStatus string

const (
	RoomOpen     RoomStatus = "open"
	RoomClosed   RoomStatus = "closed"
	RoomArchived RoomStatus = "archived"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case RoomOpen, RoomClosed, RoomArchived:
		return true
	}
	return false
}

// RoomPriority triage priority (support rooms mostly)
type RoomPriority string

const (
	PriorityLow    RoomPriority = "low"
	PriorityNormal RoomPriority = "normal"
	PriorityHigh   RoomPriority = "high"
	PriorityUrgent RoomPriority = "urgent"
)

func (p RoomPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Room chat room (chat_rooms table)
// Rooms are never hard-deleted; IsDeleted hides them from listings.
type Room struct {
	RoomID      string         `db:"room_id"`
	Kind        RoomKind       `db:"kind"`
	Subject     string         `db:"subject"`
	GroupName   sql.NullString `db:"group_name"`  // group only
	Description sql.NullString `db:"description"` // group only
	Status      RoomStatus     `db:"status"`
	Priority    RoomPriority   `db:"priority"`
	CreatedBy   string         `db:"created_by"`
	GroupAdmin  sql.NullString `db:"group_admin"` // group only
	// PairKey normalized "min:max" operator pair, personal rooms only.
	// Unique among non-deleted personal rooms.
	PairKey       sql.NullString `db:"pair_key"`
	IsDeleted     bool           `db:"is_deleted"`
	CreatedAt     time.Time      `db:"created_at"`
	LastMessageAt sql.NullTime   `db:"last_message_at"`
}

// DisplayName group name for groups, subject otherwise
func (r *Room) DisplayName() string {
	if r.Kind == RoomGroup && r.GroupName.Valid && r.GroupName.String != "" {
		return r.GroupName.String
	}
	return r.Subject
}

// PairKey normalized key for an unordered operator pair
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
