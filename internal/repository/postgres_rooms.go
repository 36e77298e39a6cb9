package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"wisefido-chat/common/database"
	"wisefido-chat/internal/domain"

	"github.com/lib/pq"
)

// PostgresRoomsRepository chat_rooms on Postgres
type PostgresRoomsRepository struct {
	db *sql.DB
}

func NewPostgresRoomsRepository(db *sql.DB) *PostgresRoomsRepository {
	return &PostgresRoomsRepository{db: db}
}

var _ RoomsRepository = (*PostgresRoomsRepository)(nil)

const roomColumns = `
	r.room_id::text,
	r.kind,
	r.subject,
	r.group_name,
	r.description,
	r.status,
	r.priority,
	r.created_by::text,
	r.group_admin::text,
	r.pair_key,
	r.is_deleted,
	r.created_at,
	r.last_message_at
`

func roomScanDest(room *domain.Room) []any {
	return []any{
		&room.RoomID,
		&room.Kind,
		&room.Subject,
		&room.GroupName,
		&room.Description,
		&room.Status,
		&room.Priority,
		&room.CreatedBy,
		&room.GroupAdmin,
		&room.PairKey,
		&room.IsDeleted,
		&room.CreatedAt,
		&room.LastMessageAt,
	}
}

// isUniqueViolation 23505 unique_violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateRoom room + participants + optional system message, one transaction
func (r *PostgresRoomsRepository) CreateRoom(ctx context.Context, in NewRoom) (*domain.Room, error) {
	if in.Room == nil {
		return nil, fmt.Errorf("room is required")
	}
	room := *in.Room

	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO chat_rooms
				(kind, subject, group_name, description, status, priority, created_by, group_admin, pair_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING room_id::text, created_at`,
			string(room.Kind), room.Subject, room.GroupName, room.Description,
			string(room.Status), string(room.Priority), room.CreatedBy, room.GroupAdmin, room.PairKey,
		).Scan(&room.RoomID, &room.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to insert room: %w", err)
		}

		for _, p := range in.Participants {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chat_participants (room_id, operator_id, role, added_by, joined_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				room.RoomID, p.OperatorID, string(p.Role), p.AddedBy, room.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert participant %s: %w", p.OperatorID, err)
			}
		}

		if in.SystemMessage != nil {
			var createdAt sql.NullTime
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO chat_messages (room_id, sender_id, body, kind, seq)
				 VALUES ($1, $2, $3, $4, 1)
				 RETURNING created_at`,
				room.RoomID, in.SystemMessage.SenderID, in.SystemMessage.Body, string(domain.MessageSystem),
			).Scan(&createdAt); err != nil {
				return fmt.Errorf("failed to insert system message: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE chat_rooms SET last_message_at = $2, last_seq = 1 WHERE room_id = $1`,
				room.RoomID, createdAt,
			); err != nil {
				return fmt.Errorf("failed to update last_message_at: %w", err)
			}
			room.LastMessageAt = createdAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *PostgresRoomsRepository) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id is required")
	}
	var room domain.Room
	err := r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms r WHERE r.room_id = $1`, roomID,
	).Scan(roomScanDest(&room)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	return &room, nil
}

func (r *PostgresRoomsRepository) FindPersonalRoom(ctx context.Context, pairKey string) (*domain.Room, error) {
	var room domain.Room
	err := r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms r
		 WHERE r.kind = 'personal' AND r.is_deleted = FALSE AND r.pair_key = $1`,
		pairKey,
	).Scan(roomScanDest(&room)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query personal room: %w", err)
	}
	return &room, nil
}

// ListRooms visible rooms with derived fields. $1 is always the viewer.
func (r *PostgresRoomsRepository) ListRooms(ctx context.Context, filter RoomsFilter) ([]*RoomSummary, int, error) {
	args := []any{filter.ViewerID}
	argN := 2

	visibility := "me.operator_id IS NOT NULL"
	if filter.IncludeAllGroups {
		visibility = "(me.operator_id IS NOT NULL OR r.kind = 'group')"
	}
	where := []string{"r.is_deleted = FALSE", visibility}

	if filter.Kind != "" {
		where = append(where, fmt.Sprintf("r.kind = $%d", argN))
		args = append(args, string(filter.Kind))
		argN++
	}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("r.status = $%d", argN))
		args = append(args, string(filter.Status))
		argN++
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		where = append(where, fmt.Sprintf("(r.subject ILIKE $%d OR r.group_name ILIKE $%d)", argN, argN))
		args = append(args, "%"+s+"%")
		argN++
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	meJoin := `
		LEFT JOIN chat_participants me
			ON me.room_id = r.room_id AND me.operator_id = $1 AND me.left_at IS NULL`

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_rooms r`+meJoin+whereClause, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rooms: %w", err)
	}

	page, size := normalizePage(filter.Page, filter.Size)
	query := `
		SELECT ` + roomColumns + `,
			lm.message_id::text, lm.sender_id::text, lm.body, lm.kind, lm.created_at, lm.is_read,
			(SELECT COUNT(*) FROM chat_messages m
			  WHERE m.room_id = r.room_id AND m.is_read = FALSE AND m.sender_id <> $1) AS unread_count,
			(SELECT COUNT(*) FROM chat_messages m
			  WHERE m.room_id = r.room_id AND m.sender_id <> $1
			    AND m.created_at > COALESCE(me.last_read_at, '-infinity'::timestamptz)) AS unread_since_cursor,
			(SELECT COUNT(*) FROM chat_participants p
			  WHERE p.room_id = r.room_id AND p.left_at IS NULL) AS participant_count,
			(SELECT p.operator_id::text FROM chat_participants p
			  WHERE r.kind = 'personal' AND p.room_id = r.room_id AND p.left_at IS NULL
			    AND p.operator_id <> $1
			  LIMIT 1) AS other_participant
		FROM chat_rooms r` + meJoin + `
		LEFT JOIN LATERAL (
			SELECT message_id, sender_id, body, kind, created_at, is_read
			FROM chat_messages
			WHERE room_id = r.room_id
			ORDER BY created_at DESC, message_id DESC
			LIMIT 1
		) lm ON TRUE` + whereClause + `
		ORDER BY COALESCE(r.last_message_at, r.created_at) DESC, r.room_id
		LIMIT ` + fmt.Sprintf("%d OFFSET %d", size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	out := []*RoomSummary{}
	for rows.Next() {
		var room domain.Room
		var (
			lmID, lmSender, lmBody, lmKind sql.NullString
			lmCreated                      sql.NullTime
			lmRead                         sql.NullBool
			other                          sql.NullString
		)
		sum := &RoomSummary{Room: &room}
		dest := append(roomScanDest(&room),
			&lmID, &lmSender, &lmBody, &lmKind, &lmCreated, &lmRead,
			&sum.UnreadCount, &sum.UnreadSinceCursor, &sum.ParticipantCount, &other,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, fmt.Errorf("failed to scan room: %w", err)
		}
		if lmID.Valid {
			sum.LastMessage = &domain.Message{
				MessageID: lmID.String,
				RoomID:    room.RoomID,
				SenderID:  lmSender.String,
				Body:      lmBody.String,
				Kind:      domain.MessageKind(lmKind.String),
				CreatedAt: lmCreated.Time,
				IsRead:    lmRead.Bool,
			}
		}
		sum.OtherParticipant = other.String
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate rooms: %w", err)
	}
	return out, total, nil
}

func (r *PostgresRoomsRepository) SoftDeleteRoom(ctx context.Context, roomID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chat_rooms SET is_deleted = TRUE WHERE room_id = $1 AND is_deleted = FALSE`, roomID)
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRoomsRepository) UpdateRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus, priority domain.RoomPriority) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chat_rooms
		 SET status = COALESCE(NULLIF($2, ''), status),
		     priority = COALESCE(NULLIF($3, ''), priority)
		 WHERE room_id = $1 AND is_deleted = FALSE`,
		roomID, string(status), string(priority),
	)
	if err != nil {
		return fmt.Errorf("failed to update room status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
