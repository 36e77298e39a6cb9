package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-chat/internal/domain"

	"github.com/lib/pq"
)

// PostgresNotificationsRepository unread feed + chat_notification_dismissals
type PostgresNotificationsRepository struct {
	db *sql.DB
}

func NewPostgresNotificationsRepository(db *sql.DB) *PostgresNotificationsRepository {
	return &PostgresNotificationsRepository{db: db}
}

var _ NotificationsRepository = (*PostgresNotificationsRepository)(nil)

func (r *PostgresNotificationsRepository) ListFeed(ctx context.Context, operatorID string, limit int) ([]*FeedRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT
			m.message_id::text, m.room_id::text, m.sender_id::text, m.body, m.kind, m.created_at, m.is_read,
			`+roomColumns+`
		 FROM chat_messages m
		 JOIN chat_rooms r ON r.room_id = m.room_id AND r.is_deleted = FALSE
		 JOIN chat_participants p
		   ON p.room_id = m.room_id AND p.operator_id = $1 AND p.left_at IS NULL
		 WHERE m.is_read = FALSE
		   AND m.sender_id <> $1
		   AND NOT EXISTS (
		     SELECT 1 FROM chat_notification_dismissals d
		     WHERE d.message_id = m.message_id AND d.operator_id = $1
		   )
		 ORDER BY m.created_at DESC, m.message_id DESC
		 LIMIT $2`,
		operatorID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification feed: %w", err)
	}
	defer rows.Close()

	out := []*FeedRow{}
	for rows.Next() {
		var m domain.Message
		var room domain.Room
		dest := append([]any{&m.MessageID, &m.RoomID, &m.SenderID, &m.Body, &m.Kind, &m.CreatedAt, &m.IsRead},
			roomScanDest(&room)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan feed row: %w", err)
		}
		out = append(out, &FeedRow{Message: &m, Room: &room})
	}
	return out, rows.Err()
}

// Dismiss inserts dismissals only; chat_messages is not touched
func (r *PostgresNotificationsRepository) Dismiss(ctx context.Context, operatorID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_notification_dismissals (operator_id, message_id)
		 SELECT $1::uuid, m.message_id FROM chat_messages m WHERE m.message_id = ANY($2::uuid[])
		 ON CONFLICT (operator_id, message_id) DO NOTHING`,
		operatorID, pq.Array(messageIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to dismiss notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
