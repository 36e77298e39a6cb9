package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-chat/common/database"
	"wisefido-chat/internal/domain"

	"github.com/lib/pq"
)

// PostgresMessagesRepository chat_messages + chat_attachments on Postgres
type PostgresMessagesRepository struct {
	db *sql.DB
}

func NewPostgresMessagesRepository(db *sql.DB) *PostgresMessagesRepository {
	return &PostgresMessagesRepository{db: db}
}

var _ MessagesRepository = (*PostgresMessagesRepository)(nil)

const messageColumns = `
	message_id::text,
	room_id::text,
	sender_id::text,
	body,
	kind,
	created_at,
	is_read,
	seq
`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var m domain.Message
	if err := row.Scan(&m.MessageID, &m.RoomID, &m.SenderID, &m.Body, &m.Kind, &m.CreatedAt, &m.IsRead, &m.Seq); err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendMessage bumps the room's last_seq first: the row lock that takes
// serializes concurrent appends to one room, and seq records commit order.
func (r *PostgresMessagesRepository) AppendMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	out := *msg
	out.IsRead = false
	out.Attachments = nil

	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`UPDATE chat_rooms SET last_seq = last_seq + 1
			 WHERE room_id = $1 AND is_deleted = FALSE
			 RETURNING last_seq`, msg.RoomID,
		).Scan(&out.Seq)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock room: %w", err)
		}

		var one int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM chat_participants
			 WHERE room_id = $1 AND operator_id = $2 AND left_at IS NULL`,
			msg.RoomID, msg.SenderID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotParticipant
		}
		if err != nil {
			return fmt.Errorf("failed to check participant: %w", err)
		}

		if err := tx.QueryRowContext(ctx,
			`INSERT INTO chat_messages (room_id, sender_id, body, kind, seq)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING message_id::text, created_at`,
			msg.RoomID, msg.SenderID, msg.Body, string(msg.Kind), out.Seq,
		).Scan(&out.MessageID, &out.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_rooms
			 SET last_message_at = GREATEST(COALESCE(last_message_at, '-infinity'::timestamptz), $2)
			 WHERE room_id = $1`,
			msg.RoomID, out.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to update last_message_at: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *PostgresMessagesRepository) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE message_id = $1`, messageID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	byMsg, err := r.attachmentsFor(ctx, []string{m.MessageID})
	if err != nil {
		return nil, err
	}
	m.Attachments = byMsg[m.MessageID]
	return m, nil
}

func (r *PostgresMessagesRepository) ListMessages(ctx context.Context, roomID string, since time.Time) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE room_id = $1`
	args := []any{roomID}
	if !since.IsZero() {
		query += ` AND created_at > $2`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, message_id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := []*domain.Message{}
	ids := []string{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
		ids = append(ids, m.MessageID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byMsg, err := r.attachmentsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range out {
		m.Attachments = byMsg[m.MessageID]
	}
	return out, nil
}

func (r *PostgresMessagesRepository) attachmentsFor(ctx context.Context, messageIDs []string) (map[string][]domain.Attachment, error) {
	out := map[string][]domain.Attachment{}
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT attachment_id::text, message_id::text, file_name, file_url, uploaded_by::text, created_at
		 FROM chat_attachments
		 WHERE message_id = ANY($1::uuid[])
		 ORDER BY created_at`,
		pq.Array(messageIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.AttachmentID, &a.MessageID, &a.FileName, &a.FileURL, &a.UploadedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, rows.Err()
}

func (r *PostgresMessagesRepository) AddAttachment(ctx context.Context, a *domain.Attachment) (*domain.Attachment, error) {
	out := *a
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO chat_attachments (message_id, file_name, file_url, uploaded_by)
		 SELECT message_id, $2, $3, $4 FROM chat_messages WHERE message_id = $1
		 RETURNING attachment_id::text, created_at`,
		a.MessageID, a.FileName, a.FileURL, a.UploadedBy,
	).Scan(&out.AttachmentID, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to insert attachment: %w", err)
	}
	return &out, nil
}

func (r *PostgresMessagesRepository) MarkRoomRead(ctx context.Context, roomID, readerID string, upTo time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE chat_messages SET is_read = TRUE
		 WHERE room_id = $1 AND sender_id <> $2 AND is_read = FALSE AND created_at <= $3
		 RETURNING message_id::text`,
		roomID, readerID, upTo,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark room read: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresMessagesRepository) MarkMessagesRead(ctx context.Context, readerID string, messageIDs []string) ([]ReadMark, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`UPDATE chat_messages m SET is_read = TRUE
		 FROM chat_participants p
		 WHERE m.message_id = ANY($2::uuid[])
		   AND m.is_read = FALSE
		   AND m.sender_id <> $1
		   AND p.room_id = m.room_id AND p.operator_id = $1 AND p.left_at IS NULL
		 RETURNING m.message_id::text, m.room_id::text, m.created_at`,
		readerID, pq.Array(messageIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	defer rows.Close()

	marks := map[string]*ReadMark{}
	var order []string
	for rows.Next() {
		var id, roomID string
		var createdAt time.Time
		if err := rows.Scan(&id, &roomID, &createdAt); err != nil {
			return nil, err
		}
		mk := marks[roomID]
		if mk == nil {
			mk = &ReadMark{RoomID: roomID}
			marks[roomID] = mk
			order = append(order, roomID)
		}
		mk.IDs = append(mk.IDs, id)
		if createdAt.After(mk.UpTo) {
			mk.UpTo = createdAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]ReadMark, 0, len(order))
	for _, roomID := range order {
		out = append(out, *marks[roomID])
	}
	return out, nil
}

func (r *PostgresMessagesRepository) CountUnread(ctx context.Context, roomID, operatorID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages
		 WHERE room_id = $1 AND sender_id <> $2 AND is_read = FALSE`,
		roomID, operatorID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}

func (r *PostgresMessagesRepository) UnreadCounts(ctx context.Context, operatorID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.room_id::text, COUNT(m.message_id)
		 FROM chat_participants p
		 JOIN chat_rooms r ON r.room_id = p.room_id AND r.is_deleted = FALSE
		 LEFT JOIN chat_messages m
		   ON m.room_id = p.room_id AND m.is_read = FALSE AND m.sender_id <> p.operator_id
		 WHERE p.operator_id = $1 AND p.left_at IS NULL
		 GROUP BY p.room_id`,
		operatorID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread per room: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var roomID string
		var n int
		if err := rows.Scan(&roomID, &n); err != nil {
			return nil, err
		}
		out[roomID] = n
	}
	return out, rows.Err()
}
