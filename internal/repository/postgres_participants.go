package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-chat/internal/domain"
)

// PostgresParticipantsRepository chat_participants on Postgres
type PostgresParticipantsRepository struct {
	db *sql.DB
}

func NewPostgresParticipantsRepository(db *sql.DB) *PostgresParticipantsRepository {
	return &PostgresParticipantsRepository{db: db}
}

var _ ParticipantsRepository = (*PostgresParticipantsRepository)(nil)

const participantColumns = `
	room_id::text,
	operator_id::text,
	role,
	added_by::text,
	joined_at,
	left_at,
	last_read_at
`

func scanParticipant(row interface{ Scan(...any) error }) (*domain.Participant, error) {
	var p domain.Participant
	if err := row.Scan(&p.RoomID, &p.OperatorID, &p.Role, &p.AddedBy, &p.JoinedAt, &p.LeftAt, &p.LastReadAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresParticipantsRepository) GetParticipant(ctx context.Context, roomID, operatorID string) (*domain.Participant, error) {
	p, err := scanParticipant(r.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM chat_participants
		 WHERE room_id = $1 AND operator_id = $2`,
		roomID, operatorID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query participant: %w", err)
	}
	return p, nil
}

func (r *PostgresParticipantsRepository) ListParticipants(ctx context.Context, roomID string, activeOnly bool) ([]*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM chat_participants WHERE room_id = $1`
	if activeOnly {
		query += ` AND left_at IS NULL`
	}
	query += ` ORDER BY joined_at, operator_id`

	rows, err := r.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddParticipant insert, or re-join: clears left_at and refreshes role/added_by.
// last_read_at is kept so a re-joined member does not see history as unread again.
func (r *PostgresParticipantsRepository) AddParticipant(ctx context.Context, p *domain.Participant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_participants (room_id, operator_id, role, added_by)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id, operator_id)
		 DO UPDATE SET left_at = NULL,
		               role = EXCLUDED.role,
		               added_by = EXCLUDED.added_by,
		               joined_at = clock_timestamp()`,
		p.RoomID, p.OperatorID, string(p.Role), p.AddedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

func (r *PostgresParticipantsRepository) MarkLeft(ctx context.Context, roomID, operatorID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chat_participants SET left_at = $3
		 WHERE room_id = $1 AND operator_id = $2 AND left_at IS NULL`,
		roomID, operatorID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceReadCursor monotonic: GREATEST never lets the cursor move back.
// A zero at reads the database clock, the same one that stamps created_at.
func (r *PostgresParticipantsRepository) AdvanceReadCursor(ctx context.Context, roomID, operatorID string, at time.Time) (time.Time, error) {
	var stored time.Time
	err := r.db.QueryRowContext(ctx,
		`UPDATE chat_participants
		 SET last_read_at = GREATEST(COALESCE(last_read_at, '-infinity'::timestamptz), COALESCE($3, clock_timestamp()))
		 WHERE room_id = $1 AND operator_id = $2 AND left_at IS NULL
		 RETURNING last_read_at`,
		roomID, operatorID, sql.NullTime{Time: at, Valid: !at.IsZero()},
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotParticipant
		}
		return time.Time{}, fmt.Errorf("failed to advance read cursor: %w", err)
	}
	return stored, nil
}
