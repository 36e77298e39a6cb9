package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-chat/internal/domain"

	"github.com/lib/pq"
)

// PostgresOperatorsRepository reads operators from the console's users table
type PostgresOperatorsRepository struct {
	db *sql.DB
}

func NewPostgresOperatorsRepository(db *sql.DB) *PostgresOperatorsRepository {
	return &PostgresOperatorsRepository{db: db}
}

var _ OperatorsRepository = (*PostgresOperatorsRepository)(nil)

const operatorColumns = `
	user_id::text,
	user_account,
	COALESCE(nickname, ''),
	role,
	COALESCE(status, 'active') = 'active'
`

func scanOperator(row interface{ Scan(...any) error }) (*domain.Operator, error) {
	var op domain.Operator
	var role string
	if err := row.Scan(&op.OperatorID, &op.Username, &op.Nickname, &role, &op.Active); err != nil {
		return nil, err
	}
	op.Role = domain.GlobalRole(role)
	return &op, nil
}

func (r *PostgresOperatorsRepository) GetOperator(ctx context.Context, operatorID string) (*domain.Operator, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("operator_id is required")
	}
	if len(validUUIDs([]string{operatorID})) == 0 {
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+operatorColumns+` FROM users WHERE user_id = $1`, operatorID)
	op, err := scanOperator(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query operator: %w", err)
	}
	return op, nil
}

func (r *PostgresOperatorsRepository) GetOperators(ctx context.Context, operatorIDs []string) (map[string]*domain.Operator, error) {
	out := make(map[string]*domain.Operator, len(operatorIDs))
	operatorIDs = validUUIDs(operatorIDs)
	if len(operatorIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+operatorColumns+` FROM users WHERE user_id = ANY($1::uuid[])`,
		pq.Array(operatorIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query operators: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operator: %w", err)
		}
		out[op.OperatorID] = op
	}
	return out, rows.Err()
}

func (r *PostgresOperatorsRepository) ListOperatorsByRole(ctx context.Context, role domain.GlobalRole) ([]*domain.Operator, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+operatorColumns+` FROM users
		 WHERE role = $1 AND COALESCE(status, 'active') = 'active'
		 ORDER BY user_id`,
		string(role),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query operators by role: %w", err)
	}
	defer rows.Close()
	var out []*domain.Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operator: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
