package service

import (
	"context"
	"errors"
	"strings"

	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/repository"
)

// Session the acting operator, resolved once per request and passed explicitly
type Session struct {
	OperatorID string
	Username   string
	Role       domain.GlobalRole
}

// Elevated oversight role check (PermissionService)
func (s Session) Elevated() bool { return s.Role.Elevated() }

// SessionResolver resolves the asserted operator id against the operator directory.
// The id comes from a request header: it is an assertion, not a verified credential.
type SessionResolver struct {
	operators repository.OperatorsRepository
}

func NewSessionResolver(operators repository.OperatorsRepository) *SessionResolver {
	return &SessionResolver{operators: operators}
}

func (r *SessionResolver) Resolve(ctx context.Context, operatorID string) (Session, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return Session{}, permissionDenied("operator identity is required")
	}
	op, err := r.operators.GetOperator(ctx, operatorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Session{}, permissionDenied("unknown operator")
		}
		return Session{}, internalError("failed to resolve operator", err)
	}
	if !op.Active {
		return Session{}, permissionDenied("operator is inactive")
	}
	return Session{OperatorID: op.OperatorID, Username: op.Username, Role: op.Role}, nil
}
