package service

import (
	"errors"
	"fmt"
)

// ErrorKind chat error taxonomy; the HTTP layer maps kinds to status codes
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindNotFound           ErrorKind = "not_found"
	KindConflict           ErrorKind = "conflict"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindUploadFailed       ErrorKind = "upload_failed"
	KindNetwork            ErrorKind = "network"
	KindInternal           ErrorKind = "internal"
)

// Error user-facing message plus the underlying cause (never shown to users)
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinels below by kind, so errors.Is(err, ErrNotFound) works
// for any not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
	ErrUploadFailed       = &Error{Kind: KindUploadFailed}
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrInternal           = &Error{Kind: KindInternal}
)

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func permissionDenied(format string, args ...any) *Error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func internalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf kind of err; anything that is not an *Error is internal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage message safe to show; internal details stay in logs
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}
