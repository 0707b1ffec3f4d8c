package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrClosed       = errors.New("conversation closed")
	ErrNotHolder    = errors.New("lock not held")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// Wire error codes shared by relay and client.
const (
	CodeAuth       = "auth"
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeLocked     = "locked"
	CodeClosed     = "closed"
	CodeNotHolder  = "not_holder"
	CodeForbidden  = "forbidden"
	CodeInternal   = "internal"
)

// LockError is returned when a conversation is locked by another agent.
type LockError struct {
	ConversationID string
	LockedBy       string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("conversation %s locked by %s", e.ConversationID, e.LockedBy)
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	var lockErr *LockError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &lockErr):
		return CodeLocked
	case errors.Is(err, ErrUnauthorized):
		return CodeAuth
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrNotHolder):
		return CodeNotHolder
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}

// ErrorFromCode rebuilds a typed error from a wire code so callers can use
// errors.Is / errors.As on both sides of the connection.
func ErrorFromCode(code, message, conversationID, lockedBy string) error {
	var base error
	switch code {
	case CodeLocked:
		return &LockError{ConversationID: conversationID, LockedBy: lockedBy}
	case CodeAuth:
		base = ErrUnauthorized
	case CodeValidation:
		base = ErrValidation
	case CodeNotFound:
		base = ErrNotFound
	case CodeClosed:
		base = ErrClosed
	case CodeNotHolder:
		base = ErrNotHolder
	case CodeForbidden:
		base = ErrForbidden
	default:
		if message == "" {
			message = "internal error"
		}
		return errors.New(message)
	}
	if message == "" || message == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}

// Terminal reports whether err must not be retried with the same credential.
func Terminal(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// Conflict reports whether err is an informational conflict fault.
func Conflict(err error) bool {
	var lockErr *LockError
	return errors.As(err, &lockErr) || errors.Is(err, ErrClosed)
}

// AsLockError unwraps a *LockError from err.
func AsLockError(err error) (*LockError, bool) {
	var lockErr *LockError
	if errors.As(err, &lockErr) {
		return lockErr, true
	}
	return nil, false
}
