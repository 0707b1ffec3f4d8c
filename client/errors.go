package client

import (
	"errors"
	"fmt"

	"github.com/mistakeknot/supportline/internal/core"
)

var (
	// ErrAuth means the relay rejected the credential. It is terminal: the
	// channel is torn down and never redialed with the same credential.
	ErrAuth = errors.New("client: authentication failed")
	// ErrTransport covers disconnects and requests with no reply in time.
	// The outcome of the request is unknown; re-query before retrying.
	ErrTransport = errors.New("client: transport failure")
	// ErrClosed is returned after the channel was closed locally.
	ErrClosed = errors.New("client: channel closed")
)

// Relay faults, re-exported so callers can match them with errors.Is.
var (
	ErrNotFound   = core.ErrNotFound
	ErrConvClosed = core.ErrClosed
	ErrNotHolder  = core.ErrNotHolder
	ErrForbidden  = core.ErrForbidden
	ErrValidation = core.ErrValidation
)

// LockError reports a conversation held by another agent.
type LockError = core.LockError

// SendError is returned when a send could not be delivered. Content holds
// the original input so it can be restored to the compose field.
type SendError struct {
	ConversationID string
	Content        string
	Key            string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func transportf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}
