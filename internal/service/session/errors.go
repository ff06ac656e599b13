package session

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is the parent of every client/protocol error.
// Use errors.Is(err, ErrProtocolViolation) to classify.
var ErrProtocolViolation = errors.New("protocol violation")

var (
	ErrDuplicateConnection = fmt.Errorf("%w: connection already has an active session", ErrProtocolViolation)
	ErrUnknownSession      = fmt.Errorf("%w: no active session for connection", ErrProtocolViolation)
	ErrSessionFinalized    = fmt.Errorf("%w: session already finalized", ErrProtocolViolation)
	ErrEmptyConnectionID   = fmt.Errorf("%w: connection id is required", ErrProtocolViolation)
)

// PersistenceError means the finalized session could not be written.
// The session stays registered so the client can terminate again.
type PersistenceError struct {
	ConnectionID string
	Err          error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist session %s: %v", e.ConnectionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// violationReason labels a protocol error for metrics.
func violationReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateConnection):
		return "duplicate_connection"
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrSessionFinalized):
		return "finalized"
	case errors.Is(err, ErrEmptyConnectionID):
		return "empty_connection_id"
	default:
		return "other"
	}
}
