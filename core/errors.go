package core

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSessionEnded   = errors.New("session ended")
	ErrLoopRunning    = errors.New("update loop already running")
	ErrUnknownAction  = errors.New("unknown action")
	ErrActionResolved = errors.New("action already resolved")
	ErrInvalidToken   = errors.New("idempotency token must not be empty")
)

// TransportError is returned when the API could not be reached or answered with an
// unexpected status. It is always retryable.
type TransportError struct {
	Op string

	// StatusCode is the HTTP status returned by the server, 0 if no response was received.
	StatusCode int

	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedActionError means the server explicitly refused an action.
type RejectedActionError struct {
	Token  string
	Reason string
}

func (e *RejectedActionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("action %s rejected", e.Token)
	}

	return fmt.Sprintf("action %s rejected: %s", e.Token, e.Reason)
}

// MalformedSnapshotError is returned for snapshots that could not be parsed or validated.
type MalformedSnapshotError struct {
	SequenceNumber int64
	Reason         string
	Err            error
}

func (e *MalformedSnapshotError) Error() string {
	msg := fmt.Sprintf("malformed snapshot %d: %s", e.SequenceNumber, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *MalformedSnapshotError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsMalformedSnapshot reports whether err is or wraps a *MalformedSnapshotError.
func IsMalformedSnapshot(err error) bool {
	var me *MalformedSnapshotError
	return errors.As(err, &me)
}
