package core

import (
	"fmt"
	"time"

	"github.com/cschleiden/agentsession/converter"
)

type ActionStatus int

const (
	ActionStatusPending ActionStatus = iota
	ActionStatusConfirmed
	ActionStatusRejected

	// ActionStatusIndeterminate marks a pending action whose outcome is unknown, either
	// because it was not resolved in time or because the session stopped. It can still be
	// retried or confirmed by a later snapshot.
	ActionStatusIndeterminate
)

func (s ActionStatus) String() string {
	switch s {
	case ActionStatusPending:
		return "pending"
	case ActionStatusConfirmed:
		return "confirmed"
	case ActionStatusRejected:
		return "rejected"
	case ActionStatusIndeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("ActionStatus(%d)", int(s))
	}
}

func (s ActionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Resolved returns true once the server confirmed or rejected the action.
func (s ActionStatus) Resolved() bool {
	return s == ActionStatusConfirmed || s == ActionStatusRejected
}

type ActionRecord struct {
	IdempotencyToken string            `json:"idempotency_token"`
	Payload          converter.Payload `json:"payload"`
	SubmittedAt      time.Time         `json:"submitted_at"`
	Status           ActionStatus      `json:"status"`

	// Reason is the server supplied rejection reason.
	Reason string `json:"reason,omitempty"`

	// Attempts counts sends, including user-triggered retries.
	Attempts int `json:"attempts"`

	// LastError is the last transport error seen while sending the action.
	LastError string `json:"last_error,omitempty"`

	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

func (r ActionRecord) clone() ActionRecord {
	c := r
	if r.Payload != nil {
		c.Payload = append(converter.Payload(nil), r.Payload...)
	}

	return c
}
