package diag

import (
	"time"

	"github.com/cschleiden/agentsession/converter"
	"github.com/cschleiden/agentsession/core"
)

// json: serialization in this file is consumed by debugging UIs, keep field names stable

// Source is the session state to expose. *client.Session implements it, the session id
// is taken from the state.
type Source interface {
	Read() core.SessionState
}

type Action struct {
	Token       string            `json:"token"`
	Status      string            `json:"status"`
	Payload     converter.Payload `json:"payload,omitempty"`
	Attempts    int               `json:"attempts"`
	Reason      string            `json:"reason,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

type Snapshot struct {
	SequenceNumber int64             `json:"sequence_number"`
	ObservedAt     time.Time         `json:"observed_at"`
	Data           converter.Payload `json:"data,omitempty"`
}

type SessionInfo struct {
	SessionID           string    `json:"session_id"`
	Status              string    `json:"status"`
	LastAppliedSequence int64     `json:"last_applied_sequence"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	RetryInMs           int64     `json:"retry_in_ms,omitempty"`
	Version             uint64    `json:"version"`
	Snapshot            *Snapshot `json:"snapshot,omitempty"`

	// Actions counts the history by action status.
	Actions map[string]int `json:"actions"`
}

func newAction(r core.ActionRecord) *Action {
	a := &Action{
		Token:       r.IdempotencyToken,
		Status:      r.Status.String(),
		Payload:     r.Payload,
		Attempts:    r.Attempts,
		Reason:      r.Reason,
		LastError:   r.LastError,
		SubmittedAt: r.SubmittedAt,
	}

	if !r.ResolvedAt.IsZero() {
		resolvedAt := r.ResolvedAt
		a.ResolvedAt = &resolvedAt
	}

	return a
}

func newSessionInfo(state core.SessionState) *SessionInfo {
	info := &SessionInfo{
		SessionID:           state.SessionID.String(),
		Status:              state.Status.String(),
		LastAppliedSequence: state.LastAppliedSequence,
		ConsecutiveFailures: state.ConsecutiveFailures,
		LastError:           state.LastError,
		RetryInMs:           state.RetryIn.Milliseconds(),
		Version:             state.Version,
		Actions:             map[string]int{},
	}

	if s := state.LatestSnapshot; s != nil {
		info.Snapshot = &Snapshot{
			SequenceNumber: s.SequenceNumber,
			ObservedAt:     s.ObservedAt,
			Data:           s.Data,
		}
	}

	for _, a := range state.History {
		info.Actions[a.Status.String()]++
	}

	return info
}
