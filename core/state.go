package core

import "time"

// Status describes the health of the update loop of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusLive
	StatusDegraded
	StatusStopped
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLive:
		return "live"
	case StatusDegraded:
		return "degraded"
	case StatusStopped:
		return "stopped"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionState is the client's view of one workflow instance.
type SessionState struct {
	SessionID SessionID `json:"session_id"`

	// History holds all actions in submission order.
	History []ActionRecord `json:"history"`

	LatestSnapshot      *Snapshot `json:"latest_snapshot,omitempty"`
	LastAppliedSequence int64     `json:"last_applied_sequence"`

	Status              Status        `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	RetryIn             time.Duration `json:"retry_in,omitempty"`

	// Version is incremented on every change.
	Version uint64 `json:"version"`
}

func NewSessionState(id SessionID) SessionState {
	return SessionState{
		SessionID: id,
		History:   []ActionRecord{},
		Status:    StatusIdle,
	}
}

// Clone returns a deep copy that shares no memory with s.
func (s SessionState) Clone() SessionState {
	c := s
	c.History = make([]ActionRecord, len(s.History))
	for i, r := range s.History {
		c.History[i] = r.clone()
	}

	c.LatestSnapshot = s.LatestSnapshot.Clone()

	return c
}

// IndexOf returns the position of the action with the given token in History, or -1.
func (s *SessionState) IndexOf(token string) int {
	for i := range s.History {
		if s.History[i].IdempotencyToken == token {
			return i
		}
	}

	return -1
}

func (s SessionState) Action(token string) (ActionRecord, bool) {
	if i := s.IndexOf(token); i >= 0 {
		return s.History[i].clone(), true
	}

	return ActionRecord{}, false
}

// Actions returns the actions with the given status in submission order.
func (s SessionState) Actions(status ActionStatus) []ActionRecord {
	var r []ActionRecord
	for _, a := range s.History {
		if a.Status == status {
			r = append(r, a.clone())
		}
	}

	return r
}
