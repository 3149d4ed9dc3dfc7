package core

// SessionID identifies one workflow instance observed by a session.
type SessionID string

// DefaultSessionID is the fixed workflow instance used by the demo API. The API server
// does not issue per-run identifiers.
const DefaultSessionID SessionID = "oai-temporal-agent"

func (id SessionID) String() string {
	return string(id)
}
