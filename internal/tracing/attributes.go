package tracing

const (
	SessionID = "session.id"

	ActionToken    = "action.token"
	ActionAttempt  = "action.attempt"
	ActionAccepted = "action.accepted"

	SnapshotSince    = "snapshot.since"
	SnapshotSequence = "snapshot.seq"

	HTTPStatusCode = "http.status_code"
)
