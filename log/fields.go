package log

const (
	NamespaceKey = "agentsession"

	SessionIDKey = NamespaceKey + ".session.id"
	ModeKey      = NamespaceKey + ".session.mode"
	StatusKey    = NamespaceKey + ".session.status"

	TokenKey        = NamespaceKey + ".action.token"
	ActionStatusKey = NamespaceKey + ".action.status"
	AttemptKey      = NamespaceKey + ".action.attempt"
	ReasonKey       = NamespaceKey + ".action.reason"

	SequenceKey        = NamespaceKey + ".snapshot.seq"
	LastSequenceKey    = NamespaceKey + ".snapshot.last_seq"
	OutcomeKey         = NamespaceKey + ".snapshot.outcome"
	SnapshotSourceKey  = NamespaceKey + ".snapshot.source"
	ConfirmedTokensKey = NamespaceKey + ".snapshot.confirmed"

	FailuresKey = NamespaceKey + ".loop.failures"
	RetryInKey  = NamespaceKey + ".loop.retry_in_ms"

	DurationKey = NamespaceKey + ".duration_ms"
	StatusCode  = NamespaceKey + ".http.status"
)
