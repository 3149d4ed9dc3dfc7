package metrickeys

const (
	Prefix = "agentsession."

	// Snapshots
	SnapshotReceived  = Prefix + "snapshot.received"
	SnapshotMalformed = Prefix + "snapshot.malformed"
	SnapshotPublished = Prefix + "snapshot.published"

	// Update loop
	LoopFailure     = Prefix + "loop.failure"
	LoopRequest     = Prefix + "loop.request"
	LoopBackoff     = Prefix + "loop.backoff"
	StreamConnected = Prefix + "loop.stream.connected"

	// Backends
	BackendRequest = Prefix + "backend.request"

	// Actions
	ActionSubmitted     = Prefix + "action.submitted"
	ActionResolved      = Prefix + "action.resolved"
	ActionSendFailed    = Prefix + "action.send.failed"
	ActionSendLatency   = Prefix + "action.send.latency"
	ActionIndeterminate = Prefix + "action.indeterminate"
	ActionsPending      = Prefix + "action.pending"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	// Outcome of reconciling a snapshot
	Outcome = "outcome"

	// Source a snapshot was received from
	Source = "source"

	Mode = "mode"

	// Backend operation, for example "state" or "actions"
	Operation = "op"

	ActionStatus = "status"

	// Reason for marking an action indeterminate
	Reason = "reason"

	// Whether a published snapshot was stale
	Stale = "stale"
)
