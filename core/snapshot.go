package core

import (
	"time"

	"github.com/cschleiden/agentsession/converter"
)

// Snapshot is a server state snapshot of a workflow instance.
type Snapshot struct {
	SequenceNumber int64             `json:"sequenceNumber"`
	Data           converter.Payload `json:"data"`

	// ObservedAt is set by the client when the snapshot was received.
	ObservedAt time.Time `json:"observedAt,omitzero"`
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	c := *s
	if s.Data != nil {
		c.Data = append(converter.Payload(nil), s.Data...)
	}

	return &c
}

type ReconcileOutcome int

const (
	// OutcomeApplied means the snapshot was the direct successor of the last applied one.
	OutcomeApplied ReconcileOutcome = iota

	// OutcomeStale means the snapshot was discarded, its sequence number was not newer
	// than the last applied one.
	OutcomeStale

	// OutcomeSuperseded means the snapshot was applied but skipped one or more sequence
	// numbers. The skipped snapshots are superseded and will be discarded if they arrive.
	OutcomeSuperseded
)

func (o ReconcileOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}
