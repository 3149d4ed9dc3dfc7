package reconciler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/internal/metrickeys"
	"github.com/cschleiden/agentsession/internal/store"
	"github.com/cschleiden/agentsession/log"
	"github.com/cschleiden/agentsession/metrics"
)

// Source describes where a snapshot came from. It is only used for logging and metrics.
type Source string

const (
	SourcePoll     Source = "poll"
	SourceStream   Source = "stream"
	SourceExternal Source = "external"
)

// confirmations are the fields of a snapshot's data that echo idempotency tokens of
// actions the workflow processed.
type confirmations struct {
	LastAction       *string  `json:"lastAction"`
	ConfirmedActions []string `json:"confirmedActions"`
}

func (c *confirmations) tokens() []string {
	tokens := make([]string, 0, len(c.ConfirmedActions)+1)
	tokens = append(tokens, c.ConfirmedActions...)
	if c.LastAction != nil && *c.LastAction != "" {
		tokens = append(tokens, *c.LastAction)
	}

	return tokens
}

type Reconciler struct {
	store   *store.Store
	logger  *slog.Logger
	metrics metrics.Client
	clock   clock.Clock

	// onConfirmed is called with the tokens of actions a snapshot confirmed.
	onConfirmed func(tokens []string)
}

func New(s *store.Store, logger *slog.Logger, mc metrics.Client, clk clock.Clock, onConfirmed func(tokens []string)) *Reconciler {
	return &Reconciler{
		store:       s,
		logger:      logger,
		metrics:     mc,
		clock:       clk,
		onConfirmed: onConfirmed,
	}
}

// Apply merges the snapshot into the session state.
//
// Snapshots that are not newer than the last applied one are discarded. This includes
// snapshots with the same sequence number: the first one applied wins. Invalid snapshots
// are rejected with a *core.MalformedSnapshotError before the state is touched.
func (r *Reconciler) Apply(source Source, incoming *core.Snapshot) (core.ReconcileOutcome, error) {
	c, err := validate(incoming)
	if err != nil {
		r.metrics.Counter(metrickeys.SnapshotMalformed, metrics.Tags{metrickeys.Source: string(source)}, 1)
		return core.OutcomeStale, err
	}

	snapshot := incoming.Clone()
	if snapshot.ObservedAt.IsZero() {
		snapshot.ObservedAt = r.clock.Now()
	}

	tokens := c.tokens()

	var (
		outcome   = core.OutcomeStale
		lastSeq   int64
		confirmed []string
	)

	r.store.Mutate(func(state *core.SessionState) bool {
		lastSeq = state.LastAppliedSequence

		if snapshot.SequenceNumber <= state.LastAppliedSequence {
			return false
		}

		if state.LatestSnapshot != nil && snapshot.SequenceNumber > state.LastAppliedSequence+1 {
			outcome = core.OutcomeSuperseded
		} else {
			outcome = core.OutcomeApplied
		}

		state.LatestSnapshot = snapshot
		state.LastAppliedSequence = snapshot.SequenceNumber

		for _, token := range tokens {
			i := state.IndexOf(token)
			if i < 0 {
				// Action submitted by another client, or before this session was opened
				continue
			}

			a := &state.History[i]
			if a.Status.Resolved() {
				continue
			}

			a.Status = core.ActionStatusConfirmed
			a.LastError = ""
			a.ResolvedAt = snapshot.ObservedAt
			confirmed = append(confirmed, token)
		}

		return true
	})

	r.metrics.Counter(metrickeys.SnapshotReceived, metrics.Tags{
		metrickeys.Source:  string(source),
		metrickeys.Outcome: outcome.String(),
	}, 1)

	r.logger.Debug("Reconciled snapshot",
		log.SnapshotSourceKey, string(source),
		log.SequenceKey, snapshot.SequenceNumber,
		log.LastSequenceKey, lastSeq,
		log.OutcomeKey, outcome.String(),
		log.ConfirmedTokensKey, confirmed,
	)

	if len(confirmed) > 0 {
		r.metrics.Counter(metrickeys.ActionResolved, metrics.Tags{
			metrickeys.ActionStatus: core.ActionStatusConfirmed.String(),
			metrickeys.Source:       string(source),
		}, int64(len(confirmed)))

		if r.onConfirmed != nil {
			r.onConfirmed(confirmed)
		}
	}

	return outcome, nil
}

func validate(s *core.Snapshot) (*confirmations, error) {
	if s == nil {
		return nil, &core.MalformedSnapshotError{Reason: "missing snapshot"}
	}

	// Sessions start at LastAppliedSequence 0, so the first state is numbered 1
	if s.SequenceNumber < 1 {
		return nil, &core.MalformedSnapshotError{SequenceNumber: s.SequenceNumber, Reason: "sequence number must be positive"}
	}

	data := bytes.TrimSpace(s.Data)
	if len(data) == 0 {
		return nil, &core.MalformedSnapshotError{SequenceNumber: s.SequenceNumber, Reason: "empty data"}
	}

	if !json.Valid(data) {
		return nil, &core.MalformedSnapshotError{SequenceNumber: s.SequenceNumber, Reason: "data is not valid JSON"}
	}

	c := &confirmations{}

	// Only objects can echo action tokens, other payloads are stored as they are
	if data[0] != '{' {
		return c, nil
	}

	if err := json.Unmarshal(data, c); err != nil {
		return nil, &core.MalformedSnapshotError{
			SequenceNumber: s.SequenceNumber,
			Reason:         "invalid action confirmations",
			Err:            fmt.Errorf("decoding data: %w", err),
		}
	}

	return c, nil
}
