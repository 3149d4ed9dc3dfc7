package submitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/converter"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/internal/metrickeys"
	"github.com/cschleiden/agentsession/internal/pending"
	"github.com/cschleiden/agentsession/internal/store"
	"github.com/cschleiden/agentsession/internal/tracing"
	"github.com/cschleiden/agentsession/log"
	"github.com/cschleiden/agentsession/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Logger    *slog.Logger
	Metrics   metrics.Client
	Tracer    trace.Tracer
	Clock     clock.Clock
	Converter converter.Converter

	// RequestTimeout bounds a single send.
	RequestTimeout time.Duration

	// MaxInFlight limits concurrent sends. 0 means no limit.
	MaxInFlight int

	// NewToken generates idempotency tokens, defaults to random UUIDs.
	NewToken func() string
}

type Submitter struct {
	id      core.SessionID
	sender  backend.Sender
	store   *store.Store
	tracker *pending.Tracker
	options Options

	slots chan struct{}
	wg    sync.WaitGroup
}

func New(id core.SessionID, sender backend.Sender, s *store.Store, tracker *pending.Tracker, options Options) *Submitter {
	if options.NewToken == nil {
		options.NewToken = uuid.NewString
	}

	var slots chan struct{}
	if options.MaxInFlight > 0 {
		slots = make(chan struct{}, options.MaxInFlight)
	}

	return &Submitter{
		id:      id,
		sender:  sender,
		store:   s,
		tracker: tracker,
		options: options,
		slots:   slots,
	}
}

// Submit records the action as pending under a new idempotency token and sends it in the
// background. It returns as soon as the action is recorded.
func (s *Submitter) Submit(ctx context.Context, payload any) (string, error) {
	return s.SubmitWithToken(ctx, s.options.NewToken(), payload)
}

// SubmitWithToken is like Submit but uses the given token. Submitting a token that is
// already known does nothing.
func (s *Submitter) SubmitWithToken(ctx context.Context, token string, payload any) (string, error) {
	if token == "" {
		return "", core.ErrInvalidToken
	}

	p, err := s.options.Converter.To(payload)
	if err != nil {
		return "", fmt.Errorf("converting payload: %w", err)
	}

	now := s.options.Clock.Now()

	added := s.store.Mutate(func(state *core.SessionState) bool {
		if state.IndexOf(token) >= 0 {
			return false
		}

		state.History = append(state.History, core.ActionRecord{
			IdempotencyToken: token,
			Payload:          p,
			SubmittedAt:      now,
			Status:           core.ActionStatusPending,
			Attempts:         1,
		})

		return true
	})

	if !added {
		s.options.Logger.Debug("Ignoring duplicate action", log.TokenKey, token)
		return token, nil
	}

	s.options.Metrics.Counter(metrickeys.ActionSubmitted, metrics.Tags{}, 1)
	s.options.Logger.Debug("Submitted action", log.TokenKey, token)

	s.tracker.Track(token)
	s.send(ctx, token, p, 1)

	return token, nil
}

// Retry resends an unresolved action with its original token and payload.
func (s *Submitter) Retry(ctx context.Context, token string) error {
	var (
		p       converter.Payload
		attempt int
		err     error
	)

	s.store.Mutate(func(state *core.SessionState) bool {
		i := state.IndexOf(token)
		if i < 0 {
			err = core.ErrUnknownAction
			return false
		}

		a := &state.History[i]
		if a.Status.Resolved() {
			err = core.ErrActionResolved
			return false
		}

		a.Attempts++
		a.Status = core.ActionStatusPending
		a.LastError = ""

		p = append(converter.Payload(nil), a.Payload...)
		attempt = a.Attempts

		return true
	})

	if err != nil {
		return fmt.Errorf("retrying action %s: %w", token, err)
	}

	s.options.Logger.Debug("Retrying action", log.TokenKey, token, log.AttemptKey, attempt)

	s.tracker.Track(token)
	s.send(ctx, token, p, attempt)

	return nil
}

// MarkIndeterminate moves all pending actions to indeterminate and returns their tokens.
func (s *Submitter) MarkIndeterminate(reason string) []string {
	var tokens []string

	s.store.Mutate(func(state *core.SessionState) bool {
		for i := range state.History {
			if state.History[i].Status == core.ActionStatusPending {
				state.History[i].Status = core.ActionStatusIndeterminate
				tokens = append(tokens, state.History[i].IdempotencyToken)
			}
		}

		return len(tokens) > 0
	})

	if len(tokens) > 0 {
		s.tracker.Forget(tokens...)
		s.options.Metrics.Counter(metrickeys.ActionIndeterminate, metrics.Tags{metrickeys.Reason: reason}, int64(len(tokens)))
	}

	return tokens
}

// Expire marks a single action indeterminate if it is still pending.
func (s *Submitter) Expire(token string) bool {
	changed := s.store.Mutate(func(state *core.SessionState) bool {
		i := state.IndexOf(token)
		if i < 0 || state.History[i].Status != core.ActionStatusPending {
			return false
		}

		state.History[i].Status = core.ActionStatusIndeterminate
		return true
	})

	if changed {
		s.options.Logger.Warn("Action not resolved in time", log.TokenKey, token)
	}

	return changed
}

// Wait blocks until all sends finished.
func (s *Submitter) Wait() {
	s.wg.Wait()
}

func (s *Submitter) send(ctx context.Context, token string, p converter.Payload, attempt int) {
	s.wg.Add(1)

	// The send outlives the submitting call, keep values like the trace but not cancellation
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer s.wg.Done()

		if s.slots != nil {
			s.slots <- struct{}{}
			defer func() { <-s.slots }()
		}

		resp, err := s.sendAction(ctx, token, p, attempt)
		s.resolve(token, attempt, resp, err)
	}()
}

func (s *Submitter) sendAction(ctx context.Context, token string, p converter.Payload, attempt int) (*backend.ActionResponse, error) {
	if s.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.RequestTimeout)
		defer cancel()
	}

	ctx, span := s.options.Tracer.Start(ctx, "SendAction", trace.WithAttributes(
		attribute.String(tracing.SessionID, s.id.String()),
		attribute.String(tracing.ActionToken, token),
		attribute.Int(tracing.ActionAttempt, attempt),
	))
	defer span.End()

	timer := metrics.NewTimer(s.options.Metrics, s.options.Clock, metrickeys.ActionSendLatency, metrics.Tags{})
	defer timer.Stop()

	resp, err := s.sender.SendAction(ctx, s.id, &backend.ActionRequest{
		IdempotencyToken: token,
		Payload:          p,
	})
	if err == nil && resp == nil {
		err = &core.TransportError{Op: "send action", Err: errors.New("empty response")}
	}

	if err != nil {
		return nil, tracing.WithSpanError(span, err)
	}

	span.SetAttributes(attribute.Bool(tracing.ActionAccepted, resp.Accepted))

	return resp, nil
}

func (s *Submitter) resolve(token string, attempt int, resp *backend.ActionResponse, err error) {
	if err != nil {
		s.store.Mutate(func(state *core.SessionState) bool {
			i := state.IndexOf(token)
			if i < 0 {
				return false
			}

			// A newer attempt owns the record now
			a := &state.History[i]
			if a.Status.Resolved() || a.Attempts != attempt {
				return false
			}

			a.LastError = err.Error()
			return true
		})

		s.options.Metrics.Counter(metrickeys.ActionSendFailed, metrics.Tags{}, 1)
		s.options.Logger.Warn("Sending action failed", log.TokenKey, token, log.AttemptKey, attempt, "error", err)

		return
	}

	status := core.ActionStatusConfirmed
	if !resp.Accepted {
		status = core.ActionStatusRejected
	}

	now := s.options.Clock.Now()

	changed := s.store.Mutate(func(state *core.SessionState) bool {
		i := state.IndexOf(token)
		if i < 0 {
			return false
		}

		a := &state.History[i]
		if a.Status.Resolved() {
			return false
		}

		a.Status = status
		a.LastError = ""
		a.ResolvedAt = now
		if status == core.ActionStatusRejected {
			a.Reason = resp.Reason
		}

		return true
	})

	if !changed {
		return
	}

	s.tracker.Forget(token)

	s.options.Metrics.Counter(metrickeys.ActionResolved, metrics.Tags{
		metrickeys.ActionStatus: status.String(),
		metrickeys.Source:       "response",
	}, 1)

	if status == core.ActionStatusRejected {
		s.options.Logger.Warn("Action rejected", log.TokenKey, token, log.ReasonKey, resp.Reason)
	} else {
		s.options.Logger.Debug("Action confirmed", log.TokenKey, token)
	}
}
