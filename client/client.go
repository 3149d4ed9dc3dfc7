package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/converter"
	"github.com/cschleiden/agentsession/core"
	mi "github.com/cschleiden/agentsession/internal/metrics"
	"github.com/cschleiden/agentsession/internal/pending"
	"github.com/cschleiden/agentsession/internal/reconciler"
	"github.com/cschleiden/agentsession/internal/store"
	"github.com/cschleiden/agentsession/internal/submitter"
	"github.com/cschleiden/agentsession/internal/tracing"
	"github.com/cschleiden/agentsession/internal/worker"
	"github.com/cschleiden/agentsession/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Session keeps a live view of one workflow instance. User actions are sent with Submit, the
// state is observed with Read and Subscribe.
type Session struct {
	id      core.SessionID
	backend backend.Backend
	options Options
	logger  *slog.Logger
	tracer  trace.Tracer

	store      *store.Store
	reconciler *reconciler.Reconciler
	loop       *worker.Loop
	submitter  *submitter.Submitter
	tracker    *pending.Tracker

	mu     sync.Mutex
	closed bool
}

// Open creates a session for the given workflow instance. It does not contact the backend
// until Start or Submit is called.
func Open(id core.SessionID, b backend.Backend, opts ...Option) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id must not be empty")
	}

	if b == nil {
		return nil, errors.New("backend must not be nil")
	}

	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = mi.NewNoopMetricsClient()
	}

	if options.TracerProvider == nil {
		options.TracerProvider = noop.NewTracerProvider()
	}

	if options.Converter == nil {
		options.Converter = converter.DefaultConverter
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	logger := options.Logger.With(log.SessionIDKey, id.String())
	tracer := options.TracerProvider.Tracer(backend.TracerName)

	s := &Session{
		id:      id,
		backend: b,
		options: options,
		logger:  logger,
		tracer:  tracer,
		store:   store.New(id, logger),
	}

	s.tracker = pending.New(options.Metrics, options.IndeterminateAfter, func(token string) {
		s.submitter.Expire(token)
	})

	s.submitter = submitter.New(id, b, s.store, s.tracker, submitter.Options{
		Logger:         logger,
		Metrics:        options.Metrics,
		Tracer:         tracer,
		Clock:          options.Clock,
		Converter:      options.Converter,
		RequestTimeout: options.RequestTimeout,
		MaxInFlight:    options.MaxInFlightActions,
	})

	s.reconciler = reconciler.New(s.store, logger, options.Metrics, options.Clock, func(tokens []string) {
		s.tracker.Forget(tokens...)
	})

	s.loop = worker.New(id, b, options.Streamer, s.store, s.reconciler, worker.Options{
		Logger:            logger,
		Metrics:           options.Metrics,
		Tracer:            tracer,
		Clock:             options.Clock,
		PollInterval:      options.PollInterval,
		PollJitter:        options.PollJitter,
		RequestTimeout:    options.RequestTimeout,
		InitialBackoff:    options.InitialBackoff,
		MaxBackoff:        options.MaxBackoff,
		BackoffMultiplier: options.BackoffMultiplier,
		BackoffJitter:     options.BackoffJitter,
	})

	return s, nil
}

func (s *Session) ID() core.SessionID {
	return s.id
}

// Start starts the update loop. It returns core.ErrLoopRunning if the session is already
// started.
func (s *Session) Start(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}

	if s.loop.Running() {
		return core.ErrLoopRunning
	}

	if s.options.EnsureStarted {
		if starter, ok := s.backend.(backend.Starter); ok {
			if err := s.startSession(ctx, starter); err != nil {
				return err
			}
		}
	}

	s.tracker.Start()

	if err := s.loop.Start(ctx); err != nil {
		return fmt.Errorf("starting update loop: %w", err)
	}

	s.logger.Debug("Started session")

	return nil
}

func (s *Session) startSession(ctx context.Context, starter backend.Starter) error {
	ctx, span := s.tracer.Start(ctx, "StartSession", trace.WithAttributes(
		attribute.String(tracing.SessionID, s.id.String()),
	))
	defer span.End()

	if err := starter.StartSession(ctx, s.id); err != nil {
		return tracing.WithSpanError(span, fmt.Errorf("starting session: %w", err))
	}

	return nil
}

// Stop stops the update loop and waits for in-flight action sends. Actions that are still
// pending afterwards are marked indeterminate. The session can be started again.
func (s *Session) Stop() {
	s.loop.Stop()
	s.submitter.Wait()
	s.tracker.Stop()

	if tokens := s.submitter.MarkIndeterminate("stopped"); len(tokens) > 0 {
		s.logger.Info("Marked unresolved actions indeterminate", "count", len(tokens))
	}
}

// Close stops the session for good. Calling Close more than once is fine.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	s.tracker.Close()

	return nil
}

// End signals the workflow to end the session, stops the session and sets its status to
// ended.
func (s *Session) End(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}

	if ender, ok := s.backend.(backend.Ender); ok {
		if err := s.endSession(ctx, ender); err != nil {
			return err
		}
	}

	s.Stop()

	s.store.Mutate(func(state *core.SessionState) bool {
		state.Status = core.StatusEnded
		state.RetryIn = 0
		return true
	})

	s.logger.Debug("Ended session")

	return nil
}

func (s *Session) endSession(ctx context.Context, ender backend.Ender) error {
	ctx, span := s.tracer.Start(ctx, "EndSession", trace.WithAttributes(
		attribute.String(tracing.SessionID, s.id.String()),
	))
	defer span.End()

	if err := ender.EndSession(ctx, s.id); err != nil {
		return tracing.WithSpanError(span, fmt.Errorf("ending session: %w", err))
	}

	return nil
}

// Read returns a copy of the current session state.
func (s *Session) Read() core.SessionState {
	return s.store.Read()
}

// Subscribe registers fn to be called with a copy of the state after every change, in
// order. fn runs on the goroutine making the change and must not block for long.
func (s *Session) Subscribe(fn func(state core.SessionState)) (unsubscribe func()) {
	return s.store.Subscribe(fn)
}

// Submit records a user action and sends it in the background. It returns the action's
// idempotency token as soon as the action is recorded as pending.
func (s *Session) Submit(ctx context.Context, payload any) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}

	return s.submitter.Submit(ctx, payload)
}

// SubmitWithToken is like Submit but uses the given idempotency token. Submitting a token
// that is already known does nothing.
func (s *Session) SubmitWithToken(ctx context.Context, token string, payload any) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}

	return s.submitter.SubmitWithToken(ctx, token, payload)
}

// Retry resends a pending or indeterminate action with its original idempotency token.
func (s *Session) Retry(ctx context.Context, token string) error {
	if err := s.usable(); err != nil {
		return err
	}

	return s.submitter.Retry(ctx, token)
}

// Apply merges a snapshot received outside the update loop into the session state.
func (s *Session) Apply(snapshot *core.Snapshot) (core.ReconcileOutcome, error) {
	return s.reconciler.Apply(reconciler.SourceExternal, snapshot)
}

// Err returns a *core.RejectedActionError if the action was rejected, and
// core.ErrUnknownAction if there is no action with the given token.
func (s *Session) Err(token string) error {
	a, ok := s.store.Read().Action(token)
	if !ok {
		return core.ErrUnknownAction
	}

	if a.Status == core.ActionStatusRejected {
		return &core.RejectedActionError{Token: token, Reason: a.Reason}
	}

	return nil
}

// WaitForAction waits until the action is confirmed or rejected, or until the given timeout
// expired.
func (s *Session) WaitForAction(ctx context.Context, token string, timeout time.Duration) (core.ActionRecord, error) {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	ctx, span := s.tracer.Start(ctx, "WaitForAction", trace.WithAttributes(
		attribute.String(tracing.SessionID, s.id.String()),
		attribute.String(tracing.ActionToken, token),
	))
	defer span.End()

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Millisecond * 250,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               s.options.Clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(backoff.WithContext(&b, ctx))
	defer ticker.Stop()

	for range ticker.C {
		a, ok := s.store.Read().Action(token)
		if !ok {
			return core.ActionRecord{}, tracing.WithSpanError(span, core.ErrUnknownAction)
		}

		if a.Status.Resolved() {
			return a, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return core.ActionRecord{}, err
	}

	return core.ActionRecord{}, errors.New("action was not resolved in specified timeout")
}

func (s *Session) usable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return core.ErrSessionClosed
	}

	if s.store.Read().Status == core.StatusEnded {
		return core.ErrSessionEnded
	}

	return nil
}
