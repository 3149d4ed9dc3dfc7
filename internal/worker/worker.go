package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/internal/metrickeys"
	mi "github.com/cschleiden/agentsession/internal/metrics"
	"github.com/cschleiden/agentsession/internal/reconciler"
	"github.com/cschleiden/agentsession/internal/store"
	"github.com/cschleiden/agentsession/internal/tracing"
	"github.com/cschleiden/agentsession/log"
	"github.com/cschleiden/agentsession/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	modePoll   = "poll"
	modeStream = "stream"
)

// Loop keeps the session state up to date, either by polling the fetcher or by holding a
// stream open. A single goroutine drives all requests and applies.
type Loop struct {
	id         core.SessionID
	fetcher    backend.Fetcher
	streamer   backend.Streamer
	store      *store.Store
	reconciler *reconciler.Reconciler

	options Options
	logger  *slog.Logger
	mode    string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a loop. When streamer is not nil the loop streams, otherwise it polls fetcher.
func New(
	id core.SessionID,
	fetcher backend.Fetcher,
	streamer backend.Streamer,
	s *store.Store,
	r *reconciler.Reconciler,
	options Options,
) *Loop {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = mi.NewNoopMetricsClient()
	}

	if options.Tracer == nil {
		options.Tracer = noop.NewTracerProvider().Tracer(backend.TracerName)
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.PollInterval <= 0 {
		options.PollInterval = DefaultOptions.PollInterval
	}

	if options.InitialBackoff <= 0 {
		options.InitialBackoff = DefaultOptions.InitialBackoff
	}

	if options.MaxBackoff < options.InitialBackoff {
		options.MaxBackoff = options.InitialBackoff
	}

	if options.BackoffMultiplier < 1 {
		options.BackoffMultiplier = DefaultOptions.BackoffMultiplier
	}

	mode := modePoll
	if streamer != nil {
		mode = modeStream
	}

	return &Loop{
		id:         id,
		fetcher:    fetcher,
		streamer:   streamer,
		store:      s,
		reconciler: r,
		options:    options,
		logger:     options.Logger.With(log.SessionIDKey, id.String(), log.ModeKey, mode),
		mode:       mode,
	}
}

// Start launches the loop. It returns core.ErrLoopRunning if the loop is already running.
// The loop runs until Stop is called or ctx is canceled.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running() {
		return core.ErrLoopRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	l.logger.Debug("Starting update loop")

	go l.run(ctx, l.done)

	return nil
}

// Stop cancels the loop and blocks until it exited. A request in flight completes and its
// result is applied first. Calling Stop on a stopped loop does nothing.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.running()
}

func (l *Loop) running() bool {
	if l.done == nil {
		return false
	}

	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.stopped()

	bo := l.newBackOff()
	interval := l.newPollInterval()

	for {
		var (
			err       error
			delivered bool
		)

		if l.streamer != nil {
			delivered, err = l.stream(ctx, bo)
		} else {
			err = l.poll(ctx)
		}

		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		switch {
		case err != nil:
			if delivered {
				bo.Reset()
			}

			// Jitter is added after the interval is capped
			delay = min(bo.NextBackOff(), l.options.MaxBackoff)

		case l.streamer != nil && delivered:
			// Reopen the stream right away
			bo.Reset()
			continue

		default:
			bo.Reset()
			delay = interval.NextBackOff()
		}

		// Create the timer before publishing the status so observers can advance a mock clock
		timer := l.options.Clock.Timer(delay)

		if err != nil {
			l.degraded(err, delay)
		} else if l.streamer == nil {
			l.live()
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Loop) poll(ctx context.Context) error {
	since := l.store.Read().LastAppliedSequence

	// Requests are not interrupted by Stop, their result is applied before the loop exits
	rctx := context.WithoutCancel(ctx)
	if l.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(rctx, l.options.RequestTimeout)
		defer cancel()
	}

	rctx, span := l.options.Tracer.Start(rctx, "FetchState", trace.WithAttributes(
		attribute.String(tracing.SessionID, l.id.String()),
		attribute.Int64(tracing.SnapshotSince, since),
	))
	defer span.End()

	timer := metrics.NewTimer(l.options.Metrics, l.options.Clock, metrickeys.LoopRequest, metrics.Tags{metrickeys.Mode: l.mode})
	snapshot, err := l.fetcher.FetchState(rctx, l.id, since)
	timer.Stop()

	if err != nil {
		var me *core.MalformedSnapshotError
		if errors.As(err, &me) {
			// The server answered, keep polling at the regular interval
			_ = tracing.WithSpanError(span, err)
			l.options.Metrics.Counter(metrickeys.SnapshotMalformed, metrics.Tags{metrickeys.Source: string(reconciler.SourcePoll)}, 1)
			l.logger.Warn("Discarding malformed snapshot", log.SequenceKey, me.SequenceNumber, "error", err)
			return nil
		}

		return tracing.WithSpanError(span, err)
	}

	if snapshot == nil {
		return nil
	}

	span.SetAttributes(attribute.Int64(tracing.SnapshotSequence, snapshot.SequenceNumber))
	l.apply(reconciler.SourcePoll, snapshot)

	return nil
}

// stream holds one stream connection open until it fails or ctx is canceled. It reports
// whether at least one message was received.
func (l *Loop) stream(ctx context.Context, bo backoff.BackOff) (bool, error) {
	since := l.store.Read().LastAppliedSequence

	ctx, span := l.options.Tracer.Start(ctx, "StreamState", trace.WithAttributes(
		attribute.String(tracing.SessionID, l.id.String()),
		attribute.Int64(tracing.SnapshotSince, since),
	))
	defer span.End()

	l.logger.Debug("Opening state stream", log.SequenceKey, since)

	delivered := false
	err := l.streamer.StreamState(ctx, l.id, since, func(snapshot *core.Snapshot) error {
		if !delivered {
			delivered = true
			bo.Reset()
			l.options.Metrics.Counter(metrickeys.StreamConnected, metrics.Tags{}, 1)
			l.live()
		}

		l.apply(reconciler.SourceStream, snapshot)

		return nil
	})

	if ctx.Err() != nil {
		return delivered, nil
	}

	if err != nil {
		return delivered, tracing.WithSpanError(span, err)
	}

	l.logger.Debug("State stream closed")

	return delivered, nil
}

func (l *Loop) apply(source reconciler.Source, snapshot *core.Snapshot) {
	if _, err := l.reconciler.Apply(source, snapshot); err != nil {
		var me *core.MalformedSnapshotError
		if errors.As(err, &me) {
			l.logger.Warn("Discarding malformed snapshot", log.SequenceKey, me.SequenceNumber, "error", err)
			return
		}

		l.logger.Error("Could not apply snapshot", "error", err)
	}
}

func (l *Loop) live() {
	var recovered bool

	l.store.Mutate(func(state *core.SessionState) bool {
		if state.Status == core.StatusLive && state.ConsecutiveFailures == 0 {
			return false
		}

		recovered = state.Status == core.StatusDegraded

		state.Status = core.StatusLive
		state.ConsecutiveFailures = 0
		state.LastError = ""
		state.RetryIn = 0

		return true
	})

	if recovered {
		l.logger.Info("Session recovered")
	}
}

func (l *Loop) degraded(err error, delay time.Duration) {
	var failures int

	l.store.Mutate(func(state *core.SessionState) bool {
		state.Status = core.StatusDegraded
		state.ConsecutiveFailures++
		state.LastError = err.Error()
		state.RetryIn = delay

		failures = state.ConsecutiveFailures

		return true
	})

	l.options.Metrics.Counter(metrickeys.LoopFailure, metrics.Tags{metrickeys.Mode: l.mode}, 1)
	l.options.Metrics.Timing(metrickeys.LoopBackoff, metrics.Tags{metrickeys.Mode: l.mode}, delay)

	l.logger.Warn("Updating session state failed",
		log.FailuresKey, failures,
		log.RetryInKey, delay.Milliseconds(),
		"error", err,
	)
}

func (l *Loop) stopped() {
	l.store.Mutate(func(state *core.SessionState) bool {
		if state.Status == core.StatusEnded || state.Status == core.StatusStopped {
			return false
		}

		state.Status = core.StatusStopped
		state.RetryIn = 0

		return true
	})

	l.logger.Debug("Update loop stopped")
}

func (l *Loop) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.options.InitialBackoff
	bo.MaxInterval = l.options.MaxBackoff
	bo.Multiplier = l.options.BackoffMultiplier
	bo.RandomizationFactor = l.options.BackoffJitter

	// Retry forever
	bo.MaxElapsedTime = 0
	bo.Clock = l.options.Clock
	bo.Reset()

	return bo
}

// newPollInterval returns a constant backoff around PollInterval, randomized by PollJitter.
func (l *Loop) newPollInterval() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.options.PollInterval
	bo.MaxInterval = l.options.PollInterval
	bo.Multiplier = 1
	bo.RandomizationFactor = l.options.PollJitter
	bo.MaxElapsedTime = 0
	bo.Clock = l.options.Clock
	bo.Reset()

	return bo
}
