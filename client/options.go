package client

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/converter"
	"github.com/cschleiden/agentsession/internal/worker"
	"github.com/cschleiden/agentsession/metrics"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Logger         *slog.Logger
	Metrics        metrics.Client
	TracerProvider trace.TracerProvider
	Converter      converter.Converter
	Clock          clock.Clock

	// Streamer switches the update loop from polling to streaming.
	Streamer backend.Streamer

	PollInterval time.Duration
	PollJitter   float64

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64

	// RequestTimeout bounds state requests and action sends.
	RequestTimeout time.Duration

	// MaxInFlightActions limits concurrent action sends. 0 means no limit.
	MaxInFlightActions int

	// IndeterminateAfter is the time after which an unresolved action is marked
	// indeterminate. 0 disables the timeout.
	IndeterminateAfter time.Duration

	// EnsureStarted starts the workflow behind the session before the update loop starts.
	EnsureStarted bool
}

var DefaultOptions = Options{
	PollInterval:      worker.DefaultOptions.PollInterval,
	PollJitter:        worker.DefaultOptions.PollJitter,
	InitialBackoff:    worker.DefaultOptions.InitialBackoff,
	MaxBackoff:        worker.DefaultOptions.MaxBackoff,
	BackoffMultiplier: worker.DefaultOptions.BackoffMultiplier,
	BackoffJitter:     worker.DefaultOptions.BackoffJitter,
	RequestTimeout:    worker.DefaultOptions.RequestTimeout,

	IndeterminateAfter: 30 * time.Second,
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithConverter(c converter.Converter) Option {
	return func(o *Options) {
		o.Converter = c
	}
}

func WithClock(clk clock.Clock) Option {
	return func(o *Options) {
		o.Clock = clk
	}
}

// WithStreamer makes the session hold a stream open instead of polling for updates.
func WithStreamer(s backend.Streamer) Option {
	return func(o *Options) {
		o.Streamer = s
	}
}

// WithPollInterval sets the time between state requests and the factor by which it is
// randomized.
func WithPollInterval(interval time.Duration, jitter float64) Option {
	return func(o *Options) {
		o.PollInterval = interval
		o.PollJitter = jitter
	}
}

// WithBackoff configures the delay between retries after failed state requests. The delay
// starts at initial and is multiplied by multiplier after every failure, up to max.
func WithBackoff(initial, max time.Duration, multiplier float64) Option {
	return func(o *Options) {
		o.InitialBackoff = initial
		o.MaxBackoff = max
		o.BackoffMultiplier = multiplier
	}
}

func WithBackoffJitter(jitter float64) Option {
	return func(o *Options) {
		o.BackoffJitter = jitter
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.RequestTimeout = timeout
	}
}

func WithMaxInFlightActions(n int) Option {
	return func(o *Options) {
		o.MaxInFlightActions = n
	}
}

// WithIndeterminateAfter sets the time after which actions without a response or
// confirmation are marked indeterminate. 0 disables it. The timeout is measured in wall
// time, WithClock does not affect it.
func WithIndeterminateAfter(d time.Duration) Option {
	return func(o *Options) {
		o.IndeterminateAfter = d
	}
}

// WithEnsureStarted starts the workflow behind the session when the session starts, if the
// backend supports it.
func WithEnsureStarted() Option {
	return func(o *Options) {
		o.EnsureStarted = true
	}
}
