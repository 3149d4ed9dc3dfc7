package worker

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/agentsession/metrics"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Logger  *slog.Logger
	Metrics metrics.Client
	Tracer  trace.Tracer
	Clock   clock.Clock

	// PollInterval is the time between two state requests while polling. Also used as the
	// delay before reopening a stream that ended without delivering anything.
	PollInterval time.Duration

	// PollJitter randomizes the poll interval by +/- the given factor.
	PollJitter float64

	// RequestTimeout bounds a single state request.
	RequestTimeout time.Duration

	// InitialBackoff is the delay after the first failed request.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to the delay after every failure.
	BackoffMultiplier float64

	// BackoffJitter randomizes backoff delays by +/- the given factor.
	BackoffJitter float64
}

var DefaultOptions = Options{
	PollInterval:      time.Second,
	PollJitter:        0.1,
	RequestTimeout:    10 * time.Second,
	InitialBackoff:    500 * time.Millisecond,
	MaxBackoff:        30 * time.Second,
	BackoffMultiplier: 2,
	BackoffJitter:     0.2,
}
