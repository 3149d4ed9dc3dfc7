package metrics

import "time"

type Tags map[string]string

// Client receives the metrics recorded by sessions and backends. metrics/prometheus has an
// implementation backed by the Prometheus client library.
type Client interface {
	Counter(name string, tags Tags, value int64)

	Distribution(name string, tags Tags, value float64)

	// Gauge sets the current value, for example the number of pending actions.
	Gauge(name string, tags Tags, value int64)

	Timing(name string, tags Tags, duration time.Duration)

	// WithTags returns a client adding tags to every metric.
	WithTags(tags Tags) Client
}
