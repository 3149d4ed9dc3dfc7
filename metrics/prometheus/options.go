package prometheus

import "github.com/prometheus/client_golang/prometheus"

type options struct {
	Registerer prometheus.Registerer
	Namespace  string

	// Buckets are used for Distribution metrics. Timings use prometheus.DefBuckets.
	Buckets []float64
}

type Option func(*options)

// WithRegisterer sets the registry metrics are registered with. The default is
// prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.Registerer = r
	}
}

func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.Namespace = namespace
	}
}

func WithBuckets(buckets []float64) Option {
	return func(o *options) {
		o.Buckets = buckets
	}
}
