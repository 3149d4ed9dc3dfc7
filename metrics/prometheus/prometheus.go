// Package prometheus implements metrics.Client on top of the Prometheus client library.
//
// Collectors are created on first use. The label names of a metric are fixed by the tags of
// its first observation; tags that are not part of that label set are dropped, missing ones
// are reported as empty labels.
package prometheus

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cschleiden/agentsession/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type kind int

const (
	kindCounter kind = iota
	kindGauge
	kindHistogram
)

type vec struct {
	kind   kind
	labels []string

	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

type registry struct {
	options options

	mu   sync.Mutex
	vecs map[string]*vec
}

type client struct {
	r    *registry
	tags metrics.Tags
}

var _ metrics.Client = (*client)(nil)

func NewClient(opts ...Option) metrics.Client {
	o := options{
		Registerer: prometheus.DefaultRegisterer,
		Buckets:    prometheus.DefBuckets,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return &client{
		r: &registry{
			options: o,
			vecs:    map[string]*vec{},
		},
		tags: metrics.Tags{},
	}
}

func (c *client) Counter(name string, tags metrics.Tags, value int64) {
	tags = c.merge(tags)
	if v := c.r.get(kindCounter, name+"_total", tags); v != nil {
		v.counter.WithLabelValues(v.values(tags)...).Add(float64(value))
	}
}

func (c *client) Distribution(name string, tags metrics.Tags, value float64) {
	tags = c.merge(tags)
	if v := c.r.get(kindHistogram, name, tags); v != nil {
		v.histogram.WithLabelValues(v.values(tags)...).Observe(value)
	}
}

func (c *client) Gauge(name string, tags metrics.Tags, value int64) {
	tags = c.merge(tags)
	if v := c.r.get(kindGauge, name, tags); v != nil {
		v.gauge.WithLabelValues(v.values(tags)...).Set(float64(value))
	}
}

func (c *client) Timing(name string, tags metrics.Tags, duration time.Duration) {
	tags = c.merge(tags)
	if v := c.r.get(kindHistogram, name+"_seconds", tags); v != nil {
		v.histogram.WithLabelValues(v.values(tags)...).Observe(duration.Seconds())
	}
}

func (c *client) WithTags(tags metrics.Tags) metrics.Client {
	return &client{
		r:    c.r,
		tags: c.merge(tags),
	}
}

func (c *client) merge(tags metrics.Tags) metrics.Tags {
	if len(c.tags) == 0 {
		return tags
	}

	merged := make(metrics.Tags, len(c.tags)+len(tags))
	for k, v := range c.tags {
		merged[k] = v
	}

	for k, v := range tags {
		merged[k] = v
	}

	return merged
}

// get returns the collector for the metric, creating and registering it on first use. It
// returns nil if the name is already used by a metric of a different kind.
func (r *registry) get(k kind, name string, tags metrics.Tags) *vec {
	name = sanitize(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.vecs[name]; ok {
		if v.kind != k {
			return nil
		}

		return v
	}

	labels := make([]string, 0, len(tags))
	for l := range tags {
		labels = append(labels, sanitize(l))
	}
	sort.Strings(labels)

	v := &vec{kind: k, labels: labels}

	var c prometheus.Collector
	switch k {
	case kindCounter:
		v.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: r.options.Namespace,
			Name:      name,
			Help:      name,
		}, labels)
		c = v.counter

	case kindGauge:
		v.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: r.options.Namespace,
			Name:      name,
			Help:      name,
		}, labels)
		c = v.gauge

	case kindHistogram:
		buckets := r.options.Buckets
		if strings.HasSuffix(name, "_seconds") {
			buckets = prometheus.DefBuckets
		}

		v.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: r.options.Namespace,
			Name:      name,
			Help:      name,
			Buckets:   buckets,
		}, labels)
		c = v.histogram
	}

	if err := r.options.Registerer.Register(c); err != nil {
		are := prometheus.AlreadyRegisteredError{}
		if !errors.As(err, &are) {
			return nil
		}

		// Another client registered the same metric with the registry, share it
		switch existing := are.ExistingCollector.(type) {
		case *prometheus.CounterVec:
			v.counter = existing
		case *prometheus.GaugeVec:
			v.gauge = existing
		case *prometheus.HistogramVec:
			v.histogram = existing
		}

		if v.counter == nil && v.gauge == nil && v.histogram == nil {
			return nil
		}
	}

	r.vecs[name] = v

	return v
}

func (v *vec) values(tags metrics.Tags) []string {
	sanitized := make(map[string]string, len(tags))
	for k, val := range tags {
		sanitized[sanitize(k)] = val
	}

	values := make([]string, len(v.labels))
	for i, l := range v.labels {
		values[i] = sanitized[l]
	}

	return values
}

// sanitize maps a metric or tag name to the Prometheus name charset.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
