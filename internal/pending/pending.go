package pending

import (
	"context"
	"sync"
	"time"

	"github.com/cschleiden/agentsession/internal/metrickeys"
	"github.com/cschleiden/agentsession/metrics"
	"github.com/jellydator/ttlcache/v3"
)

// Tracker reports actions that stayed unresolved for longer than a timeout.
type Tracker struct {
	mc       metrics.Client
	c        *ttlcache.Cache[string, struct{}]
	onExpire func(token string)

	mu                sync.Mutex
	running           bool
	done              chan struct{}
	removeEvictionsFn func()
}

// New creates a tracker calling onExpire for every tracked token that was not forgotten
// within timeout. A timeout <= 0 disables tracking. Expiration runs on wall time, not on
// an injected clock.
func New(mc metrics.Client, timeout time.Duration, onExpire func(token string)) *Tracker {
	t := &Tracker{
		mc:       mc,
		onExpire: onExpire,
	}

	if timeout <= 0 {
		return t
	}

	t.c = ttlcache.New(
		ttlcache.WithTTL[string, struct{}](timeout),
	)

	t.removeEvictionsFn = t.c.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, struct{}]) {
		// Forgotten actions are resolved, only expiration is of interest
		if er != ttlcache.EvictionReasonExpired {
			return
		}

		t.mc.Counter(metrickeys.ActionIndeterminate, metrics.Tags{metrickeys.Reason: "timeout"}, 1)
		t.onExpire(i.Key())
	})

	return t
}

func (t *Tracker) Start() {
	if t.c == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}

	t.running = true
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		t.c.Start()
	}()
}

// Stop stops expiring tokens. Expiration callbacks still running are awaited by Close.
func (t *Tracker) Stop() {
	if t.c == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}

	t.running = false
	t.c.Stop()
	<-t.done
}

// Close stops the tracker for good and releases the eviction callback.
func (t *Tracker) Close() {
	t.Stop()

	if t.removeEvictionsFn != nil {
		t.removeEvictionsFn()
	}
}

// Track starts, or restarts, the timeout for the given token.
func (t *Tracker) Track(token string) {
	if t.c == nil {
		return
	}

	t.c.Set(token, struct{}{}, ttlcache.DefaultTTL)
	t.mc.Gauge(metrickeys.ActionsPending, metrics.Tags{}, int64(t.c.Len()))
}

// Forget stops tracking the token, typically because the action was resolved.
func (t *Tracker) Forget(tokens ...string) {
	if t.c == nil {
		return
	}

	for _, token := range tokens {
		t.c.Delete(token)
	}

	t.mc.Gauge(metrickeys.ActionsPending, metrics.Tags{}, int64(t.c.Len()))
}

func (t *Tracker) Tracked(token string) bool {
	if t.c == nil {
		return false
	}

	return t.c.Has(token)
}
