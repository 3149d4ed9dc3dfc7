package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/core"
	mi "github.com/cschleiden/agentsession/internal/metrics"
	"github.com/cschleiden/agentsession/internal/reconciler"
	"github.com/cschleiden/agentsession/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fetchFunc func(ctx context.Context, since int64) (*core.Snapshot, error)

type fakeFetcher struct {
	mu     sync.Mutex
	sinces []int64
	fn     fetchFunc
}

func (f *fakeFetcher) FetchState(ctx context.Context, id core.SessionID, since int64) (*core.Snapshot, error) {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()

	return f.fn(ctx, since)
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sinces)
}

type streamFunc func(ctx context.Context, attempt int, since int64, handle func(*core.Snapshot) error) error

type fakeStreamer struct {
	mu     sync.Mutex
	sinces []int64
	fn     streamFunc
}

func (f *fakeStreamer) StreamState(ctx context.Context, id core.SessionID, since int64, handle func(*core.Snapshot) error) error {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	attempt := len(f.sinces)
	f.mu.Unlock()

	return f.fn(ctx, attempt, since, handle)
}

func (f *fakeStreamer) connections() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.sinces...)
}

func snapshot(seq int64, data any) *core.Snapshot {
	d, _ := json.Marshal(data)
	return &core.Snapshot{SequenceNumber: seq, Data: d}
}

func newLoop(t *testing.T, f backend.Fetcher, s backend.Streamer, clk clock.Clock, opts ...func(*Options)) (*Loop, *store.Store) {
	t.Helper()

	st := store.New(core.DefaultSessionID, slog.Default())
	r := reconciler.New(st, slog.Default(), mi.NewNoopMetricsClient(), clk, nil)

	options := DefaultOptions
	options.Clock = clk
	options.PollInterval = time.Millisecond
	options.PollJitter = 0
	options.InitialBackoff = time.Millisecond
	options.MaxBackoff = 5 * time.Millisecond
	options.BackoffJitter = 0
	for _, opt := range opts {
		opt(&options)
	}

	return New(core.DefaultSessionID, f, s, st, r, options), st
}

func Test_Loop_PollsAndApplies(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &fakeFetcher{fn: func(ctx context.Context, since int64) (*core.Snapshot, error) {
		if since < 3 {
			return snapshot(since+1, map[string]any{"step": since + 1}), nil
		}

		return nil, nil
	}}

	l, st := newLoop(t, f, nil, clock.New())
	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool {
		s := st.Read()
		return s.LastAppliedSequence == 3 && s.Status == core.StatusLive
	}, time.Second, time.Millisecond)

	l.Stop()

	s := st.Read()
	require.Equal(t, core.StatusStopped, s.Status)
	require.JSONEq(t, `{"step":3}`, string(s.LatestSnapshot.Data))

	f.mu.Lock()
	require.Equal(t, []int64{0, 1, 2}, f.sinces[:3])
	f.mu.Unlock()
}

func Test_Loop_StartTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &fakeFetcher{fn: func(ctx context.Context, since int64) (*core.Snapshot, error) {
		return nil, nil
	}}

	l, _ := newLoop(t, f, nil, clock.New())

	require.NoError(t, l.Start(context.Background()))
	require.True(t, l.Running())
	require.ErrorIs(t, l.Start(context.Background()), core.ErrLoopRunning)

	l.Stop()
	l.Stop()
	require.False(t, l.Running())

	// Can be restarted
	require.NoError(t, l.Start(context.Background()))
	l.Stop()
}

func Test_Loop_StopWithoutStart(t *testing.T) {
	l, _ := newLoop(t, &fakeFetcher{}, nil, clock.New())
	l.Stop()
	require.False(t, l.Running())
}

func Test_Loop_StopsWhenContextCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &fakeFetcher{fn: func(ctx context.Context, since int64) (*core.Snapshot, error) {
		return nil, nil
	}}

	l, st := newLoop(t, f, nil, clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		return !l.Running()
	}, time.Second, time.Millisecond)

	require.Equal(t, core.StatusStopped, st.Read().Status)
	l.Stop()
}

func Test_Loop_BackoffIncreasesUpToCap(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := clock.NewMock()

	f := &fakeFetcher{fn: func(ctx context.Context, since int64) (*core.Snapshot, error) {
		return nil, &core.TransportError{Op: "fetch state", Err: errors.New("connection refused")}
	}}

	l, st := newLoop(t, f, nil, mc, func(o *Options) {
		o.InitialBackoff = 100 * time.Millisecond
		o.BackoffMultiplier = 2
		o.MaxBackoff = 400 * time.Millisecond
	})

	degraded := make(chan core.SessionState, 16)
	unsubscribe := st.Subscribe(func(s core.SessionState) {
		if s.Status == core.StatusDegraded {
			degraded <- s
		}
	})
	defer unsubscribe()

	require.NoError(t, l.Start(context.Background()))

	var states []core.SessionState
	for i := 0; i < 4; i++ {
		s := <-degraded
		states = append(states, s)

		// The retry timer exists once the degraded state is published
		mc.Add(s.RetryIn)
	}

	l.Stop()

	require.Equal(t, 100*time.Millisecond, states[0].RetryIn)
	require.Less(t, states[0].RetryIn, states[1].RetryIn)
	require.Less(t, states[1].RetryIn, states[2].RetryIn)
	require.Equal(t, 400*time.Millisecond, states[2].RetryIn)
	require.Equal(t, 400*time.Millisecond, states[3].RetryIn)

	for i, s := range states {
		require.Equal(t, i+1, s.ConsecutiveFailures)
		require.Equal(t, "fetch state: connection refused", s.LastError)
	}

	// Kept retrying
	require.GreaterOrEqual(t, f.calls(), 4)
	require.Equal(t, core.StatusStopped, st.Read().Status)
}

func Test_Loop_RecoversAfterFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := clock.NewMock()

	var mu sync.Mutex
	failures := 2

	f := &fakeFetcher{fn: func(ctx context.Context, since int64) (*core.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()

		if failures > 0 {
			failures--
			return nil, &core.TransportError{Op: "fetch state", StatusCode: 503}
		}

		if since == 0 {
			return snapshot(1, "hello"), nil
		}

		return nil, nil
	}}

	l, st := newLoop(t, f, nil, mc, func(o *Options) {
		o.InitialBackoff = 100 * time.Millisecond
		o.PollInterval = time.Hour
	})

	states := make(chan core.SessionState, 16)
	unsubscribe := st.Subscribe(func(s core.SessionState) {
		if s.Status == core.StatusDegraded || s.Status == core.StatusLive {
			states <- s
		}
	})
	defer unsubscribe()

	require.NoError(t, l.Start(context.Background()))

	s := <-states
	require.Equal(t, core.StatusDegraded, s.Status)
	mc.Add(s.RetryIn)

	s = <-states
	require.Equal(t, core.StatusDegraded, s.Status)
	require.Equal(t, 2, s.ConsecutiveFailures)
	mc.Add(s.RetryIn)

	// Applying the snapshot notifies before the status changes
	for s = <-states; s.Status != core.StatusLive; s = <-states {
	}

	require.Zero(t, s.ConsecutiveFailures)
	require.Empty(t, s.LastError)
	require.Zero(t, s.RetryIn)
	require.Equal(t, int64(1), s.LastAppliedSequence)

	l.Stop()
}

func Test_Loop_StopDuringInFlightRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	release := make(chan struct{})

	var requestErr error

	f := &fakeFetcher{fn: func(ctx context.Context, since int64) (*core.Snapshot, error) {
		close(started)
		<-release

		requestErr = ctx.Err()
		return snapshot(1, map[string]string{"lastAction": "a1"}), nil
	}}

	l, st := newLoop(t, f, nil, clock.New(), func(o *Options) {
		o.PollInterval = time.Hour
	})

	require.NoError(t, l.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		require.Fail(t, "stop returned before in-flight request finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped

	require.NoError(t, requestErr, "request is not canceled by stop")

	s := st.Read()
	require.Equal(t, int64(1), s.LastAppliedSequence)
	require.Equal(t, core.StatusStopped, s.Status)
	require.Equal(t, 1, f.calls())
}

func Test_Loop_MalformedSnapshotIsNotAFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &fakeFetcher{fn: func(ctx context.Context, since int64) (*core.Snapshot, error) {
		return &core.Snapshot{SequenceNumber: 1, Data: []byte("not json")}, nil
	}}

	l, st := newLoop(t, f, nil, clock.New())
	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool {
		return f.calls() >= 3
	}, time.Second, time.Millisecond)

	l.Stop()

	s := st.Read()
	require.Zero(t, s.LastAppliedSequence)
	require.Nil(t, s.LatestSnapshot)
	require.Zero(t, s.ConsecutiveFailures)
}

func Test_Loop_MalformedResponseIsNotAFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &fakeFetcher{fn: func(ctx context.Context, since int64) (*core.Snapshot, error) {
		return nil, &core.MalformedSnapshotError{Reason: "missing sequence number"}
	}}

	l, st := newLoop(t, f, nil, clock.New())

	var degraded atomic.Bool
	unsubscribe := st.Subscribe(func(s core.SessionState) {
		if s.Status == core.StatusDegraded {
			degraded.Store(true)
		}
	})
	defer unsubscribe()

	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool {
		return f.calls() >= 3
	}, time.Second, time.Millisecond)

	require.Equal(t, core.StatusLive, st.Read().Status)

	l.Stop()

	s := st.Read()
	require.False(t, degraded.Load())
	require.Zero(t, s.ConsecutiveFailures)
	require.Empty(t, s.LastError)
	require.Nil(t, s.LatestSnapshot)
}

func Test_Loop_BackoffJitterStaysBelowCap(t *testing.T) {
	defer goleak.VerifyNone(t)

	mc := clock.NewMock()

	f := &fakeFetcher{fn: func(ctx context.Context, since int64) (*core.Snapshot, error) {
		return nil, &core.TransportError{Op: "fetch state", StatusCode: 503}
	}}

	l, st := newLoop(t, f, nil, mc, func(o *Options) {
		o.InitialBackoff = 100 * time.Millisecond
		o.BackoffMultiplier = 2
		o.MaxBackoff = 400 * time.Millisecond
		o.BackoffJitter = 0.5
	})

	degraded := make(chan core.SessionState, 32)
	unsubscribe := st.Subscribe(func(s core.SessionState) {
		if s.Status == core.StatusDegraded {
			degraded <- s
		}
	})
	defer unsubscribe()

	require.NoError(t, l.Start(context.Background()))

	for i := 0; i < 20; i++ {
		s := <-degraded
		require.Positive(t, s.RetryIn)
		require.LessOrEqual(t, s.RetryIn, 400*time.Millisecond)

		mc.Add(s.RetryIn)
	}

	l.Stop()
}

func Test_Loop_StreamReconnectsFromLastSequence(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := &fakeStreamer{fn: func(ctx context.Context, attempt int, since int64, handle func(*core.Snapshot) error) error {
		switch attempt {
		case 1:
			_ = handle(snapshot(1, "one"))
			_ = handle(snapshot(2, "two"))
			return &core.TransportError{Op: "stream state", Err: errors.New("connection reset")}

		case 2:
			return &core.TransportError{Op: "stream state", StatusCode: 502}

		default:
			_ = handle(snapshot(3, "three"))
			<-ctx.Done()
			return ctx.Err()
		}
	}}

	l, st := newLoop(t, nil, s, clock.New())
	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool {
		state := st.Read()
		return state.LastAppliedSequence == 3 && state.Status == core.StatusLive
	}, time.Second, time.Millisecond)

	l.Stop()

	require.Equal(t, []int64{0, 2, 2}, s.connections())

	state := st.Read()
	require.Equal(t, core.StatusStopped, state.Status)
	require.Zero(t, state.ConsecutiveFailures)
}

func Test_Loop_StreamAppliesInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := &fakeStreamer{fn: func(ctx context.Context, attempt int, since int64, handle func(*core.Snapshot) error) error {
		if attempt == 1 {
			_ = handle(snapshot(5, "five"))
			_ = handle(snapshot(3, "three"))
			_ = handle(&core.Snapshot{SequenceNumber: 6, Data: []byte("{")})
		}

		<-ctx.Done()
		return ctx.Err()
	}}

	l, st := newLoop(t, nil, s, clock.New())
	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool {
		return st.Read().LastAppliedSequence == 5
	}, time.Second, time.Millisecond)

	l.Stop()

	state := st.Read()
	require.Equal(t, int64(5), state.LastAppliedSequence)
	require.JSONEq(t, `"five"`, string(state.LatestSnapshot.Data))
}
