package test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cschleiden/agentsession/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func BackendTest(t *testing.T, setup func(t *testing.T) TestBackend, teardown func(b TestBackend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b TestBackend)
	}{
		{
			name: "FetchState_ReturnsNilWhenEmpty",
			f: func(t *testing.T, ctx context.Context, b TestBackend) {
				s, err := b.FetchState(ctx, newSessionID(), 0)
				require.NoError(t, err)
				require.Nil(t, s)
			},
		},
		{
			name: "FetchState_ReturnsLatest",
			f: func(t *testing.T, ctx context.Context, b TestBackend) {
				id := newSessionID()
				publish(t, ctx, b, id, 1, map[string]any{"step": 1})
				publish(t, ctx, b, id, 2, map[string]any{"step": 2, "lastAction": "a1"})

				s, err := b.FetchState(ctx, id, 0)
				require.NoError(t, err)
				require.NotNil(t, s)
				require.Equal(t, int64(2), s.SequenceNumber)
				require.JSONEq(t, `{"step":2,"lastAction":"a1"}`, string(s.Data))
			},
		},
		{
			name: "FetchState_ReturnsNilWhenNotNewer",
			f: func(t *testing.T, ctx context.Context, b TestBackend) {
				id := newSessionID()
				publish(t, ctx, b, id, 2, "two")

				s, err := b.FetchState(ctx, id, 2)
				require.NoError(t, err)
				require.Nil(t, s)

				s, err = b.FetchState(ctx, id, 3)
				require.NoError(t, err)
				require.Nil(t, s)
			},
		},
		{
			name: "FetchState_SessionsAreIsolated",
			f: func(t *testing.T, ctx context.Context, b TestBackend) {
				publish(t, ctx, b, newSessionID(), 1, "one")

				s, err := b.FetchState(ctx, newSessionID(), 0)
				require.NoError(t, err)
				require.Nil(t, s)
			},
		},
		{
			name: "Publish_IgnoresStaleSnapshots",
			f: func(t *testing.T, ctx context.Context, b TestBackend) {
				id := newSessionID()
				publish(t, ctx, b, id, 2, "two")

				ok, err := b.Publish(ctx, id, &core.Snapshot{SequenceNumber: 1, Data: []byte(`"one"`)})
				require.NoError(t, err)
				require.False(t, ok)

				ok, err = b.Publish(ctx, id, &core.Snapshot{SequenceNumber: 2, Data: []byte(`"again"`)})
				require.NoError(t, err)
				require.False(t, ok)

				s, err := b.FetchState(ctx, id, 0)
				require.NoError(t, err)
				require.Equal(t, int64(2), s.SequenceNumber)
				require.JSONEq(t, `"two"`, string(s.Data))
			},
		},
		{
			name: "StreamState_DeliversSnapshotsInOrder",
			f: func(t *testing.T, ctx context.Context, b TestBackend) {
				id := newSessionID()
				rec := stream(ctx, b, id, 0)
				defer rec.stop(t)

				for i := int64(1); i <= 3; i++ {
					publish(t, ctx, b, id, i, map[string]any{"step": i})
				}

				require.Eventually(t, func() bool {
					return rec.last() == 3
				}, 5*time.Second, 5*time.Millisecond)

				seqs := rec.sequences()
				for i := 1; i < len(seqs); i++ {
					require.Less(t, seqs[i-1], seqs[i])
				}
			},
		},
		{
			name: "StreamState_ResumesAfterSince",
			f: func(t *testing.T, ctx context.Context, b TestBackend) {
				id := newSessionID()
				publish(t, ctx, b, id, 1, "one")
				publish(t, ctx, b, id, 2, "two")

				rec := stream(ctx, b, id, 1)
				defer rec.stop(t)

				require.Eventually(t, func() bool {
					return rec.last() == 2
				}, 5*time.Second, 5*time.Millisecond)

				require.Equal(t, []int64{2}, rec.sequences())
			},
		},
		{
			name: "StreamState_ReturnsWhenContextCanceled",
			f: func(t *testing.T, ctx context.Context, b TestBackend) {
				rec := stream(ctx, b, newSessionID(), 0)

				time.Sleep(10 * time.Millisecond)
				rec.stop(t)

				require.Empty(t, rec.sequences())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup(t)
			ctx := context.Background()
			tt.f(t, ctx, b)
			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func newSessionID() core.SessionID {
	return core.SessionID(uuid.NewString())
}

func publish(t *testing.T, ctx context.Context, b TestBackend, id core.SessionID, seq int64, data any) {
	t.Helper()

	d, err := json.Marshal(data)
	require.NoError(t, err)

	ok, err := b.Publish(ctx, id, &core.Snapshot{SequenceNumber: seq, Data: d})
	require.NoError(t, err)
	require.True(t, ok)
}

type recorder struct {
	mu        sync.Mutex
	snapshots []*core.Snapshot

	cancel context.CancelFunc
	done   chan error
}

func stream(ctx context.Context, b TestBackend, id core.SessionID, since int64) *recorder {
	ctx, cancel := context.WithCancel(ctx)

	r := &recorder{
		cancel: cancel,
		done:   make(chan error, 1),
	}

	go func() {
		r.done <- b.StreamState(ctx, id, since, func(s *core.Snapshot) error {
			r.mu.Lock()
			defer r.mu.Unlock()

			r.snapshots = append(r.snapshots, s)
			return nil
		})
	}()

	return r
}

func (r *recorder) sequences() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seqs := make([]int64, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		seqs = append(seqs, s.SequenceNumber)
	}

	return seqs
}

func (r *recorder) last() int64 {
	seqs := r.sequences()
	if len(seqs) == 0 {
		return 0
	}

	return seqs[len(seqs)-1]
}

// stop cancels the stream and waits for it to return.
func (r *recorder) stop(t *testing.T) {
	t.Helper()

	r.cancel()

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "stream did not return after cancellation")
	}
}
