package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/internal/setup"
	"github.com/cschleiden/agentsession/tester"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func newTestConfig(t *testing.T, opts ...tester.ServerOption) (config, *tester.Server) {
	t.Helper()

	srv := tester.NewServer(opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return config{
		APIURL:       ts.URL,
		SessionID:    "chat",
		PollInterval: 10 * time.Millisecond,
		WaitTimeout:  5 * time.Second,
		Tracing:      setup.Tracing{Exporter: "none"},
	}, srv
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Test_Run_ChatAndEnd(t *testing.T) {
	cfg, srv := newTestConfig(t)

	var out syncBuffer
	err := run(context.Background(), cfg, strings.NewReader("hello\n\nEXIT\n"), &out, discardLogger())
	require.NoError(t, err)

	require.True(t, srv.Started("chat"))
	require.True(t, srv.Ended("chat"))

	requests := srv.ActionRequests("chat")
	require.Len(t, requests, 1)
	require.JSONEq(t, `{"user_input":"hello","chat_length":0}`, string(requests[0].Payload))

	output := out.String()
	require.Contains(t, output, "Welcome to ABC Wealth Management")
	require.Contains(t, output, "confirmed]")
	require.Contains(t, output, "Session ended.")
}

func Test_ChatLength(t *testing.T) {
	tests := []struct {
		name     string
		snapshot *core.Snapshot
		want     int
	}{
		{"no snapshot", nil, 0},
		{"entry list", &core.Snapshot{SequenceNumber: 1, Data: []byte(`[{"text":"hi"},{"text":"hello"}]`)}, 2},
		{"messages field", &core.Snapshot{SequenceNumber: 2, Data: []byte(`{"lastAction":"a1","messages":[{"user_input":"hi"}]}`)}, 1},
		{"other object", &core.Snapshot{SequenceNumber: 3, Data: []byte(`{"status":"ok"}`)}, 0},
		{"scalar", &core.Snapshot{SequenceNumber: 4, Data: []byte(`"hello"`)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, chatLength(tt.snapshot))
		})
	}
}

func Test_Run_Streaming(t *testing.T) {
	cfg, srv := newTestConfig(t)
	cfg.Stream = true

	var out syncBuffer
	err := run(context.Background(), cfg, strings.NewReader("hello\nquit\n"), &out, discardLogger())
	require.NoError(t, err)

	require.True(t, srv.Ended("chat"))
	require.Contains(t, out.String(), "confirmed]")
}

func Test_Run_InputClosed(t *testing.T) {
	cfg, srv := newTestConfig(t)

	var out syncBuffer
	err := run(context.Background(), cfg, strings.NewReader(""), &out, discardLogger())
	require.NoError(t, err)

	require.True(t, srv.Started("chat"))
	require.False(t, srv.Ended("chat"))
}

func Test_Run_Rejected(t *testing.T) {
	cfg, _ := newTestConfig(t, tester.WithActionHandler(tester.RejectingHandler("market closed")))

	var out syncBuffer
	err := run(context.Background(), cfg, strings.NewReader("buy\nend\n"), &out, discardLogger())
	require.NoError(t, err)

	require.Contains(t, out.String(), "rejected: market closed]")
}

func Test_Run_InvalidConfig(t *testing.T) {
	cfg, _ := newTestConfig(t)
	cfg.APIURL = "ftp://example.com"

	err := run(context.Background(), cfg, strings.NewReader(""), io.Discard, discardLogger())
	require.Error(t, err)

	cfg, _ = newTestConfig(t)
	cfg.Tracing.Exporter = "unknown"

	err = run(context.Background(), cfg, strings.NewReader(""), io.Discard, discardLogger())
	require.Error(t, err)
}

func Test_Printer(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	state := core.NewSessionState("chat")
	state.History = []core.ActionRecord{{IdempotencyToken: "0123456789", Status: core.ActionStatusPending}}
	p.update(state)
	require.Empty(t, out.String())

	state.Status = core.StatusDegraded
	state.LastError = "fetch state: connection refused"
	state.RetryIn = time.Second
	p.update(state)
	require.Contains(t, out.String(), "[connection lost: fetch state: connection refused, retrying in 1s]")

	out.Reset()
	state.Status = core.StatusLive
	state.LatestSnapshot = &core.Snapshot{SequenceNumber: 1, Data: []byte(`{"messages":["hi"]}`)}
	state.History[0].Status = core.ActionStatusConfirmed
	p.update(state)
	require.Equal(t, "\n[reconnected]\n\n[#1] {\"messages\":[\"hi\"]}\n[01234567 confirmed]\n", out.String())

	// Unchanged state prints nothing
	out.Reset()
	p.update(state)
	require.Empty(t, out.String())

	state.History = append(state.History, core.ActionRecord{IdempotencyToken: "a2", Status: core.ActionStatusRejected, Reason: "no"})
	p.update(state)
	require.Equal(t, "[a2 rejected: no]\n", out.String())
}
