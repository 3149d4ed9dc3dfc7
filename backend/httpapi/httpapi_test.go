package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/backend/test"
	"github.com/cschleiden/agentsession/backend/wsstream"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/tester"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type testBackend struct {
	*httpBackend
	backend.Streamer

	srv *tester.Server
}

func (b *testBackend) Publish(ctx context.Context, id core.SessionID, snapshot *core.Snapshot) (bool, error) {
	return b.srv.Publish(ctx, id, snapshot)
}

func newTestServer(t *testing.T, opts ...tester.ServerOption) (*tester.Server, string) {
	t.Helper()

	srv := tester.NewServer(opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return srv, ts.URL
}

func Test_HTTPBackend(t *testing.T) {
	test.BackendTest(t, func(t *testing.T) test.TestBackend {
		srv, url := newTestServer(t)

		hb, err := NewHTTPBackend(url)
		require.NoError(t, err)

		s, err := wsstream.NewStreamer(url)
		require.NoError(t, err)

		return &testBackend{httpBackend: hb, Streamer: s, srv: srv}
	}, nil)
}

func Test_NewHTTPBackend_InvalidURL(t *testing.T) {
	_, err := NewHTTPBackend("ftp://example.com")
	require.Error(t, err)

	_, err = NewHTTPBackend("://")
	require.Error(t, err)
}

func Test_FetchState(t *testing.T) {
	srv, url := newTestServer(t)
	ctx := context.Background()

	hb, err := NewHTTPBackend(url + "/")
	require.NoError(t, err)

	s, err := hb.FetchState(ctx, "s1", 0)
	require.NoError(t, err)
	require.Nil(t, s)

	_, err = srv.SetState("s1", map[string]string{"lastAction": "a1"})
	require.NoError(t, err)

	s, err = hb.FetchState(ctx, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.SequenceNumber)
	require.JSONEq(t, `{"lastAction":"a1"}`, string(s.Data))
	require.True(t, s.ObservedAt.IsZero())
}

func Test_FetchState_TransportError(t *testing.T) {
	srv, url := newTestServer(t)
	srv.FailNext(1)

	hb, err := NewHTTPBackend(url)
	require.NoError(t, err)

	_, err = hb.FetchState(context.Background(), "s1", 0)

	var te *core.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	require.Equal(t, "fetch state", te.Op)
}

func Test_FetchState_ConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	hb, err := NewHTTPBackend(url)
	require.NoError(t, err)

	_, err = hb.FetchState(context.Background(), "s1", 0)
	require.True(t, core.IsTransportError(err))
}

func Test_FetchState_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "not json"},
		{"missing sequence", `{"data":{}}`},
		{"zero sequence", `{"sequenceNumber":0,"data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			hb, err := NewHTTPBackend(ts.URL)
			require.NoError(t, err)

			_, err = hb.FetchState(context.Background(), "s1", 0)
			require.True(t, core.IsMalformedSnapshot(err))
		})
	}
}

func Test_FetchState_FiltersOldSnapshots(t *testing.T) {
	// Server ignoring since
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sequenceNumber":3,"data":{}}`))
	}))
	defer ts.Close()

	hb, err := NewHTTPBackend(ts.URL)
	require.NoError(t, err)

	s, err := hb.FetchState(context.Background(), "s1", 3)
	require.NoError(t, err)
	require.Nil(t, s)
}

func Test_FetchState_ResponseTooLarge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sequenceNumber":1,"data":"0123456789"}`))
	}))
	defer ts.Close()

	hb, err := NewHTTPBackend(ts.URL, WithMaxResponseSize(10))
	require.NoError(t, err)

	_, err = hb.FetchState(context.Background(), "s1", 0)
	require.True(t, core.IsTransportError(err))
}

func Test_SendAction(t *testing.T) {
	srv, url := newTestServer(t)
	ctx := context.Background()

	hb, err := NewHTTPBackend(url)
	require.NoError(t, err)

	req := &backend.ActionRequest{IdempotencyToken: "a1", Payload: []byte(`{"message":"buy 10 shares"}`)}

	resp, err := hb.SendAction(ctx, "s1", req)
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	// Resending is answered from the server's idempotency record
	resp, err = hb.SendAction(ctx, "s1", req)
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	require.Len(t, srv.ActionRequests("s1"), 2)

	s := srv.State("s1")
	require.Equal(t, int64(1), s.SequenceNumber, "action is applied once")

	var data tester.ChatData
	require.NoError(t, json.Unmarshal(s.Data, &data))
	require.Equal(t, "a1", data.LastAction)
}

func Test_SendAction_Rejected(t *testing.T) {
	_, url := newTestServer(t, tester.WithActionHandler(tester.RejectingHandler("market closed")))

	hb, err := NewHTTPBackend(url)
	require.NoError(t, err)

	resp, err := hb.SendAction(context.Background(), "s1", &backend.ActionRequest{IdempotencyToken: "a1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.Equal(t, "market closed", resp.Reason)
}

func Test_SendAction_StatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		accepted bool
		reason   string
		err      bool
	}{
		{"ok without body", http.StatusOK, "", true, "", false},
		{"accepted", http.StatusAccepted, `{"accepted":true}`, true, "", false},
		{"conflict", http.StatusConflict, `{"accepted":false,"reason":"duplicate order"}`, false, "duplicate order", false},
		{"bad request with text", http.StatusBadRequest, "invalid payload\n", false, "invalid payload", false},
		{"unprocessable without reason", http.StatusUnprocessableEntity, `{"accepted":false}`, false, "Unprocessable Entity", false},
		{"server error", http.StatusInternalServerError, "", false, "", true},
		{"not found", http.StatusNotFound, "", false, "", true},
		{"invalid body", http.StatusOK, "{", false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			hb, err := NewHTTPBackend(ts.URL)
			require.NoError(t, err)

			resp, err := hb.SendAction(context.Background(), "s1", &backend.ActionRequest{IdempotencyToken: "a1", Payload: []byte(`{}`)})
			if tt.err {
				require.True(t, core.IsTransportError(err))
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.accepted, resp.Accepted)
			require.Equal(t, tt.reason, resp.Reason)
		})
	}
}

func Test_StartAndEndSession(t *testing.T) {
	srv, url := newTestServer(t)
	ctx := context.Background()

	hb, err := NewHTTPBackend(url)
	require.NoError(t, err)

	// Ending an unknown session is not an error
	require.NoError(t, hb.EndSession(ctx, "s1"))

	require.NoError(t, hb.StartSession(ctx, "s1"))
	require.NoError(t, hb.StartSession(ctx, "s1"))
	require.True(t, srv.Started("s1"))

	require.NoError(t, hb.EndSession(ctx, "s1"))
	require.True(t, srv.Ended("s1"))
	require.False(t, srv.Started("s1"))

	srv.FailNext(1)
	require.True(t, core.IsTransportError(hb.EndSession(ctx, "s1")))
}

func Test_RequestsEscapeSessionID(t *testing.T) {
	var gotPath string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	hb, err := NewHTTPBackend(ts.URL + "/api")
	require.NoError(t, err)

	_, err = hb.FetchState(context.Background(), "a/b c", 0)
	require.NoError(t, err)
	require.Equal(t, "/api/sessions/a%2Fb%20c/state", gotPath)
}

func Test_WithHeader(t *testing.T) {
	var auth string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	hb, err := NewHTTPBackend(ts.URL, WithHeader("Authorization", "Bearer token"))
	require.NoError(t, err)

	_, err = hb.FetchState(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Equal(t, "Bearer token", auth)
}

func Test_Tracing(t *testing.T) {
	srv, url := newTestServer(t)
	srv.FailNext(1)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	hb, err := NewHTTPBackend(url, WithBackendOptions(backend.WithTracerProvider(tp)))
	require.NoError(t, err)

	_, err = hb.FetchState(context.Background(), "s1", 0)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "FetchState", spans[0].Name())
	require.Equal(t, "Error", spans[0].Status().Code.String())
}

func Test_PropagatesTraceContext(t *testing.T) {
	traceIDs := make(chan trace.TraceID, 1)

	_, url := newTestServer(t, tester.WithActionHandler(func(ctx context.Context, id core.SessionID, data json.RawMessage, req *backend.ActionRequest) (*backend.ActionResponse, any) {
		traceIDs <- trace.SpanContextFromContext(ctx).TraceID()
		return &backend.ActionResponse{Accepted: true}, nil
	}))

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	hb, err := NewHTTPBackend(url, WithBackendOptions(backend.WithTracerProvider(tp)))
	require.NoError(t, err)

	_, err = hb.SendAction(context.Background(), "s1", &backend.ActionRequest{IdempotencyToken: "a1", Payload: []byte(`{}`)})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, spans[0].SpanContext().TraceID(), <-traceIDs)
}
