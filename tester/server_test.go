package tester

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/core"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()

	srv := NewServer(opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return srv, ts
}

func post(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	resp, err := http.Post(url, "application/json", r)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, b
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, b
}

func Test_Server_State(t *testing.T) {
	srv, ts := newServer(t)

	status, _ := get(t, ts.URL+"/sessions/s1/state")
	require.Equal(t, http.StatusNoContent, status)

	_, err := srv.SetState("s1", map[string]string{"hello": "world"})
	require.NoError(t, err)

	status, body := get(t, ts.URL+"/sessions/s1/state?since=0")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"sequenceNumber":1,"data":{"hello":"world"}}`, string(body))

	status, _ = get(t, ts.URL+"/sessions/s1/state?since=1")
	require.Equal(t, http.StatusNoContent, status)

	status, _ = get(t, ts.URL+"/sessions/s1/state?since=abc")
	require.Equal(t, http.StatusBadRequest, status)
}

func Test_Server_Actions(t *testing.T) {
	srv, ts := newServer(t)

	req := backend.ActionRequest{IdempotencyToken: "a1", Payload: []byte(`{"message":"buy 10 shares"}`)}

	status, body := post(t, ts.URL+"/sessions/s1/actions", req)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"accepted":true}`, string(body))

	status, _ = post(t, ts.URL+"/sessions/s1/actions", req)
	require.Equal(t, http.StatusOK, status)

	require.Len(t, srv.ActionRequests("s1"), 2)

	s := srv.State("s1")
	require.Equal(t, int64(1), s.SequenceNumber)
	require.JSONEq(t, `{"lastAction":"a1","confirmedActions":["a1"],"messages":[{"message":"buy 10 shares"}]}`, string(s.Data))
}

func Test_Server_Actions_Invalid(t *testing.T) {
	_, ts := newServer(t)

	status, _ := post(t, ts.URL+"/sessions/s1/actions", backend.ActionRequest{Payload: []byte(`{}`)})
	require.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Post(ts.URL+"/sessions/s1/actions", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func Test_Server_Actions_Rejected(t *testing.T) {
	srv, ts := newServer(t, WithActionHandler(RejectingHandler("nope")))

	status, body := post(t, ts.URL+"/sessions/s1/actions", backend.ActionRequest{IdempotencyToken: "a1", Payload: []byte(`{}`)})
	require.Equal(t, http.StatusConflict, status)
	require.JSONEq(t, `{"accepted":false,"reason":"nope"}`, string(body))
	require.Nil(t, srv.State("s1"))
}

func Test_Server_StartEnd(t *testing.T) {
	srv, ts := newServer(t)

	status, _ := post(t, ts.URL+"/sessions/s1/end", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = post(t, ts.URL+"/sessions/s1/start", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, srv.Started("s1"))

	status, _ = post(t, ts.URL+"/sessions/s1/end", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, srv.Ended("s1"))

	// Ended sessions reject new actions
	status, body := post(t, ts.URL+"/sessions/s1/actions", backend.ActionRequest{IdempotencyToken: "a2", Payload: []byte(`{}`)})
	require.Equal(t, http.StatusConflict, status)
	require.JSONEq(t, `{"accepted":false,"reason":"session ended"}`, string(body))
}

func Test_Server_FailNext(t *testing.T) {
	srv, ts := newServer(t)
	srv.FailNext(2)

	status, _ := get(t, ts.URL+"/sessions/s1/state")
	require.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = post(t, ts.URL+"/sessions/s1/actions", backend.ActionRequest{IdempotencyToken: "a1", Payload: []byte(`{}`)})
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Empty(t, srv.ActionRequests("s1"))

	status, _ = get(t, ts.URL+"/sessions/s1/state")
	require.Equal(t, http.StatusNoContent, status)
}

func Test_Server_Publish(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()

	var published []int64
	srv.OnPublish(func(id core.SessionID, s *core.Snapshot) {
		published = append(published, s.SequenceNumber)
	})

	ok, err := srv.Publish(ctx, "s1", &core.Snapshot{SequenceNumber: 5, Data: []byte(`{}`)})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = srv.Publish(ctx, "s1", &core.Snapshot{SequenceNumber: 3, Data: []byte(`{}`)})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = srv.Publish(ctx, "s1", &core.Snapshot{SequenceNumber: 6, Data: []byte(`{`)})
	require.Error(t, err)

	s, err := srv.SetState("s1", "next")
	require.NoError(t, err)
	require.Equal(t, int64(6), s.SequenceNumber)

	require.Equal(t, []int64{5, 6}, published)
}
