package tester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/converter"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/internal/propagators"
	"github.com/cschleiden/agentsession/log"
	"github.com/gorilla/websocket"
)

// Server is an in-memory implementation of the session API. It is meant for tests and
// local development.
type Server struct {
	options *options
	mux     *http.ServeMux

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[core.SessionID]*session
	failNext int
	hooks    []func(id core.SessionID, snapshot *core.Snapshot)
	closed   bool

	wg sync.WaitGroup
}

type session struct {
	started bool
	ended   bool

	latest *core.Snapshot

	// responses by idempotency token, an action is only handled once
	responses map[string]*backend.ActionResponse

	// requests holds every action request received, including duplicates
	requests []backend.ActionRequest

	subscribers map[chan *core.Snapshot]struct{}
}

type stateFrame struct {
	SequenceNumber int64             `json:"sequenceNumber"`
	Data           converter.Payload `json:"data"`
}

const subscriberBuffer = 64

func NewServer(opts ...ServerOption) *Server {
	options := &options{
		Logger:       slog.Default(),
		Handler:      EchoHandler,
		PingInterval: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(options)
	}

	if options.PingInterval <= 0 {
		options.PingInterval = 30 * time.Second
	}

	if options.Handler == nil {
		options.Handler = EchoHandler
	}

	s := &Server{
		options:  options,
		sessions: make(map[core.SessionID]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}/state", s.handleState)
	mux.HandleFunc("POST /sessions/{id}/actions", s.handleAction)
	mux.HandleFunc("POST /sessions/{id}/start", s.handleStart)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleEnd)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)
	s.mux = mux

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Handlers continue the caller's trace
	r = r.WithContext(propagators.ExtractHeaders(r.Context(), r.Header))

	s.mux.ServeHTTP(w, r)
}

// Close disconnects all streams and waits for their handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for _, sess := range s.sessions {
		for ch := range sess.subscribers {
			close(ch)
			delete(sess.subscribers, ch)
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// FailNext makes the next n requests fail with 503 Service Unavailable.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failNext = n
}

// OnPublish registers a hook called with every published snapshot.
func (s *Server) OnPublish(hook func(id core.SessionID, snapshot *core.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks = append(s.hooks, hook)
}

// Publish makes the snapshot the session's current state. Snapshots not newer than the
// current one are ignored and false is returned.
func (s *Server) Publish(ctx context.Context, id core.SessionID, snapshot *core.Snapshot) (bool, error) {
	data, err := converter.DefaultConverter.To(snapshot.Data)
	if err != nil {
		return false, fmt.Errorf("publishing snapshot: %w", err)
	}

	snapshot = &core.Snapshot{SequenceNumber: snapshot.SequenceNumber, Data: data}

	s.mu.Lock()
	ok := s.publishLocked(id, snapshot)
	hooks := append([]func(core.SessionID, *core.Snapshot){}, s.hooks...)
	s.mu.Unlock()

	if ok {
		for _, hook := range hooks {
			hook(id, snapshot.Clone())
		}
	}

	return ok, nil
}

// SetState publishes data as the next snapshot of the session.
func (s *Server) SetState(id core.SessionID, data any) (*core.Snapshot, error) {
	p, err := converter.DefaultConverter.To(data)
	if err != nil {
		return nil, fmt.Errorf("converting state: %w", err)
	}

	s.mu.Lock()
	snapshot := &core.Snapshot{SequenceNumber: s.sessionLocked(id).nextSequence(), Data: p}
	s.publishLocked(id, snapshot)
	hooks := append([]func(core.SessionID, *core.Snapshot){}, s.hooks...)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(id, snapshot.Clone())
	}

	return snapshot.Clone(), nil
}

// State returns the current snapshot of the session, nil if there is none.
func (s *Server) State(id core.SessionID) *core.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess.latest.Clone()
	}

	return nil
}

// ActionRequests returns all action requests received for the session, in receipt order.
func (s *Server) ActionRequests(id core.SessionID) []backend.ActionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}

	return append([]backend.ActionRequest(nil), sess.requests...)
}

// Started reports whether the session was started and not ended since.
func (s *Server) Started(id core.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	return ok && sess.started && !sess.ended
}

func (s *Server) Ended(id core.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	return ok && sess.ended
}

func (s *Server) sessionLocked(id core.SessionID) *session {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{
			responses:   make(map[string]*backend.ActionResponse),
			subscribers: make(map[chan *core.Snapshot]struct{}),
		}
		s.sessions[id] = sess
	}

	return sess
}

func (sess *session) nextSequence() int64 {
	if sess.latest == nil {
		return 1
	}

	return sess.latest.SequenceNumber + 1
}

func (s *Server) publishLocked(id core.SessionID, snapshot *core.Snapshot) bool {
	sess := s.sessionLocked(id)
	if sess.latest != nil && snapshot.SequenceNumber <= sess.latest.SequenceNumber {
		return false
	}

	sess.latest = snapshot

	for ch := range sess.subscribers {
		select {
		case ch <- snapshot.Clone():
		default:
			// Slow subscriber, disconnect it so it resumes from its last sequence
			close(ch)
			delete(sess.subscribers, ch)
		}
	}

	return true
}

// shouldFail consumes one injected failure.
func (s *Server) shouldFail(w http.ResponseWriter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext <= 0 {
		return false
	}

	s.failNext--
	http.Error(w, "injected failure", http.StatusServiceUnavailable)

	return true
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.shouldFail(w) {
		return
	}

	id := core.SessionID(r.PathValue("id"))

	since, err := parseSince(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var snapshot *core.Snapshot
	if sess, ok := s.sessions[id]; ok && sess.latest != nil && sess.latest.SequenceNumber > since {
		snapshot = sess.latest.Clone()
	}
	s.mu.Unlock()

	if snapshot == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, &stateFrame{SequenceNumber: snapshot.SequenceNumber, Data: snapshot.Data})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if s.shouldFail(w) {
		return
	}

	id := core.SessionID(r.PathValue("id"))

	var req backend.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &backend.ActionResponse{Reason: "invalid request body"})
		return
	}

	if req.IdempotencyToken == "" {
		writeJSON(w, http.StatusBadRequest, &backend.ActionResponse{Reason: "missing idempotency token"})
		return
	}

	s.mu.Lock()
	sess := s.sessionLocked(id)
	sess.requests = append(sess.requests, req)

	if resp, ok := sess.responses[req.IdempotencyToken]; ok {
		s.mu.Unlock()
		s.writeActionResponse(w, resp)
		return
	}

	if sess.ended {
		resp := &backend.ActionResponse{Reason: "session ended"}
		sess.responses[req.IdempotencyToken] = resp
		s.mu.Unlock()
		s.writeActionResponse(w, resp)
		return
	}

	var data json.RawMessage
	if sess.latest != nil {
		data = append(json.RawMessage(nil), sess.latest.Data...)
	}
	s.mu.Unlock()

	resp, newData := s.options.Handler(r.Context(), id, data, &req)
	if resp == nil {
		http.Error(w, "no response", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	if prev, ok := sess.responses[req.IdempotencyToken]; ok {
		// A concurrent duplicate won
		s.mu.Unlock()
		s.writeActionResponse(w, prev)
		return
	}
	sess.responses[req.IdempotencyToken] = resp
	s.mu.Unlock()

	s.options.Logger.Debug("Handled action",
		log.SessionIDKey, id.String(), log.TokenKey, req.IdempotencyToken, log.ReasonKey, resp.Reason)

	if resp.Accepted && newData != nil {
		if _, err := s.SetState(id, newData); err != nil {
			s.options.Logger.Error("Could not publish state", log.SessionIDKey, id.String(), "error", err)
		}
	}

	s.writeActionResponse(w, resp)
}

func (s *Server) writeActionResponse(w http.ResponseWriter, resp *backend.ActionResponse) {
	if resp.Accepted {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeJSON(w, http.StatusConflict, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.shouldFail(w) {
		return
	}

	id := core.SessionID(r.PathValue("id"))

	s.mu.Lock()
	sess := s.sessionLocked(id)
	sess.started = true
	sess.ended = false
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "Workflow started."})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if s.shouldFail(w) {
		return
	}

	id := core.SessionID(r.PathValue("id"))

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.ended = true
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "End chat signal sent."})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.shouldFail(w) {
		return
	}

	id := core.SessionID(r.PathValue("id"))

	since, err := parseSince(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	sess := s.sessionLocked(id)
	ch := make(chan *core.Snapshot, subscriberBuffer)
	sess.subscribers[ch] = struct{}{}

	// Replay the current state so the client catches up
	if sess.latest != nil && sess.latest.SequenceNumber > since {
		ch <- sess.latest.Clone()
	}

	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer s.unsubscribe(id, ch)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.options.Logger.Debug("Upgrading stream connection failed", "error", err)
		return
	}
	defer conn.Close()

	// Reads are required to process control messages, they also detect closed connections
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.options.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}

		case snapshot, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			}

			if err := conn.WriteJSON(&stateFrame{SequenceNumber: snapshot.SequenceNumber, Data: snapshot.Data}); err != nil {
				return
			}
		}
	}
}

func (s *Server) unsubscribe(id core.SessionID, ch chan *core.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		if _, ok := sess.subscribers[ch]; ok {
			delete(sess.subscribers, ch)
			close(ch)
		}
	}
}

func parseSince(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0, nil
	}

	since, err := strconv.ParseInt(v, 10, 64)
	if err != nil || since < 0 {
		return 0, errors.New("invalid since parameter")
	}

	return since, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
