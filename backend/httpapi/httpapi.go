package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/internal/metrickeys"
	"github.com/cschleiden/agentsession/internal/propagators"
	"github.com/cschleiden/agentsession/internal/tracing"
	"github.com/cschleiden/agentsession/log"
	"github.com/cschleiden/agentsession/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ backend.Backend = (*httpBackend)(nil)
	_ backend.Starter = (*httpBackend)(nil)
	_ backend.Ender   = (*httpBackend)(nil)
)

// NewHTTPBackend returns a backend talking to the session API at baseURL.
func NewHTTPBackend(baseURL string, opts ...Option) (*httpBackend, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}

	options := &Options{
		Options:         backend.ApplyOptions(),
		HTTPClient:      http.DefaultClient,
		Header:          http.Header{},
		MaxResponseSize: defaultMaxResponseSize,
	}

	for _, opt := range opts {
		opt(options)
	}

	return &httpBackend{
		baseURL: u,
		options: options,
	}, nil
}

type httpBackend struct {
	baseURL *url.URL
	options *Options
}

func (hb *httpBackend) Metrics() metrics.Client {
	return hb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "http"})
}

func (hb *httpBackend) Tracer() trace.Tracer {
	return hb.options.TracerProvider.Tracer(backend.TracerName)
}

type stateResponse struct {
	SequenceNumber *int64          `json:"sequenceNumber"`
	Data           json.RawMessage `json:"data"`
}

func (hb *httpBackend) FetchState(ctx context.Context, id core.SessionID, since int64) (*core.Snapshot, error) {
	ctx, span := hb.Tracer().Start(ctx, "FetchState", trace.WithAttributes(
		attribute.String(tracing.SessionID, id.String()),
		attribute.Int64(tracing.SnapshotSince, since),
	))
	defer span.End()

	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))

	status, body, err := hb.do(ctx, http.MethodGet, id, "state", q, nil)
	span.SetAttributes(attribute.Int(tracing.HTTPStatusCode, status))
	if err != nil {
		return nil, tracing.WithSpanError(span, &core.TransportError{Op: "fetch state", StatusCode: status, Err: err})
	}

	switch {
	case status == http.StatusNoContent:
		return nil, nil

	case status != http.StatusOK:
		return nil, tracing.WithSpanError(span, &core.TransportError{Op: "fetch state", StatusCode: status})
	}

	var resp stateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, tracing.WithSpanError(span, &core.MalformedSnapshotError{Reason: "invalid response body", Err: err})
	}

	if resp.SequenceNumber == nil {
		return nil, tracing.WithSpanError(span, &core.MalformedSnapshotError{Reason: "missing sequence number"})
	}

	span.SetAttributes(attribute.Int64(tracing.SnapshotSequence, *resp.SequenceNumber))

	if *resp.SequenceNumber < 1 {
		return nil, tracing.WithSpanError(span, &core.MalformedSnapshotError{
			SequenceNumber: *resp.SequenceNumber,
			Reason:         "sequence number must be positive",
		})
	}

	// Servers are not required to filter, do it here so callers see consistent results
	if *resp.SequenceNumber <= since {
		return nil, nil
	}

	return &core.Snapshot{
		SequenceNumber: *resp.SequenceNumber,
		Data:           []byte(resp.Data),
	}, nil
}

func (hb *httpBackend) SendAction(ctx context.Context, id core.SessionID, req *backend.ActionRequest) (*backend.ActionResponse, error) {
	ctx, span := hb.Tracer().Start(ctx, "SendAction", trace.WithAttributes(
		attribute.String(tracing.SessionID, id.String()),
		attribute.String(tracing.ActionToken, req.IdempotencyToken),
	))
	defer span.End()

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling action: %w", err)
	}

	status, body, err := hb.do(ctx, http.MethodPost, id, "actions", nil, reqBody)
	span.SetAttributes(attribute.Int(tracing.HTTPStatusCode, status))
	if err != nil {
		return nil, tracing.WithSpanError(span, &core.TransportError{Op: "send action", StatusCode: status, Err: err})
	}

	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		resp := &backend.ActionResponse{Accepted: true}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, resp); err != nil {
				return nil, tracing.WithSpanError(span, &core.TransportError{Op: "send action", StatusCode: status, Err: fmt.Errorf("decoding response: %w", err)})
			}
		}

		span.SetAttributes(attribute.Bool(tracing.ActionAccepted, resp.Accepted))
		return resp, nil

	case http.StatusConflict, http.StatusBadRequest, http.StatusUnprocessableEntity:
		span.SetAttributes(attribute.Bool(tracing.ActionAccepted, false))
		return &backend.ActionResponse{Accepted: false, Reason: rejectionReason(status, body)}, nil

	default:
		return nil, tracing.WithSpanError(span, &core.TransportError{Op: "send action", StatusCode: status})
	}
}

// StartSession starts the workflow behind the session. Starting a running session is not an
// error.
func (hb *httpBackend) StartSession(ctx context.Context, id core.SessionID) error {
	ctx, span := hb.Tracer().Start(ctx, "StartSession", trace.WithAttributes(
		attribute.String(tracing.SessionID, id.String()),
	))
	defer span.End()

	status, _, err := hb.do(ctx, http.MethodPost, id, "start", nil, nil)
	span.SetAttributes(attribute.Int(tracing.HTTPStatusCode, status))
	if err != nil {
		return tracing.WithSpanError(span, &core.TransportError{Op: "start session", StatusCode: status, Err: err})
	}

	if status/100 != 2 && status != http.StatusConflict {
		return tracing.WithSpanError(span, &core.TransportError{Op: "start session", StatusCode: status})
	}

	return nil
}

// EndSession signals the workflow to end the session. A session that is not found is
// considered ended.
func (hb *httpBackend) EndSession(ctx context.Context, id core.SessionID) error {
	ctx, span := hb.Tracer().Start(ctx, "EndSession", trace.WithAttributes(
		attribute.String(tracing.SessionID, id.String()),
	))
	defer span.End()

	status, _, err := hb.do(ctx, http.MethodPost, id, "end", nil, nil)
	span.SetAttributes(attribute.Int(tracing.HTTPStatusCode, status))
	if err != nil {
		return tracing.WithSpanError(span, &core.TransportError{Op: "end session", StatusCode: status, Err: err})
	}

	if status == http.StatusNotFound {
		hb.options.Logger.Debug("Session not found while ending", log.SessionIDKey, id.String())
		return nil
	}

	if status/100 != 2 {
		return tracing.WithSpanError(span, &core.TransportError{Op: "end session", StatusCode: status})
	}

	return nil
}

func (hb *httpBackend) sessionURL(id core.SessionID, op string) *url.URL {
	u := *hb.baseURL
	u.Path = hb.baseURL.Path + "/sessions/" + id.String() + "/" + op
	u.RawPath = hb.baseURL.EscapedPath() + "/sessions/" + url.PathEscape(id.String()) + "/" + op

	return &u
}

// do sends a request and returns status and body. An error is only returned if no complete
// response was received.
func (hb *httpBackend) do(ctx context.Context, method string, id core.SessionID, op string, query url.Values, body []byte) (int, []byte, error) {
	if hb.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hb.options.RequestTimeout)
		defer cancel()
	}

	u := hb.sessionURL(id, op)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	for key, values := range hb.options.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	propagators.InjectHeaders(ctx, req.Header)

	timer := metrics.NewTimer(hb.Metrics(), hb.options.Clock, metrickeys.BackendRequest, metrics.Tags{
		metrickeys.Operation: op,
	})
	defer timer.Stop()

	resp, err := hb.options.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	// Read one more byte than allowed to detect oversized responses
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, hb.options.MaxResponseSize+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}

	if int64(len(respBody)) > hb.options.MaxResponseSize {
		return resp.StatusCode, nil, errors.New("response exceeds maximum size")
	}

	return resp.StatusCode, respBody, nil
}

func rejectionReason(status int, body []byte) string {
	var resp backend.ActionResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.Reason != "" {
			return resp.Reason
		}

		return http.StatusText(status)
	}

	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}

	return http.StatusText(status)
}
