package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/internal/propagators"
	"github.com/cschleiden/agentsession/internal/tracing"
	"github.com/cschleiden/agentsession/log"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var _ backend.Streamer = (*streamer)(nil)

type frame struct {
	SequenceNumber *int64          `json:"sequenceNumber"`
	Data           json.RawMessage `json:"data"`
}

// NewStreamer returns a streamer reading snapshots from the websocket endpoint of the session
// API at baseURL. http and https URLs are mapped to ws and wss.
func NewStreamer(baseURL string, opts ...Option) (*streamer, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}

	options := &Options{
		Options:  backend.ApplyOptions(),
		Dialer:   websocket.DefaultDialer,
		Header:   make(map[string][]string),
		PongWait: time.Minute,
	}

	for _, opt := range opts {
		opt(options)
	}

	return &streamer{
		baseURL: u,
		options: options,
	}, nil
}

type streamer struct {
	baseURL *url.URL
	options *Options
}

func (s *streamer) Tracer() trace.Tracer {
	return s.options.TracerProvider.Tracer(backend.TracerName)
}

// StreamState connects to the stream endpoint and calls handle for every received snapshot.
// Frames that cannot be decoded are logged and skipped.
func (s *streamer) StreamState(ctx context.Context, id core.SessionID, since int64, handle func(*core.Snapshot) error) error {
	u := *s.baseURL
	u.Path = s.baseURL.Path + "/sessions/" + id.String() + "/stream"
	u.RawPath = s.baseURL.EscapedPath() + "/sessions/" + url.PathEscape(id.String()) + "/stream"
	u.RawQuery = url.Values{"since": []string{strconv.FormatInt(since, 10)}}.Encode()

	logger := s.options.Logger.With(log.SessionIDKey, id.String())

	conn, err := s.dial(ctx, id, since, u.String())
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the connection on cancellation to unblock the read below
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.options.PongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.options.PongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}

			return &core.TransportError{Op: "stream state", Err: err}
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.options.PongWait))

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil || f.SequenceNumber == nil {
			logger.Warn("Skipping undecodable stream frame", "error", err)
			continue
		}

		if err := handle(&core.Snapshot{SequenceNumber: *f.SequenceNumber, Data: []byte(f.Data)}); err != nil {
			return err
		}
	}
}

func (s *streamer) dial(ctx context.Context, id core.SessionID, since int64, u string) (*websocket.Conn, error) {
	ctx, span := s.Tracer().Start(ctx, "ConnectStream", trace.WithAttributes(
		attribute.String(tracing.SessionID, id.String()),
		attribute.Int64(tracing.SnapshotSince, since),
	))
	defer span.End()

	if s.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.RequestTimeout)
		defer cancel()
	}

	header := s.options.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	propagators.InjectHeaders(ctx, header)

	conn, resp, err := s.options.Dialer.DialContext(ctx, u, header)
	if err != nil {
		te := &core.TransportError{Op: "connect stream", Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
			span.SetAttributes(attribute.Int(tracing.HTTPStatusCode, resp.StatusCode))
		}

		return nil, tracing.WithSpanError(span, te)
	}

	return conn, nil
}
