package wsstream

import (
	"net/http"
	"time"

	"github.com/cschleiden/agentsession/backend"
	"github.com/gorilla/websocket"
)

type Options struct {
	backend.Options

	Dialer *websocket.Dialer

	// Header is sent with the handshake request.
	Header http.Header

	// PongWait is how long the connection may stay silent before it is considered broken.
	// Servers ping more often than this.
	PongWait time.Duration
}

type Option func(*Options)

func WithBackendOptions(opts ...backend.BackendOption) Option {
	return func(o *Options) {
		for _, opt := range opts {
			opt(&o.Options)
		}
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(o *Options) {
		o.Dialer = dialer
	}
}

func WithHeader(key, value string) Option {
	return func(o *Options) {
		o.Header.Add(key, value)
	}
}

func WithPongWait(wait time.Duration) Option {
	return func(o *Options) {
		o.PongWait = wait
	}
}
