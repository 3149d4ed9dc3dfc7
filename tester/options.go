package tester

import (
	"log/slog"
	"time"
)

type options struct {
	Logger       *slog.Logger
	Handler      ActionHandler
	PingInterval time.Duration
}

type ServerOption func(*options)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(o *options) {
		o.Logger = logger
	}
}

// WithActionHandler sets the handler deciding about submitted actions. The default handler
// accepts every action and echoes its token in the session data.
func WithActionHandler(h ActionHandler) ServerOption {
	return func(o *options) {
		o.Handler = h
	}
}

// WithPingInterval sets how often stream connections are pinged.
func WithPingInterval(interval time.Duration) ServerOption {
	return func(o *options) {
		o.PingInterval = interval
	}
}
