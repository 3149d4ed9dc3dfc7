package httpapi

import (
	"net/http"

	"github.com/cschleiden/agentsession/backend"
)

type Options struct {
	backend.Options

	// HTTPClient is used for all requests. Request timeouts are applied per request from
	// RequestTimeout, not through the client.
	HTTPClient *http.Client

	// Header is added to every request, for example for authentication.
	Header http.Header

	// MaxResponseSize limits how much of a response body is read.
	MaxResponseSize int64
}

type Option func(*Options)

const defaultMaxResponseSize = 10 * 1024 * 1024

func WithBackendOptions(opts ...backend.BackendOption) Option {
	return func(o *Options) {
		for _, opt := range opts {
			opt(&o.Options)
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = client
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(o *Options) {
		o.Header.Add(key, value)
	}
}

func WithMaxResponseSize(size int64) Option {
	return func(o *Options) {
		o.MaxResponseSize = size
	}
}
