package redis

import (
	"time"

	"github.com/cschleiden/agentsession/backend"
)

type RedisOptions struct {
	backend.Options

	// BlockTimeout is how long a single XREAD blocks while streaming.
	BlockTimeout time.Duration

	// AutoExpiration sets the time after the last published snapshot at which a session's
	// state stream expires. If set to 0 (default), streams never expire.
	AutoExpiration time.Duration

	// MaxLen caps the number of snapshots kept per session. 0 keeps all.
	MaxLen int64

	KeyPrefix string
}

type RedisBackendOption func(*RedisOptions)

func WithBlockTimeout(timeout time.Duration) RedisBackendOption {
	return func(o *RedisOptions) {
		o.BlockTimeout = timeout
	}
}

func WithBackendOptions(opts ...backend.BackendOption) RedisBackendOption {
	return func(o *RedisOptions) {
		for _, opt := range opts {
			opt(&o.Options)
		}
	}
}

// WithAutoExpiration sets the duration after which idle state streams expire.
func WithAutoExpiration(expireAfter time.Duration) RedisBackendOption {
	return func(o *RedisOptions) {
		o.AutoExpiration = expireAfter
	}
}

func WithMaxLen(maxLen int64) RedisBackendOption {
	return func(o *RedisOptions) {
		o.MaxLen = maxLen
	}
}

func WithKeyPrefix(keyPrefix string) RedisBackendOption {
	return func(o *RedisOptions) {
		o.KeyPrefix = keyPrefix
	}
}
