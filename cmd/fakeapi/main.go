// Command fakeapi serves an in-memory agent session API for local development. Every
// accepted action is echoed into the session state, which can also be published to a Redis
// stream for clients streaming from Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/backend/redis"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/internal/setup"
	"github.com/cschleiden/agentsession/log"
	"github.com/cschleiden/agentsession/metrics/prometheus"
	"github.com/cschleiden/agentsession/tester"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

type config struct {
	Addr     string     `env:"ADDR" envDefault:":8000"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// RejectReason makes the server reject every action with the given reason.
	RejectReason string        `env:"REJECT_REASON"`
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"30s"`

	Tracing setup.Tracing
	Redis   setup.Redis
}

func main() {
	var cfg config
	if err := setup.ParseEnv(&cfg, "FAKEAPI_"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := setup.NewLogger(os.Stderr, cfg.LogLevel)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fakeapi failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	tp, shutdownTracing, err := setup.NewTracerProvider(ctx, "agentsession-fakeapi", cfg.Tracing)
	if err != nil {
		return err
	}

	reg := promclient.NewRegistry()

	h, closeAPI, err := newHandler(cfg, logger, tp, reg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("Serving API", "addr", cfg.Addr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errC:
		if !errors.Is(err, http.ErrServerClosed) {
			closeAPI()
			return fmt.Errorf("serving: %w", err)
		}
	}

	// Streams are hijacked connections, close them before waiting for the server
	closeAPI()

	return setup.Shutdown(10*time.Second, srv.Shutdown, shutdownTracing)
}

// newHandler returns the API handler with /metrics mounted and a function releasing the
// API's resources.
func newHandler(cfg config, logger *slog.Logger, tp trace.TracerProvider, reg *promclient.Registry) (http.Handler, func(), error) {
	mc := prometheus.NewClient(prometheus.WithRegisterer(reg))

	opts := []tester.ServerOption{
		tester.WithLogger(logger),
		tester.WithPingInterval(cfg.PingInterval),
	}

	if cfg.RejectReason != "" {
		opts = append(opts, tester.WithActionHandler(tester.RejectingHandler(cfg.RejectReason)))
	}

	api := tester.NewServer(opts...)
	closers := []func(){api.Close}

	if rc := setup.NewRedisClient(cfg.Redis); rc != nil {
		rb, err := redis.NewRedisBackend(rc,
			redis.WithKeyPrefix(cfg.Redis.KeyPrefix),
			redis.WithAutoExpiration(24*time.Hour),
			redis.WithBackendOptions(
				backend.WithLogger(logger),
				backend.WithMetrics(mc),
				backend.WithTracerProvider(tp),
			),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("creating redis backend: %w", err)
		}

		api.OnPublish(func(id core.SessionID, snapshot *core.Snapshot) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := rb.Publish(ctx, id, snapshot); err != nil {
				logger.Error("Could not publish snapshot to redis",
					log.SessionIDKey, id.String(), log.SequenceKey, snapshot.SequenceNumber, "error", err)
			}
		})

		closers = append(closers, func() { _ = rb.Close() })
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", api)

	return mux, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
