// Package setup holds the wiring shared by the binaries: environment configuration, the
// tracer provider, the Redis client and the logger.
package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Tracing struct {
	// Exporter is one of none, stdout, otlp.
	Exporter     string `env:"TRACING_EXPORTER" envDefault:"none"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTLPURLPath  string `env:"OTLP_URL_PATH" envDefault:"/v1/traces"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" envDefault:"true"`
}

type Redis struct {
	// Addr enables Redis when set.
	Addr      string `env:"REDIS_ADDR"`
	Username  string `env:"REDIS_USERNAME"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX"`
}

// ParseEnv loads configuration from environment variables. Variable names are prefixed
// with prefix.
func ParseEnv(target any, prefix string) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: prefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	return nil
}

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTracerProvider returns the tracer provider for the configured exporter and a function
// flushing and stopping it.
func NewTracerProvider(ctx context.Context, service string, cfg Tracing) (trace.TracerProvider, func(context.Context) error, error) {
	var opts []sdktrace.TracerProviderOption

	switch cfg.Exporter {
	case "", "none":
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil

	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("creating stdout exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithSyncer(exp))

	case "otlp":
		clientOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithURLPath(cfg.OTLPURLPath),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("creating otlp exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithBatcher(exp))

	default:
		return nil, nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}

	r := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(service),
		attribute.String("environment", "local"),
	)

	tp := sdktrace.NewTracerProvider(append(opts, sdktrace.WithResource(r))...)

	return tp, tp.Shutdown, nil
}

// NewRedisClient returns nil if no address is configured.
func NewRedisClient(cfg Redis) redis.UniversalClient {
	if cfg.Addr == "" {
		return nil
	}

	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 30,
	})
}

// Shutdown runs fns with a bounded context and joins their errors.
func Shutdown(timeout time.Duration, fns ...func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
