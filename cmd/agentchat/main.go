// Command agentchat is an interactive terminal chat with an agent workflow. Every line read
// from stdin is submitted as a user message; exit, end or quit end the session.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/backend/httpapi"
	"github.com/cschleiden/agentsession/backend/redis"
	"github.com/cschleiden/agentsession/backend/wsstream"
	"github.com/cschleiden/agentsession/client"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/diag"
	"github.com/cschleiden/agentsession/internal/setup"
	"github.com/cschleiden/agentsession/metrics/prometheus"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type config struct {
	APIURL    string     `env:"API_URL" envDefault:"http://localhost:8000"`
	SessionID string     `env:"SESSION_ID" envDefault:"oai-temporal-agent"`
	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"warn"`

	// Stream enables the websocket stream of the API. Redis streaming takes precedence.
	Stream       bool          `env:"STREAM" envDefault:"false"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	WaitTimeout  time.Duration `env:"WAIT_TIMEOUT" envDefault:"0s"`

	// DiagAddr serves the diagnostics API and /metrics when set.
	DiagAddr string `env:"DIAG_ADDR"`

	Tracing setup.Tracing
	Redis   setup.Redis
}

// userMessage is the action payload understood by the agent workflow.
type userMessage struct {
	UserInput  string `json:"user_input"`
	ChatLength int    `json:"chat_length"`
}

// chatLength returns the number of chat entries in the latest session data. The data is
// either the list of entries or an object carrying them in "messages".
func chatLength(snapshot *core.Snapshot) int {
	if snapshot == nil {
		return 0
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(snapshot.Data, &entries); err == nil {
		return len(entries)
	}

	var chat struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(snapshot.Data, &chat); err != nil {
		return 0
	}

	return len(chat.Messages)
}

func main() {
	var cfg config
	if err := setup.ParseEnv(&cfg, "AGENTCHAT_"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := setup.NewLogger(os.Stderr, cfg.LogLevel)

	if err := run(ctx, cfg, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("agentchat failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, in io.Reader, out io.Writer, logger *slog.Logger) error {
	tp, shutdownTracing, err := setup.NewTracerProvider(ctx, "agentchat", cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := setup.Shutdown(5*time.Second, shutdownTracing); err != nil {
			logger.Warn("Could not flush traces", "error", err)
		}
	}()

	reg := promclient.NewRegistry()
	mc := prometheus.NewClient(prometheus.WithRegisterer(reg))

	backendOpts := []backend.BackendOption{
		backend.WithLogger(logger),
		backend.WithMetrics(mc),
		backend.WithTracerProvider(tp),
	}

	b, err := httpapi.NewHTTPBackend(cfg.APIURL, httpapi.WithBackendOptions(backendOpts...))
	if err != nil {
		return err
	}

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithMetrics(mc),
		client.WithTracerProvider(tp),
		client.WithPollInterval(cfg.PollInterval, client.DefaultOptions.PollJitter),
		client.WithEnsureStarted(),
	}

	streamer, closeStreamer, err := newStreamer(cfg, backendOpts)
	if err != nil {
		return err
	}
	defer closeStreamer()

	if streamer != nil {
		opts = append(opts, client.WithStreamer(streamer))
	}

	session, err := client.Open(core.SessionID(cfg.SessionID), b, opts...)
	if err != nil {
		return err
	}
	defer session.Close()

	p := newPrinter(out)
	unsubscribe := session.Subscribe(p.update)
	defer unsubscribe()

	if cfg.DiagAddr != "" {
		stopDiag := serveDiagnostics(cfg.DiagAddr, session, reg, logger)
		defer stopDiag()
	}

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	p.println("Welcome to ABC Wealth Management. How can I help you?")

	done := make(chan struct{})
	defer close(done)

	lines := readLines(in, done)

	for {
		p.prompt()

		var line string
		select {
		case <-ctx.Done():
			return nil

		case l, ok := <-lines:
			if !ok {
				// Input closed, leave the session running on the server
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch strings.ToLower(line) {
		case "":
			continue

		case "exit", "end", "quit":
			if err := session.End(ctx); err != nil {
				return fmt.Errorf("ending session: %w", err)
			}

			p.println("Session ended.")
			return nil
		}

		token, err := session.Submit(ctx, &userMessage{
			UserInput:  line,
			ChatLength: chatLength(session.Read().LatestSnapshot),
		})
		if err != nil {
			return fmt.Errorf("submitting message: %w", err)
		}

		if cfg.WaitTimeout > 0 {
			if _, err := session.WaitForAction(ctx, token, cfg.WaitTimeout); err != nil && ctx.Err() == nil {
				p.println("No answer yet, the message stays pending.")
			}
		}
	}
}

// newStreamer returns the streamer configured for the session, nil if the session polls.
func newStreamer(cfg config, backendOpts []backend.BackendOption) (backend.Streamer, func(), error) {
	if rc := setup.NewRedisClient(cfg.Redis); rc != nil {
		rb, err := redis.NewRedisBackend(rc,
			redis.WithKeyPrefix(cfg.Redis.KeyPrefix),
			redis.WithBackendOptions(backendOpts...),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("creating redis backend: %w", err)
		}

		return rb, func() { _ = rb.Close() }, nil
	}

	if cfg.Stream {
		s, err := wsstream.NewStreamer(cfg.APIURL, wsstream.WithBackendOptions(backendOpts...))
		if err != nil {
			return nil, nil, err
		}

		return s, func() {}, nil
	}

	return nil, func() {}, nil
}

// readLines reads lines from in until it is exhausted or done is closed.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	return lines
}

func serveDiagnostics(addr string, session *client.Session, reg *promclient.Registry, logger *slog.Logger) func() {
	mux := diag.NewServeMux(session)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Diagnostics server failed", "error", err)
		}
	}()

	return func() {
		if err := setup.Shutdown(5*time.Second, srv.Shutdown); err != nil {
			logger.Warn("Could not stop diagnostics server", "error", err)
		}
	}
}
