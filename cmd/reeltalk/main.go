// Command reeltalk is the ReelTalk session orchestrator server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reeltalk/reeltalk/internal/app"
	"github.com/reeltalk/reeltalk/internal/config"
	"github.com/reeltalk/reeltalk/internal/facade"
	"github.com/reeltalk/reeltalk/internal/health"
	"github.com/reeltalk/reeltalk/internal/observe"
	"github.com/reeltalk/reeltalk/pkg/clipsearch"
	"github.com/reeltalk/reeltalk/pkg/clipsearch/mcphttp"
	"github.com/reeltalk/reeltalk/pkg/clipsearch/pgvector"
	oaembed "github.com/reeltalk/reeltalk/pkg/provider/embeddings/openai"
	"github.com/reeltalk/reeltalk/pkg/provider/llm/anyllm"
	"github.com/reeltalk/reeltalk/pkg/transcribe/deepgram"
	"github.com/reeltalk/reeltalk/pkg/transport/daily"
)

// shutdownTimeout is the total budget for draining HTTP, terminating
// sessions, and flushing telemetry after a shutdown signal.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "reeltalk: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "reeltalk: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("reeltalk starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"search_backend", cfg.Search.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "reeltalk",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, closeProviders, err := buildProviders(ctx, cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	facade.New(application, logger).Register(mux)
	health.New(readinessCheckers(providers)...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe()
	}()
	go func() {
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			exitCode = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	closeProviders()
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return exitCode
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the gateway, transcriber, LLM, and clip search
// backend named in cfg. The returned func closes whatever needs closing.
func buildProviders(ctx context.Context, cfg *config.Config) (*app.Providers, func(), error) {
	ps := &app.Providers{}
	var closers []func()

	// Transport gateway.
	var gwOpts []daily.Option
	if cfg.Transport.APIURL != "" {
		gwOpts = append(gwOpts, daily.WithAPIURL(cfg.Transport.APIURL))
	}
	gw, err := daily.New(cfg.Transport.APIKey, cfg.Transport.Domain, gwOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create transport gateway: %w", err)
	}
	ps.Gateway = gw
	slog.Info("provider created", "kind", "transport", "name", "daily")

	// Transcription.
	var sttOpts []deepgram.Option
	if cfg.Transcribe.Language != "" {
		sttOpts = append(sttOpts, deepgram.WithLanguage(cfg.Transcribe.Language))
	}
	stt, err := deepgram.New(cfg.Transcribe.APIKey, sttOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create transcription provider: %w", err)
	}
	ps.Transcriber = stt
	slog.Info("provider created", "kind", "transcribe", "name", cfg.Transcribe.Provider)

	// LLM.
	model, err := anyllm.New(cfg.LLM.Provider, cfg.LLM.ModelID,
		anyllmlib.WithAPIKey(cfg.LLM.APIKey))
	if err != nil {
		return nil, nil, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Provider, err)
	}
	ps.LLM = model
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Provider, "model", cfg.LLM.ModelID)

	// Clip search.
	switch cfg.Search.Backend {
	case config.SearchPgvector:
		apiKey := cfg.Search.EmbeddingAPIKey
		if apiKey == "" {
			apiKey = cfg.LLM.APIKey
		}
		embedder, err := oaembed.New(apiKey, cfg.Search.EmbeddingModel,
			oaembed.WithDimensions(cfg.Search.EmbeddingDimensions))
		if err != nil {
			return nil, nil, fmt.Errorf("create embeddings provider: %w", err)
		}
		idx, err := pgvector.NewIndex(ctx, cfg.Search.PostgresDSN, embedder)
		if err != nil {
			return nil, nil, fmt.Errorf("create clip index: %w", err)
		}
		ps.Search = idx
		closers = append(closers, idx.Close)

	case config.SearchMCP:
		client, err := mcphttp.New(ctx, cfg.Search.Endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("connect clip search tool server: %w", err)
		}
		ps.Search = client
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				slog.Warn("closing clip search client", "err", err)
			}
		})

	default:
		return nil, nil, fmt.Errorf("unknown search backend %q", cfg.Search.Backend)
	}
	slog.Info("provider created", "kind", "search", "name", string(cfg.Search.Backend))

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return ps, closeAll, nil
}

// readinessCheckers builds the /readyz checks for the wired providers.
func readinessCheckers(ps *app.Providers) []health.Checker {
	var checks []health.Checker

	switch s := ps.Search.(type) {
	case *pgvector.Index:
		checks = append(checks, health.Checker{
			Name:  "clip_index",
			Check: s.Ping,
		})
	case *mcphttp.Client:
		checks = append(checks, health.Checker{
			Name: "clip_search",
			Check: func(ctx context.Context) error {
				_, err := s.Search(ctx, "readiness probe", 1)
				if errors.Is(err, clipsearch.ErrUnavailable) {
					return err
				}
				return nil
			},
		})
	}
	return checks
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
