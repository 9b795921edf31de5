package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/dnscache"

	"github.com/eugener/mithril/internal/app"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/keystore"
	"github.com/eugener/mithril/internal/provider"
	"github.com/eugener/mithril/internal/provider/anthropic"
	"github.com/eugener/mithril/internal/provider/openai"
	"github.com/eugener/mithril/internal/quota"
	"github.com/eugener/mithril/internal/ratelimit"
	"github.com/eugener/mithril/internal/server"
	"github.com/eugener/mithril/internal/storage/sqldb"
	"github.com/eugener/mithril/internal/telemetry"
	"github.com/eugener/mithril/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	slog.Info("starting mithril", "version", version, "addr", cfg.Server.Addr())

	// Open persistence: Postgres when a URL is configured, embedded SQLite
	// otherwise.
	var store *sqldb.Store
	if cfg.Database.URL != "" {
		store, err = sqldb.OpenPostgres(cfg.Database.URL)
	} else {
		store, err = sqldb.OpenSQLite(cfg.Database.Path)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics {
		metrics = telemetry.NewMetrics()
	}
	if cfg.Telemetry.TraceEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.TraceEndpoint, cfg.Telemetry.TraceSample)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Upstream providers share one DNS cache and per-provider HTTP clients.
	resolver := &dnscache.Resolver{}
	router := provider.NewRouter(provider.RetryPolicy{
		Attempts:     cfg.Retry.Attempts,
		BaseInterval: cfg.Retry.BaseInterval,
		MaxInterval:  cfg.Retry.MaxInterval,
	})
	if p := cfg.Providers.OpenAI; p.Configured() {
		client := provider.NewHTTPClient(resolver, cfg.Retry.HeaderTimeout, cfg.Retry.BodyTimeout)
		router.Register(
			openai.New(p.APIKey, p.BaseURL, p.Models, p.DefaultModel, client),
			ratelimit.NewPacer(p.MaxRPS),
		)
	}
	if p := cfg.Providers.Anthropic; p.Configured() {
		client := provider.NewHTTPClient(resolver, cfg.Retry.HeaderTimeout, cfg.Retry.BodyTimeout)
		router.Register(
			anthropic.New(p.APIKey, p.BaseURL, p.Models, p.DefaultModel, client),
			ratelimit.NewPacer(p.MaxRPS),
		)
	}
	if len(router.Providers()) == 0 {
		slog.Warn("no upstream provider configured; completions will fail with no_provider_available")
	}

	keys, err := keystore.New(store)
	if err != nil {
		return err
	}
	engine := quota.NewEngine(store, store, store)
	users := app.NewUserManager(store, keys, cfg.Defaults)
	limiter := ratelimit.NewRegistry(cfg.RateLimit.Max, cfg.RateLimit.Window)

	handler := server.New(server.Deps{
		Store:      store,
		Keys:       keys,
		Users:      users,
		Quota:      engine,
		Router:     router,
		Limiter:    limiter,
		AdminToken: cfg.Admin.Token,
		Metrics:    metrics,
		LogPrompts: cfg.Log.Prompts,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workers := worker.NewRunner(
		worker.NewLimiterEvictor(limiter, metrics),
		worker.NewAggregateReconciler(store),
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- workers.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("mithril ready", "addr", cfg.Server.Addr())

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-workerErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("worker error during shutdown", "error", err)
	}

	slog.Info("mithril stopped")
	return nil
}

// setupLogging installs the process-wide JSON logger at the configured level.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
