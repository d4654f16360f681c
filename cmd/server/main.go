// Package main is the entrypoint for the research workflow API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/derril-tech/researchflow/internal/api"
	"github.com/derril-tech/researchflow/internal/api/handler"
	mw "github.com/derril-tech/researchflow/internal/api/middleware"
	"github.com/derril-tech/researchflow/internal/cache"
	"github.com/derril-tech/researchflow/internal/config"
	"github.com/derril-tech/researchflow/internal/events"
	"github.com/derril-tech/researchflow/internal/executor"
	"github.com/derril-tech/researchflow/internal/jobs"
	"github.com/derril-tech/researchflow/internal/metrics"
	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout = 30 * time.Second
	resultsCacheTTL = 10 * time.Minute
	streamHeartbeat = 15 * time.Second
)

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logLevel.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Worker.Count)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	metrics.MustRegister()

	// 5. Event hub, relayed through Redis so every instance can stream every job
	hub := events.NewHub(cfg.Events.BufferSize, cfg.Events.SubscriberBuffer, cfg.Events.MaxJobs)
	relay := events.NewRedisRelay(redisCache.Client(), hub, cfg.Events.BufferSize, slog.Default())
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("event relay stopped", "error", err)
		}
	}()

	// 6. Job lifecycle and pipeline
	mgr := jobs.NewManager(pgStore, hub,
		jobs.WithHistory(relay),
		jobs.WithCache(redisCache, resultsCacheTTL),
		jobs.WithLogger(slog.Default()),
	)

	pipeline, err := executor.Build(cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	if remotes := pipeline.Remotes(); len(remotes) > 0 {
		slog.Info("remote executors configured", "base_urls", remotes)
	}

	engine, err := workflow.NewEngine(pgStore, mgr, pipeline.Registry, pipeline.Policy, pipeline.ReviewTimeout, slog.Default())
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer engine.Close()

	dispatcher := jobs.NewDispatcher(engine, slog.Default(),
		jobs.WithWorkers(cfg.Worker.Count),
		jobs.WithQueueSize(cfg.Worker.QueueSize),
	)
	mgr.SetScheduler(dispatcher)

	// 7. Pick up jobs a previous process left unfinished
	recovered, err := mgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	slog.Info("job recovery complete", "scheduled", recovered)

	// 8. Start HTTP server
	router := newRouter(pgStore, redisCache, mgr, engine.Gate(), pipeline, cfg.RateLimit.PerMinute)

	// Request contexts derive from baseCtx so open event streams end on shutdown.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: progress streams stay open for the life of a job
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	// Interrupted runs resume from their last checkpoint on the next start.
	dispatcher.Shutdown(shutdownCtx)

	slog.Info("server stopped gracefully", "pending_jobs", dispatcher.Pending())
	return nil
}

// newRouter wires the HTTP surface onto the job manager and review gate.
func newRouter(st store.Store, c cache.Cache, mgr *jobs.Manager, gate *workflow.Gate, pipeline *executor.Pipeline, perMinute int) http.Handler {
	h := handler.NewJobs(mgr, gate)

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, perMinute),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Checker{
			"database":  st.Ping,
			"cache":     c.Ping,
			"executors": pipeline.Ready,
		}),
		MetricsHandler: promhttp.Handler(),

		CreateJob:   h.Create,
		ListJobs:    h.List,
		GetJob:      h.Get,
		UpdateJob:   h.Update,
		JobStats:    h.Stats,
		DeleteJob:   h.Delete,
		StartJob:    h.Start,
		CancelJob:   h.Cancel,
		RetryJob:    h.Retry,
		ReviewJob:   h.Review,
		Progress:    h.Progress,
		Stream:      h.Stream(streamHeartbeat),
		Events:      h.Events,
		Results:     h.Results(""),
		Sources:     h.Results("sources"),
		Claims:      h.Results("claims"),
		Citations:   h.Results("citations"),
		Artifacts:   h.Results("artifacts"),
		Checkpoints: h.Checkpoints,
		Reviews:     h.Reviews,

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	})
}
