// Package main is the entrypoint for the job dispatch server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kmansel/jobdispatch/internal/api"
	"github.com/kmansel/jobdispatch/internal/api/handler"
	mw "github.com/kmansel/jobdispatch/internal/api/middleware"
	"github.com/kmansel/jobdispatch/internal/api/response"
	"github.com/kmansel/jobdispatch/internal/backend"
	"github.com/kmansel/jobdispatch/internal/cache"
	"github.com/kmansel/jobdispatch/internal/config"
	"github.com/kmansel/jobdispatch/internal/dispatch"
	"github.com/kmansel/jobdispatch/internal/flags"
	"github.com/kmansel/jobdispatch/internal/jobs"
	"github.com/kmansel/jobdispatch/internal/routing"
	"github.com/kmansel/jobdispatch/internal/sla"
	"github.com/kmansel/jobdispatch/internal/store"
	"github.com/kmansel/jobdispatch/internal/supervise"
	"github.com/kmansel/jobdispatch/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "routing_flag", cfg.Routing.Flag)

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
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

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

	// 5. Create store and bootstrap the first admin key if none exist
	pgStore := store.NewPostgresStore(pool)
	if err := bootstrapAdminKey(ctx, pgStore); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}

	// 6. Routing policy over the feature-flag reader
	flagClient := flags.NewRedisClient(redisCache.Client())
	policy := routing.NewPolicy(flagClient, cfg.Routing.Flag)

	// 7. Backend intake clients
	backends := backend.Registry{
		models.DestinationLegacy: backend.NewHTTPClient(models.DestinationLegacy, cfg.Backends.LegacyURL, cfg.Backends.IntakeTimeout),
		models.DestinationNew:    backend.NewHTTPClient(models.DestinationNew, cfg.Backends.NewURL, cfg.Backends.IntakeTimeout),
	}

	// 8. SLA monitor, supervisor, dispatcher, status ingestor. The
	// supervisor is also the dispatcher's retry decider for failed
	// intake attempts.
	monitor := sla.NewMonitor(sla.DefaultTargets())
	supervisor := supervise.New(pgStore, redisCache, monitor,
		cfg.Supervisor.SweepInterval, cfg.Supervisor.BackoffBase, cfg.Supervisor.BackoffCap)
	dispatcher := dispatch.New(pgStore, redisCache, policy, backends, supervisor,
		cfg.Supervisor.DispatchBatch, cfg.Supervisor.DispatchInterval)
	ingestor := jobs.NewIngestor(pgStore, redisCache, supervisor, monitor, 256)
	jobService := jobs.NewService(pgStore, redisCache, dispatcher)

	// 9. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 120)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:    healthHandler(pgStore, redisCache),
		SubmitHandler:    handler.NewSubmitHandler(jobService),
		StatusHandler:    handler.NewStatusHandler(jobService),
		ListHandler:      handler.NewListHandler(jobService),
		CancelHandler:    handler.NewCancelHandler(jobService),
		CallbackHandler:  handler.NewCallbackHandler(ingestor),
		SLAHandler:       handler.NewSLAHandler(monitor),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 10. Start background loops
	var wg sync.WaitGroup
	for name, loop := range map[string]func(context.Context){
		"dispatcher": dispatcher.Run,
		"supervisor": supervisor.Run,
		"ingestor":   ingestor.Run,
	} {
		wg.Add(1)
		go func(name string, loop func(context.Context)) {
			defer wg.Done()
			slog.Info("background loop started", "loop", name)
			loop(ctx)
			slog.Info("background loop stopped", "loop", name)
		}(name, loop)
	}

	// 11. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	wg.Wait()
	slog.Info("server stopped gracefully")
	return nil
}

// bootstrapAdminKey creates an initial admin API key for the default
// tenant on a fresh install and logs the raw key once.
func bootstrapAdminKey(ctx context.Context, s store.Store) error {
	n, err := s.CountAPIKeys(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	tenant, err := s.GetDefaultTenant(ctx)
	if err != nil {
		return err
	}

	rawKey, key, err := handler.MintAPIKey(tenant.ID, "bootstrap-admin",
		[]string{models.ScopeAdmin, models.ScopeSubmit, models.ScopeReport})
	if err != nil {
		return err
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return err
	}

	slog.Warn("no API keys found, bootstrap admin key created; store it now, it is not shown again",
		"tenant_id", tenant.ID, "key", rawKey)
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
