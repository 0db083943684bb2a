// Package main is the entry point for the switchgate server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Open storage: PostgreSQL via pgxpool (running migrations), or a
//     read-only flag file when FLAGS_FILE is set.
//  3. Create the service, eagerly loading the flag cache.
//  4. Wire up bearer authentication. File mode serves the default project
//     without authentication.
//  5. Serve HTTP until SIGINT/SIGTERM, then shut down gracefully.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/switchgate/internal/config"
	"github.com/matt-riley/switchgate/internal/logging"
	"github.com/matt-riley/switchgate/internal/metrics"
	"github.com/matt-riley/switchgate/internal/middleware"
	"github.com/matt-riley/switchgate/internal/repository"
	"github.com/matt-riley/switchgate/internal/server"
	"github.com/matt-riley/switchgate/internal/service"
	"github.com/matt-riley/switchgate/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var (
		repo service.Repository
		auth func(http.Handler) http.Handler
	)
	if cfg.FileMode() {
		fileRepo, err := repository.NewFileRepository(cfg.FlagsFile)
		if err != nil {
			return fmt.Errorf("open flag file: %w", err)
		}
		repo = fileRepo
		auth = middleware.FixedProject(repository.DefaultProjectID)
		log.Info("serving flags from file", "path", fileRepo.Path(), "project_id", repository.DefaultProjectID)
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			return err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)

		pgRepo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))
		repo = pgRepo

		limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
		defer limiter.Stop()
		auth = middleware.HTTPBearerAuthMiddleware(
			middleware.NewAPIKeyValidator(pgRepo),
			middleware.WithRateLimiter(limiter),
			middleware.WithOnAuthFailure(m.IncAuthFailures),
		)
	}

	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.ResetCacheSize, m.SetCacheSize),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithEvaluationRecorder(m),
		service.WithDefaultMode(cfg.EvaluationMode),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	apiHandler := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodyBytes(cfg.MaxJSONBodySize),
		server.WithMetrics(m),
	)
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, auth))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "switchgate-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown HTTP: %w", err)
		}
		return nil
	})

	log.Info("server started", "http_addr", cfg.HTTPAddr, "evaluation_mode", cfg.EvaluationMode.String(), "file_mode", cfg.FileMode())

	return g.Wait()
}

// newHTTPHandler puts every /v1/ route behind auth and exposes only the
// health and metrics endpoints without it.
func newHTTPHandler(apiHandler http.Handler, auth func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/", auth(apiHandler))
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
