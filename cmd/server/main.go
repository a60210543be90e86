// Command server starts the wrapped-pipeline HTTP façade.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/archive"
	httpserver "github.com/fairyhunter13/tiktok-wrapped/internal/adapter/httpserver"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/observability"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/redisq"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/tiktok-wrapped/internal/app"
	"github.com/fairyhunter13/tiktok-wrapped/internal/config"
	"github.com/fairyhunter13/tiktok-wrapped/internal/retry"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP and pipeline instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool and Redis bus.
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()

	bus := redisq.New(rdb, redisq.Options{
		StatusKeyFormat: cfg.TaskStatusKey,
		LockKeyFormat:   cfg.TaskLockKey,
		LockTTL:         cfg.RedisLockExpire,
	})

	// Repositories.
	taskRepo := postgres.NewTaskRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	payloadRepo := postgres.NewPayloadRepo(pool)
	callLogRepo := postgres.NewCallLogRepo(pool)
	strategyRepo := postgres.NewStrategyRepo(pool)
	browseRepo := postgres.NewBrowseRepo(pool)

	// Audit retention: prune aged api_call_logs / browse_records in the
	// background so the append-only tables stay bounded.
	if cfg.CallLogRetentionDays > 0 {
		retention := postgres.NewRetentionService(callLogRepo, browseRepo, cfg.CallLogRetentionDays)
		go retention.Run(ctx, cfg.CleanupInterval)
		slog.Info("retention service started",
			slog.Int("retention_days", cfg.CallLogRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Archive client behind the per-api_type retry engine.
	engine := retry.New(strategyRepo, callLogRepo, cfg.APITimeout)
	archiveCli := archive.New(cfg, engine)

	// Usecases.
	status := usecase.NewStatusService(taskRepo, bus)
	probe := usecase.NewProbeService(userRepo, archiveCli, status, bus, cfg.TaskQueueCollect)
	sessions := usecase.NewSessionService(sessionRepo, cfg.SessionSecret, cfg.SessionTTL())
	link := usecase.NewLinkService(taskRepo, userRepo, archiveCli, bus, status, sessions, probe, cfg.TaskQueueVerify)
	wrapped := usecase.NewWrappedService(taskRepo, userRepo, payloadRepo, bus, probe, cfg.TaskQueueRetry)
	accounts := usecase.NewUserService(userRepo)
	taskAdmin := usecase.NewTaskAdminService(taskRepo, userRepo, callLogRepo, strategyRepo, bus, status, cfg.TaskQueueVerify, cfg.TaskQueueRetry)

	// A server-only deploy still reaps tasks wedged by a dead worker.
	if sweeper := app.NewStuckTaskSweeper(taskRepo, status, cfg.StuckTaskMaxAge, cfg.StuckTaskSweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)
	srv := httpserver.NewServer(cfg, link, sessions, wrapped, probe, accounts, taskAdmin, userRepo, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("server stopped")
}
