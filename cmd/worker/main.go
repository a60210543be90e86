// Command worker runs the pipeline stage pools: verification, collection,
// analysis and the wrapped-ready email, all fed by the shared Redis queues.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/ai"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/archive"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/mail"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/observability"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/redisq"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/tiktok-wrapped/internal/app"
	"github.com/fairyhunter13/tiktok-wrapped/internal/config"
	"github.com/fairyhunter13/tiktok-wrapped/internal/retry"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
	"github.com/fairyhunter13/tiktok-wrapped/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics listener so the stage counters are scrapeable.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
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

	taskRepo := postgres.NewTaskRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	payloadRepo := postgres.NewPayloadRepo(pool)
	callLogRepo := postgres.NewCallLogRepo(pool)
	strategyRepo := postgres.NewStrategyRepo(pool)
	browseRepo := postgres.NewBrowseRepo(pool)

	// Seed per-api_type retry tuning. Present rows win, so operator edits
	// survive restarts.
	if cfg.RetryStrategySeed != "" {
		if err := retry.SeedFromFile(context.Background(), strategyRepo, cfg.RetryStrategySeed); err != nil {
			slog.Warn("retry strategy seeding skipped", slog.Any("error", err))
		}
	}

	engine := retry.New(strategyRepo, callLogRepo, cfg.APITimeout)
	archiveCli := archive.New(cfg, engine)
	llm := ai.New(cfg)

	mailer, err := mail.NewFromConfig(context.Background(), cfg)
	if err != nil {
		slog.Error("mailer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	status := usecase.NewStatusService(taskRepo, bus)
	probe := usecase.NewProbeService(userRepo, archiveCli, status, bus, cfg.TaskQueueCollect)

	verifier := worker.NewVerifier(taskRepo, userRepo, status, probe, bus, cfg.TaskQueueCollect)
	collector := worker.NewCollector(taskRepo, userRepo, payloadRepo, browseRepo, archiveCli, status, bus,
		cfg.TaskQueueAnalyze, cfg.CollectWindowYear, cfg.BrowseRecordsEnabled)
	analyzer := worker.NewAnalyzer(taskRepo, payloadRepo, status, bus, llm, tokencount.NewCounter(),
		cfg.TaskQueueEmailSend, cfg.LLMModel, cfg.LLMContextBudget)
	notifier := worker.NewNotifier(taskRepo, userRepo, bus, mailer)

	sup := worker.NewSupervisor(&cfg, bus, taskRepo, verifier, collector, analyzer, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reap tasks wedged in an in-flight status by a crashed worker.
	if sweeper := app.NewStuckTaskSweeper(taskRepo, status, cfg.StuckTaskMaxAge, cfg.StuckTaskSweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	slog.Info("worker started, waiting for shutdown signal")
	sup.Run(ctx)
	slog.Info("worker stopped")
}
