// Package worker runs the pipeline stages behind the shared Redis queues:
// verification, collection, analysis and the wrapped-ready email. Each stage
// is a pool of goroutine workers popping the retry queue first, then its own
// stage queue.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/observability"
	"github.com/fairyhunter13/tiktok-wrapped/internal/config"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// Handler processes one queue item for its stage. A nil return covers both
// success and a deliberate skip; the handler owns the durable failure marking
// and returns the error only for logging and metrics.
type Handler interface {
	Handle(ctx domain.Context, msg domain.TaskMessage) error
}

type stage struct {
	name    string
	queues  []string
	retry   domain.RetryType
	workers int
	handler Handler
}

// Supervisor fans the stage handlers out over worker pools and keeps them
// popping until the root context is cancelled.
type Supervisor struct {
	cfg    *config.Config
	bus    domain.Bus
	tasks  domain.TaskRepository
	stages []stage
}

// NewSupervisor wires the four stage pools. Verify, collect and analyze also
// drain the retry queue; the email stage has no retry shape.
func NewSupervisor(cfg *config.Config, bus domain.Bus, tasks domain.TaskRepository, v, c, a, n Handler) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		bus:   bus,
		tasks: tasks,
		stages: []stage{
			{name: "verify", queues: []string{cfg.TaskQueueRetry, cfg.TaskQueueVerify}, retry: domain.RetryVerify, workers: cfg.WorkerVerifyNum, handler: v},
			{name: "collect", queues: []string{cfg.TaskQueueRetry, cfg.TaskQueueCollect}, retry: domain.RetryCollect, workers: cfg.WorkerCollectNum, handler: c},
			{name: "analyze", queues: []string{cfg.TaskQueueRetry, cfg.TaskQueueAnalyze}, retry: domain.RetryAnalyze, workers: cfg.WorkerAnalyzeNum, handler: a},
			{name: "email", queues: []string{cfg.TaskQueueEmailSend}, workers: cfg.WorkerEmailNum, handler: n},
		},
	}
}

// Run blocks until ctx is cancelled and every worker has drained its
// in-flight item.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, st := range s.stages {
		for i := 0; i < st.workers; i++ {
			wg.Add(1)
			go func(st stage) {
				defer wg.Done()
				s.loop(ctx, st)
			}(st)
		}
		slog.Info("stage workers started",
			slog.String("stage", st.name),
			slog.Int("workers", st.workers))
	}
	wg.Wait()
}

func (s *Supervisor) loop(ctx context.Context, st stage) {
	for {
		if ctx.Err() != nil {
			return
		}
		queue, msg, err := s.bus.PopAny(ctx, s.cfg.QueuePopTimeout, st.queues...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("queue pop failed",
				slog.String("stage", st.name),
				slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		s.dispatch(ctx, st, queue, *msg)
	}
}

// dispatch runs one popped item through the stage handler. Retry items whose
// retry_type belongs to a different stage go back on the retry queue for the
// right pool.
func (s *Supervisor) dispatch(ctx context.Context, st stage, queue string, msg domain.TaskMessage) {
	if queue == s.cfg.TaskQueueRetry && msg.RetryType != st.retry {
		if err := s.bus.Push(ctx, s.cfg.TaskQueueRetry, msg); err != nil {
			slog.Error("retry requeue failed",
				slog.String("stage", st.name),
				slog.String("task_id", msg.TaskID),
				slog.Any("error", err))
		}
		return
	}
	if msg.UserID == "" {
		if !s.rehydrate(ctx, st, &msg) {
			return
		}
	}

	start := time.Now()
	observability.StartProcessingTask(st.name)
	defer func() {
		if r := recover(); r != nil {
			observability.FailTask(st.name, time.Since(start))
			slog.Error("worker panic",
				slog.String("stage", st.name),
				slog.String("task_id", msg.TaskID),
				slog.Any("panic", r))
		}
	}()
	if err := st.handler.Handle(ctx, msg); err != nil {
		observability.FailTask(st.name, time.Since(start))
		slog.Error("stage handler failed",
			slog.String("stage", st.name),
			slog.String("task_id", msg.TaskID),
			slog.Any("error", err))
		return
	}
	observability.CompleteTask(st.name, time.Since(start))
}

// rehydrate fills a retry-shaped payload from the task row. Link-start verify
// items reference a job that has no bound user yet; those are dropped here
// and the job advances through the finalize probe instead.
func (s *Supervisor) rehydrate(ctx context.Context, st stage, msg *domain.TaskMessage) bool {
	t, err := s.tasks.Get(ctx, msg.TaskID)
	if err != nil {
		slog.Warn("task rehydration failed, dropping item",
			slog.String("stage", st.name),
			slog.String("task_id", msg.TaskID),
			slog.Any("error", err))
		return false
	}
	msg.UserID = t.AppUserID
	if msg.IPAddress == "" {
		msg.IPAddress = t.IPAddress
	}
	if msg.UserID == "" {
		slog.Info("task has no bound user yet, dropping item",
			slog.String("stage", st.name),
			slog.String("task_id", msg.TaskID))
		return false
	}
	return true
}
