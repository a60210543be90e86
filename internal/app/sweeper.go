package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
)

// inFlightStatuses are the states a task can wedge in when a worker dies
// mid-stage. Pending tasks are excluded: they are owned by the queue, not by
// a worker.
var inFlightStatuses = []domain.TaskStatus{
	domain.TaskVerifying,
	domain.TaskRetrying,
	domain.TaskCollecting,
	domain.TaskAnalyzing,
}

// StuckTaskSweeper fails tasks that sat in an in-flight status for longer
// than maxAge. It runs in both binaries so a lone server deploy still reaps.
type StuckTaskSweeper struct {
	tasks    domain.TaskRepository
	status   usecase.StatusService
	maxAge   time.Duration
	interval time.Duration
}

func NewStuckTaskSweeper(tasks domain.TaskRepository, status usecase.StatusService, maxAge, interval time.Duration) *StuckTaskSweeper {
	if tasks == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckTaskSweeper{tasks: tasks, status: status, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately and then on every tick until the context ends.
func (s *StuckTaskSweeper) Run(ctx context.Context) {
	if s == nil || s.tasks == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck task sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce marks every overdue in-flight task failed. Marking a task removes
// it from the stale set, so a full page means another page may follow.
func (s *StuckTaskSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.sweeper")
	ctx, span := tracer.Start(ctx, "StuckTaskSweeper.SweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := time.Now().Add(-s.maxAge)
	span.SetAttributes(attribute.Float64("tasks.max_age_seconds", s.maxAge.Seconds()))

	totalFailed := 0
	for {
		stale, err := s.tasks.ListStale(ctx, inFlightStatuses, cutoff, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck task sweep list failed", slog.Any("error", err))
			return
		}
		if len(stale) == 0 {
			break
		}

		failedThisPage := 0
		for _, t := range stale {
			msg := fmt.Sprintf("processing timeout: exceeded %v in status %s", s.maxAge, t.Status)
			if err := s.status.Set(ctx, t.TaskID, domain.TaskFailed, domain.TaskUpdate{ErrorMsg: &msg}); err != nil {
				slog.Error("stuck task sweep mark failed",
					slog.String("task_id", t.TaskID), slog.Any("error", err))
				continue
			}
			slog.Warn("stuck task failed by sweeper",
				slog.String("task_id", t.TaskID),
				slog.String("status", string(t.Status)),
				slog.Time("cutoff", cutoff))
			failedThisPage++
			totalFailed++
		}

		// A page where nothing could be marked would repeat forever.
		if failedThisPage == 0 || len(stale) < pageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("tasks.total_failed", totalFailed))
}
