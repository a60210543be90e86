// Package usecase composes the pipeline's application services over the
// domain ports. Writes follow a durable-first discipline: Postgres is the
// source of truth, the Redis status hash is a best-effort mirror.
package usecase

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// StatusService owns every task state transition: one durable UPDATE, then
// the same fields mirrored into the status hash.
type StatusService struct {
	Tasks domain.TaskRepository
	Bus   domain.Bus
}

func NewStatusService(t domain.TaskRepository, b domain.Bus) StatusService {
	return StatusService{Tasks: t, Bus: b}
}

// Set transitions the task durably, then mirrors. A mirror failure is logged
// and dropped; the store already holds the truth.
func (s StatusService) Set(ctx domain.Context, taskID string, status domain.TaskStatus, patch domain.TaskUpdate) error {
	patch.Status = &status
	if err := s.Tasks.Update(ctx, taskID, patch); err != nil {
		return fmt.Errorf("op=status.set: %w", err)
	}
	s.mirror(ctx, taskID, patch)
	return nil
}

// InitMirror seeds the status hash for a fresh task with zeroed counters so
// polling clients see a complete shape from the first read.
func (s StatusService) InitMirror(ctx domain.Context, t domain.Task) {
	if err := s.Bus.SetStatus(ctx, t.TaskID, MirrorFields(t)); err != nil {
		slog.Warn("status mirror init failed", slog.String("task_id", t.TaskID), slog.Any("error", err))
	}
}

// MirrorFields renders a task row into the status-hash shape, including the
// derived collect_progress percentage. Used to seed the mirror and to
// rehydrate it after a cache miss.
func MirrorFields(t domain.Task) map[string]any {
	progress := "0%"
	if t.CollectTotal > 0 {
		progress = fmt.Sprintf("%.2f%%", float64(t.CollectCompleted)/float64(t.CollectTotal)*100)
	}
	fields := map[string]any{
		"task_id":              t.TaskID,
		"status":               string(t.Status),
		"region_verify_status": t.RegionVerifyStatus,
		"collect_status":       t.CollectStatus,
		"analysis_status":      t.AnalysisStatus,
		"collect_total":        t.CollectTotal,
		"collect_completed":    t.CollectCompleted,
		"collect_page":         t.CollectPage,
		"collect_progress":     progress,
		"region_retry_count":   t.RegionRetryCount,
		"update_time":          strconv.FormatInt(time.Now().Unix(), 10),
	}
	if t.AppUserID != "" {
		fields["user_id"] = t.AppUserID
	}
	if t.ErrorMsg != "" {
		fields["error_msg"] = t.ErrorMsg
	}
	return fields
}

// IncrRegionRetry durably bumps the verify retry counter and mirrors it.
// This is the retry engine's per-attempt hook for region_verify calls.
func (s StatusService) IncrRegionRetry(ctx domain.Context, taskID string) (int, error) {
	n, err := s.Tasks.IncrRegionRetry(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("op=status.incr_region_retry: %w", err)
	}
	if _, err := s.Bus.IncrStatus(ctx, taskID, "region_retry_count", 1); err != nil {
		slog.Warn("status mirror incr failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
	return n, nil
}

// AddCollectProgress records one window's worth of collected rows and mirrors
// the counters plus a derived collect_progress percentage. The caller decides
// completion from the returned row.
func (s StatusService) AddCollectProgress(ctx domain.Context, taskID string, page, delta int) (domain.Task, error) {
	t, err := s.Tasks.AddCollectProgress(ctx, taskID, page, delta)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=status.add_collect_progress: %w", err)
	}
	if _, err := s.Bus.IncrStatus(ctx, taskID, "collect_completed", int64(delta)); err != nil {
		slog.Warn("status mirror incr failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
	fields := map[string]any{"collect_page": page}
	if t.CollectTotal > 0 {
		pct := float64(t.CollectCompleted) / float64(t.CollectTotal) * 100
		fields["collect_progress"] = fmt.Sprintf("%.2f%%", pct)
	}
	if err := s.Bus.SetStatus(ctx, taskID, fields); err != nil {
		slog.Warn("status mirror update failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
	return t, nil
}

func (s StatusService) mirror(ctx domain.Context, taskID string, patch domain.TaskUpdate) {
	fields := map[string]any{
		"update_time": strconv.FormatInt(time.Now().Unix(), 10),
	}
	if patch.Status != nil {
		fields["status"] = string(*patch.Status)
	}
	if patch.AppUserID != nil {
		fields["user_id"] = *patch.AppUserID
	}
	if patch.RegionVerifyStatus != nil {
		fields["region_verify_status"] = *patch.RegionVerifyStatus
	}
	if patch.CollectStatus != nil {
		fields["collect_status"] = *patch.CollectStatus
	}
	if patch.AnalysisStatus != nil {
		fields["analysis_status"] = *patch.AnalysisStatus
	}
	if patch.EmailStatus != nil {
		fields["email_status"] = *patch.EmailStatus
	}
	if patch.CollectTotal != nil {
		fields["collect_total"] = *patch.CollectTotal
	}
	if patch.CollectCompleted != nil {
		fields["collect_completed"] = *patch.CollectCompleted
	}
	if patch.CollectPage != nil {
		fields["collect_page"] = *patch.CollectPage
	}
	if patch.RegionRetryCount != nil {
		fields["region_retry_count"] = *patch.RegionRetryCount
	}
	if patch.ErrorMsg != nil {
		fields["error_msg"] = *patch.ErrorMsg
	}
	if err := s.Bus.SetStatus(ctx, taskID, fields); err != nil {
		slog.Warn("status mirror update failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}
