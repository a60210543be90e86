package postgres

import (
	"context"
	"log/slog"
	"time"
)

// RetentionService prunes append-only audit tables past their retention
// window. Task and payload rows are never destroyed.
type RetentionService struct {
	CallLogs      *CallLogRepo
	BrowseRecords *BrowseRepo
	RetentionDays int
}

// NewRetentionService creates a retention service.
func NewRetentionService(callLogs *CallLogRepo, browse *BrowseRepo, retentionDays int) *RetentionService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &RetentionService{CallLogs: callLogs, BrowseRecords: browse, RetentionDays: retentionDays}
}

// PruneOnce deletes rows older than the retention window.
func (s *RetentionService) PruneOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)
	logs, err := s.CallLogs.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	records, err := s.BrowseRecords.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if logs > 0 || records > 0 {
		slog.Info("retention prune",
			slog.Int64("call_logs", logs),
			slog.Int64("browse_records", records),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

// Run prunes on the given interval until the context ends.
func (s *RetentionService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PruneOnce(ctx); err != nil {
				slog.Warn("retention prune failed", slog.Any("error", err))
			}
		}
	}
}
