package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// ProbeService answers whether watch history can be exported for a user and
// persists the answer on the user snapshot. The same probe backs the verify
// worker, the finalize auto-check and the wrapped-request gate.
type ProbeService struct {
	Users        domain.UserRepository
	Archive      domain.ArchiveClient
	Status       StatusService
	Bus          domain.Bus
	CollectQueue string
}

func NewProbeService(u domain.UserRepository, a domain.ArchiveClient, st StatusService, b domain.Bus, collectQueue string) ProbeService {
	return ProbeService{Users: u, Archive: a, Status: st, Bus: b, CollectQueue: collectQueue}
}

// Run executes one availability probe. Success flips the user to yes, a
// definitive probe failure flips it to no; the flip is a single patch on the
// snapshot. When taskID is set, probe retries are counted into the task's
// region_retry_count, and autoEnqueue additionally hands a successful probe
// straight to the collectors (job -> collecting). The returned attempts
// include the first try; the returned error is the probe failure itself.
func (s ProbeService) Run(ctx domain.Context, user domain.User, taskID string, autoEnqueue bool) (domain.Availability, int, error) {
	var hook domain.AttemptHook
	if taskID != "" {
		hook = func(hctx domain.Context, attempt int) {
			if _, err := s.Status.IncrRegionRetry(hctx, taskID); err != nil {
				slog.Warn("region retry count not persisted",
					slog.String("task_id", taskID),
					slog.Int("attempt", attempt),
					slog.Any("error", err))
			}
		}
	}

	attempts, probeErr := s.Archive.VerifyAvailability(ctx, taskID, user.LatestSecUserID, hook)

	avail := domain.AvailabilityYes
	if probeErr != nil {
		avail = domain.AvailabilityNo
	}
	if err := s.Users.Update(ctx, user.AppUserID, domain.UserPatch{Availability: &avail}); err != nil {
		// The flip did not land; callers must keep treating the user as
		// unverified.
		return domain.AvailabilityUnknown, attempts, fmt.Errorf("op=probe.run: %w", err)
	}
	if probeErr != nil {
		return domain.AvailabilityNo, attempts, probeErr
	}
	if autoEnqueue && taskID != "" {
		s.enqueueCollect(ctx, taskID, user.AppUserID)
	}
	return domain.AvailabilityYes, attempts, nil
}

// enqueueCollect moves a verified job into the collect stage. Best-effort:
// the probe answer stands even when the handoff fails, and the verify worker
// repeats this transition with real error handling on its own path.
func (s ProbeService) enqueueCollect(ctx domain.Context, taskID, appUserID string) {
	success := domain.StageSuccess
	if err := s.Status.Set(ctx, taskID, domain.TaskCollecting, domain.TaskUpdate{RegionVerifyStatus: &success}); err != nil {
		slog.Warn("collect handoff skipped, status transition failed",
			slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	if err := s.Bus.Push(ctx, s.CollectQueue, domain.TaskMessage{TaskID: taskID, UserID: appUserID}); err != nil {
		slog.Warn("collect enqueue failed",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}
