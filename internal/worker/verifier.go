package worker

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
)

// Verifier answers the region/availability gate for a job: it probes one
// watch-history export and either hands the job to the collectors or fails it
// with a region verdict.
type Verifier struct {
	Tasks        domain.TaskRepository
	Users        domain.UserRepository
	Status       usecase.StatusService
	Probe        usecase.ProbeService
	Bus          domain.Bus
	CollectQueue string
}

func NewVerifier(t domain.TaskRepository, u domain.UserRepository, st usecase.StatusService, p usecase.ProbeService, b domain.Bus, collectQueue string) *Verifier {
	return &Verifier{Tasks: t, Users: u, Status: st, Probe: p, Bus: b, CollectQueue: collectQueue}
}

func (v *Verifier) Handle(ctx domain.Context, msg domain.TaskMessage) error {
	lock, ok, err := v.Bus.AcquireLock(ctx, msg.TaskID)
	if err != nil {
		return fmt.Errorf("op=verify.lock: %w", err)
	}
	if !ok {
		slog.Info("task locked by another worker", slog.String("task_id", msg.TaskID))
		return nil
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			slog.Warn("lock release failed", slog.String("task_id", msg.TaskID), slog.Any("error", rerr))
		}
	}()

	task, err := v.Tasks.Get(ctx, msg.TaskID)
	if err != nil {
		v.failTask(ctx, msg.TaskID, fmt.Sprintf("verification exception: %v", err))
		return fmt.Errorf("op=verify.load_task: %w", err)
	}
	if task.Status == domain.TaskPaused || task.Status == domain.TaskCancelled {
		slog.Info("task halted, skipping verification",
			slog.String("task_id", msg.TaskID),
			slog.String("status", string(task.Status)))
		return nil
	}

	// A repeat run shows up as retrying, both on the job and the stage field.
	phase := domain.TaskVerifying
	if task.RegionRetryCount > 0 {
		phase = domain.TaskRetrying
	}
	phaseStr := string(phase)
	if err := v.Status.Set(ctx, msg.TaskID, phase, domain.TaskUpdate{RegionVerifyStatus: &phaseStr}); err != nil {
		return fmt.Errorf("op=verify.mark: %w", err)
	}

	user, err := v.Users.Get(ctx, msg.UserID)
	if err != nil {
		v.failTask(ctx, msg.TaskID, fmt.Sprintf("verification exception: %v", err))
		return fmt.Errorf("op=verify.load_user: %w", err)
	}

	avail, attempts, probeErr := v.Probe.Run(ctx, user, msg.TaskID, false)
	if probeErr != nil {
		if avail == domain.AvailabilityUnknown {
			// The availability flip did not land; this is an infra fault,
			// not a region verdict.
			v.failTask(ctx, msg.TaskID, fmt.Sprintf("verification exception: %v", probeErr))
			return fmt.Errorf("op=verify.persist: %w", probeErr)
		}
		v.failProbe(ctx, msg.TaskID, probeErr)
		return fmt.Errorf("op=verify.probe: %w", probeErr)
	}

	success := domain.StageSuccess
	if err := v.Status.Set(ctx, msg.TaskID, domain.TaskCollecting, domain.TaskUpdate{RegionVerifyStatus: &success}); err != nil {
		return fmt.Errorf("op=verify.advance: %w", err)
	}
	if err := v.Bus.Push(ctx, v.CollectQueue, domain.TaskMessage{TaskID: msg.TaskID, UserID: msg.UserID}); err != nil {
		return fmt.Errorf("op=verify.enqueue_collect: %w", err)
	}
	slog.Info("region verified",
		slog.String("task_id", msg.TaskID),
		slog.Int("attempts", attempts))
	return nil
}

// failProbe records a definitive region verdict: the stage field carries
// failed or timeout, the job fails with the probe error.
func (v *Verifier) failProbe(ctx domain.Context, taskID string, probeErr error) {
	verdict := domain.StageFailed
	if strings.Contains(probeErr.Error(), "timeout") {
		verdict = domain.StageTimeout
	}
	errMsg := fmt.Sprintf("region verify error: %v", probeErr)
	if err := v.Status.Set(ctx, taskID, domain.TaskFailed, domain.TaskUpdate{
		RegionVerifyStatus: &verdict,
		ErrorMsg:           &errMsg,
	}); err != nil {
		slog.Error("failure mark did not persist",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// failTask fails the job without touching the region verdict.
func (v *Verifier) failTask(ctx domain.Context, taskID, errMsg string) {
	if err := v.Status.Set(ctx, taskID, domain.TaskFailed, domain.TaskUpdate{ErrorMsg: &errMsg}); err != nil {
		slog.Error("failure mark did not persist",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}
