package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// taskLogsLimit caps the audit rows returned per job.
const taskLogsLimit = 200

// TaskAdminService is the ops surface: ad-hoc job creation, status reads and
// manual intervention on stuck or failed jobs.
type TaskAdminService struct {
	Tasks       domain.TaskRepository
	Users       domain.UserRepository
	CallLogs    domain.CallLogRepository
	Strategies  domain.RetryStrategyRepository
	Bus         domain.Bus
	Status      StatusService
	VerifyQueue string
	RetryQueue  string
}

func NewTaskAdminService(
	t domain.TaskRepository,
	u domain.UserRepository,
	cl domain.CallLogRepository,
	st domain.RetryStrategyRepository,
	b domain.Bus,
	status StatusService,
	verifyQueue, retryQueue string,
) TaskAdminService {
	return TaskAdminService{
		Tasks: t, Users: u, CallLogs: cl, Strategies: st,
		Bus: b, Status: status,
		VerifyQueue: verifyQueue, RetryQueue: retryQueue,
	}
}

// Create opens an ad-hoc job for an already linked user and queues it for
// verification.
func (s TaskAdminService) Create(ctx domain.Context, userID, ipAddress string) (string, error) {
	if _, err := s.Users.Get(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("op=taskadmin.create: %w", domain.ErrUserNotFound)
		}
		return "", fmt.Errorf("op=taskadmin.create: %w", err)
	}

	t := domain.Task{
		TaskID:         domain.NewTaskID(),
		AppUserID:      userID,
		IPAddress:      ipAddress,
		Status:         domain.TaskPending,
		CollectStatus:  domain.StageNotStarted,
		AnalysisStatus: domain.StageNotExecuted,
	}
	if err := s.Tasks.Create(ctx, t); err != nil {
		return "", fmt.Errorf("op=taskadmin.create: %w", err)
	}
	s.Status.InitMirror(ctx, t)

	msg := domain.TaskMessage{TaskID: t.TaskID, UserID: userID, IPAddress: ipAddress}
	if err := s.Bus.Push(ctx, s.VerifyQueue, msg); err != nil {
		return "", fmt.Errorf("op=taskadmin.create: %w", err)
	}
	return t.TaskID, nil
}

// GetStatus reads the mirror first and falls back to the store on a miss,
// rehydrating the mirror for the next poll.
func (s TaskAdminService) GetStatus(ctx domain.Context, taskID string) (map[string]string, error) {
	if fields, err := s.Bus.GetStatus(ctx, taskID); err == nil && len(fields) > 0 {
		return fields, nil
	} else if err != nil {
		slog.Warn("status mirror read failed", slog.String("task_id", taskID), slog.Any("error", err))
	}

	task, err := s.Tasks.Get(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("op=taskadmin.status: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=taskadmin.status: %w", err)
	}

	fields := MirrorFields(task)
	if err := s.Bus.SetStatus(ctx, taskID, fields); err != nil {
		slog.Warn("status mirror rehydrate failed", slog.String("task_id", taskID), slog.Any("error", err))
	}

	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = val
		case int:
			out[k] = strconv.Itoa(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// Intervene applies a manual action to a job and returns an operator-facing
// message. Action preconditions mirror the pipeline's stage statuses.
func (s TaskAdminService) Intervene(ctx domain.Context, taskID, action string) (string, error) {
	task, err := s.Tasks.Get(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("op=taskadmin.intervene: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=taskadmin.intervene: %w", err)
	}

	switch action {
	case "pause":
		if err := s.Status.Set(ctx, taskID, domain.TaskPaused, domain.TaskUpdate{}); err != nil {
			return "", fmt.Errorf("op=taskadmin.intervene: %w", err)
		}
		return "task paused", nil

	case "cancel":
		msg := "user manually cancelled"
		if err := s.Status.Set(ctx, taskID, domain.TaskCancelled, domain.TaskUpdate{ErrorMsg: &msg}); err != nil {
			return "", fmt.Errorf("op=taskadmin.intervene: %w", err)
		}
		return "task cancelled", nil

	case "retry_verify":
		if task.RegionVerifyStatus != domain.StageFailed && task.RegionVerifyStatus != domain.StageTimeout {
			return "", fmt.Errorf("op=taskadmin.intervene: %w: only failed or timed out region verification can be retried", domain.ErrInvalidArgument)
		}
		strategy, err := s.Strategies.Get(ctx, "region_verify")
		if err != nil {
			strategy = domain.DefaultRetryStrategy("region_verify")
		}
		if task.RegionRetryCount >= strategy.MaxRetryCount {
			return "", fmt.Errorf("op=taskadmin.intervene: %w: region verify retry limit reached (%d)", domain.ErrInvalidArgument, strategy.MaxRetryCount)
		}
		if err := s.pushRetry(ctx, taskID, domain.RetryVerify); err != nil {
			return "", err
		}
		next := task.RegionRetryCount + 1
		if err := s.Status.Set(ctx, taskID, domain.TaskPending, domain.TaskUpdate{RegionRetryCount: &next}); err != nil {
			return "", fmt.Errorf("op=taskadmin.intervene: %w", err)
		}
		return "region verification queued for retry", nil

	case "retry_collect":
		if task.CollectStatus != domain.StageFailed {
			return "", fmt.Errorf("op=taskadmin.intervene: %w: only failed collection can be retried", domain.ErrInvalidArgument)
		}
		if task.RegionVerifyStatus != domain.StageSuccess {
			return "", fmt.Errorf("op=taskadmin.intervene: %w: region verification has not succeeded", domain.ErrInvalidArgument)
		}
		if err := s.pushRetry(ctx, taskID, domain.RetryCollect); err != nil {
			return "", err
		}
		if err := s.Status.Set(ctx, taskID, domain.TaskPending, domain.TaskUpdate{}); err != nil {
			return "", fmt.Errorf("op=taskadmin.intervene: %w", err)
		}
		return "collection queued for retry", nil

	case "retry_analyze":
		if task.AnalysisStatus != domain.StageFailed && task.AnalysisStatus != domain.StageTimeout {
			return "", fmt.Errorf("op=taskadmin.intervene: %w: only failed or timed out analysis can be retried", domain.ErrInvalidArgument)
		}
		if task.CollectStatus != domain.StageCompleted {
			return "", fmt.Errorf("op=taskadmin.intervene: %w: collection has not completed", domain.ErrInvalidArgument)
		}
		if err := s.pushRetry(ctx, taskID, domain.RetryAnalyze); err != nil {
			return "", err
		}
		if err := s.Status.Set(ctx, taskID, domain.TaskPending, domain.TaskUpdate{}); err != nil {
			return "", fmt.Errorf("op=taskadmin.intervene: %w", err)
		}
		return "analysis queued for retry", nil

	case "rerun":
		// A rerun is a verify-shaped retry item; the verify pool rehydrates
		// the user binding from the task row.
		if err := s.pushRetry(ctx, taskID, domain.RetryVerify); err != nil {
			return "", err
		}
		zero, empty := 0, ""
		if err := s.Status.Set(ctx, taskID, domain.TaskPending, domain.TaskUpdate{
			RegionRetryCount: &zero,
			ErrorMsg:         &empty,
		}); err != nil {
			return "", fmt.Errorf("op=taskadmin.intervene: %w", err)
		}
		return "task rerun from verification", nil

	default:
		return "", fmt.Errorf("op=taskadmin.intervene: %w: unsupported action %q", domain.ErrInvalidArgument, action)
	}
}

// Logs returns the job's outbound call audit, newest first.
func (s TaskAdminService) Logs(ctx domain.Context, taskID string) ([]domain.APICallLog, error) {
	logs, err := s.CallLogs.ListByTask(ctx, taskID, taskLogsLimit)
	if err != nil {
		return nil, fmt.Errorf("op=taskadmin.logs: %w", err)
	}
	return logs, nil
}

func (s TaskAdminService) pushRetry(ctx domain.Context, taskID string, rt domain.RetryType) error {
	if err := s.Bus.Push(ctx, s.RetryQueue, domain.TaskMessage{TaskID: taskID, RetryType: rt}); err != nil {
		return fmt.Errorf("op=taskadmin.intervene: %w", err)
	}
	return nil
}
