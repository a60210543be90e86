package usecase

import (
	"errors"
	"fmt"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// WrappedService serves the wrapped artifact and accepts (re)generation
// requests, gated on watch-history availability.
type WrappedService struct {
	Tasks      domain.TaskRepository
	Users      domain.UserRepository
	Payloads   domain.PayloadRepository
	Bus        domain.Bus
	Probe      ProbeService
	RetryQueue string
}

func NewWrappedService(
	t domain.TaskRepository,
	u domain.UserRepository,
	p domain.PayloadRepository,
	b domain.Bus,
	probe ProbeService,
	retryQueue string,
) WrappedService {
	return WrappedService{Tasks: t, Users: u, Payloads: p, Bus: b, Probe: probe, RetryQueue: retryQueue}
}

// WrappedView is the poll answer for a user's artifact. Wrapped is nil while
// the pipeline is still running.
type WrappedView struct {
	Status       string
	WrappedRunID string
	Wrapped      *domain.WrappedPayload
}

// Status reports the user's latest run: ready with the artifact when a
// payload row exists, pending otherwise.
func (s WrappedService) Status(ctx domain.Context, appUserID string) (WrappedView, error) {
	task, err := s.Tasks.LatestByUser(ctx, appUserID)
	if errors.Is(err, domain.ErrNotFound) {
		return WrappedView{}, fmt.Errorf("op=wrapped.status: %w", domain.ErrNotFound)
	}
	if err != nil {
		return WrappedView{}, fmt.Errorf("op=wrapped.status: %w", err)
	}
	return s.view(ctx, task.TaskID)
}

// Request asks for a (re)run of the user's wrapped. The caller must have a
// linked account; availability is checked from the cached flag, probing once
// when still unknown. The job is always pushed to the retry queue as a
// collect item, even when an artifact already exists.
func (s WrappedService) Request(ctx domain.Context, appUserID, email, timeZone string) (WrappedView, error) {
	user, err := s.Users.Get(ctx, appUserID)
	if errors.Is(err, domain.ErrNotFound) {
		return WrappedView{}, fmt.Errorf("op=wrapped.request: %w", domain.ErrSecUserIDRequired)
	}
	if err != nil {
		return WrappedView{}, fmt.Errorf("op=wrapped.request: %w", err)
	}
	if user.LatestSecUserID == "" {
		return WrappedView{}, fmt.Errorf("op=wrapped.request: %w", domain.ErrSecUserIDRequired)
	}

	patch := domain.UserPatch{}
	if email != "" && email != user.Email {
		patch.Email = &email
	}
	if timeZone != "" && timeZone != user.TimeZone {
		patch.TimeZone = &timeZone
	}
	if patch.Email != nil || patch.TimeZone != nil {
		if err := s.Users.Update(ctx, user.AppUserID, patch); err != nil {
			return WrappedView{}, fmt.Errorf("op=wrapped.request: %w", err)
		}
		user = applyUserPatch(user, patch)
	}

	task, err := s.Tasks.LatestByUser(ctx, appUserID)
	if errors.Is(err, domain.ErrNotFound) {
		return WrappedView{}, fmt.Errorf("op=wrapped.request: %w", domain.ErrJobNotFound)
	}
	if err != nil {
		return WrappedView{}, fmt.Errorf("op=wrapped.request: %w", err)
	}

	avail := user.Availability
	if avail == domain.AvailabilityUnknown {
		avail, _, _ = s.Probe.Run(ctx, user, task.TaskID, true)
	}
	switch avail {
	case domain.AvailabilityNo:
		return WrappedView{}, fmt.Errorf("op=wrapped.request: %w", domain.ErrWatchHistoryUnavailable)
	case domain.AvailabilityUnknown:
		return WrappedView{}, fmt.Errorf("op=wrapped.request: %w", domain.ErrWatchHistoryUnknown)
	}

	if err := s.Bus.Push(ctx, s.RetryQueue, domain.TaskMessage{TaskID: task.TaskID, RetryType: domain.RetryCollect}); err != nil {
		return WrappedView{}, fmt.Errorf("op=wrapped.request: %w", err)
	}

	return s.view(ctx, task.TaskID)
}

// view assembles the poll answer from the payload row, if present.
func (s WrappedService) view(ctx domain.Context, taskID string) (WrappedView, error) {
	p, err := s.Payloads.Get(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return WrappedView{Status: "pending", WrappedRunID: taskID}, nil
	}
	if err != nil {
		return WrappedView{}, fmt.Errorf("op=wrapped.view: %w", err)
	}
	public := p.Public()
	return WrappedView{Status: "ready", WrappedRunID: taskID, Wrapped: &public}, nil
}
