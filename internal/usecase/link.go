package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// LinkService drives the account-link handshake: start, the two polls, and
// the finalize step that binds the archive identity to a canonical user,
// issues the device session and kicks off verification.
type LinkService struct {
	Tasks       domain.TaskRepository
	Users       domain.UserRepository
	Archive     domain.ArchiveClient
	Bus         domain.Bus
	Status      StatusService
	Sessions    SessionService
	Probe       ProbeService
	VerifyQueue string
}

func NewLinkService(
	t domain.TaskRepository,
	u domain.UserRepository,
	a domain.ArchiveClient,
	b domain.Bus,
	st StatusService,
	se SessionService,
	p ProbeService,
	verifyQueue string,
) LinkService {
	return LinkService{
		Tasks: t, Users: u, Archive: a, Bus: b,
		Status: st, Sessions: se, Probe: p,
		VerifyQueue: verifyQueue,
	}
}

// FinalizeResult is the reply of a successful finalize: the bound identity
// plus the freshly minted session token.
type FinalizeResult struct {
	ArchiveUserID    string
	SecUserID        string
	AnchorToken      string
	AppUserID        string
	Token            string
	ExpiresAt        time.Time
	PlatformUsername string
}

// Start opens a link job with the archive. The job row adopts the returned
// archive_job_id as its task id, the status mirror is seeded, and the job is
// queued for region verification. appUserID is optional; when the device
// already belongs to a known user their anchor token resumes the link.
func (s LinkService) Start(ctx domain.Context, d domain.Device, appUserID string) (domain.LinkStart, error) {
	anchor := ""
	if appUserID != "" {
		if u, err := s.Users.Get(ctx, appUserID); err == nil {
			anchor = u.LatestAnchorToken
		}
	}

	start, err := s.Archive.StartLinkAuth(ctx, anchor)
	if err != nil {
		return domain.LinkStart{}, fmt.Errorf("op=link.start: %w", err)
	}

	t := domain.Task{
		TaskID:         start.ArchiveJobID,
		AppUserID:      appUserID,
		DeviceID:       d.DeviceID,
		Status:         domain.TaskPending,
		CollectStatus:  domain.StageNotStarted,
		AnalysisStatus: domain.StageNotExecuted,
	}
	if err := s.Tasks.Create(ctx, t); err != nil {
		return domain.LinkStart{}, fmt.Errorf("op=link.start: %w", err)
	}
	s.Status.InitMirror(ctx, t)

	if err := s.Bus.Push(ctx, s.VerifyQueue, domain.TaskMessage{TaskID: t.TaskID, DeviceID: d.DeviceID}); err != nil {
		return domain.LinkStart{}, fmt.Errorf("op=link.start: %w", err)
	}
	return start, nil
}

// Redirect polls the provider redirect URL for an owned job.
func (s LinkService) Redirect(ctx domain.Context, d domain.Device, jobID string) (domain.RedirectPoll, error) {
	if _, err := s.ownedJob(ctx, jobID, d); err != nil {
		return domain.RedirectPoll{}, fmt.Errorf("op=link.redirect: %w", err)
	}
	poll, err := s.Archive.GetRedirect(ctx, jobID)
	if err != nil {
		return domain.RedirectPoll{}, fmt.Errorf("op=link.redirect: %w", err)
	}
	return poll, nil
}

// Code polls the authorization code for an owned job.
func (s LinkService) Code(ctx domain.Context, d domain.Device, jobID string) (domain.CodePoll, error) {
	if _, err := s.ownedJob(ctx, jobID, d); err != nil {
		return domain.CodePoll{}, fmt.Errorf("op=link.code: %w", err)
	}
	poll, err := s.Archive.GetAuthorizationCode(ctx, jobID)
	if err != nil {
		return domain.CodePoll{}, fmt.Errorf("op=link.code: %w", err)
	}
	return poll, nil
}

// Finalize exchanges the authorization code, binds the canonical user in one
// snapshot patch, rebinds the job, rotates the device session and fires the
// availability probe. The probe outcome never fails the finalize.
func (s LinkService) Finalize(ctx domain.Context, d domain.Device, jobID, authorizationCode, timeZone string) (FinalizeResult, error) {
	job, err := s.ownedJob(ctx, jobID, d)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("op=link.finalize: %w", err)
	}

	// The anchor token, if any, lives on the user the job is already bound to.
	anchor := ""
	if job.AppUserID != "" {
		if u, err := s.Users.Get(ctx, job.AppUserID); err == nil {
			anchor = u.LatestAnchorToken
		}
	}

	fin, err := s.Archive.FinalizeLink(ctx, jobID, authorizationCode, anchor)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("op=link.finalize: %w", err)
	}

	user, err := s.canonicalUser(ctx, fin.ArchiveUserID, job.AppUserID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("op=link.finalize: %w", err)
	}

	newAnchor := fin.AnchorToken
	if newAnchor == "" {
		newAnchor = anchor
	}

	patch := domain.UserPatch{
		ArchiveUserID:   &fin.ArchiveUserID,
		LatestSecUserID: &fin.SecUserID,
	}
	if fin.PlatformUsername != "" {
		patch.PlatformUsername = &fin.PlatformUsername
	}
	if timeZone != "" {
		patch.TimeZone = &timeZone
	}
	if newAnchor != "" {
		patch.LatestAnchorToken = &newAnchor
	}
	if user.LatestSecUserID != fin.SecUserID {
		// A different linked account invalidates the cached availability.
		unknown := domain.AvailabilityUnknown
		patch.Availability = &unknown
	}
	if err := s.Users.Update(ctx, user.AppUserID, patch); err != nil {
		return FinalizeResult{}, fmt.Errorf("op=link.finalize: %w", err)
	}
	user = applyUserPatch(user, patch)

	if err := s.Status.Set(ctx, job.TaskID, domain.TaskFinalized, domain.TaskUpdate{AppUserID: &user.AppUserID}); err != nil {
		return FinalizeResult{}, fmt.Errorf("op=link.finalize: %w", err)
	}

	token, expiresAt, err := s.Sessions.IssueOrRotate(ctx, user.AppUserID, d)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("op=link.finalize: %w", err)
	}

	if _, _, err := s.Probe.Run(ctx, user, job.TaskID, true); err != nil {
		slog.Warn("availability probe failed during finalize",
			slog.String("task_id", job.TaskID),
			slog.String("app_user_id", user.AppUserID),
			slog.Any("error", err))
	}

	return FinalizeResult{
		ArchiveUserID:    fin.ArchiveUserID,
		SecUserID:        fin.SecUserID,
		AnchorToken:      newAnchor,
		AppUserID:        user.AppUserID,
		Token:            token,
		ExpiresAt:        expiresAt,
		PlatformUsername: user.PlatformUsername,
	}, nil
}

// ownedJob loads a job and enforces device ownership. Jobs created before a
// device was recorded stay pollable by anyone holding the id.
func (s LinkService) ownedJob(ctx domain.Context, jobID string, d domain.Device) (domain.Task, error) {
	job, err := s.Tasks.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Task{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	if job.DeviceID != "" && job.DeviceID != d.DeviceID {
		return domain.Task{}, domain.ErrInvalidDevice
	}
	return job, nil
}

// canonicalUser resolves the user the finalize binds to: the row keyed by the
// archive identity, else the job's existing binding, else a freshly created
// user under the canonical id.
func (s LinkService) canonicalUser(ctx domain.Context, archiveUserID, jobUserID string) (domain.User, error) {
	canonical := archiveUserID
	if canonical == "" {
		canonical = jobUserID
	}
	if canonical == "" {
		canonical = uuid.NewString()
	}

	user, err := s.Users.Get(ctx, canonical)
	if errors.Is(err, domain.ErrNotFound) && jobUserID != "" && jobUserID != canonical {
		user, err = s.Users.Get(ctx, jobUserID)
	}
	if errors.Is(err, domain.ErrNotFound) {
		user = domain.User{AppUserID: canonical, Availability: domain.AvailabilityUnknown}
		if err := s.Users.Create(ctx, user); err != nil {
			return domain.User{}, err
		}
		return user, nil
	}
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// applyUserPatch folds a patch back into the snapshot so later steps of the
// same request observe what was just written.
func applyUserPatch(u domain.User, p domain.UserPatch) domain.User {
	if p.ArchiveUserID != nil {
		u.ArchiveUserID = *p.ArchiveUserID
	}
	if p.LatestSecUserID != nil {
		u.LatestSecUserID = *p.LatestSecUserID
	}
	if p.PlatformUsername != nil {
		u.PlatformUsername = *p.PlatformUsername
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.TimeZone != nil {
		u.TimeZone = *p.TimeZone
	}
	if p.LatestAnchorToken != nil {
		u.LatestAnchorToken = *p.LatestAnchorToken
	}
	if p.Availability != nil {
		u.Availability = *p.Availability
	}
	return u
}
