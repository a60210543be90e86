package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain/mocks"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
)

const testVerifyQueue = "task:queue:verify"

type linkFixture struct {
	tasks    *mocks.MockTaskRepository
	users    *mocks.MockUserRepository
	archive  *mocks.MockArchiveClient
	bus      *mocks.MockBus
	sessions *mocks.MockSessionRepository
	svc      usecase.LinkService
}

func newLinkFixture() *linkFixture {
	f := &linkFixture{
		tasks:    &mocks.MockTaskRepository{},
		users:    &mocks.MockUserRepository{},
		archive:  &mocks.MockArchiveClient{},
		bus:      &mocks.MockBus{},
		sessions: &mocks.MockSessionRepository{},
	}
	status := usecase.NewStatusService(f.tasks, f.bus)
	probe := usecase.NewProbeService(f.users, f.archive, status, f.bus, testCollectQueue)
	sessions := usecase.NewSessionService(f.sessions, testSessionSecret, 30*24*time.Hour)
	f.svc = usecase.NewLinkService(f.tasks, f.users, f.archive, f.bus, status, sessions, probe, testVerifyQueue)
	return f
}

func TestLinkService_Start_QueuesVerification(t *testing.T) {
	t.Parallel()
	f := newLinkFixture()

	pos := 3
	f.archive.On("StartLinkAuth", mock.Anything, "").
		Return(domain.LinkStart{ArchiveJobID: "arch-job-1", QueuePosition: &pos}, nil)
	f.tasks.On("Create", mock.Anything, mock.MatchedBy(func(tk domain.Task) bool {
		return tk.TaskID == "arch-job-1" &&
			tk.DeviceID == "dev-1" &&
			tk.Status == domain.TaskPending &&
			tk.CollectStatus == domain.StageNotStarted &&
			tk.AnalysisStatus == domain.StageNotExecuted
	})).Return(nil)
	f.bus.On("SetStatus", mock.Anything, "arch-job-1", mock.Anything).Return(nil)
	f.bus.On("Push", mock.Anything, testVerifyQueue, domain.TaskMessage{TaskID: "arch-job-1", DeviceID: "dev-1"}).Return(nil)

	start, err := f.svc.Start(context.Background(), testDevice(), "")
	require.NoError(t, err)
	assert.Equal(t, "arch-job-1", start.ArchiveJobID)
	require.NotNil(t, start.QueuePosition)
	assert.Equal(t, 3, *start.QueuePosition)

	f.tasks.AssertExpectations(t)
	f.bus.AssertExpectations(t)
}

func TestLinkService_Start_ResumesWithAnchor(t *testing.T) {
	t.Parallel()
	f := newLinkFixture()

	f.users.On("Get", mock.Anything, "user-1").
		Return(domain.User{AppUserID: "user-1", LatestAnchorToken: "anchor-1"}, nil)
	f.archive.On("StartLinkAuth", mock.Anything, "anchor-1").
		Return(domain.LinkStart{ArchiveJobID: "arch-job-2"}, nil)
	f.tasks.On("Create", mock.Anything, mock.MatchedBy(func(tk domain.Task) bool {
		return tk.TaskID == "arch-job-2" && tk.AppUserID == "user-1"
	})).Return(nil)
	f.bus.On("SetStatus", mock.Anything, "arch-job-2", mock.Anything).Return(nil)
	f.bus.On("Push", mock.Anything, testVerifyQueue, domain.TaskMessage{TaskID: "arch-job-2", DeviceID: "dev-1"}).Return(nil)

	_, err := f.svc.Start(context.Background(), testDevice(), "user-1")
	require.NoError(t, err)
	f.archive.AssertExpectations(t)
}

func TestLinkService_Start_ArchiveError(t *testing.T) {
	t.Parallel()
	f := newLinkFixture()

	f.archive.On("StartLinkAuth", mock.Anything, "").
		Return(domain.LinkStart{}, errors.New("archive unreachable"))

	_, err := f.svc.Start(context.Background(), testDevice(), "")
	require.Error(t, err)
	f.tasks.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.bus.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
}

func TestLinkService_Redirect_ProxiesOwnedJob(t *testing.T) {
	t.Parallel()
	f := newLinkFixture()

	f.tasks.On("Get", mock.Anything, "arch-job-1").
		Return(domain.Task{TaskID: "arch-job-1", DeviceID: "dev-1"}, nil)
	f.archive.On("GetRedirect", mock.Anything, "arch-job-1").
		Return(domain.RedirectPoll{State: domain.PollReady, RedirectURL: "https://provider/redirect"}, nil)

	poll, err := f.svc.Redirect(context.Background(), testDevice(), "arch-job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PollReady, poll.State)
	assert.Equal(t, "https://provider/redirect", poll.RedirectURL)
}

func TestLinkService_Code_ProxiesOwnedJob(t *testing.T) {
	t.Parallel()
	f := newLinkFixture()

	f.tasks.On("Get", mock.Anything, "arch-job-1").
		Return(domain.Task{TaskID: "arch-job-1", DeviceID: "dev-1"}, nil)
	f.archive.On("GetAuthorizationCode", mock.Anything, "arch-job-1").
		Return(domain.CodePoll{State: domain.PollReady, AuthorizationCode: "code-1"}, nil)

	poll, err := f.svc.Code(context.Background(), testDevice(), "arch-job-1")
	require.NoError(t, err)
	assert.Equal(t, "code-1", poll.AuthorizationCode)
}

func TestLinkService_JobOwnership(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		job     domain.Task
		getErr  error
		wantErr error
	}{
		{
			name:    "unknown job",
			getErr:  domain.ErrNotFound,
			wantErr: domain.ErrJobNotFound,
		},
		{
			name:    "foreign device",
			job:     domain.Task{TaskID: "arch-job-1", DeviceID: "someone-else"},
			wantErr: domain.ErrInvalidDevice,
		},
		{
			// Jobs created before device binding stay pollable.
			name: "legacy job without device",
			job:  domain.Task{TaskID: "arch-job-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newLinkFixture()
			f.tasks.On("Get", mock.Anything, "arch-job-1").Return(tt.job, tt.getErr)
			if tt.wantErr == nil {
				f.archive.On("GetRedirect", mock.Anything, "arch-job-1").
					Return(domain.RedirectPoll{State: domain.PollPending}, nil)
			}

			_, err := f.svc.Redirect(context.Background(), testDevice(), "arch-job-1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				f.archive.AssertNotCalled(t, "GetRedirect", mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLinkService_Finalize_BindsFreshUser(t *testing.T) {
	t.Parallel()
	f := newLinkFixture()

	f.tasks.On("Get", mock.Anything, "arch-job-1").
		Return(domain.Task{TaskID: "arch-job-1", DeviceID: "dev-1"}, nil)
	f.archive.On("FinalizeLink", mock.Anything, "arch-job-1", "code-1", "").
		Return(domain.LinkFinal{
			ArchiveUserID:    "archive-user-1",
			SecUserID:        "sec-9",
			PlatformUsername: "@creator",
			AnchorToken:      "anchor-2",
		}, nil)

	// No row under the archive identity yet: a fresh user is created.
	f.users.On("Get", mock.Anything, "archive-user-1").Return(domain.User{}, domain.ErrNotFound)
	f.users.On("Create", mock.Anything, mock.MatchedBy(func(u domain.User) bool {
		return u.AppUserID == "archive-user-1" && u.Availability == domain.AvailabilityUnknown
	})).Return(nil)

	// Binding patch: identity fields plus the availability reset for the new
	// sec_user_id.
	f.users.On("Update", mock.Anything, "archive-user-1", mock.MatchedBy(func(p domain.UserPatch) bool {
		return p.ArchiveUserID != nil && *p.ArchiveUserID == "archive-user-1" &&
			p.LatestSecUserID != nil && *p.LatestSecUserID == "sec-9" &&
			p.PlatformUsername != nil && *p.PlatformUsername == "@creator" &&
			p.TimeZone != nil && *p.TimeZone == "Asia/Jakarta" &&
			p.LatestAnchorToken != nil && *p.LatestAnchorToken == "anchor-2" &&
			p.Availability != nil && *p.Availability == domain.AvailabilityUnknown
	})).Return(nil)

	f.tasks.On("Update", mock.Anything, "arch-job-1", mock.MatchedBy(func(p domain.TaskUpdate) bool {
		return p.Status != nil && *p.Status == domain.TaskFinalized &&
			p.AppUserID != nil && *p.AppUserID == "archive-user-1"
	})).Return(nil)
	f.bus.On("SetStatus", mock.Anything, "arch-job-1", mock.Anything).Return(nil)

	f.sessions.On("FindActive", mock.Anything, "archive-user-1", "dev-1").
		Return(domain.Session{}, domain.ErrNotFound)
	f.sessions.On("Insert", mock.Anything, mock.MatchedBy(func(s domain.Session) bool {
		return s.AppUserID == "archive-user-1" && s.DeviceID == "dev-1"
	})).Return(nil)

	// The auto-probe succeeds and hands the job to the collectors.
	f.archive.On("VerifyAvailability", mock.Anything, "arch-job-1", "sec-9", mock.Anything).Return(1, nil)
	f.users.On("Update", mock.Anything, "archive-user-1", availabilityPatch(domain.AvailabilityYes)).Return(nil)
	f.tasks.On("Update", mock.Anything, "arch-job-1", mock.MatchedBy(func(p domain.TaskUpdate) bool {
		return p.Status != nil && *p.Status == domain.TaskCollecting
	})).Return(nil)
	f.bus.On("Push", mock.Anything, testCollectQueue, domain.TaskMessage{TaskID: "arch-job-1", UserID: "archive-user-1"}).Return(nil)

	res, err := f.svc.Finalize(context.Background(), testDevice(), "arch-job-1", "code-1", "Asia/Jakarta")
	require.NoError(t, err)
	assert.Equal(t, "archive-user-1", res.ArchiveUserID)
	assert.Equal(t, "sec-9", res.SecUserID)
	assert.Equal(t, "anchor-2", res.AnchorToken)
	assert.Equal(t, "archive-user-1", res.AppUserID)
	assert.Equal(t, "@creator", res.PlatformUsername)
	assert.NotEmpty(t, res.Token)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), res.ExpiresAt, time.Minute)

	f.users.AssertExpectations(t)
	f.tasks.AssertExpectations(t)
	f.sessions.AssertExpectations(t)
	f.bus.AssertExpectations(t)
}

func TestLinkService_Finalize_KeepsAvailabilityForSameAccount(t *testing.T) {
	t.Parallel()
	f := newLinkFixture()

	f.tasks.On("Get", mock.Anything, "arch-job-1").
		Return(domain.Task{TaskID: "arch-job-1", DeviceID: "dev-1", AppUserID: "legacy-user"}, nil)
	// Anchor lookup and the canonical fallback both land on the job's user.
	f.users.On("Get", mock.Anything, "legacy-user").
		Return(domain.User{
			AppUserID:         "legacy-user",
			LatestSecUserID:   "sec-9",
			LatestAnchorToken: "anchor-old",
			Availability:      domain.AvailabilityYes,
		}, nil)
	f.users.On("Get", mock.Anything, "archive-user-9").Return(domain.User{}, domain.ErrNotFound)

	f.archive.On("FinalizeLink", mock.Anything, "arch-job-1", "code-1", "anchor-old").
		Return(domain.LinkFinal{ArchiveUserID: "archive-user-9", SecUserID: "sec-9"}, nil)

	// Same sec_user_id: the cached availability survives the re-link.
	f.users.On("Update", mock.Anything, "legacy-user", mock.MatchedBy(func(p domain.UserPatch) bool {
		return p.Availability == nil &&
			p.ArchiveUserID != nil && *p.ArchiveUserID == "archive-user-9" &&
			p.LatestAnchorToken != nil && *p.LatestAnchorToken == "anchor-old"
	})).Return(nil)

	f.tasks.On("Update", mock.Anything, "arch-job-1", mock.MatchedBy(func(p domain.TaskUpdate) bool {
		return p.Status != nil && *p.Status == domain.TaskFinalized &&
			p.AppUserID != nil && *p.AppUserID == "legacy-user"
	})).Return(nil)
	f.bus.On("SetStatus", mock.Anything, "arch-job-1", mock.Anything).Return(nil)

	f.sessions.On("FindActive", mock.Anything, "legacy-user", "dev-1").
		Return(domain.Session{SessionID: "sess-1", AppUserID: "legacy-user", DeviceID: "dev-1"}, nil)
	f.sessions.On("Rotate", mock.Anything, mock.MatchedBy(func(s domain.Session) bool {
		return s.SessionID == "sess-1"
	})).Return(nil)

	// The probe fails; finalize must still succeed.
	f.archive.On("VerifyAvailability", mock.Anything, "arch-job-1", "sec-9", mock.Anything).
		Return(2, errors.New("probe timeout"))
	f.users.On("Update", mock.Anything, "legacy-user", availabilityPatch(domain.AvailabilityNo)).Return(nil)

	res, err := f.svc.Finalize(context.Background(), testDevice(), "arch-job-1", "code-1", "")
	require.NoError(t, err)
	assert.Equal(t, "legacy-user", res.AppUserID)
	assert.Equal(t, "anchor-old", res.AnchorToken)

	f.bus.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
	f.users.AssertExpectations(t)
	f.sessions.AssertExpectations(t)
}

func TestLinkService_Finalize_RejectsForeignDevice(t *testing.T) {
	t.Parallel()
	f := newLinkFixture()

	f.tasks.On("Get", mock.Anything, "arch-job-1").
		Return(domain.Task{TaskID: "arch-job-1", DeviceID: "someone-else"}, nil)

	_, err := f.svc.Finalize(context.Background(), testDevice(), "arch-job-1", "code-1", "")
	require.ErrorIs(t, err, domain.ErrInvalidDevice)
	f.archive.AssertNotCalled(t, "FinalizeLink", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
