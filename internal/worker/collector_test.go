package worker_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain/mocks"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
	"github.com/fairyhunter13/tiktok-wrapped/internal/worker"
)

type collectorFixture struct {
	tasks    *mocks.MockTaskRepository
	users    *mocks.MockUserRepository
	payloads *mocks.MockPayloadRepository
	browse   *mocks.MockBrowseRecordRepository
	archive  *mocks.MockArchiveClient
	bus      *mocks.MockBus
	handler  *worker.Collector
}

func newCollectorFixture(browseEnabled bool) *collectorFixture {
	f := &collectorFixture{
		tasks:    &mocks.MockTaskRepository{},
		users:    &mocks.MockUserRepository{},
		payloads: &mocks.MockPayloadRepository{},
		browse:   &mocks.MockBrowseRecordRepository{},
		archive:  &mocks.MockArchiveClient{},
		bus:      &mocks.MockBus{},
	}
	status := usecase.NewStatusService(f.tasks, f.bus)
	f.handler = worker.NewCollector(f.tasks, f.users, f.payloads, f.browse, f.archive, status, f.bus, testAnalyzeQueue, 2025, browseEnabled)
	return f
}

// armEntry covers the lock, the task and user loads, the progress seeding and
// the mirror writes shared by most collector runs.
func (f *collectorFixture) armEntry() {
	grantLock(f.bus, "task-1")
	f.bus.On("SetStatus", mock.Anything, "task-1", mock.Anything).Return(nil)
	f.tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{TaskID: "task-1", AppUserID: "user-1", Status: domain.TaskCollecting}, nil)
	f.users.On("Get", mock.Anything, "user-1").Return(domain.User{
		AppUserID:        "user-1",
		LatestSecUserID:  "sec-1",
		TimeZone:         "UTC",
		PlatformUsername: "viewer",
		Email:            "v@example.com",
	}, nil)
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskCollecting, func(p domain.TaskUpdate) bool {
		return p.CollectTotal != nil && *p.CollectTotal == 12 &&
			p.CollectCompleted != nil && *p.CollectCompleted == 0
	})).Return(nil)
}

// armHistory serves the same newest-first page to every window; the window
// bounds slice out each month's rows.
func (f *collectorFixture) armHistory(rows []domain.WatchRow) {
	f.archive.On("StartWatchHistory", mock.Anything, "task-1", "sec-1", 900, 50, mock.Anything).
		Return(domain.HistoryStart{DataJobID: "dj-1"}, nil)
	f.archive.On("FinalizeWatchHistory", mock.Anything, "task-1", "dj-1").
		Return(domain.HistoryFinalize{State: domain.FinalizeReady}, nil)
	f.archive.On("GetWatchHistory", mock.Anything, "task-1", "sec-1", 900, "").
		Return(domain.HistoryPage{Rows: rows}, nil)
}

func (f *collectorFixture) armProgress() {
	f.tasks.On("AddCollectProgress", mock.Anything, "task-1", mock.Anything, 1).
		Return(domain.Task{TaskID: "task-1", CollectTotal: 12, CollectCompleted: 6}, nil).Times(12)
	f.bus.On("IncrStatus", mock.Anything, "task-1", "collect_completed", int64(1)).Return(int64(1), nil)
}

func (f *collectorFixture) armCompletion(payloadOK func(domain.WrappedPayload) bool) {
	f.payloads.On("Upsert", mock.Anything, "task-1", "user-1", mock.MatchedBy(payloadOK)).Return(nil)
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskAnalyzing, func(p domain.TaskUpdate) bool {
		return p.CollectStatus != nil && *p.CollectStatus == domain.StageCompleted
	})).Return(nil)
	f.bus.On("Push", mock.Anything, testAnalyzeQueue, domain.TaskMessage{TaskID: "task-1", UserID: "user-1"}).Return(nil)
}

func historyRow(id string, at time.Time, durMS int64) domain.WatchRow {
	return domain.WatchRow{
		VideoID:            id,
		Title:              "title " + id,
		Author:             "creator-1",
		DurationMS:         durMS,
		ApproxTimesWatched: 1,
		WatchedAt:          at.Format(time.RFC3339),
	}
}

func TestCollector_Handle_AggregatesYearAndAdvances(t *testing.T) {
	t.Parallel()
	f := newCollectorFixture(false)
	f.armEntry()
	f.armHistory([]domain.WatchRow{
		historyRow("mar", time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC), 60000),
		historyRow("jan-2", time.Date(2025, 1, 11, 23, 0, 0, 0, time.UTC), 30000),
		historyRow("jan-1", time.Date(2025, 1, 10, 23, 0, 0, 0, time.UTC), 30000),
	})
	f.armProgress()
	f.armCompletion(func(p domain.WrappedPayload) bool {
		return p.TotalVideos == 3 &&
			p.NightPct == 50.0 &&
			p.PlatformUsername == "viewer" &&
			p.Email == "v@example.com" &&
			p.DataJobs["watch_history"].ID == "task-1" &&
			p.DataJobs["watch_history"].Status == "succeeded" &&
			len(p.SampleTexts) == 3 &&
			len(p.SourceSpans) == 3
	})

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	f.archive.AssertExpectations(t)
	f.payloads.AssertExpectations(t)
	f.tasks.AssertExpectations(t)
	f.bus.AssertExpectations(t)
	f.browse.AssertNotCalled(t, "BulkInsert", mock.Anything, mock.Anything)
}

func TestCollector_Handle_MonthBoundaryRows(t *testing.T) {
	t.Parallel()
	f := newCollectorFixture(false)
	f.armEntry()
	// A row exactly on a month boundary belongs to the later month; rows
	// before the year never enter a window.
	f.armHistory([]domain.WatchRow{
		historyRow("feb-first", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), 30000),
		historyRow("before-year", time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC), 30000),
	})
	f.armProgress()
	f.armCompletion(func(p domain.WrappedPayload) bool {
		return p.TotalVideos == 1 &&
			len(p.SourceSpans) == 1 && p.SourceSpans[0].VideoID == "feb-first"
	})

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	f.payloads.AssertExpectations(t)
}

func TestCollector_Handle_EmptyYearStillAdvances(t *testing.T) {
	t.Parallel()
	f := newCollectorFixture(false)
	f.armEntry()
	f.archive.On("StartWatchHistory", mock.Anything, "task-1", "sec-1", 900, 50, mock.Anything).
		Return(domain.HistoryStart{DataJobID: "dj-1"}, nil)
	f.archive.On("FinalizeWatchHistory", mock.Anything, "task-1", "dj-1").
		Return(domain.HistoryFinalize{State: domain.FinalizeAbandoned}, nil)
	f.armProgress()
	f.armCompletion(func(p domain.WrappedPayload) bool {
		return p.TotalVideos == 0 &&
			p.TotalHours == 0 &&
			p.PeakHour == nil &&
			len(p.SampleTexts) == 1 && strings.Contains(p.SampleTexts[0], "no watch history")
	})

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	f.archive.AssertNotCalled(t, "GetWatchHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.payloads.AssertExpectations(t)
	f.bus.AssertExpectations(t)
}

func TestCollector_Handle_ExportStartFailureFailsJob(t *testing.T) {
	t.Parallel()
	f := newCollectorFixture(false)
	f.armEntry()
	f.archive.On("StartWatchHistory", mock.Anything, "task-1", "sec-1", 900, 50, mock.Anything).
		Return(domain.HistoryStart{}, errors.New("connect refused"))
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskFailed, func(p domain.TaskUpdate) bool {
		return p.CollectStatus != nil && *p.CollectStatus == domain.StageFailed &&
			p.ErrorMsg != nil && strings.HasPrefix(*p.ErrorMsg, "collection exception:")
	})).Return(nil)

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.ErrorContains(t, err, "connect refused")
	f.payloads.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.bus.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
	f.tasks.AssertExpectations(t)
}

func TestCollector_Handle_MissingSecUserFailsJob(t *testing.T) {
	t.Parallel()
	f := newCollectorFixture(false)
	grantLock(f.bus, "task-1")
	f.bus.On("SetStatus", mock.Anything, "task-1", mock.Anything).Return(nil)
	f.tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{TaskID: "task-1", AppUserID: "user-1", Status: domain.TaskCollecting}, nil)
	f.users.On("Get", mock.Anything, "user-1").Return(domain.User{AppUserID: "user-1"}, nil)
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskFailed, func(p domain.TaskUpdate) bool {
		return p.ErrorMsg != nil && strings.Contains(*p.ErrorMsg, "no sec_user_id")
	})).Return(nil)

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.Error(t, err)
	f.archive.AssertNotCalled(t, "StartWatchHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCollector_Handle_SkipsHaltedTask(t *testing.T) {
	t.Parallel()
	f := newCollectorFixture(false)
	grantLock(f.bus, "task-1")
	f.tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{TaskID: "task-1", Status: domain.TaskCancelled}, nil)

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	f.users.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestCollector_Handle_SkipsWhenLocked(t *testing.T) {
	t.Parallel()
	f := newCollectorFixture(false)
	denyLock(f.bus, "task-1")

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	f.tasks.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

// Window exports fan out in batches of at most ten, with successive batches
// launched at least a second apart. No t.Parallel: the assertions lean on
// wall-clock spacing.
func TestCollector_Handle_WindowFanoutCappedAndPaced(t *testing.T) {
	f := newCollectorFixture(false)
	f.armEntry()

	var (
		inFlight int64
		peak     int64
		mu       sync.Mutex
		launches []time.Time
	)
	f.archive.On("StartWatchHistory", mock.Anything, "task-1", "sec-1", 900, 50, mock.Anything).
		Run(func(mock.Arguments) {
			mu.Lock()
			launches = append(launches, time.Now())
			mu.Unlock()
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
					break
				}
			}
			// Dwell long enough for the whole batch to overlap.
			time.Sleep(75 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}).
		Return(domain.HistoryStart{DataJobID: "dj-1"}, nil)
	f.archive.On("FinalizeWatchHistory", mock.Anything, "task-1", "dj-1").
		Return(domain.HistoryFinalize{State: domain.FinalizeReady}, nil)
	f.archive.On("GetWatchHistory", mock.Anything, "task-1", "sec-1", 900, "").
		Return(domain.HistoryPage{}, nil)
	f.armProgress()
	f.armCompletion(func(p domain.WrappedPayload) bool { return p.TotalVideos == 0 })

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	require.Len(t, launches, 12)
	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(10), "more than ten exports in flight")

	sort.Slice(launches, func(i, j int) bool { return launches[i].Before(launches[j]) })
	firstBatch := 0
	for _, at := range launches {
		if at.Sub(launches[0]) < 500*time.Millisecond {
			firstBatch++
		}
	}
	require.Equal(t, 10, firstBatch, "first batch must carry exactly ten windows")
	require.GreaterOrEqual(t, launches[10].Sub(launches[0]), 900*time.Millisecond,
		"second batch launched without pacing")
}

func TestCollector_Handle_StoresBrowseRecordsWhenEnabled(t *testing.T) {
	t.Parallel()
	f := newCollectorFixture(true)
	f.armEntry()
	f.armHistory([]domain.WatchRow{
		historyRow("jun-1", time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC), 45000),
		historyRow("jun-0", time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC), 15000),
	})
	f.armProgress()
	f.browse.On("BulkInsert", mock.Anything, mock.MatchedBy(func(records []domain.BrowseRecord) bool {
		return len(records) == 2 && records[0].AppUserID == "user-1" && records[0].StayDuration == 45.0
	})).Return(nil)
	f.armCompletion(func(p domain.WrappedPayload) bool { return p.TotalVideos == 2 })

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	f.browse.AssertExpectations(t)
}
