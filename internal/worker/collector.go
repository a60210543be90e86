package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
)

const (
	// maxConcurrentWindows is the archive's per-account export ceiling.
	maxConcurrentWindows = 10
	windowFetchLimit     = 900
	windowMaxPages       = 50
	finalizePollLimit    = 10
	finalizeBackoffCap   = 8 * time.Second
)

// syntheticSample stands in for an empty year so the analyzer still has a
// corpus to prompt over.
const syntheticSample = "no watch history recorded for 2025"

// Collector exports the year's watch history month by month, aggregates it
// into the wrapped payload and hands the job to the analyzers.
type Collector struct {
	Tasks    domain.TaskRepository
	Users    domain.UserRepository
	Payloads domain.PayloadRepository
	Browse   domain.BrowseRecordRepository
	Archive  domain.ArchiveClient
	Status   usecase.StatusService
	Bus      domain.Bus

	AnalyzeQueue  string
	WindowYear    int
	BrowseEnabled bool
}

func NewCollector(t domain.TaskRepository, u domain.UserRepository, p domain.PayloadRepository, br domain.BrowseRecordRepository, a domain.ArchiveClient, st usecase.StatusService, b domain.Bus, analyzeQueue string, windowYear int, browseEnabled bool) *Collector {
	return &Collector{
		Tasks: t, Users: u, Payloads: p, Browse: br, Archive: a, Status: st, Bus: b,
		AnalyzeQueue: analyzeQueue, WindowYear: windowYear, BrowseEnabled: browseEnabled,
	}
}

func (c *Collector) Handle(ctx domain.Context, msg domain.TaskMessage) error {
	lock, ok, err := c.Bus.AcquireLock(ctx, msg.TaskID)
	if err != nil {
		return fmt.Errorf("op=collect.lock: %w", err)
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

	task, err := c.Tasks.Get(ctx, msg.TaskID)
	if err != nil {
		c.fail(ctx, msg.TaskID, err)
		return fmt.Errorf("op=collect.load_task: %w", err)
	}
	if task.Status == domain.TaskPaused || task.Status == domain.TaskCancelled {
		slog.Info("task halted, skipping collection",
			slog.String("task_id", msg.TaskID),
			slog.String("status", string(task.Status)))
		return nil
	}

	user, err := c.Users.Get(ctx, msg.UserID)
	if err != nil {
		c.fail(ctx, msg.TaskID, err)
		return fmt.Errorf("op=collect.load_user: %w", err)
	}
	if user.LatestSecUserID == "" {
		cause := errors.New("user has no sec_user_id")
		c.fail(ctx, msg.TaskID, cause)
		return fmt.Errorf("op=collect.load_user: %w", cause)
	}

	windows := yearWindows(c.WindowYear)
	total, zero := len(windows), 0
	if err := c.Status.Set(ctx, msg.TaskID, domain.TaskCollecting, domain.TaskUpdate{
		CollectTotal:     &total,
		CollectCompleted: &zero,
	}); err != nil {
		c.fail(ctx, msg.TaskID, err)
		return fmt.Errorf("op=collect.init_progress: %w", err)
	}

	perWindow := make([][]domain.WatchRow, len(windows))
	errs := make([]error, len(windows))
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)

	for start := 0; start < len(windows); start += maxConcurrentWindows {
		if start > 0 {
			if t, terr := c.Tasks.Get(ctx, msg.TaskID); terr == nil &&
				(t.Status == domain.TaskPaused || t.Status == domain.TaskCancelled) {
				slog.Info("task halted mid-collection",
					slog.String("task_id", msg.TaskID),
					slog.String("status", string(t.Status)))
				return nil
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("op=collect.pacing: %w", err)
		}

		end := start + maxConcurrentWindows
		if end > len(windows) {
			end = len(windows)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rows, werr := c.fetchWindow(ctx, msg.TaskID, user.LatestSecUserID, windows[i])
				if werr != nil {
					errs[i] = werr
					return
				}
				perWindow[i] = rows
				if _, perr := c.Status.AddCollectProgress(ctx, msg.TaskID, i+1, 1); perr != nil {
					slog.Warn("collect progress not recorded",
						slog.String("task_id", msg.TaskID), slog.Any("error", perr))
				}
			}(i)
		}
		wg.Wait()
	}
	for _, werr := range errs {
		if werr != nil {
			c.fail(ctx, msg.TaskID, werr)
			return fmt.Errorf("op=collect.windows: %w", werr)
		}
	}

	var all []domain.WatchRow
	for _, rows := range perWindow {
		all = append(all, rows...)
	}

	payload := summarizeRows(all, loadZone(user.TimeZone))
	payload.PlatformUsername = user.PlatformUsername
	payload.Email = user.Email
	payload.DataJobs = map[string]domain.DataJobRef{
		"watch_history": {ID: msg.TaskID, Status: "succeeded"},
	}
	if len(payload.SampleTexts) == 0 {
		payload.SampleTexts = []string{syntheticSample}
	}

	if c.BrowseEnabled && len(all) > 0 {
		if err := c.Browse.BulkInsert(ctx, browseRecords(msg.UserID, all)); err != nil {
			slog.Warn("browse records not stored",
				slog.String("task_id", msg.TaskID), slog.Any("error", err))
		}
	}

	if err := c.Payloads.Upsert(ctx, msg.TaskID, msg.UserID, payload); err != nil {
		c.fail(ctx, msg.TaskID, err)
		return fmt.Errorf("op=collect.persist: %w", err)
	}
	completed := domain.StageCompleted
	if err := c.Status.Set(ctx, msg.TaskID, domain.TaskAnalyzing, domain.TaskUpdate{
		CollectStatus: &completed,
	}); err != nil {
		c.fail(ctx, msg.TaskID, err)
		return fmt.Errorf("op=collect.advance: %w", err)
	}
	// The payload is durable; a lost handoff leaves the job in analyzing for
	// the sweeper or a manual retry, never without data.
	if err := c.Bus.Push(ctx, c.AnalyzeQueue, domain.TaskMessage{TaskID: msg.TaskID, UserID: msg.UserID}); err != nil {
		return fmt.Errorf("op=collect.enqueue_analyze: %w", err)
	}
	slog.Info("collection completed",
		slog.String("task_id", msg.TaskID),
		slog.Int("videos", payload.TotalVideos))
	return nil
}

// fetchWindow runs the per-window export protocol: start the export, poll
// its finalization, then page rows newest-first until the window start.
// Abandoned or never-ready exports yield an empty window, not an error.
func (c *Collector) fetchWindow(ctx domain.Context, taskID, secUserID string, w window) ([]domain.WatchRow, error) {
	started, err := c.Archive.StartWatchHistory(ctx, taskID, secUserID, windowFetchLimit, windowMaxPages, strconv.FormatInt(w.StartMS, 10))
	if err != nil {
		return nil, fmt.Errorf("op=collect.start_window: %w", err)
	}

	ready := false
	backoff := time.Second
	for attempt := 0; attempt < finalizePollLimit; attempt++ {
		fin, ferr := c.Archive.FinalizeWatchHistory(ctx, taskID, started.DataJobID)
		if ferr == nil {
			if fin.State == domain.FinalizeReady {
				ready = true
				break
			}
			if fin.State == domain.FinalizeAbandoned {
				return nil, nil
			}
		} else {
			slog.Warn("finalize poll failed",
				slog.String("task_id", taskID),
				slog.String("data_job_id", started.DataJobID),
				slog.Any("error", ferr))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > finalizeBackoffCap {
			backoff = finalizeBackoffCap
		}
	}
	if !ready {
		return nil, nil
	}

	var rows []domain.WatchRow
	before := ""
	for {
		page, perr := c.Archive.GetWatchHistory(ctx, taskID, secUserID, windowFetchLimit, before)
		if perr != nil {
			return nil, fmt.Errorf("op=collect.page_window: %w", perr)
		}
		if len(page.Rows) == 0 {
			break
		}
		for _, row := range page.Rows {
			at, ok := row.WatchedAtTime()
			if !ok {
				continue
			}
			ms := at.UnixMilli()
			if ms >= w.EndMS {
				continue
			}
			if ms < w.StartMS {
				// Pages are newest-first; the window is exhausted.
				return rows, nil
			}
			rows = append(rows, row)
		}
		if page.NextBefore == "" {
			break
		}
		before = page.NextBefore
	}
	return rows, nil
}

// fail records a collection failure on both the stage field and the job.
func (c *Collector) fail(ctx domain.Context, taskID string, cause error) {
	failed := domain.StageFailed
	errMsg := fmt.Sprintf("collection exception: %v", cause)
	if err := c.Status.Set(ctx, taskID, domain.TaskFailed, domain.TaskUpdate{
		CollectStatus: &failed,
		ErrorMsg:      &errMsg,
	}); err != nil {
		slog.Error("failure mark did not persist",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}

func browseRecords(appUserID string, rows []domain.WatchRow) []domain.BrowseRecord {
	out := make([]domain.BrowseRecord, 0, len(rows))
	for _, row := range rows {
		at, ok := row.WatchedAtTime()
		if !ok {
			continue
		}
		times := row.ApproxTimesWatched
		if times <= 0 {
			times = 1
		}
		out = append(out, domain.BrowseRecord{
			AppUserID:    appUserID,
			URL:          row.URL,
			BrowseTime:   at,
			StayDuration: float64(row.DurationMS) / 1000 * float64(times),
		})
	}
	return out
}
