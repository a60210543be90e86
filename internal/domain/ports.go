package domain

import "time"

// TaskRepository persists wrapped jobs. The durable row is the source of
// truth; the Redis status hash is a mirror written after each commit.
type TaskRepository interface {
	Create(ctx Context, t Task) error
	Get(ctx Context, taskID string) (Task, error)
	// Update applies the set fields of the patch in a single UPDATE and
	// bumps update_time. Unknown task ids map to ErrNotFound.
	Update(ctx Context, taskID string, patch TaskUpdate) error
	// IncrRegionRetry atomically bumps region_retry_count and returns the
	// new value.
	IncrRegionRetry(ctx Context, taskID string) (int, error)
	// AddCollectProgress bumps collect_completed by delta, records the
	// progress cursor and returns the updated row so callers can derive a
	// percentage.
	AddCollectProgress(ctx Context, taskID string, page, delta int) (Task, error)
	// LatestByUser returns the most recently created task bound to a user.
	LatestByUser(ctx Context, appUserID string) (Task, error)
	// ListStale returns tasks stuck in the given statuses whose update_time
	// is older than the cutoff.
	ListStale(ctx Context, statuses []TaskStatus, updatedBefore time.Time, limit int) ([]Task, error)
}

// UserRepository persists canonical user snapshots.
type UserRepository interface {
	Create(ctx Context, u User) error
	Get(ctx Context, appUserID string) (User, error)
	// Update applies the set fields of the patch in a single UPDATE.
	Update(ctx Context, appUserID string, patch UserPatch) error
	// SetWaitlist toggles the waitlist flag and stamps or clears the opt-in
	// time accordingly.
	SetWaitlist(ctx Context, appUserID string, optIn bool, at time.Time) error
}

// SessionRepository persists device-bound sessions.
type SessionRepository interface {
	Insert(ctx Context, s Session) error
	// FindActive returns the non-revoked, non-expired session for a
	// (user, device) pair, or ErrNotFound.
	FindActive(ctx Context, appUserID, deviceID string) (Session, error)
	// FindByTokenHash resolves a presented token; expiry and revocation are
	// checked by the caller against the returned row.
	FindByTokenHash(ctx Context, tokenHash string) (Session, error)
	// Rotate replaces the token material of an existing session in place,
	// keeping its session id.
	Rotate(ctx Context, s Session) error
	// Touch slides the expiry of a validated session.
	Touch(ctx Context, sessionID string, expiresAt time.Time) error
}

// PayloadRepository persists the wrapped artifact, one row per task.
type PayloadRepository interface {
	Upsert(ctx Context, taskID, appUserID string, p WrappedPayload) error
	Get(ctx Context, taskID string) (WrappedPayload, error)
}

// CallLogRepository appends audit rows for outbound API calls.
type CallLogRepository interface {
	Create(ctx Context, l APICallLog) error
	ListByTask(ctx Context, taskID string, limit int) ([]APICallLog, error)
}

// RetryStrategyRepository reads per-api_type retry tuning. Lookups that fail
// fall back to DefaultRetryStrategy in the engine, never to an error.
type RetryStrategyRepository interface {
	Get(ctx Context, apiType string) (RetryStrategy, error)
	// Seed inserts strategies that do not exist yet; present rows win.
	Seed(ctx Context, strategies []RetryStrategy) error
}

// BrowseRecordRepository bulk-inserts raw history rows for inspection.
type BrowseRecordRepository interface {
	BulkInsert(ctx Context, records []BrowseRecord) error
}

// Lock is a held per-task mutex.
type Lock interface {
	// Release is owner-checked: it deletes the lock only when still held by
	// this acquirer.
	Release(ctx Context) error
}

// Bus is the shared Redis surface: list queues for stage handoff, a status
// hash per task for cheap reads, and per-task locks.
type Bus interface {
	// Push enqueues a message at the head of a queue (LPUSH).
	Push(ctx Context, queue string, msg TaskMessage) error
	// PopAny blocks up to timeout on the given queues in priority order and
	// returns the queue name with the popped message. A nil message with a
	// nil error means the timeout elapsed.
	PopAny(ctx Context, timeout time.Duration, queues ...string) (string, *TaskMessage, error)
	// SetStatus writes fields into the task's status hash.
	SetStatus(ctx Context, taskID string, fields map[string]any) error
	// IncrStatus increments a numeric field of the status hash.
	IncrStatus(ctx Context, taskID, field string, delta int64) (int64, error)
	// GetStatus reads the whole status hash; an empty map means no mirror.
	GetStatus(ctx Context, taskID string) (map[string]string, error)
	// AcquireLock takes the per-task lock. ok=false means another holder.
	AcquireLock(ctx Context, taskID string) (Lock, bool, error)
}

// AttemptHook observes each retry attempt of an outbound call before the
// engine sleeps. attempt is 1-based.
type AttemptHook func(ctx Context, attempt int)

// LinkStart is the archive's answer to a link handshake start.
type LinkStart struct {
	ArchiveJobID  string
	ExpiresAt     *time.Time
	QueuePosition *int
}

// PollState is the tri-state of the redirect and code polls.
type PollState string

const (
	PollReady   PollState = "ready"
	PollPending PollState = "pending"
	PollExpired PollState = "expired"
)

// RedirectPoll is one poll of the provider redirect URL.
type RedirectPoll struct {
	State         PollState
	RedirectURL   string
	QRData        map[string]any
	QueuePosition *int
}

// CodePoll is one poll of the authorization code.
type CodePoll struct {
	State             PollState
	AuthorizationCode string
	ExpiresAt         *time.Time
	QueuePosition     *int
}

// LinkFinal is the archive's identity snapshot after code exchange.
type LinkFinal struct {
	ArchiveUserID    string
	SecUserID        string
	PlatformUsername string
	AnchorToken      string
}

// MusicRef is the sound attached to a watched video.
type MusicRef struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

// WatchRow is one watch-history row as returned by the archive.
type WatchRow struct {
	VideoID            string    `json:"video_id"`
	URL                string    `json:"url,omitempty"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Hashtags           []string  `json:"hashtags,omitempty"`
	Music              *MusicRef `json:"music,omitempty"`
	Author             string    `json:"author"`
	DurationMS         int64     `json:"duration_ms"`
	ApproxTimesWatched int       `json:"approx_times_watched"`
	WatchedAt          string    `json:"watched_at"`
}

// WatchedAtTime parses the row timestamp. ok=false marks an unparseable row,
// which collectors skip.
func (r WatchRow) WatchedAtTime() (time.Time, bool) {
	if r.WatchedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, r.WatchedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// HistoryStart acknowledges a watch-history export job.
type HistoryStart struct {
	DataJobID string
}

// FinalizeState reports whether a history export is ready to page.
type FinalizeState string

const (
	FinalizeReady     FinalizeState = "ready"
	FinalizePending   FinalizeState = "pending"
	FinalizeAbandoned FinalizeState = "abandoned"
)

// HistoryFinalize is one poll of a history export job.
type HistoryFinalize struct {
	State FinalizeState
}

// HistoryPage is one page of watch-history rows, newest first.
type HistoryPage struct {
	Rows       []WatchRow
	NextBefore string
}

// ArchiveClient talks to the archive service. All calls run through the
// retry engine and append one APICallLog row per attempt set.
type ArchiveClient interface {
	StartLinkAuth(ctx Context, anchorToken string) (LinkStart, error)
	GetRedirect(ctx Context, archiveJobID string) (RedirectPoll, error)
	GetAuthorizationCode(ctx Context, archiveJobID string) (CodePoll, error)
	FinalizeLink(ctx Context, archiveJobID, authorizationCode, anchorToken string) (LinkFinal, error)
	// StartWatchHistory opens an export window; cursor is the window start
	// in epoch milliseconds.
	StartWatchHistory(ctx Context, taskID, secUserID string, limit, maxPages int, cursor string) (HistoryStart, error)
	FinalizeWatchHistory(ctx Context, taskID, dataJobID string) (HistoryFinalize, error)
	// GetWatchHistory pages rows newest-first; before="" starts at the top.
	GetWatchHistory(ctx Context, taskID, secUserID string, limit int, before string) (HistoryPage, error)
	// VerifyAvailability probes whether history can be exported for the
	// user. It runs under the region_verify api_type so onRetry can count
	// attempts durably. The returned attempts include the first try.
	VerifyAvailability(ctx Context, taskID, secUserID string, onRetry AttemptHook) (int, error)
}

// LLMClient is a chat-completion client returning the raw assistant text.
type LLMClient interface {
	Chat(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Mailer sends the wrapped-ready notification.
type Mailer interface {
	SendWrappedReady(ctx Context, to, appUserID string) error
}
