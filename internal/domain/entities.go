// Package domain holds the core entities, error taxonomy and ports of the
// wrapped pipeline. Adapters (Postgres, Redis, Archive, LLM, SES) implement
// the ports; usecases and workers consume them.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrJobNotFound             = errors.New("job not found")
	ErrUserNotFound            = errors.New("user not found")
	ErrMissingBearer           = errors.New("missing bearer")
	ErrInvalidSession          = errors.New("invalid session")
	ErrInvalidDevice           = errors.New("invalid device")
	ErrSecUserIDRequired       = errors.New("sec user id required")
	ErrWatchHistoryUnavailable = errors.New("watch history unavailable")
	ErrWatchHistoryUnknown     = errors.New("watch history unknown")
	ErrInternal                = errors.New("internal error")
)

// TaskStatus is the lifecycle state of a wrapped job.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskVerifying  TaskStatus = "verifying"
	TaskRetrying   TaskStatus = "retrying"
	TaskCollecting TaskStatus = "collecting"
	TaskAnalyzing  TaskStatus = "analyzing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskPaused     TaskStatus = "paused"
	TaskCancelled  TaskStatus = "cancelled"
	TaskRejected   TaskStatus = "rejected"
	TaskFinalized  TaskStatus = "finalized"
)

// Per-stage status values stored alongside the lifecycle state.
const (
	StageNotStarted  = "not_started"
	StageNotExecuted = "not_executed"
	StageSuccess     = "success"
	StageCompleted   = "completed"
	StageFailed      = "failed"
	StageTimeout     = "timeout"
	EmailSent        = "sent"
)

// Availability reflects whether watch history can be fetched for a user.
type Availability string

const (
	AvailabilityUnknown Availability = "unknown"
	AvailabilityYes     Availability = "yes"
	AvailabilityNo      Availability = "no"
)

// Task is a wrapped job. TaskID adopts the archive_job_id returned by the
// link handshake; ad-hoc jobs get a generated id. A task is mutated by at
// most one worker at a time (per-task lock) and is never destroyed.
type Task struct {
	TaskID             string
	AppUserID          string
	DeviceID           string
	IPAddress          string
	Status             TaskStatus
	RegionVerifyStatus string
	CollectStatus      string
	AnalysisStatus     string
	EmailStatus        string
	CollectTotal       int
	CollectCompleted   int
	CollectPage        int
	RegionRetryCount   int
	ErrorMsg           string
	CreateTime         time.Time
	UpdateTime         time.Time
}

// TaskUpdate carries the optional fields of a status mutation. Nil fields are
// left untouched; the repository builds a single UPDATE from the set ones and
// the status service mirrors the same fields into the cache hash afterwards.
type TaskUpdate struct {
	Status             *TaskStatus
	AppUserID          *string
	RegionVerifyStatus *string
	CollectStatus      *string
	AnalysisStatus     *string
	EmailStatus        *string
	CollectTotal       *int
	CollectCompleted   *int
	CollectPage        *int
	RegionRetryCount   *int
	ErrorMsg           *string
}

// User is the canonical application user. It is read as a snapshot, patched,
// and written back in a single update.
type User struct {
	AppUserID         string
	ArchiveUserID     string
	LatestSecUserID   string
	PlatformUsername  string
	Email             string
	TimeZone          string
	LatestAnchorToken string
	Availability      Availability
	WaitlistOptIn     bool
	WaitlistOptInAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UserPatch is the optional-field update for a user snapshot. A change of
// LatestSecUserID must be accompanied by Availability=unknown in the same
// patch; the link finalizer enforces that.
type UserPatch struct {
	ArchiveUserID     *string
	LatestSecUserID   *string
	PlatformUsername  *string
	Email             *string
	TimeZone          *string
	LatestAnchorToken *string
	Availability      *Availability
}

// Session is a device-bound bearer artifact. At most one active (non-revoked,
// non-expired) session exists per (app_user_id, device_id); finalize rotates
// the token in place keeping the session id.
type Session struct {
	SessionID      string
	AppUserID      string
	DeviceID       string
	Platform       string
	AppVersion     string
	OSVersion      string
	TokenHash      string
	TokenEncrypted string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time
}

// Device carries the identifying headers of a device-authenticated request.
type Device struct {
	DeviceID   string
	Platform   string
	AppVersion string
	OSVersion  string
}

// CallStatus classifies the outcome of an outbound API call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallFailed  CallStatus = "failed"
	CallTimeout CallStatus = "timeout"
)

// APICallLog is one append-only row per outbound call, written regardless of
// outcome. The write is best-effort and never masks the call's result.
type APICallLog struct {
	LogID          int64
	TaskID         string
	APIType        string
	RequestURL     string
	RequestParams  string
	RequestHeaders string
	ResponseCode   *int
	ResponseBody   string
	CostSeconds    float64
	Status         CallStatus
	ErrorDetail    string
	RetryCount     int
	CallTime       time.Time
}

// RetryStrategy tunes the retry engine per api_type.
type RetryStrategy struct {
	APIType       string
	MaxRetryCount int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
}

// DefaultRetryStrategy applies when no row exists for an api_type.
func DefaultRetryStrategy(apiType string) RetryStrategy {
	return RetryStrategy{
		APIType:       apiType,
		MaxRetryCount: 3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
	}
}

// BrowseRecord is an optional raw history row kept for inspection.
type BrowseRecord struct {
	AppUserID    string
	URL          string
	BrowseTime   time.Time
	StayDuration float64
}

// RetryType routes a retry-queue item to its stage.
type RetryType string

const (
	RetryVerify  RetryType = "verify"
	RetryCollect RetryType = "collect"
	RetryAnalyze RetryType = "analyze"
)

// TaskMessage is the JSON envelope pushed through the queues. Retry-shaped
// items carry RetryType and may omit UserID; stage handlers rehydrate missing
// fields from the store.
type TaskMessage struct {
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	RetryType RetryType `json:"retry_type,omitempty"`
}

// NewTaskID generates an id for ad-hoc jobs created outside the link flow.
func NewTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// Context aliases context.Context so ports read tersely.
type Context = context.Context
