// Package mocks provides testify mocks for the domain ports. They are
// hand-maintained; keep them in sync with ports.go when a port changes.
package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// MockTaskRepository mocks domain.TaskRepository.
type MockTaskRepository struct{ mock.Mock }

func (m *MockTaskRepository) Create(ctx domain.Context, t domain.Task) error {
	return m.Called(ctx, t).Error(0)
}

func (m *MockTaskRepository) Get(ctx domain.Context, taskID string) (domain.Task, error) {
	args := m.Called(ctx, taskID)
	return args.Get(0).(domain.Task), args.Error(1)
}

func (m *MockTaskRepository) Update(ctx domain.Context, taskID string, patch domain.TaskUpdate) error {
	return m.Called(ctx, taskID, patch).Error(0)
}

func (m *MockTaskRepository) IncrRegionRetry(ctx domain.Context, taskID string) (int, error) {
	args := m.Called(ctx, taskID)
	return args.Int(0), args.Error(1)
}

func (m *MockTaskRepository) AddCollectProgress(ctx domain.Context, taskID string, page, delta int) (domain.Task, error) {
	args := m.Called(ctx, taskID, page, delta)
	return args.Get(0).(domain.Task), args.Error(1)
}

func (m *MockTaskRepository) LatestByUser(ctx domain.Context, appUserID string) (domain.Task, error) {
	args := m.Called(ctx, appUserID)
	return args.Get(0).(domain.Task), args.Error(1)
}

func (m *MockTaskRepository) ListStale(ctx domain.Context, statuses []domain.TaskStatus, updatedBefore time.Time, limit int) ([]domain.Task, error) {
	args := m.Called(ctx, statuses, updatedBefore, limit)
	var tasks []domain.Task
	if v := args.Get(0); v != nil {
		tasks = v.([]domain.Task)
	}
	return tasks, args.Error(1)
}

// MockUserRepository mocks domain.UserRepository.
type MockUserRepository struct{ mock.Mock }

func (m *MockUserRepository) Create(ctx domain.Context, u domain.User) error {
	return m.Called(ctx, u).Error(0)
}

func (m *MockUserRepository) Get(ctx domain.Context, appUserID string) (domain.User, error) {
	args := m.Called(ctx, appUserID)
	return args.Get(0).(domain.User), args.Error(1)
}

func (m *MockUserRepository) Update(ctx domain.Context, appUserID string, patch domain.UserPatch) error {
	return m.Called(ctx, appUserID, patch).Error(0)
}

func (m *MockUserRepository) SetWaitlist(ctx domain.Context, appUserID string, optIn bool, at time.Time) error {
	return m.Called(ctx, appUserID, optIn, at).Error(0)
}

// MockSessionRepository mocks domain.SessionRepository.
type MockSessionRepository struct{ mock.Mock }

func (m *MockSessionRepository) Insert(ctx domain.Context, s domain.Session) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockSessionRepository) FindActive(ctx domain.Context, appUserID, deviceID string) (domain.Session, error) {
	args := m.Called(ctx, appUserID, deviceID)
	return args.Get(0).(domain.Session), args.Error(1)
}

func (m *MockSessionRepository) FindByTokenHash(ctx domain.Context, tokenHash string) (domain.Session, error) {
	args := m.Called(ctx, tokenHash)
	return args.Get(0).(domain.Session), args.Error(1)
}

func (m *MockSessionRepository) Rotate(ctx domain.Context, s domain.Session) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockSessionRepository) Touch(ctx domain.Context, sessionID string, expiresAt time.Time) error {
	return m.Called(ctx, sessionID, expiresAt).Error(0)
}

// MockPayloadRepository mocks domain.PayloadRepository.
type MockPayloadRepository struct{ mock.Mock }

func (m *MockPayloadRepository) Upsert(ctx domain.Context, taskID, appUserID string, p domain.WrappedPayload) error {
	return m.Called(ctx, taskID, appUserID, p).Error(0)
}

func (m *MockPayloadRepository) Get(ctx domain.Context, taskID string) (domain.WrappedPayload, error) {
	args := m.Called(ctx, taskID)
	return args.Get(0).(domain.WrappedPayload), args.Error(1)
}

// MockCallLogRepository mocks domain.CallLogRepository.
type MockCallLogRepository struct{ mock.Mock }

func (m *MockCallLogRepository) Create(ctx domain.Context, l domain.APICallLog) error {
	return m.Called(ctx, l).Error(0)
}

func (m *MockCallLogRepository) ListByTask(ctx domain.Context, taskID string, limit int) ([]domain.APICallLog, error) {
	args := m.Called(ctx, taskID, limit)
	var logs []domain.APICallLog
	if v := args.Get(0); v != nil {
		logs = v.([]domain.APICallLog)
	}
	return logs, args.Error(1)
}

// MockRetryStrategyRepository mocks domain.RetryStrategyRepository.
type MockRetryStrategyRepository struct{ mock.Mock }

func (m *MockRetryStrategyRepository) Get(ctx domain.Context, apiType string) (domain.RetryStrategy, error) {
	args := m.Called(ctx, apiType)
	return args.Get(0).(domain.RetryStrategy), args.Error(1)
}

func (m *MockRetryStrategyRepository) Seed(ctx domain.Context, strategies []domain.RetryStrategy) error {
	return m.Called(ctx, strategies).Error(0)
}

// MockBrowseRecordRepository mocks domain.BrowseRecordRepository.
type MockBrowseRecordRepository struct{ mock.Mock }

func (m *MockBrowseRecordRepository) BulkInsert(ctx domain.Context, records []domain.BrowseRecord) error {
	return m.Called(ctx, records).Error(0)
}

// MockLock mocks domain.Lock.
type MockLock struct{ mock.Mock }

func (m *MockLock) Release(ctx domain.Context) error {
	return m.Called(ctx).Error(0)
}

// MockBus mocks domain.Bus.
type MockBus struct{ mock.Mock }

func (m *MockBus) Push(ctx domain.Context, queue string, msg domain.TaskMessage) error {
	return m.Called(ctx, queue, msg).Error(0)
}

func (m *MockBus) PopAny(ctx domain.Context, timeout time.Duration, queues ...string) (string, *domain.TaskMessage, error) {
	callArgs := make([]any, 0, len(queues)+2)
	callArgs = append(callArgs, ctx, timeout)
	for _, q := range queues {
		callArgs = append(callArgs, q)
	}
	args := m.Called(callArgs...)
	var msg *domain.TaskMessage
	if v := args.Get(1); v != nil {
		msg = v.(*domain.TaskMessage)
	}
	return args.String(0), msg, args.Error(2)
}

func (m *MockBus) SetStatus(ctx domain.Context, taskID string, fields map[string]any) error {
	return m.Called(ctx, taskID, fields).Error(0)
}

func (m *MockBus) IncrStatus(ctx domain.Context, taskID, field string, delta int64) (int64, error) {
	args := m.Called(ctx, taskID, field, delta)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBus) GetStatus(ctx domain.Context, taskID string) (map[string]string, error) {
	args := m.Called(ctx, taskID)
	var fields map[string]string
	if v := args.Get(0); v != nil {
		fields = v.(map[string]string)
	}
	return fields, args.Error(1)
}

func (m *MockBus) AcquireLock(ctx domain.Context, taskID string) (domain.Lock, bool, error) {
	args := m.Called(ctx, taskID)
	var l domain.Lock
	if v := args.Get(0); v != nil {
		l = v.(domain.Lock)
	}
	return l, args.Bool(1), args.Error(2)
}

// MockArchiveClient mocks domain.ArchiveClient.
type MockArchiveClient struct{ mock.Mock }

func (m *MockArchiveClient) StartLinkAuth(ctx domain.Context, anchorToken string) (domain.LinkStart, error) {
	args := m.Called(ctx, anchorToken)
	return args.Get(0).(domain.LinkStart), args.Error(1)
}

func (m *MockArchiveClient) GetRedirect(ctx domain.Context, archiveJobID string) (domain.RedirectPoll, error) {
	args := m.Called(ctx, archiveJobID)
	return args.Get(0).(domain.RedirectPoll), args.Error(1)
}

func (m *MockArchiveClient) GetAuthorizationCode(ctx domain.Context, archiveJobID string) (domain.CodePoll, error) {
	args := m.Called(ctx, archiveJobID)
	return args.Get(0).(domain.CodePoll), args.Error(1)
}

func (m *MockArchiveClient) FinalizeLink(ctx domain.Context, archiveJobID, authorizationCode, anchorToken string) (domain.LinkFinal, error) {
	args := m.Called(ctx, archiveJobID, authorizationCode, anchorToken)
	return args.Get(0).(domain.LinkFinal), args.Error(1)
}

func (m *MockArchiveClient) StartWatchHistory(ctx domain.Context, taskID, secUserID string, limit, maxPages int, cursor string) (domain.HistoryStart, error) {
	args := m.Called(ctx, taskID, secUserID, limit, maxPages, cursor)
	return args.Get(0).(domain.HistoryStart), args.Error(1)
}

func (m *MockArchiveClient) FinalizeWatchHistory(ctx domain.Context, taskID, dataJobID string) (domain.HistoryFinalize, error) {
	args := m.Called(ctx, taskID, dataJobID)
	return args.Get(0).(domain.HistoryFinalize), args.Error(1)
}

func (m *MockArchiveClient) GetWatchHistory(ctx domain.Context, taskID, secUserID string, limit int, before string) (domain.HistoryPage, error) {
	args := m.Called(ctx, taskID, secUserID, limit, before)
	return args.Get(0).(domain.HistoryPage), args.Error(1)
}

func (m *MockArchiveClient) VerifyAvailability(ctx domain.Context, taskID, secUserID string, onRetry domain.AttemptHook) (int, error) {
	args := m.Called(ctx, taskID, secUserID, onRetry)
	return args.Int(0), args.Error(1)
}

// MockLLMClient mocks domain.LLMClient.
type MockLLMClient struct{ mock.Mock }

func (m *MockLLMClient) Chat(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	args := m.Called(ctx, systemPrompt, userPrompt, maxTokens)
	return args.String(0), args.Error(1)
}

// MockMailer mocks domain.Mailer.
type MockMailer struct{ mock.Mock }

func (m *MockMailer) SendWrappedReady(ctx domain.Context, to, appUserID string) error {
	return m.Called(ctx, to, appUserID).Error(0)
}
