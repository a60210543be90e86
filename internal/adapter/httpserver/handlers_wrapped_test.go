package httpserver_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

func TestWrappedStatusHandler_Pending(t *testing.T) {
	t.Parallel()
	f := newServerFixture()

	f.tasks.On("LatestByUser", mock.Anything, "user-1").
		Return(domain.Task{TaskID: "run-1", AppUserID: "user-1"}, nil)
	f.payloads.On("Get", mock.Anything, "run-1").
		Return(domain.WrappedPayload{}, domain.ErrNotFound)

	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/link/tiktok/wrapped/user-1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status       string          `json:"status"`
		WrappedRunID string          `json:"wrapped_run_id"`
		Wrapped      json.RawMessage `json:"wrapped"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "run-1", resp.WrappedRunID)
	assert.Nil(t, resp.Wrapped)
}

func TestWrappedStatusHandler_Ready(t *testing.T) {
	t.Parallel()
	f := newServerFixture()

	peak := 23
	f.tasks.On("LatestByUser", mock.Anything, "user-1").
		Return(domain.Task{TaskID: "run-1", AppUserID: "user-1"}, nil)
	f.payloads.On("Get", mock.Anything, "run-1").
		Return(domain.WrappedPayload{
			TotalHours:  412.5,
			TotalVideos: 18200,
			NightPct:    37.2,
			PeakHour:    &peak,
			SampleTexts: []string{"never served"},
		}, nil)

	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/link/tiktok/wrapped/user-1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status  string                 `json:"status"`
		Wrapped map[string]interface{} `json:"wrapped"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	require.NotNil(t, resp.Wrapped)
	assert.Equal(t, 412.5, resp.Wrapped["total_hours"])
	assert.NotContains(t, resp.Wrapped, "_sample_texts")
}

func TestWrappedStatusHandler_NoRuns(t *testing.T) {
	t.Parallel()
	f := newServerFixture()

	f.tasks.On("LatestByUser", mock.Anything, "ghost").
		Return(domain.Task{}, domain.ErrNotFound)

	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/link/tiktok/wrapped/ghost", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeErrorCode(t, w))
}

func TestWrappedRequestHandler_QueuesRerun(t *testing.T) {
	t.Parallel()
	f := newServerFixture()
	token := f.armSession("user-1")

	f.users.On("Get", mock.Anything, "user-1").Return(domain.User{
		AppUserID:       "user-1",
		LatestSecUserID: "sec-1",
		Availability:    domain.AvailabilityYes,
		Email:           "wrapped@example.com",
		TimeZone:        "Asia/Jakarta",
	}, nil)
	f.tasks.On("LatestByUser", mock.Anything, "user-1").
		Return(domain.Task{TaskID: "run-1", AppUserID: "user-1"}, nil)
	f.bus.On("Push", mock.Anything, "task:queue:retry",
		domain.TaskMessage{TaskID: "run-1", RetryType: domain.RetryCollect}).Return(nil)
	f.payloads.On("Get", mock.Anything, "run-1").
		Return(domain.WrappedPayload{}, domain.ErrNotFound)

	body := `{"email":"wrapped@example.com","time_zone":"Asia/Jakarta"}`
	req := withDevice(httptest.NewRequest(http.MethodPost, "/link/tiktok/wrapped-request", strings.NewReader(body)))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status        string `json:"status"`
		WrappedRunID  string `json:"wrapped_run_id"`
		EmailDelivery string `json:"email_delivery"`
		ExistingRunID string `json:"existing_run_id"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "run-1", resp.WrappedRunID)
	assert.Equal(t, "queued", resp.EmailDelivery)
	assert.Empty(t, resp.ExistingRunID)
	f.bus.AssertExpectations(t)
}

func TestWrappedRequestHandler_ReadyPointsAtExistingRun(t *testing.T) {
	t.Parallel()
	f := newServerFixture()
	token := f.armSession("user-1")

	f.users.On("Get", mock.Anything, "user-1").Return(domain.User{
		AppUserID:       "user-1",
		LatestSecUserID: "sec-1",
		Availability:    domain.AvailabilityYes,
		Email:           "wrapped@example.com",
		TimeZone:        "Asia/Jakarta",
	}, nil)
	f.tasks.On("LatestByUser", mock.Anything, "user-1").
		Return(domain.Task{TaskID: "run-1", AppUserID: "user-1"}, nil)
	f.bus.On("Push", mock.Anything, "task:queue:retry", mock.Anything).Return(nil)
	f.payloads.On("Get", mock.Anything, "run-1").
		Return(domain.WrappedPayload{TotalHours: 10}, nil)

	body := `{"email":"wrapped@example.com","time_zone":"Asia/Jakarta"}`
	req := withDevice(httptest.NewRequest(http.MethodPost, "/link/tiktok/wrapped-request", strings.NewReader(body)))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status        string `json:"status"`
		ExistingRunID string `json:"existing_run_id"`
		EmailDelivery string `json:"email_delivery"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "run-1", resp.ExistingRunID)
	assert.Empty(t, resp.EmailDelivery)
}

func TestWrappedRequestHandler_UnavailableRegion(t *testing.T) {
	t.Parallel()
	f := newServerFixture()
	token := f.armSession("user-1")

	f.users.On("Get", mock.Anything, "user-1").Return(domain.User{
		AppUserID:       "user-1",
		LatestSecUserID: "sec-1",
		Availability:    domain.AvailabilityNo,
		Email:           "wrapped@example.com",
		TimeZone:        "Asia/Jakarta",
	}, nil)
	f.tasks.On("LatestByUser", mock.Anything, "user-1").
		Return(domain.Task{TaskID: "run-1"}, nil)

	body := `{"email":"wrapped@example.com","time_zone":"Asia/Jakarta"}`
	req := withDevice(httptest.NewRequest(http.MethodPost, "/link/tiktok/wrapped-request", strings.NewReader(body)))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "watch_history_unavailable", decodeErrorCode(t, w))
	f.bus.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
}

func TestWrappedRequestHandler_RequiresTimeZone(t *testing.T) {
	t.Parallel()
	f := newServerFixture()
	token := f.armSession("user-1")

	body := `{"email":"wrapped@example.com"}`
	req := withDevice(httptest.NewRequest(http.MethodPost, "/link/tiktok/wrapped-request", strings.NewReader(body)))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var e struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&e))
	assert.Equal(t, "invalid_argument", e.Error.Code)
	assert.Contains(t, e.Error.Details, "timezone")
	f.users.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestVerifyRegionHandler_Yes(t *testing.T) {
	t.Parallel()
	f := newServerFixture()
	token := f.armSession("user-1")

	f.users.On("Get", mock.Anything, "user-1").
		Return(domain.User{AppUserID: "user-1", LatestSecUserID: "sec-1"}, nil)
	f.archive.On("VerifyAvailability", mock.Anything, "", "sec-1", mock.Anything).Return(1, nil)
	f.users.On("Update", mock.Anything, "user-1", mock.Anything).Return(nil)

	req := withDevice(httptest.NewRequest(http.MethodPost, "/link/tiktok/verify-region", nil))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		IsWatchHistoryAvailable string `json:"is_watch_history_available"`
		Attempts                int    `json:"attempts"`
		LastError               string `json:"last_error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "yes", resp.IsWatchHistoryAvailable)
	assert.Equal(t, 1, resp.Attempts)
	assert.Empty(t, resp.LastError)
}

func TestVerifyRegionHandler_NoReportsLastError(t *testing.T) {
	t.Parallel()
	f := newServerFixture()
	token := f.armSession("user-1")

	f.users.On("Get", mock.Anything, "user-1").
		Return(domain.User{AppUserID: "user-1", LatestSecUserID: "sec-1"}, nil)
	f.archive.On("VerifyAvailability", mock.Anything, "", "sec-1", mock.Anything).
		Return(3, errors.New("watch history export not offered"))
	f.users.On("Update", mock.Anything, "user-1", mock.Anything).Return(nil)

	req := withDevice(httptest.NewRequest(http.MethodPost, "/link/tiktok/verify-region", nil))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		IsWatchHistoryAvailable string `json:"is_watch_history_available"`
		Attempts                int    `json:"attempts"`
		LastError               string `json:"last_error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "no", resp.IsWatchHistoryAvailable)
	assert.Equal(t, 3, resp.Attempts)
	assert.Contains(t, resp.LastError, "not offered")
}

func TestVerifyRegionHandler_PersistFailure(t *testing.T) {
	t.Parallel()
	f := newServerFixture()
	token := f.armSession("user-1")

	f.users.On("Get", mock.Anything, "user-1").
		Return(domain.User{AppUserID: "user-1", LatestSecUserID: "sec-1"}, nil)
	f.archive.On("VerifyAvailability", mock.Anything, "", "sec-1", mock.Anything).Return(1, nil)
	f.users.On("Update", mock.Anything, "user-1", mock.Anything).Return(errors.New("db down"))

	req := withDevice(httptest.NewRequest(http.MethodPost, "/link/tiktok/verify-region", nil))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal", decodeErrorCode(t, w))
}

func TestWaitlistHandler_Toggles(t *testing.T) {
	t.Parallel()
	f := newServerFixture()

	f.users.On("Get", mock.Anything, "user-9").
		Return(domain.User{AppUserID: "user-9", WaitlistOptIn: false}, nil)
	f.users.On("SetWaitlist", mock.Anything, "user-9", true, mock.Anything).Return(nil)

	body := `{"app_user_id":"user-9"}`
	req := withDevice(httptest.NewRequest(http.MethodPost, "/link/tiktok/waitlist", strings.NewReader(body)))
	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	f.users.AssertExpectations(t)
}

func TestWaitlistHandler_UnknownUser(t *testing.T) {
	t.Parallel()
	f := newServerFixture()

	f.users.On("Get", mock.Anything, "ghost").Return(domain.User{}, domain.ErrNotFound)

	body := `{"app_user_id":"ghost"}`
	req := withDevice(httptest.NewRequest(http.MethodPost, "/link/tiktok/waitlist", strings.NewReader(body)))
	w := httptest.NewRecorder()
	f.linkRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "user_not_found", decodeErrorCode(t, w))
}

func TestRegisterEmailHandler_Stores(t *testing.T) {
	t.Parallel()
	f := newServerFixture()
	token := f.armSession("user-1")

	f.users.On("Get", mock.Anything, "user-1").
		Return(domain.User{AppUserID: "user-1"}, nil)
	f.users.On("Update", mock.Anything, "user-1", mock.MatchedBy(func(p domain.UserPatch) bool {
		return p.Email != nil && *p.Email == "new@example.com"
	})).Return(nil)

	body := `{"email":"new@example.com"}`
	req := withDevice(httptest.NewRequest(http.MethodPost, "/auth/register-email", strings.NewReader(body)))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.authRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	f.users.AssertExpectations(t)
}

func TestRegisterEmailHandler_RejectsBadEmail(t *testing.T) {
	t.Parallel()
	f := newServerFixture()
	token := f.armSession("user-1")

	body := `{"email":"not-an-address"}`
	req := withDevice(httptest.NewRequest(http.MethodPost, "/auth/register-email", strings.NewReader(body)))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.authRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_argument", decodeErrorCode(t, w))
	f.users.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}
