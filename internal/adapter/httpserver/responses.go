// Package httpserver exposes the wrapped pipeline over HTTP: the link
// handshake façade, the session-authenticated wrapped surface and the task
// admin endpoints. Handlers stay thin; the rules live in internal/usecase.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain sentinels to status codes and the stable
// machine codes clients switch on.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, domain.ErrSecUserIDRequired):
		status, code = http.StatusBadRequest, "sec_user_id_required"
	case errors.Is(err, domain.ErrWatchHistoryUnavailable):
		status, code = http.StatusBadRequest, "watch_history_unavailable"
	case errors.Is(err, domain.ErrWatchHistoryUnknown):
		status, code = http.StatusBadRequest, "watch_history_unknown"
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrMissingBearer):
		status, code = http.StatusUnauthorized, "missing_bearer"
	case errors.Is(err, domain.ErrInvalidSession):
		status, code = http.StatusUnauthorized, "invalid_session"
	case errors.Is(err, domain.ErrInvalidDevice):
		status, code = http.StatusUnauthorized, "invalid_device"
	case errors.Is(err, domain.ErrJobNotFound):
		status, code = http.StatusNotFound, "job_not_found"
	case errors.Is(err, domain.ErrUserNotFound):
		status, code = http.StatusNotFound, "user_not_found"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Unclassified errors carry store and upstream detail; clients get a
		// generic message and the detail stays in the logs.
		msg = "internal server error"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: msg, Details: details}})
}
