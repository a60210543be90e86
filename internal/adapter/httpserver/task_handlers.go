package httpserver

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

type taskLogEntry struct {
	LogID        int64     `json:"log_id"`
	APIType      string    `json:"api_type"`
	RequestURL   string    `json:"request_url,omitempty"`
	ResponseCode *int      `json:"response_code,omitempty"`
	Status       string    `json:"status"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
	CostSeconds  float64   `json:"cost_seconds"`
	RetryCount   int       `json:"retry_count"`
	CallTime     time.Time `json:"call_time"`
}

// clientIP prefers the forwarding headers set by the edge proxy and falls
// back to the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-Ip"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TaskCreateHandler opens an ad-hoc job for an already linked user and queues
// it for verification.
func (s *Server) TaskCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deviceFrom(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			UserID string `json:"user_id" validate:"required"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		taskID, err := s.TaskAdmin.Create(r.Context(), req.UserID, clientIP(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"task_id": taskID,
			"status":  string(domain.TaskPending),
		})
	}
}

// TaskStatusHandler returns the mirror view of a job, rehydrated from the
// store on a cache miss.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")
		if v := ValidateTaskID(taskID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: task_id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		fields, err := s.TaskAdmin.GetStatus(r.Context(), taskID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, fields)
	}
}

// TaskInterveneHandler applies a manual action to a job: pause, cancel,
// per-stage retries or a full rerun.
func (s *Server) TaskInterveneHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deviceFrom(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		taskID := chi.URLParam(r, "task_id")
		if v := ValidateTaskID(taskID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: task_id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		var req struct {
			Action string `json:"action" validate:"required,oneof=pause cancel retry_verify retry_collect retry_analyze rerun"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		msg, err := s.TaskAdmin.Intervene(r.Context(), taskID, req.Action)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"task_id": taskID,
			"action":  req.Action,
			"message": msg,
		})
	}
}

// TaskLogsHandler lists the job's outbound call audit, newest first.
func (s *Server) TaskLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deviceFrom(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		taskID := chi.URLParam(r, "task_id")
		if v := ValidateTaskID(taskID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: task_id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		logs, err := s.TaskAdmin.Logs(r.Context(), taskID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]taskLogEntry, 0, len(logs))
		for _, l := range logs {
			out = append(out, taskLogEntry{
				LogID:        l.LogID,
				APIType:      l.APIType,
				RequestURL:   l.RequestURL,
				ResponseCode: l.ResponseCode,
				Status:       string(l.Status),
				ErrorDetail:  l.ErrorDetail,
				CostSeconds:  l.CostSeconds,
				RetryCount:   l.RetryCount,
				CallTime:     l.CallTime,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "logs": out})
	}
}
