package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/tiktok-wrapped/internal/config"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
)

// Server aggregates the handler dependencies.
type Server struct {
	Cfg        config.Config
	Link       usecase.LinkService
	Sessions   usecase.SessionService
	Wrapped    usecase.WrappedService
	Probe      usecase.ProbeService
	Accounts   usecase.UserService
	TaskAdmin  usecase.TaskAdminService
	Users      domain.UserRepository
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(
	cfg config.Config,
	link usecase.LinkService,
	sessions usecase.SessionService,
	wrapped usecase.WrappedService,
	probe usecase.ProbeService,
	accounts usecase.UserService,
	taskAdmin usecase.TaskAdminService,
	users domain.UserRepository,
	dbCheck, redisCheck func(context.Context) error,
) *Server {
	return &Server{
		Cfg:        cfg,
		Link:       link,
		Sessions:   sessions,
		Wrapped:    wrapped,
		Probe:      probe,
		Accounts:   accounts,
		TaskAdmin:  taskAdmin,
		Users:      users,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeJSON reads a JSON body into dst and runs struct validation. On
// failure the 400 response has already been written and false is returned.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

type linkStartResponse struct {
	ArchiveJobID  string     `json:"archive_job_id"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	QueuePosition *int       `json:"queue_position,omitempty"`
}

type redirectResponse struct {
	Status        string         `json:"status"`
	RedirectURL   string         `json:"redirect_url,omitempty"`
	QueuePosition *int           `json:"queue_position,omitempty"`
	QRData        map[string]any `json:"qr_data,omitempty"`
}

type codeResponse struct {
	Status            string     `json:"status"`
	AuthorizationCode string     `json:"authorization_code,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	QueuePosition     *int       `json:"queue_position,omitempty"`
}

type finalizeResponse struct {
	ArchiveUserID    string    `json:"archive_user_id"`
	SecUserID        string    `json:"sec_user_id"`
	AnchorToken      string    `json:"anchor_token,omitempty"`
	AppUserID        string    `json:"app_user_id"`
	Token            string    `json:"token"`
	ExpiresAt        time.Time `json:"expires_at"`
	PlatformUsername string    `json:"platform_username,omitempty"`
}

type verifyRegionResponse struct {
	IsWatchHistoryAvailable domain.Availability `json:"is_watch_history_available"`
	Attempts                int                 `json:"attempts"`
	LastError               string              `json:"last_error,omitempty"`
}

type wrappedResponse struct {
	Status        string                 `json:"status"`
	WrappedRunID  string                 `json:"wrapped_run_id"`
	ExistingRunID string                 `json:"existing_run_id,omitempty"`
	EmailDelivery string                 `json:"email_delivery,omitempty"`
	Wrapped       *domain.WrappedPayload `json:"wrapped,omitempty"`
}

// StartLinkHandler opens a link job with the archive provider and queues it
// for region verification. The body is optional; a client resuming a link for
// a known user sends app_user_id so the stored anchor token is reused.
func (s *Server) StartLinkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deviceFrom(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			AppUserID string `json:"app_user_id"`
		}
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)
		start, err := s.Link.Start(r.Context(), d, req.AppUserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, linkStartResponse{
			ArchiveJobID:  start.ArchiveJobID,
			ExpiresAt:     start.ExpiresAt,
			QueuePosition: start.QueuePosition,
		})
	}
}

// RedirectHandler polls the provider redirect URL for a pending link job.
func (s *Server) RedirectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deviceFrom(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobID := r.URL.Query().Get("job_id")
		if v := ValidateJobID(jobID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: job_id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		poll, err := s.Link.Redirect(r.Context(), d, jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, redirectResponse{
			Status:        string(poll.State),
			RedirectURL:   poll.RedirectURL,
			QueuePosition: poll.QueuePosition,
			QRData:        poll.QRData,
		})
	}
}

// CodeHandler polls the authorization code for a pending link job.
func (s *Server) CodeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deviceFrom(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobID := r.URL.Query().Get("job_id")
		if v := ValidateJobID(jobID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: job_id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		poll, err := s.Link.Code(r.Context(), d, jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, codeResponse{
			Status:            string(poll.State),
			AuthorizationCode: poll.AuthorizationCode,
			ExpiresAt:         poll.ExpiresAt,
			QueuePosition:     poll.QueuePosition,
		})
	}
}

// FinalizeHandler exchanges the authorization code, binds the job to the
// canonical user and issues the device session token.
func (s *Server) FinalizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deviceFrom(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			ArchiveJobID      string `json:"archive_job_id" validate:"required"`
			AuthorizationCode string `json:"authorization_code" validate:"required"`
			TimeZone          string `json:"time_zone"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := s.Link.Finalize(r.Context(), d, req.ArchiveJobID, req.AuthorizationCode, req.TimeZone)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, finalizeResponse{
			ArchiveUserID:    res.ArchiveUserID,
			SecUserID:        res.SecUserID,
			AnchorToken:      res.AnchorToken,
			AppUserID:        res.AppUserID,
			Token:            res.Token,
			ExpiresAt:        res.ExpiresAt,
			PlatformUsername: res.PlatformUsername,
		})
	}
}

// VerifyRegionHandler runs one availability probe for the session user and
// reports the persisted answer.
func (s *Server) VerifyRegionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionFrom(r)
		if !ok {
			writeError(w, r, domain.ErrInvalidSession, nil)
			return
		}
		user, err := s.Users.Get(r.Context(), sess.AppUserID)
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, r, fmt.Errorf("%w: session user gone", domain.ErrUserNotFound), nil)
			return
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		avail, attempts, probeErr := s.Probe.Run(r.Context(), user, "", false)
		if avail == domain.AvailabilityUnknown && probeErr != nil {
			// The answer did not land on the snapshot; nothing to report.
			writeError(w, r, probeErr, nil)
			return
		}
		resp := verifyRegionResponse{IsWatchHistoryAvailable: avail, Attempts: attempts}
		if probeErr != nil {
			resp.LastError = probeErr.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// WrappedStatusHandler returns the user's latest wrapped artifact, or pending
// while the pipeline is still running. Public: the artifact id doubles as the
// share link.
func (s *Server) WrappedStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appUserID := chi.URLParam(r, "app_user_id")
		if v := ValidateUserID(appUserID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: app_user_id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		view, err := s.Wrapped.Status(r.Context(), appUserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, wrappedResponse{
			Status:       view.Status,
			WrappedRunID: view.WrappedRunID,
			Wrapped:      view.Wrapped,
		})
	}
}

// WrappedRequestHandler asks for a (re)run of the session user's wrapped.
func (s *Server) WrappedRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionFrom(r)
		if !ok {
			writeError(w, r, domain.ErrInvalidSession, nil)
			return
		}
		var req struct {
			Email    string `json:"email" validate:"required,email"`
			TimeZone string `json:"time_zone" validate:"required"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		view, err := s.Wrapped.Request(r.Context(), sess.AppUserID, req.Email, req.TimeZone)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := wrappedResponse{
			Status:       view.Status,
			WrappedRunID: view.WrappedRunID,
			Wrapped:      view.Wrapped,
		}
		if view.Status == "ready" {
			resp.ExistingRunID = view.WrappedRunID
		} else {
			resp.EmailDelivery = "queued"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// WaitlistHandler flips the user's waitlist opt-in.
func (s *Server) WaitlistHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deviceFrom(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			AppUserID string `json:"app_user_id" validate:"required"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := s.Accounts.ToggleWaitlist(r.Context(), req.AppUserID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RegisterEmailHandler stores the delivery address for the session user.
func (s *Server) RegisterEmailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionFrom(r)
		if !ok {
			writeError(w, r, domain.ErrInvalidSession, nil)
			return
		}
		var req struct {
			Email string `json:"email" validate:"required,email"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := s.Accounts.RegisterEmail(r.Context(), sess.AppUserID, req.Email); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ReadyzHandler probes the durable store and the bus.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
