// Package app assembles the HTTP surface and the shared background loops:
// router construction, readiness checks and the stale-task sweeper.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/tiktok-wrapped/internal/adapter/httpserver"
	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/observability"
	"github.com/fairyhunter13/tiktok-wrapped/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints, rate limited per client IP. The polls stay outside
	// the limiter: clients hit them every few seconds during the handshake.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/link/tiktok/start", srv.StartLinkHandler())
		wr.Post("/link/tiktok/finalize", srv.FinalizeHandler())
		wr.Post("/link/tiktok/waitlist", srv.WaitlistHandler())
		wr.Post("/task/create", srv.TaskCreateHandler())
		wr.Post("/task/intervene/{task_id}", srv.TaskInterveneHandler())
		wr.Group(func(sr chi.Router) {
			sr.Use(srv.SessionAuth)
			sr.Post("/link/tiktok/verify-region", srv.VerifyRegionHandler())
			sr.Post("/link/tiktok/wrapped-request", srv.WrappedRequestHandler())
			sr.Post("/auth/register-email", srv.RegisterEmailHandler())
		})
	})

	// Read-only polls.
	r.Get("/link/tiktok/redirect", srv.RedirectHandler())
	r.Get("/link/tiktok/code", srv.CodeHandler())
	r.Get("/link/tiktok/wrapped/{app_user_id}", srv.WrappedStatusHandler())
	r.Get("/task/status/{task_id}", srv.TaskStatusHandler())
	r.Get("/task/logs/{task_id}", srv.TaskLogsHandler())

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
