package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
)

// deviceFrom reads the device identity headers. X-Device-Id is mandatory on
// every device- and session-authenticated route; the remaining headers ride
// along for session binding and auditing.
func deviceFrom(r *http.Request) (domain.Device, error) {
	d := domain.Device{
		DeviceID:   strings.TrimSpace(r.Header.Get("X-Device-Id")),
		Platform:   r.Header.Get("X-Platform"),
		AppVersion: r.Header.Get("X-App-Version"),
		OSVersion:  r.Header.Get("X-OS-Version"),
	}
	if d.DeviceID == "" {
		return domain.Device{}, fmt.Errorf("%w: X-Device-Id header required", domain.ErrInvalidDevice)
	}
	return d, nil
}

type sessionKey struct{}

// SessionAuth guards bearer-token routes. It parses the Authorization header,
// validates the token against the presenting device and stores the session in
// the request context for sessionFrom.
func (s *Server) SessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := deviceFrom(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		token, err := usecase.ParseBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		sess, err := s.Sessions.Validate(r.Context(), token, d.DeviceID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionFrom returns the session stored by SessionAuth.
func sessionFrom(r *http.Request) (domain.Session, bool) {
	sess, ok := r.Context().Value(sessionKey{}).(domain.Session)
	return sess, ok
}
