package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

const sessionColumns = `session_id, app_user_id, device_id, platform, app_version, os_version,
	token_hash, token_encrypted, issued_at, expires_at, revoked_at`

// SessionRepo persists device-bound sessions.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.SessionID, &s.AppUserID, &s.DeviceID, &s.Platform, &s.AppVersion,
		&s.OSVersion, &s.TokenHash, &s.TokenEncrypted, &s.IssuedAt, &s.ExpiresAt, &s.RevokedAt)
	return s, err
}

// Insert stores a new session.
func (r *SessionRepo) Insert(ctx domain.Context, s domain.Session) error {
	q := `INSERT INTO app_sessions (session_id, app_user_id, device_id, platform, app_version,
		os_version, token_hash, token_encrypted, issued_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, s.SessionID, s.AppUserID, s.DeviceID, s.Platform,
		s.AppVersion, s.OSVersion, s.TokenHash, s.TokenEncrypted, s.IssuedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("op=session.insert: %w", err)
	}
	return nil
}

// FindActive returns the live session for a (user, device) pair, or
// domain.ErrNotFound.
func (r *SessionRepo) FindActive(ctx domain.Context, appUserID, deviceID string) (domain.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM app_sessions
		WHERE app_user_id=$1 AND device_id=$2 AND revoked_at IS NULL AND expires_at > $3
		ORDER BY issued_at DESC LIMIT 1`
	s, err := scanSession(r.Pool.QueryRow(ctx, q, appUserID, deviceID, time.Now().UTC()))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Session{}, fmt.Errorf("op=session.find_active: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=session.find_active: %w", err)
	}
	return s, nil
}

// FindByTokenHash resolves a presented token hash, or domain.ErrNotFound.
func (r *SessionRepo) FindByTokenHash(ctx domain.Context, tokenHash string) (domain.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM app_sessions WHERE token_hash=$1`
	s, err := scanSession(r.Pool.QueryRow(ctx, q, tokenHash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Session{}, fmt.Errorf("op=session.find_by_token_hash: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=session.find_by_token_hash: %w", err)
	}
	return s, nil
}

// Rotate replaces the token material of an existing session in place,
// keeping its session id.
func (r *SessionRepo) Rotate(ctx domain.Context, s domain.Session) error {
	q := `UPDATE app_sessions SET token_hash=$2, token_encrypted=$3, platform=$4, app_version=$5,
		os_version=$6, issued_at=$7, expires_at=$8, revoked_at=NULL WHERE session_id=$1`
	ct, err := r.Pool.Exec(ctx, q, s.SessionID, s.TokenHash, s.TokenEncrypted, s.Platform,
		s.AppVersion, s.OSVersion, s.IssuedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("op=session.rotate: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=session.rotate: %w", domain.ErrNotFound)
	}
	return nil
}

// Touch slides the expiry of a validated session.
func (r *SessionRepo) Touch(ctx domain.Context, sessionID string, expiresAt time.Time) error {
	q := `UPDATE app_sessions SET expires_at=$2 WHERE session_id=$1`
	ct, err := r.Pool.Exec(ctx, q, sessionID, expiresAt)
	if err != nil {
		return fmt.Errorf("op=session.touch: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=session.touch: %w", domain.ErrNotFound)
	}
	return nil
}
