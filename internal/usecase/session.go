package usecase

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// SessionService issues and validates device-bound bearer tokens. Exactly one
// active session exists per (app_user_id, device_id); re-linking rotates the
// token material in place so the session_id stays stable.
type SessionService struct {
	Sessions domain.SessionRepository
	Secret   string
	TTL      time.Duration
}

func NewSessionService(r domain.SessionRepository, secret string, ttl time.Duration) SessionService {
	return SessionService{Sessions: r, Secret: secret, TTL: ttl}
}

// ParseBearer extracts the token from an Authorization header.
func ParseBearer(header string) (string, error) {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", domain.ErrMissingBearer
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", domain.ErrMissingBearer
	}
	return token, nil
}

// IssueOrRotate mints a fresh token for the pair. The plaintext token is
// returned once and never stored; the row keeps its hash and ciphertext.
func (s SessionService) IssueOrRotate(ctx domain.Context, appUserID string, d domain.Device) (string, time.Time, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("op=session.issue: %w", err)
	}
	encrypted, err := encryptToken(token, s.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("op=session.issue: %w", err)
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.TTL)

	existing, err := s.Sessions.FindActive(ctx, appUserID, d.DeviceID)
	switch {
	case err == nil:
		existing.TokenHash = hashToken(token)
		existing.TokenEncrypted = encrypted
		existing.Platform = d.Platform
		existing.AppVersion = d.AppVersion
		existing.OSVersion = d.OSVersion
		existing.IssuedAt = now
		existing.ExpiresAt = expiresAt
		if err := s.Sessions.Rotate(ctx, existing); err != nil {
			return "", time.Time{}, fmt.Errorf("op=session.issue: %w", err)
		}
	case errors.Is(err, domain.ErrNotFound):
		id, err := newSessionID()
		if err != nil {
			return "", time.Time{}, fmt.Errorf("op=session.issue: %w", err)
		}
		rec := domain.Session{
			SessionID:      id,
			AppUserID:      appUserID,
			DeviceID:       d.DeviceID,
			Platform:       d.Platform,
			AppVersion:     d.AppVersion,
			OSVersion:      d.OSVersion,
			TokenHash:      hashToken(token),
			TokenEncrypted: encrypted,
			IssuedAt:       now,
			ExpiresAt:      expiresAt,
		}
		if err := s.Sessions.Insert(ctx, rec); err != nil {
			return "", time.Time{}, fmt.Errorf("op=session.issue: %w", err)
		}
	default:
		return "", time.Time{}, fmt.Errorf("op=session.issue: %w", err)
	}
	return token, expiresAt, nil
}

// Validate resolves a presented token, enforces device binding and slides the
// expiry forward by the full TTL.
func (s SessionService) Validate(ctx domain.Context, token, deviceID string) (domain.Session, error) {
	rec, err := s.Sessions.FindByTokenHash(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Session{}, domain.ErrInvalidSession
		}
		return domain.Session{}, fmt.Errorf("op=session.validate: %w", err)
	}
	now := time.Now().UTC()
	if rec.DeviceID != deviceID || rec.RevokedAt != nil || !rec.ExpiresAt.After(now) {
		return domain.Session{}, domain.ErrInvalidSession
	}
	rec.ExpiresAt = now.Add(s.TTL)
	if err := s.Sessions.Touch(ctx, rec.SessionID, rec.ExpiresAt); err != nil {
		return domain.Session{}, fmt.Errorf("op=session.validate: %w", err)
	}
	return rec, nil
}

func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// sessionKey derives the 32-byte AES key from the configured secret.
func sessionKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("session-token-v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// encryptToken stores the token recoverably: AES-256-GCM, nonce prepended,
// URL-safe base64.
func encryptToken(token, secret string) (string, error) {
	key, err := sessionKey(secret)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(token), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func decryptToken(encrypted, secret string) (string, error) {
	key, err := sessionKey(secret)
	if err != nil {
		return "", err
	}
	blob, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(blob) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	plain, err := gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
