// Package archive is the typed client for the archive provider: the link
// handshake (auth start, redirect, authorization code, finalize) and the
// watch-history export jobs the collector pages through. Every call goes
// through the retry engine, which owns per-api_type strategies and the call
// log.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fairyhunter13/tiktok-wrapped/internal/config"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/retry"
)

const (
	authStartPath       = "/auth/start"
	authRedirectPath    = "/auth/redirect"
	authCodePath        = "/auth/authenticate"
	authFinalizePath    = "/auth/finalize"
	historyStartPath    = "/watch-history/start"
	historyFinalizePath = "/watch-history/finalize"
	historyGetPath      = "/watch-history"
)

// finalizePollMax caps how often VerifyAvailability repolls a pending export.
const finalizePollMax = 10

// Client implements domain.ArchiveClient. All provider endpoints accept JSON
// over POST and authenticate with the X-Archive-API-Key header.
type Client struct {
	base    string
	apiKey  string
	engine  *retry.Engine
	limiter *rate.Limiter
}

func New(cfg config.Config, engine *retry.Engine) *Client {
	rps := cfg.ArchiveRatePerSec
	if rps < 1 {
		rps = 1
	}
	return &Client{
		base:    strings.TrimRight(cfg.ArchiveBaseURL, "/"),
		apiKey:  cfg.ArchiveAPIKey,
		engine:  engine,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{"X-Archive-API-Key": c.apiKey}
}

func (c *Client) call(ctx domain.Context, apiType, taskID, path string, params any, hook domain.AttemptHook) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("op=archive.%s: %w", apiType, err)
	}
	return c.engine.Do(ctx, apiType, taskID, c.base+path, params, c.headers(), hook)
}

func decode(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// parseTime accepts the provider's two timestamp shapes.
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func statusCode(err error) int {
	var ce *retry.CallError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// StartLinkAuth opens a handshake job. The anchor token, when present, lets
// the provider resume a previously linked account without a fresh QR scan.
func (c *Client) StartLinkAuth(ctx domain.Context, anchorToken string) (domain.LinkStart, error) {
	body := map[string]any{}
	if anchorToken != "" {
		body["anchor_token"] = anchorToken
	}
	b, _, err := c.call(ctx, "auth_start", "", authStartPath, body, nil)
	if err != nil {
		return domain.LinkStart{}, fmt.Errorf("op=archive.start_link_auth: %w", err)
	}
	var w struct {
		ArchiveJobID  string `json:"archive_job_id"`
		ExpiresAt     string `json:"expires_at"`
		QueuePosition *int   `json:"queue_position"`
	}
	if err := decode(b, &w); err != nil {
		return domain.LinkStart{}, fmt.Errorf("op=archive.start_link_auth: %w", err)
	}
	if w.ArchiveJobID == "" {
		return domain.LinkStart{}, fmt.Errorf("op=archive.start_link_auth: missing archive_job_id")
	}
	return domain.LinkStart{
		ArchiveJobID:  w.ArchiveJobID,
		ExpiresAt:     parseTime(w.ExpiresAt),
		QueuePosition: w.QueuePosition,
	}, nil
}

// GetRedirect polls for the provider login URL. 200 carries the redirect,
// 202 means the job is still queued, 410 means it expired.
func (c *Client) GetRedirect(ctx domain.Context, archiveJobID string) (domain.RedirectPoll, error) {
	b, code, err := c.call(ctx, "get_redirect", "", authRedirectPath, map[string]any{"archive_job_id": archiveJobID}, nil)
	if err != nil {
		if statusCode(err) == http.StatusGone {
			return domain.RedirectPoll{State: domain.PollExpired}, nil
		}
		return domain.RedirectPoll{}, fmt.Errorf("op=archive.get_redirect: %w", err)
	}
	var w struct {
		RedirectURL   string         `json:"redirect_url"`
		QRData        map[string]any `json:"qr_data"`
		QueuePosition *int           `json:"queue_position"`
	}
	if err := decode(b, &w); err != nil {
		return domain.RedirectPoll{}, fmt.Errorf("op=archive.get_redirect: %w", err)
	}
	poll := domain.RedirectPoll{
		State:         domain.PollReady,
		RedirectURL:   w.RedirectURL,
		QRData:        w.QRData,
		QueuePosition: w.QueuePosition,
	}
	if code == http.StatusAccepted || w.RedirectURL == "" {
		poll.State = domain.PollPending
	}
	return poll, nil
}

// GetAuthorizationCode polls for the code minted after the user approves the
// login. Same tri-state as GetRedirect.
func (c *Client) GetAuthorizationCode(ctx domain.Context, archiveJobID string) (domain.CodePoll, error) {
	b, code, err := c.call(ctx, "get_authorization_code", "", authCodePath, map[string]any{"archive_job_id": archiveJobID}, nil)
	if err != nil {
		if statusCode(err) == http.StatusGone {
			return domain.CodePoll{State: domain.PollExpired}, nil
		}
		return domain.CodePoll{}, fmt.Errorf("op=archive.get_authorization_code: %w", err)
	}
	var w struct {
		AuthorizationCode string `json:"authorization_code"`
		ExpiresAt         string `json:"expires_at"`
		QueuePosition     *int   `json:"queue_position"`
	}
	if err := decode(b, &w); err != nil {
		return domain.CodePoll{}, fmt.Errorf("op=archive.get_authorization_code: %w", err)
	}
	poll := domain.CodePoll{
		State:             domain.PollReady,
		AuthorizationCode: w.AuthorizationCode,
		ExpiresAt:         parseTime(w.ExpiresAt),
		QueuePosition:     w.QueuePosition,
	}
	if code == http.StatusAccepted || w.AuthorizationCode == "" {
		poll.State = domain.PollPending
	}
	return poll, nil
}

// FinalizeLink exchanges the authorization code for the archive identity.
func (c *Client) FinalizeLink(ctx domain.Context, archiveJobID, authorizationCode, anchorToken string) (domain.LinkFinal, error) {
	body := map[string]any{
		"archive_job_id":     archiveJobID,
		"authorization_code": authorizationCode,
	}
	if anchorToken != "" {
		body["anchor_token"] = anchorToken
	}
	b, _, err := c.call(ctx, "finalize_auth", "", authFinalizePath, body, nil)
	if err != nil {
		return domain.LinkFinal{}, fmt.Errorf("op=archive.finalize_link: %w", err)
	}
	var w struct {
		ArchiveUserID    string `json:"archive_user_id"`
		SecUserID        string `json:"sec_user_id"`
		PlatformUsername string `json:"platform_username"`
		AnchorToken      string `json:"anchor_token"`
	}
	if err := decode(b, &w); err != nil {
		return domain.LinkFinal{}, fmt.Errorf("op=archive.finalize_link: %w", err)
	}
	if w.SecUserID == "" {
		return domain.LinkFinal{}, fmt.Errorf("op=archive.finalize_link: missing sec_user_id")
	}
	return domain.LinkFinal{
		ArchiveUserID:    w.ArchiveUserID,
		SecUserID:        w.SecUserID,
		PlatformUsername: w.PlatformUsername,
		AnchorToken:      w.AnchorToken,
	}, nil
}

// StartWatchHistory opens an export job for one window.
func (c *Client) StartWatchHistory(ctx domain.Context, taskID, secUserID string, limit, maxPages int, cursor string) (domain.HistoryStart, error) {
	body := map[string]any{
		"sec_user_id": secUserID,
		"limit":       limit,
		"max_pages":   maxPages,
	}
	if cursor != "" {
		body["cursor"] = cursor
	}
	b, _, err := c.call(ctx, "start_watch_history", taskID, historyStartPath, body, nil)
	if err != nil {
		return domain.HistoryStart{}, fmt.Errorf("op=archive.start_watch_history: %w", err)
	}
	var w struct {
		DataJobID string `json:"data_job_id"`
	}
	if err := decode(b, &w); err != nil {
		return domain.HistoryStart{}, fmt.Errorf("op=archive.start_watch_history: %w", err)
	}
	if w.DataJobID == "" {
		return domain.HistoryStart{}, fmt.Errorf("op=archive.start_watch_history: missing data_job_id")
	}
	return domain.HistoryStart{DataJobID: w.DataJobID}, nil
}

// FinalizeWatchHistory is one poll of an export job: 200 ready, 202 still
// running, 410/424 abandoned. Callers own the poll loop.
func (c *Client) FinalizeWatchHistory(ctx domain.Context, taskID, dataJobID string) (domain.HistoryFinalize, error) {
	body := map[string]any{
		"data_job_id":  dataJobID,
		"include_rows": false,
		"return_limit": 0,
	}
	_, code, err := c.call(ctx, "finalize_watch_history", taskID, historyFinalizePath, body, nil)
	if err != nil {
		switch statusCode(err) {
		case http.StatusGone, http.StatusFailedDependency:
			return domain.HistoryFinalize{State: domain.FinalizeAbandoned}, nil
		}
		return domain.HistoryFinalize{}, fmt.Errorf("op=archive.finalize_watch_history: %w", err)
	}
	if code == http.StatusAccepted {
		return domain.HistoryFinalize{State: domain.FinalizePending}, nil
	}
	return domain.HistoryFinalize{State: domain.FinalizeReady}, nil
}

// GetWatchHistory pages export rows newest-first.
func (c *Client) GetWatchHistory(ctx domain.Context, taskID, secUserID string, limit int, before string) (domain.HistoryPage, error) {
	body := map[string]any{
		"sec_user_id": secUserID,
		"limit":       limit,
	}
	if before != "" {
		body["before"] = before
	}
	b, _, err := c.call(ctx, "get_watch_history", taskID, historyGetPath, body, nil)
	if err != nil {
		return domain.HistoryPage{}, fmt.Errorf("op=archive.get_watch_history: %w", err)
	}
	var w struct {
		Rows       []domain.WatchRow `json:"rows"`
		NextBefore string            `json:"next_before"`
	}
	if err := decode(b, &w); err != nil {
		return domain.HistoryPage{}, fmt.Errorf("op=archive.get_watch_history: %w", err)
	}
	return domain.HistoryPage{Rows: w.Rows, NextBefore: w.NextBefore}, nil
}

// VerifyAvailability probes whether the provider can export history for the
// user: a one-row export is started and finalized. Both calls run under the
// region_verify api_type so onRetry can count attempts durably. 410/424 on
// finalize is the provider saying the account cannot be exported; the probe
// maps that to ErrWatchHistoryUnavailable. The returned count is the number
// of call sets made, including the first.
func (c *Client) VerifyAvailability(ctx domain.Context, taskID, secUserID string, onRetry domain.AttemptHook) (int, error) {
	attempts := 1
	b, _, err := c.call(ctx, "region_verify", taskID, historyStartPath, map[string]any{
		"sec_user_id": secUserID,
		"limit":       1,
		"max_pages":   1,
	}, onRetry)
	if err != nil {
		return attempts, fmt.Errorf("op=archive.verify_availability: %w", err)
	}
	var start struct {
		DataJobID string `json:"data_job_id"`
	}
	if err := decode(b, &start); err != nil {
		return attempts, fmt.Errorf("op=archive.verify_availability: %w", err)
	}
	if start.DataJobID == "" {
		return attempts, fmt.Errorf("op=archive.verify_availability: missing data_job_id")
	}

	wait := time.Second
	for poll := 0; poll < finalizePollMax; poll++ {
		_, code, err := c.call(ctx, "region_verify", taskID, historyFinalizePath, map[string]any{
			"data_job_id":  start.DataJobID,
			"include_rows": true,
			"return_limit": 1,
		}, onRetry)
		attempts++
		if err != nil {
			switch statusCode(err) {
			case http.StatusGone, http.StatusFailedDependency:
				return attempts, fmt.Errorf("op=archive.verify_availability: %w", domain.ErrWatchHistoryUnavailable)
			}
			return attempts, fmt.Errorf("op=archive.verify_availability: %w", err)
		}
		if code != http.StatusAccepted {
			return attempts, nil
		}
		select {
		case <-ctx.Done():
			return attempts, fmt.Errorf("op=archive.verify_availability: %w", ctx.Err())
		case <-time.After(wait):
		}
		if wait *= 2; wait > 8*time.Second {
			wait = 8 * time.Second
		}
	}
	return attempts, fmt.Errorf("op=archive.verify_availability: timeout (export still pending after %d polls)", finalizePollMax)
}
