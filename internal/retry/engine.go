// Package retry drives outbound archive calls: per-api-type strategies
// loaded from Postgres, exponential backoff on transport failures, and one
// api_call_logs row per call set regardless of outcome.
package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/observability"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

const maxLoggedBody = 4096

// CallError is the terminal outcome of a call set. Kind mirrors the call log
// status; StatusCode is zero when the failure never produced a response.
type CallError struct {
	Kind       domain.CallStatus
	StatusCode int
	Detail     string
}

func (e *CallError) Error() string { return e.Detail }

// Engine posts JSON to the archive service with retries. Only transport
// timeouts and connection errors are retried; any non-2xx response ends the
// call set immediately.
type Engine struct {
	strategies domain.RetryStrategyRepository
	logs       domain.CallLogRepository
	hc         *http.Client
}

// New constructs an Engine. The timeout bounds each individual attempt.
func New(strategies domain.RetryStrategyRepository, logs domain.CallLogRepository, timeout time.Duration) *Engine {
	return &Engine{
		strategies: strategies,
		logs:       logs,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (e *Engine) strategy(ctx domain.Context, apiType string) domain.RetryStrategy {
	s, err := e.strategies.Get(ctx, apiType)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("retry strategy lookup failed, using default", slog.String("api_type", apiType), slog.Any("error", err))
		}
		return domain.DefaultRetryStrategy(apiType)
	}
	return s
}

// Do executes one call set: POST params as JSON to url, retrying per the
// api_type's strategy. hook, when non-nil, runs before each backoff sleep
// with the number of attempts made so far. On success the raw body and
// status code are returned; all 2xx responses are successes, so callers that
// poll switch on the code. Failures come back as a wrapped *CallError.
func (e *Engine) Do(ctx domain.Context, apiType, taskID, url string, params any, headers map[string]string, hook domain.AttemptHook) ([]byte, int, error) {
	s := e.strategy(ctx, apiType)
	if s.MaxRetryCount < 1 {
		s.MaxRetryCount = 1
	}

	var body []byte
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, 0, fmt.Errorf("op=retry.do api_type=%s: %w", apiType, err)
		}
		body = b
	}

	var (
		attempts int
		status   = domain.CallSuccess
		detail   string
		respCode int
		respBody []byte
	)

	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			status, detail = domain.CallFailed, err.Error()
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := e.hc.Do(req)
		if err != nil {
			if isTimeout(err) {
				status = domain.CallTimeout
				detail = fmt.Sprintf("timeout (%g seconds)", e.hc.Timeout.Seconds())
			} else {
				status = domain.CallFailed
				detail = "connection error"
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			status, detail = domain.CallFailed, err.Error()
			return err
		}
		respCode = resp.StatusCode
		respBody = b
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			status = domain.CallFailed
			detail = fmt.Sprintf("status code: %d, content: %s", resp.StatusCode, b)
			return backoff.Permanent(&CallError{Kind: domain.CallFailed, StatusCode: resp.StatusCode, Detail: detail})
		}
		status, detail = domain.CallSuccess, ""
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.InitialDelay
	expo.MaxInterval = s.MaxDelay
	expo.Multiplier = s.Multiplier
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(s.MaxRetryCount-1)), ctx)

	notify := func(err error, next time.Duration) {
		slog.Warn("archive call retrying",
			slog.String("api_type", apiType),
			slog.String("task_id", taskID),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", next),
			slog.Any("error", err))
		if hook != nil {
			hook(ctx, attempts)
		}
	}

	start := time.Now()
	err := backoff.RetryNotify(op, bo, notify)
	cost := time.Since(start)

	observability.ObserveArchiveCall(apiType, string(status), cost)
	e.logCall(ctx, taskID, apiType, url, params, headers, respCode, respBody, cost, status, detail, attempts-1)

	if err != nil {
		var ce *CallError
		if !errors.As(err, &ce) {
			if status == domain.CallSuccess {
				status, detail = domain.CallFailed, err.Error()
			}
			ce = &CallError{Kind: status, StatusCode: respCode, Detail: detail}
		}
		return respBody, respCode, fmt.Errorf("op=retry.do api_type=%s: %w", apiType, ce)
	}
	return respBody, respCode, nil
}

// logCall writes the single call-set row. It must not inherit the caller's
// cancellation and never propagates its own failure.
func (e *Engine) logCall(ctx domain.Context, taskID, apiType, url string, params any, headers map[string]string, code int, respBody []byte, cost time.Duration, status domain.CallStatus, detail string, retryCount int) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	paramsJSON := "{}"
	if params != nil {
		if b, err := json.Marshal(params); err == nil {
			paramsJSON = string(b)
		}
	}
	headersJSON := "{}"
	if b, err := json.Marshal(maskHeaders(headers)); err == nil && headers != nil {
		headersJSON = string(b)
	}
	responseData := "{}"
	if code >= 200 && code < 300 && len(respBody) > 0 {
		responseData = string(respBody)
		if len(responseData) > maxLoggedBody {
			responseData = responseData[:maxLoggedBody]
		}
	}

	entry := domain.APICallLog{
		TaskID:         taskID,
		APIType:        apiType,
		RequestURL:     url,
		RequestParams:  paramsJSON,
		RequestHeaders: headersJSON,
		ResponseBody:   responseData,
		CostSeconds:    math.Round(cost.Seconds()*100) / 100,
		Status:         status,
		ErrorDetail:    detail,
		RetryCount:     retryCount,
		CallTime:       time.Now().UTC(),
	}
	if code != 0 {
		entry.ResponseCode = &code
	}
	if err := e.logs.Create(logCtx, entry); err != nil {
		slog.Warn("failed to record api call log", slog.String("api_type", apiType), slog.String("task_id", taskID), slog.Any("error", err))
	}
}

func maskHeaders(headers map[string]string) map[string]string {
	masked := make(map[string]string, len(headers))
	for k, v := range headers {
		lk := strings.ToLower(k)
		if lk == "authorization" || strings.Contains(lk, "api-key") {
			masked[k] = "***"
			continue
		}
		masked[k] = v
	}
	return masked
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
