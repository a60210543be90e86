// Package ai implements the analyzer's LLM client against an
// OpenAI-compatible chat completions endpoint.
package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/observability"
	"github.com/fairyhunter13/tiktok-wrapped/internal/config"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// Client implements domain.LLMClient.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

func New(cfg config.Config) *Client {
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Chat sends one system+user exchange and returns the assistant content.
// Transport errors, 429 and 5xx are retried up to three attempts; other 4xx
// fail immediately.
func (c *Client) Chat(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if c.cfg.LLMAPIKey == "" {
		return "", fmt.Errorf("op=ai.chat: %w: LLM_API_KEY missing", domain.ErrInvalidArgument)
	}
	if maxTokens <= 0 {
		maxTokens = c.cfg.LLMMaxTokens
	}

	payload := map[string]any{
		"model":       c.cfg.LLMModel,
		"temperature": 0.2,
		"max_tokens":  maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	b, _ := json.Marshal(payload)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	op := func() error {
		start := time.Now()
		// recreate the request each attempt, the body reader is consumed
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveLLMCall("error", time.Since(start))
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			observability.ObserveLLMCall("error", time.Since(start))
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			observability.ObserveLLMCall("rate_limited", time.Since(start))
			slog.Warn("llm rate limited", slog.String("model", c.cfg.LLMModel))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			observability.ObserveLLMCall("client_error", time.Since(start))
			snippet := string(bodyBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("llm 4xx", slog.Int("status", resp.StatusCode), slog.String("model", c.cfg.LLMModel), slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			observability.ObserveLLMCall("server_error", time.Since(start))
			slog.Error("llm non-2xx", slog.Int("status", resp.StatusCode), slog.String("model", c.cfg.LLMModel))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			observability.ObserveLLMCall("decode_error", time.Since(start))
			return backoff.Permanent(err)
		}
		observability.ObserveLLMCall("success", time.Since(start))
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 4 * time.Second
	expo.Multiplier = 2.0
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("op=ai.chat: %w", err)
	}

	if len(out.Choices) == 0 {
		return "", errors.New("op=ai.chat: empty choices")
	}
	return out.Choices[0].Message.Content, nil
}
