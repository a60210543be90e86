package worker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Parsers for the analyzer's LLM answers. Models wrap output in prose or
// code fences often enough that every parser scans for its own shape instead
// of unmarshalling the raw reply.

// parsePersonality normalizes the reply into a single lowercase label:
// first non-empty line, whitespace runs to underscores, [a-z0-9_] kept.
func parsePersonality(s string) (string, error) {
	line, err := firstLine(s)
	if err != nil {
		return "", err
	}
	joined := strings.Join(strings.Fields(strings.ToLower(line)), "_")
	var b strings.Builder
	for _, r := range joined {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	label := strings.Trim(b.String(), "_")
	if label == "" {
		return "", fmt.Errorf("schema invalid: empty label")
	}
	return label, nil
}

// parseFreeText accepts any non-empty reply, trimmed.
func parseFreeText(s string) (string, error) {
	out := strings.TrimSpace(s)
	if out == "" {
		return "", fmt.Errorf("schema invalid: empty text")
	}
	return out, nil
}

// parseNicheJourney reads the first JSON string array and caps it at five
// entries.
func parseNicheJourney(s string) ([]string, error) {
	js, ok := extractFirstJSON(s, '[', ']')
	if !ok {
		return nil, fmt.Errorf("invalid json: not found")
	}
	var entries []string
	if err := json.Unmarshal([]byte(js), &entries); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("schema invalid: empty array")
	}
	if len(out) > 5 {
		out = out[:5]
	}
	return out, nil
}

type topNichesOut struct {
	TopNiches          []string `json:"top_niches"`
	TopNichePercentile string   `json:"top_niche_percentile"`
}

// parseTopNiches reads the first JSON object; both fields are required.
func parseTopNiches(s string) ([]string, string, error) {
	js, ok := extractFirstJSON(s, '{', '}')
	if !ok {
		return nil, "", fmt.Errorf("invalid json: not found")
	}
	var out topNichesOut
	if err := json.Unmarshal([]byte(js), &out); err != nil {
		return nil, "", fmt.Errorf("invalid json: %w", err)
	}
	niches := make([]string, 0, len(out.TopNiches))
	for _, n := range out.TopNiches {
		if n = strings.TrimSpace(n); n != "" {
			niches = append(niches, n)
		}
	}
	if len(niches) == 0 {
		return nil, "", fmt.Errorf("schema invalid: top_niches empty")
	}
	pct := strings.TrimSpace(out.TopNichePercentile)
	if pct == "" {
		return nil, "", fmt.Errorf("schema invalid: top_niche_percentile empty")
	}
	return niches, pct, nil
}

// parseScore finds the first integer in the reply and clamps it to [0,100].
func parseScore(s string) (int, error) {
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			start = i
			break
		}
	}
	if start == -1 {
		return 0, fmt.Errorf("schema invalid: no integer found")
	}
	if start > 0 && s[start-1] == '-' {
		start--
	}
	end := start
	if s[end] == '-' {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0, fmt.Errorf("schema invalid: %w", err)
	}
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return n, nil
}

// firstLine returns the first non-empty line with wrapping quotes and
// backticks stripped.
func firstLine(s string) (string, error) {
	for _, line := range strings.Split(s, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "`\"'")
		if line != "" && line != "json" {
			return line, nil
		}
	}
	return "", fmt.Errorf("schema invalid: empty reply")
}

// extractFirstJSON returns the first balanced open..closing slice. Naive
// bracket matching, which also skips markdown fences around the JSON.
func extractFirstJSON(s string, open, closing byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start == -1 {
		return "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
