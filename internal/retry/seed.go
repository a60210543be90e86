package retry

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

type seedFile struct {
	Strategies []seedStrategy `yaml:"strategies"`
}

type seedStrategy struct {
	APIType       string  `yaml:"api_type"`
	MaxRetryCount int     `yaml:"max_retry_count"`
	InitialDelay  string  `yaml:"initial_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	Multiplier    float64 `yaml:"multiplier"`
}

// ParseSeed decodes a strategies YAML document. Entries with no api_type are
// rejected; omitted fields fall back to the engine default for that api_type.
func ParseSeed(b []byte) ([]domain.RetryStrategy, error) {
	var doc seedFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("op=retry.ParseSeed: %w", err)
	}
	out := make([]domain.RetryStrategy, 0, len(doc.Strategies))
	for i, s := range doc.Strategies {
		if s.APIType == "" {
			return nil, fmt.Errorf("op=retry.ParseSeed: entry %d has no api_type", i)
		}
		st := domain.DefaultRetryStrategy(s.APIType)
		if s.MaxRetryCount > 0 {
			st.MaxRetryCount = s.MaxRetryCount
		}
		if s.InitialDelay != "" {
			d, err := time.ParseDuration(s.InitialDelay)
			if err != nil {
				return nil, fmt.Errorf("op=retry.ParseSeed: %s initial_delay: %w", s.APIType, err)
			}
			st.InitialDelay = d
		}
		if s.MaxDelay != "" {
			d, err := time.ParseDuration(s.MaxDelay)
			if err != nil {
				return nil, fmt.Errorf("op=retry.ParseSeed: %s max_delay: %w", s.APIType, err)
			}
			st.MaxDelay = d
		}
		if s.Multiplier > 0 {
			st.Multiplier = s.Multiplier
		}
		out = append(out, st)
	}
	return out, nil
}

// SeedFromFile loads the strategies file and inserts rows that do not exist
// yet. Existing rows are never overwritten, so operator tuning survives
// redeploys. A missing file is not an error: the engine default covers every
// api_type.
func SeedFromFile(ctx domain.Context, repo domain.RetryStrategyRepository, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("retry strategy seed file absent, using defaults", slog.String("path", path))
			return nil
		}
		return fmt.Errorf("op=retry.SeedFromFile: %w", err)
	}
	strategies, err := ParseSeed(b)
	if err != nil {
		return err
	}
	if len(strategies) == 0 {
		return nil
	}
	if err := repo.Seed(ctx, strategies); err != nil {
		return fmt.Errorf("op=retry.SeedFromFile: %w", err)
	}
	slog.Info("retry strategies seeded", slog.Int("count", len(strategies)))
	return nil
}
