package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// StrategyRepo reads per-api_type retry tuning. Delays are stored as float
// seconds and converted to durations on read.
type StrategyRepo struct{ Pool PgxPool }

// NewStrategyRepo constructs a StrategyRepo with the given pool.
func NewStrategyRepo(p PgxPool) *StrategyRepo { return &StrategyRepo{Pool: p} }

// Get loads the strategy for an api_type or returns domain.ErrNotFound.
func (r *StrategyRepo) Get(ctx domain.Context, apiType string) (domain.RetryStrategy, error) {
	q := `SELECT api_type, max_retry_count, initial_delay_seconds, max_delay_seconds, multiplier
		FROM retry_strategies WHERE api_type=$1`
	var (
		s            domain.RetryStrategy
		initialDelay float64
		maxDelay     float64
	)
	err := r.Pool.QueryRow(ctx, q, apiType).Scan(&s.APIType, &s.MaxRetryCount, &initialDelay, &maxDelay, &s.Multiplier)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RetryStrategy{}, fmt.Errorf("op=strategy.get: %w", domain.ErrNotFound)
		}
		return domain.RetryStrategy{}, fmt.Errorf("op=strategy.get: %w", err)
	}
	s.InitialDelay = time.Duration(initialDelay * float64(time.Second))
	s.MaxDelay = time.Duration(maxDelay * float64(time.Second))
	return s, nil
}

// Seed inserts strategies that do not exist yet; present rows win.
func (r *StrategyRepo) Seed(ctx domain.Context, strategies []domain.RetryStrategy) error {
	q := `INSERT INTO retry_strategies (api_type, max_retry_count, initial_delay_seconds, max_delay_seconds, multiplier)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (api_type) DO NOTHING`
	for _, s := range strategies {
		_, err := r.Pool.Exec(ctx, q, s.APIType, s.MaxRetryCount,
			s.InitialDelay.Seconds(), s.MaxDelay.Seconds(), s.Multiplier)
		if err != nil {
			return fmt.Errorf("op=strategy.seed: %w", err)
		}
	}
	return nil
}
