package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// browseInsertChunk bounds the arguments of one multi-row INSERT.
const browseInsertChunk = 500

// BrowseRepo bulk-inserts raw history rows for inspection.
type BrowseRepo struct{ Pool PgxPool }

// NewBrowseRepo constructs a BrowseRepo with the given pool.
func NewBrowseRepo(p PgxPool) *BrowseRepo { return &BrowseRepo{Pool: p} }

// BulkInsert appends records in chunked multi-row INSERTs.
func (r *BrowseRepo) BulkInsert(ctx domain.Context, records []domain.BrowseRecord) error {
	for start := 0; start < len(records); start += browseInsertChunk {
		end := start + browseInsertChunk
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]
		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*4+1)
		now := time.Now().UTC()
		for _, rec := range chunk {
			args = append(args, rec.AppUserID, rec.URL, rec.BrowseTime, rec.StayDuration)
			n := len(args)
			values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)", n-3, n-2, n-1, n, len(chunk)*4+1))
		}
		args = append(args, now)
		q := `INSERT INTO browse_records (app_user_id, url, browse_time, stay_duration, created_at) VALUES ` +
			strings.Join(values, ",")
		if _, err := r.Pool.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("op=browse.bulk_insert: %w", err)
		}
	}
	return nil
}

// PruneBefore deletes records older than the cutoff and returns the count.
func (r *BrowseRepo) PruneBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	q := `DELETE FROM browse_records WHERE created_at < $1`
	ct, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=browse.prune: %w", err)
	}
	return ct.RowsAffected(), nil
}
