package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// CallLogRepo appends audit rows for outbound API calls.
type CallLogRepo struct{ Pool PgxPool }

// NewCallLogRepo constructs a CallLogRepo with the given pool.
func NewCallLogRepo(p PgxPool) *CallLogRepo { return &CallLogRepo{Pool: p} }

// Create appends one call log row.
func (r *CallLogRepo) Create(ctx domain.Context, l domain.APICallLog) error {
	callTime := l.CallTime
	if callTime.IsZero() {
		callTime = time.Now().UTC()
	}
	q := `INSERT INTO api_call_logs (task_id, api_type, request_url, request_params,
		request_headers, response_code, response_body, cost_seconds, status, error_detail,
		retry_count, call_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q, l.TaskID, l.APIType, l.RequestURL, l.RequestParams,
		l.RequestHeaders, l.ResponseCode, l.ResponseBody, l.CostSeconds, l.Status,
		l.ErrorDetail, l.RetryCount, callTime)
	if err != nil {
		return fmt.Errorf("op=calllog.create: %w", err)
	}
	return nil
}

// ListByTask returns a task's call logs, newest first.
func (r *CallLogRepo) ListByTask(ctx domain.Context, taskID string, limit int) ([]domain.APICallLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT log_id, task_id, api_type, request_url, request_params, request_headers,
		response_code, response_body, cost_seconds, status, error_detail, retry_count, call_time
		FROM api_call_logs WHERE task_id=$1 ORDER BY call_time DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=calllog.list_by_task: %w", err)
	}
	defer rows.Close()
	var out []domain.APICallLog
	for rows.Next() {
		var l domain.APICallLog
		if err := scanCallLog(rows, &l); err != nil {
			return nil, fmt.Errorf("op=calllog.list_by_task: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=calllog.list_by_task: %w", err)
	}
	return out, nil
}

func scanCallLog(row pgx.Row, l *domain.APICallLog) error {
	return row.Scan(&l.LogID, &l.TaskID, &l.APIType, &l.RequestURL, &l.RequestParams,
		&l.RequestHeaders, &l.ResponseCode, &l.ResponseBody, &l.CostSeconds, &l.Status,
		&l.ErrorDetail, &l.RetryCount, &l.CallTime)
}

// PruneBefore deletes call logs older than the cutoff and returns the count.
func (r *CallLogRepo) PruneBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	q := `DELETE FROM api_call_logs WHERE call_time < $1`
	ct, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=calllog.prune: %w", err)
	}
	return ct.RowsAffected(), nil
}
