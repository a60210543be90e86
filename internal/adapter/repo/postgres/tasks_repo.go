// Package postgres provides PostgreSQL database adapters.
//
// It implements the domain repository ports for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

const taskColumns = `task_id, app_user_id, device_id, ip_address, status, region_verify_status,
	collect_status, analysis_status, email_status, collect_total, collect_completed,
	collect_page, region_retry_count, error_msg, create_time, update_time`

// TaskRepo persists wrapped jobs using a minimal pgx pool.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.TaskID, &t.AppUserID, &t.DeviceID, &t.IPAddress, &t.Status,
		&t.RegionVerifyStatus, &t.CollectStatus, &t.AnalysisStatus, &t.EmailStatus,
		&t.CollectTotal, &t.CollectCompleted, &t.CollectPage, &t.RegionRetryCount,
		&t.ErrorMsg, &t.CreateTime, &t.UpdateTime)
	return t, err
}

// Create stores a new task row. Stage statuses default at the database level;
// only identity fields and the lifecycle status are written.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "tasks"),
	)
	status := t.Status
	if status == "" {
		status = domain.TaskPending
	}
	q := `INSERT INTO tasks (task_id, app_user_id, device_id, ip_address, status, create_time, update_time)
		VALUES ($1,$2,$3,$4,$5,$6,$6)`
	_, err := r.Pool.Exec(ctx, q, t.TaskID, t.AppUserID, t.DeviceID, t.IPAddress, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.create: %w", err)
	}
	return nil
}

// Get loads a task by id or returns domain.ErrNotFound.
func (r *TaskRepo) Get(ctx domain.Context, taskID string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tasks"),
	)
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id=$1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, taskID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// Update applies the set fields of the patch in a single UPDATE and bumps
// update_time.
func (r *TaskRepo) Update(ctx domain.Context, taskID string, patch domain.TaskUpdate) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "tasks"),
	)
	sets := make([]string, 0, 12)
	args := make([]any, 0, 13)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.AppUserID != nil {
		add("app_user_id", *patch.AppUserID)
	}
	if patch.RegionVerifyStatus != nil {
		add("region_verify_status", *patch.RegionVerifyStatus)
	}
	if patch.CollectStatus != nil {
		add("collect_status", *patch.CollectStatus)
	}
	if patch.AnalysisStatus != nil {
		add("analysis_status", *patch.AnalysisStatus)
	}
	if patch.EmailStatus != nil {
		add("email_status", *patch.EmailStatus)
	}
	if patch.CollectTotal != nil {
		add("collect_total", *patch.CollectTotal)
	}
	if patch.CollectCompleted != nil {
		add("collect_completed", *patch.CollectCompleted)
	}
	if patch.CollectPage != nil {
		add("collect_page", *patch.CollectPage)
	}
	if patch.RegionRetryCount != nil {
		add("region_retry_count", *patch.RegionRetryCount)
	}
	if patch.ErrorMsg != nil {
		add("error_msg", *patch.ErrorMsg)
	}
	add("update_time", time.Now().UTC())
	args = append(args, taskID)
	q := fmt.Sprintf(`UPDATE tasks SET %s WHERE task_id=$%d`, strings.Join(sets, ", "), len(args))
	ct, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=task.update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=task.update: %w", domain.ErrNotFound)
	}
	return nil
}

// IncrRegionRetry atomically bumps region_retry_count and returns the new
// value.
func (r *TaskRepo) IncrRegionRetry(ctx domain.Context, taskID string) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.IncrRegionRetry")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "tasks"),
	)
	q := `UPDATE tasks SET region_retry_count = region_retry_count + 1, update_time=$2
		WHERE task_id=$1 RETURNING region_retry_count`
	var n int
	if err := r.Pool.QueryRow(ctx, q, taskID, time.Now().UTC()).Scan(&n); err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("op=task.incr_region_retry: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=task.incr_region_retry: %w", err)
	}
	return n, nil
}

// AddCollectProgress bumps collect_completed by delta, records the progress
// cursor and returns the updated row.
func (r *TaskRepo) AddCollectProgress(ctx domain.Context, taskID string, page, delta int) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.AddCollectProgress")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "tasks"),
	)
	q := `UPDATE tasks SET collect_completed = collect_completed + $3, collect_page=$2, update_time=$4
		WHERE task_id=$1 RETURNING ` + taskColumns
	t, err := scanTask(r.Pool.QueryRow(ctx, q, taskID, page, delta, time.Now().UTC()))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.add_collect_progress: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.add_collect_progress: %w", err)
	}
	return t, nil
}

// LatestByUser returns the most recently created task bound to a user, or
// domain.ErrNotFound.
func (r *TaskRepo) LatestByUser(ctx domain.Context, appUserID string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.LatestByUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tasks"),
	)
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE app_user_id=$1 ORDER BY create_time DESC LIMIT 1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, appUserID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.latest_by_user: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.latest_by_user: %w", err)
	}
	return t, nil
}

// ListStale returns tasks stuck in the given statuses whose update_time is
// older than the cutoff, oldest first.
func (r *TaskRepo) ListStale(ctx domain.Context, statuses []domain.TaskStatus, updatedBefore time.Time, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListStale")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tasks"),
	)
	vals := make([]string, 0, len(statuses))
	for _, s := range statuses {
		vals = append(vals, string(s))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ANY($1) AND update_time < $2
		ORDER BY update_time ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, vals, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list_stale: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list_stale: %w", err)
	}
	return out, nil
}
