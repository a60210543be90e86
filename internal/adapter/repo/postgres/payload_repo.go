package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// PayloadRepo persists wrapped artifacts as JSONB, one row per task.
type PayloadRepo struct{ Pool PgxPool }

// NewPayloadRepo constructs a PayloadRepo with the given pool.
func NewPayloadRepo(p PgxPool) *PayloadRepo { return &PayloadRepo{Pool: p} }

// Upsert writes the artifact for a task, replacing an existing row.
func (r *PayloadRepo) Upsert(ctx domain.Context, taskID, appUserID string, p domain.WrappedPayload) error {
	tracer := otel.Tracer("repo.payloads")
	ctx, span := tracer.Start(ctx, "payloads.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "task_payload"),
	)
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=payload.upsert: %w", err)
	}
	q := `INSERT INTO task_payload (task_id, app_user_id, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (task_id) DO UPDATE SET app_user_id=EXCLUDED.app_user_id,
		payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, taskID, appUserID, body, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=payload.upsert: %w", err)
	}
	return nil
}

// Get loads the artifact for a task or returns domain.ErrNotFound.
func (r *PayloadRepo) Get(ctx domain.Context, taskID string) (domain.WrappedPayload, error) {
	tracer := otel.Tracer("repo.payloads")
	ctx, span := tracer.Start(ctx, "payloads.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "task_payload"),
	)
	q := `SELECT payload FROM task_payload WHERE task_id=$1`
	var body []byte
	if err := r.Pool.QueryRow(ctx, q, taskID).Scan(&body); err != nil {
		if err == pgx.ErrNoRows {
			return domain.WrappedPayload{}, fmt.Errorf("op=payload.get: %w", domain.ErrNotFound)
		}
		return domain.WrappedPayload{}, fmt.Errorf("op=payload.get: %w", err)
	}
	var p domain.WrappedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.WrappedPayload{}, fmt.Errorf("op=payload.get: %w", err)
	}
	return p, nil
}
