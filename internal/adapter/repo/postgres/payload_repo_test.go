package postgres_test

import (
	"context"
	"encoding/json"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

func TestPayloadRepo_Upsert(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	p := domain.WrappedPayload{
		TotalVideos: 10,
		TotalHours:  1.5,
		SampleTexts: []string{"cat video #cats"},
	}
	body, err := json.Marshal(p)
	require.NoError(t, err)

	m.ExpectExec("INSERT INTO task_payload").
		WithArgs("task_1", "user_1", body, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := postgres.NewPayloadRepo(m)
	require.NoError(t, repo.Upsert(context.Background(), "task_1", "user_1", p))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestPayloadRepo_Get(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	peak := 22
	stored := domain.WrappedPayload{TotalVideos: 4, PeakHour: &peak, SampleTexts: []string{"x"}}
	body, err := json.Marshal(stored)
	require.NoError(t, err)

	m.ExpectQuery("SELECT payload FROM task_payload").
		WithArgs("task_1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(body))

	repo := postgres.NewPayloadRepo(m)
	got, err := repo.Get(context.Background(), "task_1")
	require.NoError(t, err)
	require.NotNil(t, got.PeakHour)
	assert.Equal(t, 22, *got.PeakHour)
	assert.Equal(t, []string{"x"}, got.SampleTexts)
	require.NoError(t, m.ExpectationsWereMet())

	m.ExpectQuery("SELECT payload FROM task_payload").
		WithArgs("task_2").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}))
	_, err = repo.Get(context.Background(), "task_2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
