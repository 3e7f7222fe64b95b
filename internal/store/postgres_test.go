package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palcome/scoring-worker/internal/model"
)

func jobColumnNames() []string {
	return []string{
		"id", "status", "brand_name", "product_name", "rakuten_url",
		"ingredients_raw", "ingredients_normalized", "scoring_result",
		"error_code", "error_detail", "last_error", "attempts",
		"running_at", "lease_expires_at", "last_run_at",
		"created_at", "updated_at",
	}
}

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock, time.Hour), mock
}

func TestPostgres_ClaimPendingJob(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	lease := now.Add(time.Hour)

	rows := pgxmock.NewRows(jobColumnNames()).AddRow(
		"j1", "running", "FANCL", "Mild Cleansing Oil", nil,
		nil, nil, nil,
		nil, nil, nil, 0,
		&now, &lease, nil,
		now, now,
	)
	mock.ExpectQuery("UPDATE scoring_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)

	job, err := s.ClaimPendingJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	require.NotNil(t, job.LeaseExpiresAt)
	assert.True(t, job.LeaseExpiresAt.After(*job.RunningAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimPendingJob_Empty(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery("UPDATE scoring_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	job, err := s.ClaimPendingJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReapStaleJobs(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE scoring_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.ReapStaleJobs(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateJob(t *testing.T) {
	s, mock := newMockPostgres(t)

	// Columns are sorted, so rakuten_url binds before status.
	mock.ExpectExec(`UPDATE scoring_jobs SET rakuten_url = \$1, status = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("https://item.rakuten.co.jp/x/1", "running", pgxmock.AnyArg(), "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateJob(context.Background(), "j1", Patch{
		"status":      "running",
		"rakuten_url": "https://item.rakuten.co.jp/x/1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateJob_MarshalsJSONColumns(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE scoring_jobs").
		WithArgs(`{"ingredients_text":"成分: 水"}`, pgxmock.AnyArg(), "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateJob(context.Background(), "j1", Patch{
		"ingredients_raw": map[string]any{"ingredients_text": "成分: 水"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateJob_NotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE scoring_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJob(context.Background(), "missing", Patch{"attempts": 1})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPostgres_UpdateJob_RejectsUnknownColumn(t *testing.T) {
	s, _ := newMockPostgres(t)

	err := s.UpdateJob(context.Background(), "j1", Patch{"id": "other"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestPostgres_InsertJob(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO scoring_jobs").
		WithArgs(pgxmock.AnyArg(), "pending", "FANCL", "Mild Cleansing Oil", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.InsertJob(context.Background(), "FANCL", "Mild Cleansing Oil")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetJob(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(jobColumnNames()).AddRow(
		"j1", "failed", "b", "p", nil,
		[]byte(`{"ingredients_text":"x"}`), nil, nil,
		strPtr("JOB_FAILED"), []byte(`{"message":"boom"}`), strPtr("trace"), 3,
		nil, nil, nil,
		now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM scoring_jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(rows)

	job, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, map[string]any{"ingredients_text": "x"}, job.IngredientsRaw)
	assert.Equal(t, map[string]any{"message": "boom"}, job.ErrorDetail)
	assert.Equal(t, 3, job.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT (.+) FROM scoring_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPostgres_ListJobs_StatusFilter(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(jobColumnNames()).AddRow(
		"j1", "pending", "b", "p", nil,
		nil, nil, nil,
		nil, nil, nil, 0,
		nil, nil, nil,
		now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM scoring_jobs WHERE status").
		WithArgs("pending", 100).
		WillReturnRows(rows)

	jobs, err := s.ListJobs(context.Background(), JobFilter{Status: model.JobStatusPending})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func strPtr(s string) *string { return &s }
