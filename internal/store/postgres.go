package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/palcome/scoring-worker/internal/db"
	"github.com/palcome/scoring-worker/internal/model"
)

// PostgresStore implements Store using pgxpool, for deployments that talk
// to Postgres directly instead of through PostgREST.
type PostgresStore struct {
	pool         db.Pool
	leaseTimeout time.Duration
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, leaseTimeout time.Duration) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 4
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, leaseTimeout: leaseTimeout}, nil
}

// NewPostgresWithPool wires an existing pool. Tests use it with a mock.
func NewPostgresWithPool(pool db.Pool, leaseTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, leaseTimeout: leaseTimeout}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS scoring_jobs (
	id                     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status                 TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'succeeded', 'failed')),
	brand_name             TEXT NOT NULL,
	product_name           TEXT NOT NULL,
	rakuten_url            TEXT,
	ingredients_raw        JSONB,
	ingredients_normalized JSONB,
	scoring_result         JSONB,
	error_code             TEXT,
	error_detail           JSONB,
	last_error             TEXT,
	attempts               INTEGER NOT NULL DEFAULT 0,
	running_at             TIMESTAMPTZ,
	lease_expires_at       TIMESTAMPTZ,
	last_run_at            TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scoring_jobs_status ON scoring_jobs(status);
CREATE INDEX IF NOT EXISTS idx_scoring_jobs_running_at ON scoring_jobs(running_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ClaimPendingJob(ctx context.Context) (*model.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`UPDATE scoring_jobs
		 SET status = 'running', running_at = $1, lease_expires_at = $2, updated_at = $1
		 WHERE id = (
		 	SELECT id FROM scoring_jobs
		 	WHERE status = 'pending'
		 	ORDER BY created_at, id
		 	LIMIT 1
		 	FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, now.Add(s.leaseTimeout),
	)

	var r jobRow
	err := row.Scan(r.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	return r.toModel()
}

func (s *PostgresStore) ReapStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE scoring_jobs
		 SET status = 'pending', running_at = NULL, lease_expires_at = NULL, updated_at = $1
		 WHERE status = 'running' AND running_at < $2`,
		now, now.Add(-timeout),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reap stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, jobID string, patch Patch) error {
	cols, vals, err := sqlPatch(patch)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	sets := make([]string, 0, len(cols)+1)
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(cols)+1))
	vals = append(vals, time.Now().UTC(), jobID)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE scoring_jobs SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(cols)+2),
		vals...,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update job")
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) InsertJob(ctx context.Context, brandName, productName string) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scoring_jobs (id, status, brand_name, product_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		id, string(model.JobStatusPending), brandName, productName, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &model.Job{
		ID:          id,
		Status:      model.JobStatusPending,
		BrandName:   brandName,
		ProductName: productName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM scoring_jobs WHERE id = $1`, jobID,
	)

	var r jobRow
	err := row.Scan(r.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get job")
	}
	return r.toModel()
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scoring_jobs`
	var args []any

	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var r jobRow
		if err := rows.Scan(r.scanTargets()...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		job, err := r.toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}
