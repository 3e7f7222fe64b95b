package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/palcome/scoring-worker/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db           *sql.DB
	leaseTimeout time.Duration
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL
// mode. leaseTimeout sets lease_expires_at on claim.
func NewSQLite(dsn string, leaseTimeout time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, leaseTimeout: leaseTimeout}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scoring_jobs (
	id                     TEXT PRIMARY KEY,
	status                 TEXT NOT NULL DEFAULT 'pending',
	brand_name             TEXT NOT NULL,
	product_name           TEXT NOT NULL,
	rakuten_url            TEXT,
	ingredients_raw        TEXT,
	ingredients_normalized TEXT,
	scoring_result         TEXT,
	error_code             TEXT,
	error_detail           TEXT,
	last_error             TEXT,
	attempts               INTEGER NOT NULL DEFAULT 0,
	running_at             DATETIME,
	lease_expires_at       DATETIME,
	last_run_at            DATETIME,
	created_at             DATETIME NOT NULL,
	updated_at             DATETIME NOT NULL,
	CHECK (status IN ('pending', 'running', 'succeeded', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_scoring_jobs_status ON scoring_jobs(status);
CREATE INDEX IF NOT EXISTS idx_scoring_jobs_running_at ON scoring_jobs(running_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ClaimPendingJob(ctx context.Context) (*model.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`UPDATE scoring_jobs
		 SET status = 'running', running_at = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id = (SELECT id FROM scoring_jobs WHERE status = 'pending' ORDER BY created_at, id LIMIT 1)
		 RETURNING `+jobColumns,
		now, now.Add(s.leaseTimeout), now,
	)

	var r jobRow
	err := row.Scan(r.scanTargets()...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job")
	}
	return r.toModel()
}

func (s *SQLiteStore) ReapStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-timeout)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scoring_jobs
		 SET status = 'pending', running_at = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE status = 'running' AND running_at < ?`,
		now, cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reap stale jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reap rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, jobID string, patch Patch) error {
	cols, vals, err := sqlPatch(patch)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	sets := make([]string, 0, len(cols)+1)
	for _, col := range cols {
		sets = append(sets, col+" = ?")
	}
	sets = append(sets, "updated_at = ?")
	vals = append(vals, time.Now().UTC(), jobID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scoring_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		vals...,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: update rows affected")
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertJob(ctx context.Context, brandName, productName string) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scoring_jobs (id, status, brand_name, product_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(model.JobStatusPending), brandName, productName, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
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

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scoring_jobs WHERE id = ?`, jobID,
	)

	var r jobRow
	err := row.Scan(r.scanTargets()...)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get job")
	}
	return r.toModel()
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scoring_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var r jobRow
		if err := rows.Scan(r.scanTargets()...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		job, err := r.toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}
