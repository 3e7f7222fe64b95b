// Package store persists scoring jobs. Three drivers implement the same
// interface: supabase (PostgREST, the deployed shape), postgres (direct
// pgx), and sqlite (local runs and tests).
package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/palcome/scoring-worker/internal/model"
)

// ErrJobNotFound is returned when a job id matches no row.
var ErrJobNotFound = eris.New("store: job not found")

// Patch is a sparse field set merged into a job row. A key present with a
// nil value is written as an explicit NULL; callers are expected to have
// already dropped unintended nils (see queue.Coordinator).
type Patch map[string]any

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus
	Limit  int
}

// Store defines the persistence interface for scoring jobs.
//
// ClaimPendingJob must be atomic: at most one caller receives a given job.
// That guarantee comes from the backing store (an RPC on supabase, FOR
// UPDATE SKIP LOCKED on postgres, the single-writer lock on sqlite), not
// from this package.
type Store interface {
	// ClaimPendingJob marks one pending job running and returns it, or
	// (nil, nil) when the queue is empty.
	ClaimPendingJob(ctx context.Context) (*model.Job, error)

	// ReapStaleJobs returns jobs whose lease-holder died (running_at older
	// than timeout) to pending, clearing lease timestamps. Returns the
	// count reverted.
	ReapStaleJobs(ctx context.Context, timeout time.Duration) (int, error)

	// UpdateJob merges a sparse patch into the job row. Last-write-wins at
	// the field level; only the lease holder is expected to write.
	UpdateJob(ctx context.Context, jobID string, patch Patch) error

	// InsertJob enqueues a new pending job.
	InsertJob(ctx context.Context, brandName, productName string) (*model.Job, error)

	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	Migrate(ctx context.Context) error
	Close() error
}

// jobColumns is the column list shared by the SQL drivers, in scan order.
const jobColumns = `id, status, brand_name, product_name, rakuten_url, ingredients_raw, ingredients_normalized, scoring_result, error_code, error_detail, last_error, attempts, running_at, lease_expires_at, last_run_at, created_at, updated_at`

// patchColumns is the closed set of columns a patch may touch.
var patchColumns = map[string]bool{
	"status":                 true,
	"rakuten_url":            true,
	"ingredients_raw":        true,
	"ingredients_normalized": true,
	"scoring_result":         true,
	"error_code":             true,
	"error_detail":           true,
	"last_error":             true,
	"attempts":               true,
	"running_at":             true,
	"lease_expires_at":       true,
	"last_run_at":            true,
}

// jsonColumns hold document values and are marshaled before an SQL write.
var jsonColumns = map[string]bool{
	"ingredients_raw":        true,
	"ingredients_normalized": true,
	"scoring_result":         true,
	"error_detail":           true,
}

// sqlPatch converts a Patch into deterministic (column, value) slices for
// the SQL drivers. Unknown columns are rejected rather than silently
// dropped. JSON document values are marshaled to text.
func sqlPatch(patch Patch) ([]string, []any, error) {
	cols := make([]string, 0, len(patch))
	for col := range patch {
		if !patchColumns[col] {
			return nil, nil, eris.Errorf("store: patch column %q not allowed", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	vals := make([]any, 0, len(cols))
	for _, col := range cols {
		v := patch[col]
		if v == nil {
			vals = append(vals, nil)
			continue
		}
		if jsonColumns[col] {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "store: marshal %s", col)
			}
			vals = append(vals, string(b))
			continue
		}
		vals = append(vals, v)
	}
	return cols, vals, nil
}

// jobRow is the scan target shared by the SQL drivers.
type jobRow struct {
	id                    string
	status                string
	brandName             string
	productName           string
	rakutenURL            *string
	ingredientsRaw        []byte
	ingredientsNormalized []byte
	scoringResult         []byte
	errorCode             *string
	errorDetail           []byte
	lastError             *string
	attempts              int
	runningAt             *time.Time
	leaseExpiresAt        *time.Time
	lastRunAt             *time.Time
	createdAt             time.Time
	updatedAt             time.Time
}

func (r *jobRow) scanTargets() []any {
	return []any{
		&r.id, &r.status, &r.brandName, &r.productName, &r.rakutenURL,
		&r.ingredientsRaw, &r.ingredientsNormalized, &r.scoringResult,
		&r.errorCode, &r.errorDetail, &r.lastError, &r.attempts,
		&r.runningAt, &r.leaseExpiresAt, &r.lastRunAt,
		&r.createdAt, &r.updatedAt,
	}
}

func (r *jobRow) toModel() (*model.Job, error) {
	job := &model.Job{
		ID:             r.id,
		Status:         model.JobStatus(r.status),
		BrandName:      r.brandName,
		ProductName:    r.productName,
		RakutenURL:     r.rakutenURL,
		ErrorCode:      r.errorCode,
		LastError:      r.lastError,
		Attempts:       r.attempts,
		RunningAt:      r.runningAt,
		LeaseExpiresAt: r.leaseExpiresAt,
		LastRunAt:      r.lastRunAt,
		CreatedAt:      r.createdAt,
		UpdatedAt:      r.updatedAt,
	}

	for _, doc := range []struct {
		raw  []byte
		dst  *map[string]any
		name string
	}{
		{r.ingredientsRaw, &job.IngredientsRaw, "ingredients_raw"},
		{r.ingredientsNormalized, &job.IngredientsNormalized, "ingredients_normalized"},
		{r.scoringResult, &job.ScoringResult, "scoring_result"},
		{r.errorDetail, &job.ErrorDetail, "error_detail"},
	} {
		if len(doc.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(doc.raw, doc.dst); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal %s", doc.name)
		}
	}
	return job, nil
}
