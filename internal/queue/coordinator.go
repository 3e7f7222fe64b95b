// Package queue coordinates job leases: claiming one pending job, reaping
// leases whose worker died, and recording coarse job state.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/palcome/scoring-worker/internal/model"
	"github.com/palcome/scoring-worker/internal/store"
	"github.com/palcome/scoring-worker/pkg/openaiapi"
)

// Coordinator owns a job's status and lease timestamps. The pipeline owns
// the derived fields and error fields within a run; both write through
// Update, so the write-boundary normalization below applies to every
// caller.
type Coordinator struct {
	store store.Store
	log   *zap.Logger
}

// NewCoordinator creates a Coordinator. The logger is injected so tests
// can observe transition events.
func NewCoordinator(st store.Store, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{store: st, log: log}
}

// nullableFields may be written as explicit NULLs: the lease timestamps
// (cleared on release) and the error fields (cleared by every successful
// stage write). Any other nil value in a patch is dropped, because the
// backing store treats present-with-null and absent differently.
var nullableFields = map[string]bool{
	"running_at":       true,
	"lease_expires_at": true,
	"error_code":       true,
	"error_detail":     true,
}

// Reap returns stale running jobs to pending. Called once per poll cycle
// before claiming, so a worker that crashed mid-job cannot hold its job
// forever.
func (c *Coordinator) Reap(ctx context.Context, timeout time.Duration) (int, error) {
	n, err := c.store.ReapStaleJobs(ctx, timeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.log.Info("reaped stale jobs",
			zap.Int("count", n),
			zap.Duration("timeout", timeout),
		)
	}
	return n, nil
}

// Claim atomically marks one pending job running, or returns (nil, nil)
// when the queue is empty.
func (c *Coordinator) Claim(ctx context.Context) (*model.Job, error) {
	job, err := c.store.ClaimPendingJob(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		c.log.Debug("no pending job")
		return nil, nil
	}
	c.log.Info("claimed job",
		zap.String("job_id", job.ID),
		zap.String("brand", job.BrandName),
		zap.String("product", job.ProductName),
	)
	return job, nil
}

// Update merges a sparse patch into the job row after normalizing it:
// every value still carrying a completion-provider envelope is unwrapped
// to its inner content (values may arrive pre-wrapped from any caller),
// and unintended nulls are dropped.
func (c *Coordinator) Update(ctx context.Context, jobID string, patch store.Patch) error {
	return c.store.UpdateJob(ctx, jobID, normalizePatch(patch))
}

// SetRunning re-asserts the running status at the start of a run and
// stamps last_run_at. The claim already set the lease; this write is what
// records that the pipeline actually started.
func (c *Coordinator) SetRunning(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	return c.Update(ctx, jobID, store.Patch{
		"status":      string(model.JobStatusRunning),
		"running_at":  now,
		"last_run_at": now,
	})
}

// SetDone marks the job succeeded and releases its lease.
func (c *Coordinator) SetDone(ctx context.Context, jobID string) error {
	if err := c.Update(ctx, jobID, store.Patch{
		"status":           string(model.JobStatusSucceeded),
		"running_at":       nil,
		"lease_expires_at": nil,
	}); err != nil {
		return err
	}
	c.log.Info("job succeeded", zap.String("job_id", jobID))
	return nil
}

// SetError marks the job failed with a structured detail. This is the only
// path that writes status=failed; the status value is always the plain
// "failed" because the backing store's constraint allows a fixed set only.
func (c *Coordinator) SetError(ctx context.Context, jobID, code string, detail map[string]any) error {
	if err := c.Update(ctx, jobID, store.Patch{
		"status":       string(model.JobStatusFailed),
		"error_code":   code,
		"error_detail": detail,
	}); err != nil {
		return err
	}
	c.log.Warn("job failed",
		zap.String("job_id", jobID),
		zap.String("error_code", code),
	)
	return nil
}

func normalizePatch(patch store.Patch) store.Patch {
	out := make(store.Patch, len(patch))
	for field, v := range patch {
		unwrapped := openaiapi.Unwrap(v).Value
		if unwrapped == nil && !nullableFields[field] {
			continue
		}
		out[field] = unwrapped
	}
	return out
}
