package store

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/palcome/scoring-worker/internal/model"
	"github.com/palcome/scoring-worker/pkg/supabase"
)

// SupabaseStore implements Store over PostgREST. Claim and reap are stored
// procedures so their atomicity lives in the database, exactly as the
// worker expects; ambiguous responses are surfaced, never re-claimed.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabase creates a SupabaseStore on top of a PostgREST client.
func NewSupabase(client *supabase.Client) *SupabaseStore {
	return &SupabaseStore{client: client}
}

const jobsTable = "scoring_jobs"

func (s *SupabaseStore) ClaimPendingJob(ctx context.Context) (*model.Job, error) {
	body, err := s.client.RPC(ctx, "claim_scoring_job", map[string]any{})
	if err != nil {
		return nil, err
	}

	var jobs []model.Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return nil, eris.Wrap(err, "supabase: decode claimed job")
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (s *SupabaseStore) ReapStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	body, err := s.client.RPC(ctx, "reap_stale_scoring_jobs", map[string]any{
		"running_timeout_seconds": int(timeout.Seconds()),
	})
	if err != nil {
		return 0, err
	}
	return parseReapedCount(body), nil
}

// parseReapedCount reads the reaped_count from either response shape the
// procedure has been seen to return: a single object or a one-row array.
// Anything else counts as zero.
func parseReapedCount(body []byte) int {
	var obj struct {
		ReapedCount *int `json:"reaped_count"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && obj.ReapedCount != nil {
		return *obj.ReapedCount
	}

	var list []struct {
		ReapedCount *int `json:"reaped_count"`
	}
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 && list[0].ReapedCount != nil {
		return *list[0].ReapedCount
	}
	return 0
}

func (s *SupabaseStore) UpdateJob(ctx context.Context, jobID string, patch Patch) error {
	// The patch marshals as-is: keys carrying nil become explicit JSON
	// nulls, which PostgREST writes as SQL NULL.
	return s.client.PatchRows(ctx, jobsTable, url.Values{"id": {"eq." + jobID}}, map[string]any(patch))
}

func (s *SupabaseStore) InsertJob(ctx context.Context, brandName, productName string) (*model.Job, error) {
	body, err := s.client.InsertRow(ctx, jobsTable, map[string]any{
		"status":       string(model.JobStatusPending),
		"brand_name":   brandName,
		"product_name": productName,
	})
	if err != nil {
		return nil, err
	}

	var jobs []model.Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return nil, eris.Wrap(err, "supabase: decode inserted job")
	}
	if len(jobs) == 0 {
		return nil, eris.New("supabase: insert returned no representation")
	}
	return &jobs[0], nil
}

func (s *SupabaseStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	body, err := s.client.SelectRows(ctx, jobsTable, url.Values{
		"id":    {"eq." + jobID},
		"limit": {"1"},
	})
	if err != nil {
		return nil, err
	}

	var jobs []model.Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return nil, eris.Wrap(err, "supabase: decode job")
	}
	if len(jobs) == 0 {
		return nil, ErrJobNotFound
	}
	return &jobs[0], nil
}

func (s *SupabaseStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := url.Values{
		"order": {"created_at.desc"},
		"limit": {strconv.Itoa(limit)},
	}
	if filter.Status != "" {
		query.Set("status", "eq."+string(filter.Status))
	}

	body, err := s.client.SelectRows(ctx, jobsTable, query)
	if err != nil {
		return nil, err
	}

	var jobs []model.Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return nil, eris.Wrap(err, "supabase: decode jobs")
	}
	return jobs, nil
}

// Migrate is a no-op: the table, claim procedure, and reap procedure are
// owned by the Supabase project's own migrations.
func (s *SupabaseStore) Migrate(context.Context) error { return nil }

func (s *SupabaseStore) Close() error { return nil }
