package model

import "time"

// JobStatus represents the coarse state of a scoring job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of work: a brand/product pair to be driven through the
// scoring pipeline. The four derived fields fill in strictly left-to-right
// (rakuten_url, ingredients_raw, ingredients_normalized, scoring_result) and
// are never cleared once non-null.
type Job struct {
	ID          string    `json:"id"`
	Status      JobStatus `json:"status"`
	BrandName   string    `json:"brand_name"`
	ProductName string    `json:"product_name"`

	RakutenURL            *string        `json:"rakuten_url"`
	IngredientsRaw        map[string]any `json:"ingredients_raw"`
	IngredientsNormalized map[string]any `json:"ingredients_normalized"`
	ScoringResult         map[string]any `json:"scoring_result"`

	ErrorCode   *string        `json:"error_code"`
	ErrorDetail map[string]any `json:"error_detail"`
	LastError   *string        `json:"last_error"`
	Attempts    int            `json:"attempts"`

	RunningAt      *time.Time `json:"running_at"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at"`
	LastRunAt      *time.Time `json:"last_run_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
