// Package pipeline runs a claimed job through its derivation stages:
// product identity to store URL, to raw ingredients, to normalized
// ingredients, to a validated scoring result.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/palcome/scoring-worker/internal/model"
	"github.com/palcome/scoring-worker/internal/prompts"
	"github.com/palcome/scoring-worker/internal/queue"
	"github.com/palcome/scoring-worker/internal/score"
	"github.com/palcome/scoring-worker/internal/store"
	"github.com/palcome/scoring-worker/pkg/openaiapi"
)

// ErrorCodeJobFailed is the single terminal error code. Operators triage
// from error_detail and last_error, not from the code.
const ErrorCodeJobFailed = "JOB_FAILED"

// maxLastErrorLen caps the persisted trace so a pathological error cannot
// bloat the row.
const maxLastErrorLen = 4000

// scoreRepairAttempts bounds the validate-and-repair loop on the scoring
// stage: one fresh attempt plus one repair attempt.
const scoreRepairAttempts = 2

// Runner executes the stage sequence for one job. Stages are resumable:
// a stage whose output column is already populated is skipped, so a job
// reaped mid-run picks up where the dead worker stopped.
type Runner struct {
	co  *queue.Coordinator
	llm openaiapi.Client
	log *zap.Logger
}

func NewRunner(co *queue.Coordinator, llm openaiapi.Client, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{co: co, llm: llm, log: log}
}

// Run processes one claimed job to a terminal status. Any failure is
// persisted on the job row (status failed, error fields, attempt counter)
// and also returned so the caller can log it; the error never escapes
// unrecorded.
func (r *Runner) Run(ctx context.Context, job *model.Job) error {
	if err := r.run(ctx, job); err != nil {
		r.persistFailure(ctx, job, err)
		return err
	}
	return nil
}

func (r *Runner) run(ctx context.Context, job *model.Job) error {
	log := r.log.With(zap.String("job_id", job.ID))

	if err := r.co.SetRunning(ctx, job.ID); err != nil {
		return eris.Wrap(err, "mark running")
	}

	if err := r.stageRakutenURL(ctx, job, log); err != nil {
		return err
	}
	if err := r.stageIngredientsRaw(ctx, job, log); err != nil {
		return err
	}
	if err := r.stageIngredientsNormalized(ctx, job, log); err != nil {
		return err
	}
	if err := r.stageScoringResult(ctx, job, log); err != nil {
		return err
	}

	if err := ensureScoringResult(job); err != nil {
		return err
	}

	if err := r.co.SetDone(ctx, job.ID); err != nil {
		return eris.Wrap(err, "mark done")
	}
	return nil
}

// ensureScoringResult is the final check before a job is marked done. A
// succeeded job must carry a scoring result; reaching the end of the run
// without one means a stage was skipped on bad state, and the job must
// fail rather than succeed empty.
func ensureScoringResult(job *model.Job) error {
	if job.ScoringResult == nil {
		return eris.Errorf("scoring_result is missing after pipeline run for job %s", job.ID)
	}
	return nil
}

// stagePatch wraps a stage's output write. Every successful stage write
// also clears the error fields, so a job that failed, was reset, and then
// progressed does not carry a stale error.
func stagePatch(field string, v any) store.Patch {
	return store.Patch{
		field:          v,
		"error_code":   nil,
		"error_detail": nil,
	}
}

func (r *Runner) stageRakutenURL(ctx context.Context, job *model.Job, log *zap.Logger) error {
	if job.RakutenURL != nil && *job.RakutenURL != "" {
		log.Debug("stage skipped, already populated", zap.String("stage", "rakuten_url"))
		return nil
	}

	out, err := r.llm.CompleteJSON(ctx, prompts.RakutenSystem(), prompts.RakutenURL(job.BrandName, job.ProductName))
	if err != nil {
		return eris.Wrap(err, "stage rakuten_url")
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return eris.Errorf("stage rakuten_url: expected JSON object, got %T", out)
	}

	// The URL is nullable. A reply without one is persisted as-is (the
	// null is dropped by the patch rules) and the next stage runs from
	// brand and product name alone.
	var urlVal any
	rawURL, _ := obj["rakuten_url"].(string)
	if rawURL != "" {
		urlVal = rawURL
	}
	if err := r.co.Update(ctx, job.ID, stagePatch("rakuten_url", urlVal)); err != nil {
		return eris.Wrap(err, "stage rakuten_url: persist")
	}
	if rawURL == "" {
		log.Warn("stage produced no rakuten_url", zap.String("stage", "rakuten_url"))
		return nil
	}
	job.RakutenURL = &rawURL
	log.Info("stage complete",
		zap.String("stage", "rakuten_url"),
		zap.String("rakuten_url", rawURL),
	)
	return nil
}

func (r *Runner) stageIngredientsRaw(ctx context.Context, job *model.Job, log *zap.Logger) error {
	if job.IngredientsRaw != nil {
		log.Debug("stage skipped, already populated", zap.String("stage", "ingredients_raw"))
		return nil
	}

	out, err := r.llm.CompleteJSON(ctx, prompts.ExtractSystem(),
		prompts.IngredientExtract(job.BrandName, job.ProductName, derefString(job.RakutenURL)))
	if err != nil {
		return eris.Wrap(err, "stage ingredients_raw")
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return eris.Errorf("stage ingredients_raw: expected JSON object, got %T", out)
	}

	if err := r.co.Update(ctx, job.ID, stagePatch("ingredients_raw", obj)); err != nil {
		return eris.Wrap(err, "stage ingredients_raw: persist")
	}
	job.IngredientsRaw = obj
	log.Info("stage complete", zap.String("stage", "ingredients_raw"))
	return nil
}

func (r *Runner) stageIngredientsNormalized(ctx context.Context, job *model.Job, log *zap.Logger) error {
	if job.IngredientsNormalized != nil {
		log.Debug("stage skipped, already populated", zap.String("stage", "ingredients_normalized"))
		return nil
	}

	// Input is the Japanese ingredient list from the previous stage. An
	// absent list normalizes to nothing, which starves the scoring stage
	// and trips the post-run guard rather than scoring garbage.
	list, _ := job.IngredientsRaw["ingredients_list_jp"].([]any)
	if list == nil {
		list = []any{}
	}
	input, err := json.Marshal(list)
	if err != nil {
		return eris.Wrap(err, "stage ingredients_normalized: encode input")
	}
	out, err := r.llm.CompleteJSON(ctx, prompts.NormalizeSystem(), prompts.Normalize(string(input)))
	if err != nil {
		return eris.Wrap(err, "stage ingredients_normalized")
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return eris.Errorf("stage ingredients_normalized: expected JSON object, got %T", out)
	}

	if err := r.co.Update(ctx, job.ID, stagePatch("ingredients_normalized", obj)); err != nil {
		return eris.Wrap(err, "stage ingredients_normalized: persist")
	}
	job.IngredientsNormalized = obj
	log.Info("stage complete", zap.String("stage", "ingredients_normalized"))
	return nil
}

// stageScoringResult scores the normalized ingredients. Transport errors
// abort immediately; a validation failure of the model's output gets one
// repair attempt carrying the exact violation text back to the model.
func (r *Runner) stageScoringResult(ctx context.Context, job *model.Job, log *zap.Logger) error {
	if job.ScoringResult != nil {
		log.Debug("stage skipped, already populated", zap.String("stage", "scoring_result"))
		return nil
	}

	input, err := json.Marshal(job.IngredientsNormalized)
	if err != nil {
		return eris.Wrap(err, "stage scoring_result: encode input")
	}
	inputJSON := string(input)

	var result *model.ScoreResult
	userPrompt := prompts.ScoreUser(inputJSON)
	for attempt := 1; attempt <= scoreRepairAttempts; attempt++ {
		out, err := r.llm.CompleteJSON(ctx, prompts.ScoreSystem(), userPrompt)
		if err != nil {
			return eris.Wrapf(err, "stage scoring_result: attempt %d", attempt)
		}

		result, err = score.FinalizeAndValidate(out)
		if err == nil {
			break
		}
		if !score.IsValidationError(err) || attempt == scoreRepairAttempts {
			return eris.Wrapf(err, "stage scoring_result: attempt %d", attempt)
		}
		log.Warn("scoring output invalid, retrying with repair prompt",
			zap.Int("attempt", attempt),
			zap.String("violation", err.Error()),
		)
		userPrompt = prompts.ScoreRepair(err.Error(), inputJSON)
	}

	resultMap := result.AsMap()
	if err := r.co.Update(ctx, job.ID, stagePatch("scoring_result", resultMap)); err != nil {
		return eris.Wrap(err, "stage scoring_result: persist")
	}
	job.ScoringResult = resultMap
	log.Info("stage complete",
		zap.String("stage", "scoring_result"),
		zap.Int("rows", len(result.Matrices)),
	)
	return nil
}

// persistFailure records a terminal failure on the job row. Best effort:
// if the store is also failing, the error is logged and the lease reaper
// eventually returns the job to pending.
func (r *Runner) persistFailure(ctx context.Context, job *model.Job, cause error) {
	trace := eris.ToString(cause, true)
	if len(trace) > maxLastErrorLen {
		trace = trace[:maxLastErrorLen]
	}

	if err := r.co.Update(ctx, job.ID, store.Patch{
		"attempts":   job.Attempts + 1,
		"last_error": trace,
	}); err != nil {
		r.log.Warn("could not persist attempt counter",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
	if err := r.co.SetError(ctx, job.ID, ErrorCodeJobFailed, map[string]any{
		"message":    cause.Error(),
		"stacktrace": trace,
	}); err != nil {
		r.log.Error("could not persist job failure",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
