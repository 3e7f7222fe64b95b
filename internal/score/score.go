// Package score validates, repairs, and numerically normalizes the
// scoring stage's output.
package score

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/palcome/scoring-worker/internal/model"
	"github.com/palcome/scoring-worker/internal/prompts"
)

// maxReportedViolations caps how many concern/origin violations one error
// message carries; the rest collapse into a "+N more" suffix.
const maxReportedViolations = 10

// ValidationError marks a schema or business-rule failure. The pipeline
// retries these once with an auto-repair prompt; every other error class
// fails the job immediately.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Trunc2 truncates x toward zero to two decimal places. It operates on the
// shortest decimal representation of x, so it never rounds up
// (0.567 -> 0.56) and is idempotent.
func Trunc2(x float64) float64 {
	s := strconv.FormatFloat(x, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s) > i+3 {
		s = s[:i+3]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return x
	}
	return f
}

// FinalizeAndValidate turns raw scoring-stage output into a validated,
// numerically consistent result. Steps, in strict order: structural schema
// validation, schema_version stamping (the version tag is a constant, not
// model-controlled), concern/origin business-rule validation, then numeric
// finalization. The model's own final_score arithmetic is never trusted.
func FinalizeAndValidate(out any) (*model.ScoreResult, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, eris.Wrap(err, "score: marshal output")
	}

	schema, err := resultSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "score: reparse output")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, newValidationError("score_result schema violation: %v", err)
	}

	var result model.ScoreResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, eris.Wrap(err, "score: decode result")
	}
	result.SchemaVersion = prompts.SchemaVersion

	if err := validateActionPoints(&result); err != nil {
		return nil, err
	}

	enforceNumericRules(&result)
	return &result, nil
}

// validateActionPoints checks every row's concern and origin against the
// canonical closed vocabularies. Violations are collected, not failed
// fast, and reported as one aggregate error.
func validateActionPoints(result *model.ScoreResult) error {
	var violations []string
	for i, row := range result.Matrices {
		allowed, ok := prompts.ActionPointsCanonical[row.Concern]
		if !ok {
			violations = append(violations, fmt.Sprintf("matrices[%d].concern invalid: %q", i, row.Concern))
			continue
		}
		if !slices.Contains(allowed, row.Origin) {
			violations = append(violations, fmt.Sprintf(
				"matrices[%d].origin invalid for concern=%q: %q (allowed: %s)",
				i, row.Concern, row.Origin, strings.Join(allowed, ", "),
			))
		}
	}
	if len(violations) == 0 {
		return nil
	}

	head := violations
	more := ""
	if len(violations) > maxReportedViolations {
		head = violations[:maxReportedViolations]
		more = fmt.Sprintf(" (+%d more)", len(violations)-maxReportedViolations)
	}
	return newValidationError("invalid concern/origin: %s%s", strings.Join(head, " | "), more)
}

// enforceNumericRules truncates the four raw inputs to two decimal places
// and recomputes final_score from the truncated values, so the persisted
// final_score is reproducible from the persisted inputs exactly.
func enforceNumericRules(result *model.ScoreResult) {
	for i := range result.Matrices {
		row := &result.Matrices[i]
		row.Potency = Trunc2(row.Potency)
		row.Evidence = Trunc2(row.Evidence)
		row.MechanismMatch = Trunc2(row.MechanismMatch)
		row.RiskPenalty = Trunc2(row.RiskPenalty)

		final := row.Potency*row.Evidence*row.MechanismMatch - row.RiskPenalty
		if final < 0 {
			final = 0
		}
		row.FinalScore = Trunc2(final)
	}
}
