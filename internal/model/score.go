package model

import "encoding/json"

// ScoreRow is one entry of the scoring result's matrices array. The four
// raw inputs and the derived final_score are truncated to two decimal
// places before persistence.
type ScoreRow struct {
	IngredientID   string  `json:"ingredient_id"`
	Concern        string  `json:"concern"`
	Origin         string  `json:"origin"`
	Potency        float64 `json:"potency"`
	Evidence       float64 `json:"evidence"`
	MechanismMatch float64 `json:"mechanism_match"`
	RiskPenalty    float64 `json:"risk_penalty"`
	FinalScore     float64 `json:"final_score"`
}

// ScoreResult is the validated output of the scoring stage.
type ScoreResult struct {
	SchemaVersion string     `json:"schema_version"`
	Matrices      []ScoreRow `json:"matrices"`
}

// AsMap converts the result to the generic object shape used for job
// patches. Conversion goes through JSON so the persisted document matches
// the wire form exactly.
func (r *ScoreResult) AsMap() map[string]any {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
