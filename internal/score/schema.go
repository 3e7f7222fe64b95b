package score

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/palcome/scoring-worker/internal/prompts"
)

// scoreResultSchemaMap is the structural contract for a scoring result.
// Unknown fields are rejected at both levels, all nine scoring fields are
// required, and every numeric field must be in [0,1].
var scoreResultSchemaMap = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []any{"schema_version", "matrices"},
	"properties": map[string]any{
		"schema_version": map[string]any{"type": "string", "enum": []any{prompts.SchemaVersion}},
		"matrices": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required": []any{
					"ingredient_id", "concern", "origin",
					"potency", "evidence", "mechanism_match", "risk_penalty", "final_score",
				},
				"properties": map[string]any{
					"ingredient_id":   map[string]any{"type": "string"},
					"concern":         map[string]any{"type": "string"},
					"origin":          map[string]any{"type": "string"},
					"potency":         map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"evidence":        map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"mechanism_match": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"risk_penalty":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"final_score":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				},
			},
		},
	},
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// resultSchema compiles the score-result schema once.
func resultSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(scoreResultSchemaMap)
		if err != nil {
			schemaErr = eris.Wrap(err, "score: marshal schema")
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("score_result.json", bytes.NewReader(b)); err != nil {
			schemaErr = eris.Wrap(err, "score: add schema resource")
			return
		}
		compiledSchema, schemaErr = compiler.Compile("score_result.json")
	})
	return compiledSchema, schemaErr
}
