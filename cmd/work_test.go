package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palcome/scoring-worker/internal/config"
	"github.com/palcome/scoring-worker/internal/model"
	"github.com/palcome/scoring-worker/internal/pipeline"
	"github.com/palcome/scoring-worker/internal/prompts"
	"github.com/palcome/scoring-worker/internal/queue"
	"github.com/palcome/scoring-worker/internal/store"
	"github.com/palcome/scoring-worker/pkg/openaiapi"
)

// completionServer replies to chat completion requests with canned JSON
// content, one per call in order.
func completionServer(t *testing.T, contents []string) *httptest.Server {
	t.Helper()
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Less(t, calls, len(contents), "unexpected completion call")
		content := contents[calls]
		calls++
		resp := map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestWorker(t *testing.T, llmURL string) (store.Store, *queue.Coordinator, *pipeline.Runner) {
	t.Helper()
	cfg = &config.Config{
		Store:  config.StoreConfig{Driver: "sqlite"},
		Worker: config.WorkerConfig{LeaseTimeoutSecs: 3600, PollIntervalSecs: 1},
	}

	st, err := store.NewSQLite(
		fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	llm := openaiapi.NewClient("test-key", openaiapi.WithBaseURL(llmURL))
	co := queue.NewCoordinator(st, nil)
	return st, co, pipeline.NewRunner(co, llm, nil)
}

func TestTick_EmptyQueue(t *testing.T) {
	_, co, runner := newTestWorker(t, "http://127.0.0.1:0")

	processed := tick(context.Background(), co, runner)
	assert.False(t, processed)
}

func TestTick_ProcessesJobEndToEnd(t *testing.T) {
	scoreJSON, err := json.Marshal(map[string]any{
		"schema_version": prompts.SchemaVersion,
		"matrices": []any{
			map[string]any{
				"ingredient_id":   "ING_0001",
				"concern":         "acne",
				"origin":          "keratin_unplug",
				"potency":         0.8,
				"evidence":        0.7,
				"mechanism_match": 0.9,
				"risk_penalty":    0.1,
				"final_score":     0.4,
			},
		},
	})
	require.NoError(t, err)

	srv := completionServer(t, []string{
		`{"rakuten_url": "https://item.rakuten.co.jp/x/1", "shop_type": "official"}`,
		`{"ingredients_text": "成分: 水、BG", "ingredients_list_jp": ["水", "BG"]}`,
		`{"ingredients": [{"rank_index": 1, "name_jp": "水", "ingredient_id": "ING_0001"}]}`,
		string(scoreJSON),
	})

	st, co, runner := newTestWorker(t, srv.URL)
	job, err := st.InsertJob(context.Background(), "FANCL", "Mild Cleansing Oil")
	require.NoError(t, err)

	processed := tick(context.Background(), co, runner)
	assert.True(t, processed)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, got.Status)
	require.NotNil(t, got.ScoringResult)
	assert.Equal(t, prompts.SchemaVersion, got.ScoringResult["schema_version"])
	assert.Nil(t, got.RunningAt)
	assert.Nil(t, got.LeaseExpiresAt)

	// Queue drained.
	assert.False(t, tick(context.Background(), co, runner))
}

func TestTick_FailedJobStaysFailed(t *testing.T) {
	// Model returns prose instead of a JSON object; job must land in
	// failed, not pending, so the next tick does not re-claim it.
	srv := completionServer(t, []string{`sorry, I cannot answer in JSON`})

	st, co, runner := newTestWorker(t, srv.URL)
	job, err := st.InsertJob(context.Background(), "b", "p")
	require.NoError(t, err)

	assert.True(t, tick(context.Background(), co, runner))

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, pipeline.ErrorCodeJobFailed, *got.ErrorCode)
	assert.Equal(t, 1, got.Attempts)

	assert.False(t, tick(context.Background(), co, runner))
}
