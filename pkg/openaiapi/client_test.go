package openaiapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palcome/scoring-worker/internal/resilience"
)

func fastRetry(maxAttempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestCompleteJSON(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
		want    any
	}{
		{
			name:   "json_content_parsed",
			status: http.StatusOK,
			body:   `{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"{\"rakuten_url\":\"https://item.rakuten.co.jp/x\"}"}}]}`,
			want:   map[string]any{"rakuten_url": "https://item.rakuten.co.jp/x"},
		},
		{
			name:   "plain_text_content",
			status: http.StatusOK,
			body:   `{"choices":[{"message":{"content":"not json"}}]}`,
			want:   "not json",
		},
		{
			name:   "legacy_text_field",
			status: http.StatusOK,
			body:   `{"choices":[{"text":"{\"a\":1}"}]}`,
			want:   map[string]any{"a": float64(1)},
		},
		{
			name:   "non_json_body_observable",
			status: http.StatusOK,
			body:   "<html>gateway timeout</html>",
			want:   map[string]any{"raw_text": "<html>gateway timeout</html>"},
		},
		{
			name:    "server_error_no_retry",
			status:  http.StatusInternalServerError,
			body:    `{"error":{"type":"server_error","message":"boom"}}`,
			wantErr: "status 500",
		},
		{
			name:    "quota_exhausted_fails_fast",
			status:  http.StatusTooManyRequests,
			body:    `{"error":{"type":"insufficient_quota","message":"quota spent"}}`,
			wantErr: "insufficient_quota",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt64(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient("test-key",
				WithBaseURL(srv.URL),
				WithRetryConfig(fastRetry(4)),
			)

			got, err := c.CompleteJSON(context.Background(), "sys", "user")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				// Neither quota nor non-429 errors may be retried.
				assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompleteJSON_RequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithModel("test-model"))
	got, err := c.CompleteJSON(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, got)
}

func TestCompleteJSON_RateLimitBackoff(t *testing.T) {
	var calls int64
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		n := atomic.AddInt64(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"type":"rate_limit_exceeded","message":"slow down"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`)
	}))
	defer srv.Close()

	c := NewClient("test-key",
		WithBaseURL(srv.URL),
		WithRetryConfig(resilience.RetryConfig{
			MaxAttempts:    8,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
			Multiplier:     2.0,
		}),
	)

	got, err := c.CompleteJSON(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, got)
	require.Equal(t, int64(3), atomic.LoadInt64(&calls))

	// Delays between attempts must be non-decreasing (capped exponential
	// backoff); exact timing is scheduler-dependent.
	require.Len(t, stamps, 3)
	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.GreaterOrEqual(t, second, first)
}

func TestCompleteJSON_RateLimitExhausted(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `rate limited`)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRetryConfig(fastRetry(3)))

	_, err := c.CompleteJSON(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestParseAPIError(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType string
		wantMsg  string
	}{
		{
			name:     "structured_envelope",
			body:     `{"error":{"type":"rate_limit_exceeded","message":"slow down"}}`,
			wantType: "rate_limit_exceeded",
			wantMsg:  "slow down",
		},
		{
			name:     "structured_missing_type",
			body:     `{"error":{"message":"nope"}}`,
			wantType: "api_error",
			wantMsg:  "nope",
		},
		{
			name:     "flat_message",
			body:     `{"message":"bad key"}`,
			wantType: "api_error",
			wantMsg:  "bad key",
		},
		{
			name:     "raw_fallback",
			body:     `upstream exploded`,
			wantType: "api_error",
			wantMsg:  "upstream exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := ParseAPIError(http.StatusBadGateway, []byte(tt.body))
			assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
			assert.Equal(t, tt.wantType, apiErr.Type)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.body, apiErr.Raw)
		})
	}
}
