// Package openaiapi is a minimal client for OpenAI-compatible chat
// completion endpoints, tuned for JSON-only responses.
package openaiapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/palcome/scoring-worker/internal/resilience"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4.1-mini"
)

// Client performs JSON-mode chat completions against an OpenAI-compatible API.
type Client interface {
	// CompleteJSON sends a system/user prompt pair demanding a JSON-only
	// response and returns the unwrapped content: a map or slice when the
	// model produced JSON, a string when it did not, or
	// map{"raw_text": body} when the response body itself was not JSON.
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (any, error)
}

// Message represents a single message in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetryConfig overrides the rate-limit retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		cfg.ShouldRetry = shouldRetryRateLimit
		c.retry = cfg
	}
}

// WithRequestsPerSecond installs a client-side limiter so a tight polling
// loop cannot hammer the endpoint into 429s to begin with.
func WithRequestsPerSecond(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	retry   resilience.RetryConfig
	limiter *rate.Limiter
}

// NewClient creates a completion client. The default retry policy handles
// only 429 responses: 1s base delay doubling per attempt, capped at 30s,
// up to +30% jitter, 8 attempts total. Quota-exhaustion errors and every
// other failure surface immediately.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.RetryConfig{
			MaxAttempts:    8,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.3,
			ShouldRetry:    shouldRetryRateLimit,
			OnRetry:        resilience.RetryLogger("openai", "chat_completion"),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// shouldRetryRateLimit retries only rate-limit responses. Quota exhaustion
// also arrives as a 429 but retrying cannot change the outcome.
func shouldRetryRateLimit(err error) bool {
	return IsRateLimited(err) && !IsQuotaExhausted(err)
}

func (c *httpClient) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (any, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (any, error) {
		return c.completeOnce(ctx, systemPrompt, userPrompt)
	})
}

func (c *httpClient) completeOnce(ctx context.Context, systemPrompt, userPrompt string) (any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "openai: rate limiter wait")
		}
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, eris.Wrap(err, "openai: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "openai: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "openai: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "openai: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ParseAPIError(resp.StatusCode, respBody)
	}

	var data any
	if err := json.Unmarshal(respBody, &data); err != nil {
		// Not valid JSON at all. Hand the raw body downstream so
		// validation can observe the failure instead of a transport error.
		return map[string]any{"raw_text": string(respBody)}, nil
	}

	return Unwrap(data).Value, nil
}
