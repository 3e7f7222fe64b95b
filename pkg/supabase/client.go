// Package supabase is a minimal PostgREST client covering the calls the
// job store needs: RPC invocation, row patch, insert, and select.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Client talks to a Supabase project's PostgREST endpoint using the
// service-role key.
type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a PostgREST client rooted at <projectURL>/rest/v1.
func NewClient(projectURL, serviceRoleKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(projectURL, "/") + "/rest/v1",
		key:     serviceRoleKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RPC invokes a stored procedure and returns the raw response body.
func (c *Client) RPC(ctx context.Context, fn string, payload any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/rpc/"+fn, nil, payload, nil)
}

// PatchRows applies a partial update to the rows matched by query. The
// patch is marshaled as-is: keys present with a null value are written as
// explicit SQL NULLs, which PostgREST treats differently from absent keys.
func (c *Client) PatchRows(ctx context.Context, table string, query url.Values, patch any) error {
	_, err := c.do(ctx, http.MethodPatch, "/"+table, query, patch, nil)
	return err
}

// InsertRow inserts one row and returns the stored representation.
func (c *Client) InsertRow(ctx context.Context, table string, row any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/"+table, nil, row, map[string]string{
		"Prefer": "return=representation",
	})
}

// SelectRows fetches rows matching query.
func (c *Client) SelectRows(ctx context.Context, table string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/"+table, query, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, headers map[string]string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrapf(err, "supabase: marshal %s %s", method, path)
		}
		body = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, eris.Wrapf(err, "supabase: create request %s %s", method, path)
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "supabase: %s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "supabase: read response %s %s", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Errorf("supabase: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
