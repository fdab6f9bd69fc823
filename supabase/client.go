// Package supabase is the client for the managed data platform backing the
// plan-subscription product: PostgREST row reads and writes, stored
// procedure calls, GoTrue auth, object storage, and the realtime
// change-notification channel. Every component of the sync layer reaches
// the backend exclusively through this package.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the REST client for the platform.
type Client struct {
	baseURL    string
	anonKey    string
	serviceKey string
	httpClient *http.Client
}

// Config holds client configuration. AnonKey authenticates anonymous
// traffic; ServiceKey bypasses row-level security and is used when no
// per-request access token is present in the context.
type Config struct {
	URL        string
	AnonKey    string
	ServiceKey string
	HTTPClient *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.AnonKey == "" && cfg.ServiceKey == "" {
		return nil, fmt.Errorf("an API key is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		serviceKey: cfg.ServiceKey,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the configured platform URL.
func (c *Client) BaseURL() string { return c.baseURL }

// =============================================================================
// RPC (Stored Procedures)
// =============================================================================

// RPC calls a stored procedure and returns the raw response body. Callers
// normalize the result themselves; stored procedures answer in several
// shapes and the classification lives with the normalizer, not here.
func (c *Client) RPC(ctx context.Context, fn string, params any) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/rest/v1/rpc/%s", c.baseURL, fn)

	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(ctx, req)
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	// RPC error bodies flow back as data: the normalizer distinguishes
	// failure shapes, and transient referential rejections must reach the
	// retry loop as content rather than as a transport error.
	return resp.Body, nil
}

// =============================================================================
// Response
// =============================================================================

// Response is a raw REST response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Error returns an error when the response indicates failure.
func (r *Response) Error() error {
	if r.StatusCode < 400 {
		return nil
	}
	var errResp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &errResp); err == nil {
		if errResp.Message != "" {
			return fmt.Errorf("supabase error: %s", errResp.Message)
		}
		if errResp.Error != "" {
			return fmt.Errorf("supabase error: %s", errResp.Error)
		}
	}
	return fmt.Errorf("supabase error: status %d", r.StatusCode)
}

// =============================================================================
// Internal
// =============================================================================

// setHeaders attaches auth headers. A per-request access token from the
// context wins (row-level security runs as the caller); otherwise the
// service key, then the anon key.
func (c *Client) setHeaders(ctx context.Context, req *http.Request) {
	apiKey := c.serviceKey
	if apiKey == "" {
		apiKey = c.anonKey
	}
	token := apiKey
	if tok := AccessTokenFromContext(ctx); tok != "" {
		token = tok
	}
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}

func encodeFilters(params url.Values, filters []string) {
	for _, f := range filters {
		parts := strings.SplitN(f, "=", 2)
		if len(parts) == 2 {
			params.Add(parts[0], parts[1])
		}
	}
}
