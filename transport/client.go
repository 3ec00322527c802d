// Package transport implements the REST side of the coordination API: an
// authenticated JSON client with bounded retry, typed endpoint bindings,
// and token providers.
package transport

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

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
	"github.com/CreoLive-Network/coordination_layer/limiter"
)

// Config configures the coordination API client.
type Config struct {
	// BaseURL is the coordination backend root, no trailing slash.
	BaseURL string

	// Tokens supplies the Bearer token for every call.
	Tokens TokenProvider

	// Timeout bounds each individual HTTP exchange.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt, on
	// network errors and 5xx responses.
	MaxRetries int

	// RetryDelay is the fixed wait between those retries.
	RetryDelay time.Duration

	// Limiter optionally caps outbound request volume per host.
	Limiter *limiter.PerKey

	// Logger defaults to disabled when left zero.
	Logger zerolog.Logger

	// HTTPClient overrides the underlying client, for tests.
	HTTPClient *http.Client
}

// Client is an authenticated JSON client for the coordination backend.
type Client struct {
	httpClient *http.Client
	tokens     TokenProvider
	baseURL    string
	host       string
	maxRetries int
	retryDelay time.Duration
	limiter    *limiter.PerKey
	log        zerolog.Logger
}

// NewClient creates a client for the coordination backend.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = 2 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	host := cfg.BaseURL
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}

	return &Client{
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		host:       host,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		limiter:    cfg.Limiter,
		log:        cfg.Logger,
	}
}

// Do executes an HTTP request with Bearer authentication and bounded
// retry on network errors and server errors. Business statuses come back
// to the caller undisturbed.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	return c.doWithRetry(ctx, method, path, body, 0)
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, body interface{}, attempt int) (*http.Response, error) {
	if c.limiter != nil && !c.limiter.Allow(c.host) {
		return nil, fmt.Errorf("outbound limit reached for %s: %w", c.host, apperrors.ErrRateLimited)
	}

	fullURL := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		token, tokenErr := c.tokens.Token(ctx)
		if tokenErr != nil {
			return nil, fmt.Errorf("acquire token: %w", tokenErr)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if attempt < c.maxRetries && ctx.Err() == nil {
			c.log.Debug().Str("method", method).Str("path", path).
				Int("attempt", attempt+1).Err(err).Msg("retrying after network error")
			if serr := c.sleepRetry(ctx); serr != nil {
				return nil, serr
			}
			return c.doWithRetry(ctx, method, path, body, attempt+1)
		}
		return nil, fmt.Errorf("%s %s: %v: %w", method, path, err, apperrors.ErrTransient)
	}

	if resp.StatusCode >= 500 && attempt < c.maxRetries {
		resp.Body.Close()
		c.log.Debug().Str("method", method).Str("path", path).
			Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("retrying after server error")
		if serr := c.sleepRetry(ctx); serr != nil {
			return nil, serr
		}
		return c.doWithRetry(ctx, method, path, body, attempt+1)
	}

	return resp, nil
}

func (c *Client) sleepRetry(ctx context.Context) error {
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put performs a PUT request with JSON body.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// DecodeResponse decodes a JSON response into the target struct. Error
// statuses map onto the taxonomy through the server's error envelope.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := readAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		return errorFromEnvelope(resp.StatusCode, body, truncated)
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, err := readAllStrict(resp.Body, 8<<20)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// errorFromEnvelope maps a {"error": {"code", "message"}} body onto a
// RequestError. Bodies without the envelope fall back to the raw text.
func errorFromEnvelope(status int, body []byte, truncated bool) error {
	code := apperrors.Code(gjson.GetBytes(body, "error.code").String())
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if truncated {
		message += "...(truncated)"
	}
	if code == "" {
		code = apperrors.CodeUnknown
	}
	return apperrors.NewRequestError(status, code, message)
}

// readAllWithLimit reads at most limit bytes, reporting truncation.
func readAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// readAllStrict reads the body and fails when it exceeds the limit.
func readAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := readAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
