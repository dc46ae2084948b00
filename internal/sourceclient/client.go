// Package sourceclient is a minimal retrying HTTP client for paginating the
// upstream typed-record server. It is the reference implementation the
// module's one concrete TaskExecutor uses to exercise the scheduler
// end-to-end.
package sourceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Client pages through one resource type's records on the source server.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
		logger:     logger.With("component", "sourceclient"),
	}
}

// Page is one page of records for a resource type.
type Page struct {
	Records          []json.RawMessage `json:"records"`
	Total            int64             `json:"total"`
	NextContinuation string            `json:"next_continuation"`
	HasMore          bool              `json:"has_more"`
}

// FetchPage retrieves the next page of resourceType records, resuming from
// continuationToken (empty means "start from the beginning").
func (c *Client) FetchPage(ctx context.Context, resourceType, continuationToken string) (*Page, error) {
	logger := c.logger.With("resource_type", resourceType)

	reqURL := fmt.Sprintf("%s/%s?continuation=%s", c.config.BaseURL, url.PathEscape(resourceType), url.QueryEscape(continuationToken))

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			logger.Debug("retrying after delay", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		page, err := c.doFetch(ctx, reqURL)
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				return nil, fmt.Errorf("fetch page for %s: %w", resourceType, err)
			}
			logger.Debug("request failed, will retry", "error", err, "attempt", attempt)
			continue
		}

		return page, nil
	}

	return nil, fmt.Errorf("fetch page for %s: all retries exhausted: %w", resourceType, lastErr)
}

func (c *Client) doFetch(ctx context.Context, reqURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("unmarshaling page: %w", err)
	}
	return &page, nil
}

// HTTPError is returned for non-200 responses from the source server.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("source server returned %d: %s", e.StatusCode, e.Body)
}

// isRetryable reports whether err is worth retrying: 5xx responses and
// network errors, but not 4xx responses.
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return true
}
