// Package httpclient wraps http.Client with exponential-backoff retry, for
// the handful of plain HTTP calls the control plane makes outside the
// broker: a minion's bootstrap fetch of its node config, and the updater's
// GitHub release checks. Scan launch delivery and the message bus itself
// have their own delivery paths (transport's backoff retry behind a
// per-radio circuit breaker, the broker's in-memory channels) and don't go
// through this package.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3).
	MaxRetries int
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries (default: 30s).
	MaxDelay time.Duration
	// Multiplier is the factor by which delay increases (default: 2.0).
	Multiplier float64
	// Jitter adds randomness to delays to prevent thundering herd (default: 0.1).
	Jitter float64
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Client wraps http.Client with retry capability.
type Client struct {
	httpClient *http.Client
	config     RetryConfig
	log        *slog.Logger
}

// New creates a retry-capable HTTP client. log may be nil.
func New(httpClient *http.Client, config RetryConfig, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.InitialDelay == 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay == 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier == 0 {
		config.Multiplier = 2.0
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{httpClient: httpClient, config: config, log: log}
}

// isRetryable reports whether a request should be retried given its
// response/error.
func isRetryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
		return true
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return false
}

// calculateDelay computes the backoff delay for a given attempt, with
// jitter applied.
func (c *Client) calculateDelay(attempt int) time.Duration {
	delay := float64(c.config.InitialDelay) * math.Pow(c.config.Multiplier, float64(attempt))
	if c.config.Jitter > 0 {
		jitterRange := delay * c.config.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay > float64(c.config.MaxDelay) {
		delay = float64(c.config.MaxDelay)
	}
	return time.Duration(delay)
}

// Do executes an HTTP request with retries. The request body must be
// replayable (set req.GetBody, as Post does).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			return nil, fmt.Errorf("request cancelled: %w", err)
		}

		var reqCopy *http.Request
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to get request body for retry: %w", err)
			}
			reqCopy = req.Clone(req.Context())
			reqCopy.Body = body
		} else {
			reqCopy = req
		}

		resp, err := c.httpClient.Do(reqCopy)
		if !isRetryable(resp, err) {
			return resp, err
		}

		lastErr = err
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastResp = resp
		}

		if attempt < c.config.MaxRetries {
			delay := c.calculateDelay(attempt)
			c.log.Warn("http request failed, retrying",
				slog.Duration("delay", delay),
				slog.Int("attempt", attempt+1),
				slog.Int("maxRetries", c.config.MaxRetries),
				slog.Any("error", err))

			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all %d retries failed: %w", c.config.MaxRetries, lastErr)
	}
	return lastResp, errors.New("all retries failed with server errors")
}

// Get performs a GET request with retries.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs a POST request with retries. body must support Seek so the
// request can be replayed.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.ReadSeeker) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.GetBody = func() (io.ReadCloser, error) {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return io.NopCloser(body), nil
	}
	return c.Do(req)
}
