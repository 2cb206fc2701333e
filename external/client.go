// Package external wraps outbound HTTP calls to third-party services (web
// search, image search, data sources) with a shared rate limiter and retry
// policy, grounded on the retry idiom in the example pack's A2A client
// (runtime/a2a/retry) and golang.org/x/time/rate for pacing.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig controls how many times and how long Client waits between
// retryable failures.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
}

// DefaultRetryConfig is a conservative default suitable for best-effort
// search/media lookups.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Client is a rate-limited, retrying HTTP client for tools that reach
// outside the process (spec.md §4.3: search, media, data sources).
type Client struct {
	http     *http.Client
	limiter  *rate.Limiter
	retry    RetryConfig
	agent    string
	cache    Cache
	cacheTTL time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg RetryConfig) Option { return func(c *Client) { c.retry = cfg } }

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(agent string) Option { return func(c *Client) { c.agent = agent } }

// WithCache overrides the response cache Get consults before issuing an
// outbound request, and the TTL entries are stored under.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) { c.cache = cache; c.cacheTTL = ttl }
}

// New constructs a Client that allows up to rps requests per second, with
// bursts up to burst.
func New(rps float64, burst int, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		retry:    DefaultRetryConfig(),
		agent:    "OKCVM/1.0",
		cache:    NewMemoryCache(),
		cacheTTL: 5 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError wraps a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string { return fmt.Sprintf("external: http %s", e.Status) }

// isRetryable reports whether err is worth retrying: timeouts, DNS hiccups,
// and 429/502/503/504 responses.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// Get issues a rate-limited GET to url and returns the response body on a
// 2xx status, retrying transient failures per the configured RetryConfig.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, url); ok {
			return []byte(cached), nil
		}
	}

	cfg := c.retry
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		body, err := c.doGet(ctx, url)
		if err == nil {
			if c.cache != nil {
				c.cache.Set(ctx, url, string(body), c.cacheTTL)
			}
			return body, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt >= cfg.MaxAttempts {
			break
		}
		backoff := calculateBackoff(cfg, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("external: get %s: %w", url, lastErr)
}

// PostJSON issues a rate-limited POST with a JSON body and returns the
// response body on a 2xx status, retrying transient failures like Get.
// Responses are never cached.
func (c *Client) PostJSON(ctx context.Context, url string, payload any, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("external: encode payload: %w", err)
	}

	cfg := c.retry
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.doPost(ctx, url, body, headers)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(calculateBackoff(cfg, attempt)):
		}
	}
	return nil, fmt.Errorf("external: post %s: %w", url, lastErr)
}

func (c *Client) doPost(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return out, nil
}

func (c *Client) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.agent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return body, nil
}

func calculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec
	}
	return time.Duration(backoff)
}
