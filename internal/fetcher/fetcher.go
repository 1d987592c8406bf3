// Package fetcher executes upstream JSON GET requests with a bounded retry
// budget. Rate limiting (429) and transport timeouts are retried with
// exponential backoff; every other failure is permanent.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/space-ingest/internal/metrics"
	"github.com/space-ingest/pkg/apperr"
	"github.com/space-ingest/pkg/logger"
)

const (
	userAgent    = "space-ingest/1.0"
	maxBodyBytes = 10 << 20
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config fixes the retry budget and timeout of one upstream.
type Config struct {
	Name       string        // label used in logs and metrics
	Timeout    time.Duration // overall per-attempt HTTP timeout
	MaxRetries int           // retries after the first attempt
}

// Pacer spaces out requests to a named upstream.
type Pacer interface {
	Wait(ctx context.Context, name string) error
}

// Client performs resilient GET requests against one upstream.
type Client struct {
	httpClient *http.Client
	name       string
	maxRetries int
	sleep      SleepFunc
	pacer      Pacer
	log        *logger.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSleep replaces the backoff sleep. Tests use it to record delays.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// WithPacer makes every attempt, retries included, wait for p first.
func WithPacer(p Pacer) Option {
	return func(c *Client) {
		c.pacer = p
	}
}

// New creates a Client for one upstream.
func New(cfg Config, log *logger.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		name:       cfg.Name,
		maxRetries: cfg.MaxRetries,
		sleep:      sleepContext,
		log:        log.WithComponent("fetcher").WithSource(cfg.Name),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the upstream label.
func (c *Client) Name() string {
	return c.name
}

// GetJSON issues a GET to rawURL with query merged into its existing query
// string and returns the validated JSON body.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values) (json.RawMessage, error) {
	target, err := buildURL(rawURL, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, err, rawURL)
	}

	for attempt := 1; ; attempt++ {
		if c.pacer != nil {
			if err := c.pacer.Wait(ctx, c.name); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", c.name, err)
			}
		}

		body, status, err := c.do(ctx, target)

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("fetch %s: %w", c.name, ctxErr)
			}
			if !isTimeout(err) {
				metrics.FetchAttempts.WithLabelValues(c.name, "transport").Inc()
				return nil, apperr.Wrap(apperr.ErrTransientNetwork, err, target)
			}
			metrics.FetchAttempts.WithLabelValues(c.name, "timeout").Inc()
			if attempt > c.maxRetries {
				return nil, apperr.Wrap(apperr.ErrTransientNetwork, err, target)
			}
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			c.log.Warn().
				Int("attempt", attempt).
				Int("max_retries", c.maxRetries).
				Dur("backoff", backoff).
				Msg("Upstream timeout, retrying")
			if err := c.wait(ctx, backoff, "timeout"); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			var payload json.RawMessage
			if err := json.Unmarshal(body, &payload); err != nil {
				metrics.FetchAttempts.WithLabelValues(c.name, "invalid_payload").Inc()
				return nil, apperr.Wrap(apperr.ErrInvalidPayload, err, target)
			}
			metrics.FetchAttempts.WithLabelValues(c.name, "ok").Inc()
			c.log.Debug().
				Int("attempt", attempt).
				Int("bytes", len(body)).
				Msg("Fetched upstream payload")
			return payload, nil

		case status == http.StatusTooManyRequests:
			metrics.FetchAttempts.WithLabelValues(c.name, "throttled").Inc()
			if attempt > c.maxRetries {
				return nil, apperr.Upstream(apperr.ErrUpstreamThrottled, status, target)
			}
			backoff := time.Duration(1<<attempt) * 2 * time.Second
			c.log.Warn().
				Int("attempt", attempt).
				Int("max_retries", c.maxRetries).
				Dur("backoff", backoff).
				Msg("Rate limited (429), retrying")
			if err := c.wait(ctx, backoff, "throttled"); err != nil {
				return nil, err
			}

		default:
			metrics.FetchAttempts.WithLabelValues(c.name, "rejected").Inc()
			return nil, apperr.Upstream(apperr.ErrUpstreamRejected, status, target)
		}
	}
}

// do performs one attempt and returns the body and status code.
func (c *Client) do(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) wait(ctx context.Context, d time.Duration, reason string) error {
	metrics.FetchBackoffSeconds.WithLabelValues(c.name, reason).Add(d.Seconds())
	if err := c.sleep(ctx, d); err != nil {
		return fmt.Errorf("fetch %s: backoff interrupted: %w", c.name, err)
	}
	return nil
}

func buildURL(rawURL string, query url.Values) (string, error) {
	if len(query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for key, values := range query {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
