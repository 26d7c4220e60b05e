// Package httpclient provides the outbound HTTP client used for upstream
// probes and other platform egress. It exists so every component that talks
// HTTP to an upstream shares one transport configuration: pooled
// connections, bounded dial and TLS handshake times, and a small retry
// budget for transient network failures.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Config tunes a Client. The zero value is not usable; start from
// DefaultConfig and override what differs.
type Config struct {
	// Timeout bounds a single request end to end, including redirects
	// and body read.
	Timeout time.Duration

	// MaxRetries is the number of re-sends after the first attempt.
	// Zero disables retrying entirely.
	MaxRetries int

	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	// The wait doubles per attempt starting at RetryWaitMin.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// MaxConnsPerHost caps both idle and active connections per host.
	MaxConnsPerHost int

	// UserAgent is sent when the request does not already carry one.
	UserAgent string

	// InsecureSkipVerify disables TLS certificate verification.
	// Verification stays on unless explicitly turned off.
	InsecureSkipVerify bool
}

// DefaultConfig returns the platform defaults for outbound HTTP.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		RetryWaitMin:    time.Second,
		RetryWaitMax:    5 * time.Second,
		MaxConnsPerHost: 100,
	}
}

// Client is a retrying HTTP client over a pooled transport. It is safe for
// concurrent use.
type Client struct {
	inner *http.Client
	cfg   Config
}

// New builds a Client from cfg. Unset backoff bounds fall back to the
// defaults so a partially filled Config still behaves.
func New(cfg Config) *Client {
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = time.Second
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = cfg.RetryWaitMin
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 100
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		inner: &http.Client{Transport: tr, Timeout: cfg.Timeout},
		cfg:   cfg,
	}
}

// Do sends req, retrying transient failures up to the configured budget.
// A response with a retryable status (5xx except 501) is drained, closed
// and re-sent; any other response is returned to the caller as-is.
// Requests with a non-replayable body are never retried after the first
// send.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if c.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	budget := c.cfg.MaxRetries
	if !replayable(req) {
		budget = 0
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := c.waitRetry(ctx, attempt); err != nil {
				return nil, err
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			if attempt < budget && retryableError(err) {
				continue
			}
			return nil, fmt.Errorf("http request failed after %d attempts: %w", attempt+1, err)
		}
		if attempt < budget && retryableStatus(resp.StatusCode) {
			drain(resp)
			continue
		}
		return resp, nil
	}
}

// Get issues a GET against url through the retry loop.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}
	return c.Do(ctx, req)
}

// Post issues a POST with the given content type through the retry loop.
// The body is replayed across retries only when req.GetBody can rebuild
// it, which net/http arranges for byte and string readers.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, req)
}

// CloseIdle drops pooled idle connections. Callers use it on shutdown so
// lingering keep-alives do not hold upstream sockets open.
func (c *Client) CloseIdle() {
	c.inner.CloseIdleConnections()
}

// waitRetry sleeps the doubling backoff for the given attempt, capped at
// RetryWaitMax, or returns early when ctx ends.
func (c *Client) waitRetry(ctx context.Context, attempt int) error {
	wait := c.cfg.RetryWaitMin << uint(attempt-1)
	if wait > c.cfg.RetryWaitMax || wait <= 0 {
		wait = c.cfg.RetryWaitMax
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replayable reports whether req can be sent more than once.
func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func retryableStatus(code int) bool {
	return code >= 500 && code != http.StatusNotImplemented
}

// retryableError treats transport-level failures as transient but never
// retries a request the caller has cancelled.
func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
