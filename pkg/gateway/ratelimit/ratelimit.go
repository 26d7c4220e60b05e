// Package ratelimit implements the gateway's request rate limiting.
//
// Five algorithms (token bucket, leaky bucket, fixed window, sliding-window
// log, sliding-window counter) share a single state contract: each request
// performs one atomic read-modify-write of a small JSON state blob through a
// StateStore. The in-memory store serves single-process deployments; the
// Redis store shares counters across gateway replicas.
package ratelimit

import (
	"context"
	"math"
	"time"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
)

// Algorithm selects the rate limiting strategy for a limiter.
type Algorithm string

const (
	TokenBucket    Algorithm = "token_bucket"
	LeakyBucket    Algorithm = "leaky_bucket"
	FixedWindow    Algorithm = "fixed_window"
	SlidingLog     Algorithm = "sliding_log"
	SlidingCounter Algorithm = "sliding_counter"
)

// Action is what the gateway does with a request that exceeded its limit.
// The limiter itself only decides; the pipeline stage applies the action.
type Action string

const (
	// ActionReject responds 429 with a Retry-After header.
	ActionReject Action = "reject"
	// ActionDelay holds the request for Decision.RetryAfter before forwarding.
	ActionDelay Action = "delay"
	// ActionThrottle forwards the request tagged with a throttle factor.
	ActionThrottle Action = "throttle"
	// ActionLogOnly records the violation and forwards unchanged.
	ActionLogOnly Action = "log_only"
)

// Config describes one rate limit: the algorithm, its budget, and how the
// limit key is assembled from the request.
type Config struct {
	Algorithm Algorithm
	// Requests allowed per Window.
	Requests int
	Window   time.Duration
	// Burst extends bucket capacity beyond Requests (token and leaky bucket).
	Burst int
	// LeakRate is the leaky bucket drain in requests per second.
	// Zero means Requests/Window.
	LeakRate float64
	Action   Action
	// ThrottleFactor is attached to the request context under ActionThrottle.
	ThrottleFactor float64

	// Key assembly. Enabled parts are joined in a fixed order; KeyFunc
	// overrides assembly entirely.
	ByIP         bool
	ByUser       bool
	ByAPIKey     bool
	ByPath       bool
	APIKeyHeader string
	KeyFunc      KeyFunc
}

func (c *Config) normalize() {
	if c.Algorithm == "" {
		c.Algorithm = TokenBucket
	}
	if c.Requests <= 0 {
		c.Requests = 100
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Action == "" {
		c.Action = ActionReject
	}
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "X-API-Key"
	}
	if !c.ByIP && !c.ByUser && !c.ByAPIKey && !c.ByPath && c.KeyFunc == nil {
		c.ByIP = true
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Limit is the advertised budget (X-RateLimit-Limit).
	Limit int
	// Remaining is how many requests the key has left (X-RateLimit-Remaining).
	Remaining int
	// Reset is the time until the budget is available again (X-RateLimit-Reset).
	Reset time.Duration
	// RetryAfter is how long a rejected caller should wait before retrying.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds renders RetryAfter for the Retry-After header: whole
// seconds rounded up, at least 1 for a rejected request.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter answers whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// algorithm advances limiter state for one request. prev is nil on the first
// request for a key; next is stored back under the state TTL. Implementations
// are pure so the same code runs over every StateStore backend.
type algorithm interface {
	step(prev []byte, now time.Time) (next []byte, d Decision, err error)
}

type limiter struct {
	alg     algorithm
	store   StateStore
	ttl     time.Duration
	nowFunc func() time.Time
}

// New builds a Limiter for the configured algorithm over the given store.
func New(cfg Config, store StateStore) (Limiter, error) {
	cfg.normalize()
	if store == nil {
		return nil, apperrors.InvalidInput("rate limit store is required")
	}

	var (
		alg algorithm
		ttl time.Duration
	)
	switch cfg.Algorithm {
	case TokenBucket:
		alg = newTokenBucket(cfg)
		ttl = 2 * cfg.Window
	case LeakyBucket:
		alg = newLeakyBucket(cfg)
		ttl = 2 * cfg.Window
	case FixedWindow:
		alg = newFixedWindow(cfg)
		ttl = 2 * cfg.Window
	case SlidingLog:
		alg = newSlidingLog(cfg)
		ttl = cfg.Window
	case SlidingCounter:
		alg = newSlidingCounter(cfg)
		// The previous window's count stays relevant for one more window.
		ttl = 2 * cfg.Window
	default:
		return nil, apperrors.InvalidInput("unknown rate limit algorithm: " + string(cfg.Algorithm))
	}

	return &limiter{
		alg:     alg,
		store:   store,
		ttl:     ttl,
		nowFunc: time.Now,
	}, nil
}

// Allow runs one atomic state transition for key and reports the decision.
func (l *limiter) Allow(ctx context.Context, key string) (Decision, error) {
	var d Decision
	_, err := l.store.Update(ctx, key, l.ttl, func(prev []byte) ([]byte, error) {
		next, dec, err := l.alg.step(prev, l.nowFunc())
		if err != nil {
			return nil, err
		}
		d = dec
		return next, nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}
