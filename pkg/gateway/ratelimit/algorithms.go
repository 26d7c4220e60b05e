package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// State blobs are JSON with one typed struct per algorithm. Decoding into
// these concrete types is the allow-list: a poisoned store entry can fail to
// parse but cannot make the limiter execute anything.

type tokenBucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill_ns"`
}

type tokenBucket struct {
	capacity float64
	rate     float64 // tokens per second
	limit    int
}

func newTokenBucket(cfg Config) *tokenBucket {
	return &tokenBucket{
		capacity: float64(cfg.Requests + cfg.Burst),
		rate:     float64(cfg.Requests) / cfg.Window.Seconds(),
		limit:    cfg.Requests + cfg.Burst,
	}
}

func (b *tokenBucket) step(prev []byte, now time.Time) ([]byte, Decision, error) {
	st := tokenBucketState{Tokens: b.capacity, LastRefill: now.UnixNano()}
	if prev != nil {
		if err := json.Unmarshal(prev, &st); err != nil {
			return nil, Decision{}, fmt.Errorf("decode token bucket state: %w", err)
		}
		elapsed := time.Duration(now.UnixNano() - st.LastRefill).Seconds()
		if elapsed > 0 {
			st.Tokens = math.Min(b.capacity, st.Tokens+elapsed*b.rate)
		}
		st.LastRefill = now.UnixNano()
	}

	d := Decision{Limit: b.limit}
	if st.Tokens >= 1 {
		st.Tokens--
		d.Allowed = true
	}
	d.Remaining = int(st.Tokens)
	if st.Tokens < 1 {
		d.Reset = secondsToDuration((1 - st.Tokens) / b.rate)
	}
	if !d.Allowed {
		d.RetryAfter = d.Reset
	}

	next, err := json.Marshal(st)
	return next, d, err
}

type leakyBucketState struct {
	Level    float64 `json:"level"`
	LastLeak int64   `json:"last_leak_ns"`
}

type leakyBucket struct {
	capacity float64
	leakRate float64 // requests drained per second
	limit    int
}

func newLeakyBucket(cfg Config) *leakyBucket {
	rate := cfg.LeakRate
	if rate <= 0 {
		rate = float64(cfg.Requests) / cfg.Window.Seconds()
	}
	return &leakyBucket{
		capacity: float64(cfg.Requests + cfg.Burst),
		leakRate: rate,
		limit:    cfg.Requests + cfg.Burst,
	}
}

func (b *leakyBucket) step(prev []byte, now time.Time) ([]byte, Decision, error) {
	st := leakyBucketState{LastLeak: now.UnixNano()}
	if prev != nil {
		if err := json.Unmarshal(prev, &st); err != nil {
			return nil, Decision{}, fmt.Errorf("decode leaky bucket state: %w", err)
		}
		elapsed := time.Duration(now.UnixNano() - st.LastLeak).Seconds()
		if elapsed > 0 {
			st.Level = math.Max(0, st.Level-elapsed*b.leakRate)
		}
		st.LastLeak = now.UnixNano()
	}

	d := Decision{Limit: b.limit}
	if st.Level < b.capacity {
		st.Level++
		d.Allowed = true
	}
	d.Remaining = int(b.capacity - st.Level)
	if st.Level >= b.capacity {
		// Time until the bucket drains enough to admit one request.
		d.Reset = secondsToDuration((st.Level - b.capacity + 1) / b.leakRate)
	}
	if !d.Allowed {
		d.RetryAfter = d.Reset
	}

	next, err := json.Marshal(st)
	return next, d, err
}

type fixedWindowState struct {
	Window int64 `json:"window"`
	Count  int   `json:"count"`
}

type fixedWindow struct {
	limit  int
	window time.Duration
}

func newFixedWindow(cfg Config) *fixedWindow {
	return &fixedWindow{limit: cfg.Requests, window: cfg.Window}
}

func (w *fixedWindow) step(prev []byte, now time.Time) ([]byte, Decision, error) {
	cur := now.UnixNano() / w.window.Nanoseconds()

	st := fixedWindowState{Window: cur}
	if prev != nil {
		if err := json.Unmarshal(prev, &st); err != nil {
			return nil, Decision{}, fmt.Errorf("decode fixed window state: %w", err)
		}
		if st.Window != cur {
			st.Window = cur
			st.Count = 0
		}
	}

	d := Decision{Limit: w.limit}
	if st.Count < w.limit {
		st.Count++
		d.Allowed = true
	}
	d.Remaining = w.limit - st.Count
	d.Reset = time.Duration((cur+1)*w.window.Nanoseconds() - now.UnixNano())
	if !d.Allowed {
		d.RetryAfter = d.Reset
	}

	next, err := json.Marshal(st)
	return next, d, err
}

type slidingLogState struct {
	Timestamps []int64 `json:"timestamps_ns"`
}

type slidingLog struct {
	limit  int
	window time.Duration
}

func newSlidingLog(cfg Config) *slidingLog {
	return &slidingLog{limit: cfg.Requests, window: cfg.Window}
}

func (l *slidingLog) step(prev []byte, now time.Time) ([]byte, Decision, error) {
	var st slidingLogState
	if prev != nil {
		if err := json.Unmarshal(prev, &st); err != nil {
			return nil, Decision{}, fmt.Errorf("decode sliding log state: %w", err)
		}
	}

	cutoff := now.Add(-l.window).UnixNano()
	kept := st.Timestamps[:0]
	for _, ts := range st.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	st.Timestamps = kept

	d := Decision{Limit: l.limit}
	if len(st.Timestamps) < l.limit {
		st.Timestamps = append(st.Timestamps, now.UnixNano())
		d.Allowed = true
	}
	d.Remaining = l.limit - len(st.Timestamps)
	if len(st.Timestamps) > 0 {
		// Budget frees up when the oldest logged request leaves the window.
		d.Reset = time.Duration(st.Timestamps[0] + l.window.Nanoseconds() - now.UnixNano())
	}
	if !d.Allowed {
		d.RetryAfter = d.Reset
	}

	next, err := json.Marshal(st)
	return next, d, err
}

type slidingCounterState struct {
	Window    int64 `json:"window"`
	Count     int   `json:"count"`
	PrevCount int   `json:"prev_count"`
}

type slidingCounter struct {
	limit  int
	window time.Duration
}

func newSlidingCounter(cfg Config) *slidingCounter {
	return &slidingCounter{limit: cfg.Requests, window: cfg.Window}
}

func (c *slidingCounter) step(prev []byte, now time.Time) ([]byte, Decision, error) {
	cur := now.UnixNano() / c.window.Nanoseconds()

	st := slidingCounterState{Window: cur}
	if prev != nil {
		if err := json.Unmarshal(prev, &st); err != nil {
			return nil, Decision{}, fmt.Errorf("decode sliding counter state: %w", err)
		}
		switch {
		case st.Window == cur:
		case st.Window == cur-1:
			st.PrevCount = st.Count
			st.Count = 0
			st.Window = cur
		default:
			st.PrevCount = 0
			st.Count = 0
			st.Window = cur
		}
	}

	// Weight the previous window by the fraction of it still inside the
	// sliding window.
	elapsed := float64(now.UnixNano() - cur*c.window.Nanoseconds()) / float64(c.window.Nanoseconds())
	weighted := float64(st.PrevCount)*(1-elapsed) + float64(st.Count)

	d := Decision{Limit: c.limit}
	if weighted < float64(c.limit) {
		st.Count++
		weighted++
		d.Allowed = true
	}
	d.Remaining = int(math.Max(0, float64(c.limit)-weighted))
	d.Reset = time.Duration((cur+1)*c.window.Nanoseconds() - now.UnixNano())
	if !d.Allowed {
		d.RetryAfter = d.Reset
	}

	next, err := json.Marshal(st)
	return next, d, err
}

// secondsToDuration converts fractional seconds, guarding against overflow
// from pathological rates.
func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	if s > math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}
