package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter is an in-process token bucket per client key, built on
// x/time/rate. It trades the StateStore flexibility for zero allocation on
// the hot path and is used to guard the daemons' admin endpoints.
type ClientLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rps     rate.Limit
	burst   int
	ttl     time.Duration
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewClientLimiter allows rps requests per second with the given burst per
// client key. Clients idle longer than ttl are evicted by a background sweep;
// call Close to stop it.
func NewClientLimiter(rps, burst int, ttl time.Duration) *ClientLimiter {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	l := &ClientLimiter{
		clients: make(map[string]*client),
		rps:     rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether the client identified by key may proceed.
func (l *ClientLimiter) Allow(key string) bool {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = l.nowFunc()
	l.mu.Unlock()

	return c.limiter.Allow()
}

// Close stops the eviction sweep.
func (l *ClientLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *ClientLimiter) sweepLoop() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *ClientLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFunc()
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, key)
		}
	}
}

// len reports the number of tracked clients (used in tests).
func (l *ClientLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
