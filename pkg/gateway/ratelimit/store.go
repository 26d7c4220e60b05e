package ratelimit

import (
	"context"
	"sync"
	"time"
)

// StateStore provides atomic read-modify-write access to per-key limiter
// state. fn receives the previous state (nil when absent) and returns the
// state to persist under ttl. The returned bytes are the stored state.
type StateStore interface {
	Update(ctx context.Context, key string, ttl time.Duration, fn func(prev []byte) ([]byte, error)) ([]byte, error)
}

type memoryEntry struct {
	mu        sync.Mutex
	state     []byte
	expiresAt time.Time
}

// MemoryStore keeps limiter state in a per-process map. Each key has its own
// mutex so unrelated clients do not serialize on one lock. A background sweep
// evicts entries past their TTL.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a store whose sweep runs every sweepInterval.
// Call Close to stop the sweep goroutine.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

// Update applies fn to the current state of key under the key's lock.
func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(prev []byte) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state
	if prev != nil && s.nowFunc().After(e.expiresAt) {
		prev = nil
	}

	next, err := fn(prev)
	if err != nil {
		return nil, err
	}
	e.state = next
	e.expiresAt = s.nowFunc().Add(ttl)
	return next, nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	return e
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.mu.Lock()
		expired := e.state != nil && now.After(e.expiresAt)
		e.mu.Unlock()
		if expired {
			delete(s.entries, key)
		}
	}
}

// len reports the number of tracked keys (used in tests).
func (s *MemoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
