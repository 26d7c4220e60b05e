package balancer

import (
	"sync"
	"time"
)

const sessionSweepInterval = time.Minute

type sessionEntry struct {
	serverID string
	expires  time.Time
}

// sessionStore maps sticky session ids to server ids. Every use refreshes
// the idle TTL; a background sweep evicts expired sessions.
type sessionStore struct {
	ttl     time.Duration
	nowFunc func() time.Time

	mu      sync.Mutex
	entries map[string]sessionEntry

	stop chan struct{}
	once sync.Once
}

func newSessionStore(ttl time.Duration) *sessionStore {
	st := &sessionStore{
		ttl:     ttl,
		nowFunc: time.Now,
		entries: make(map[string]sessionEntry),
		stop:    make(chan struct{}),
	}
	go st.sweepLoop()
	return st
}

// lookup resolves a session to its bound server and refreshes the TTL.
func (st *sessionStore) lookup(sid string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.entries[sid]
	if !ok {
		return "", false
	}
	now := st.nowFunc()
	if now.After(e.expires) {
		delete(st.entries, sid)
		return "", false
	}
	e.expires = now.Add(st.ttl)
	st.entries[sid] = e
	return e.serverID, true
}

func (st *sessionStore) bind(sid, serverID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.entries[sid] = sessionEntry{serverID: serverID, expires: st.nowFunc().Add(st.ttl)}
}

func (st *sessionStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entries)
}

func (st *sessionStore) sweepLoop() {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			st.sweep()
		}
	}
}

func (st *sessionStore) sweep() {
	now := st.nowFunc()
	st.mu.Lock()
	for sid, e := range st.entries {
		if now.After(e.expires) {
			delete(st.entries, sid)
		}
	}
	st.mu.Unlock()
}

func (st *sessionStore) close() {
	st.once.Do(func() { close(st.stop) })
}
