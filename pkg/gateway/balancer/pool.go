package balancer

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
)

// ErrNoServers is returned by Select when no server in the pool is
// selectable. The gateway answers such requests with 503.
var ErrNoServers = apperrors.ServiceUnavailable("no selectable upstream servers")

// DefaultStickyCookie carries the sticky session identifier.
const DefaultStickyCookie = "backplane_session"

// StickyConfig binds sessions to servers on top of any algorithm.
type StickyConfig struct {
	Enabled bool
	// CookieName holds the session identifier. Defaults to
	// DefaultStickyCookie.
	CookieName string
	// TTL is how long an idle session keeps its binding.
	TTL time.Duration
}

// RetryPolicy tells the forwarding layer how to retry failed upstream
// requests. Retries pick a different server whenever one is available.
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
	Delay      time.Duration
}

// PoolConfig configures a server pool.
type PoolConfig struct {
	Name      string
	Algorithm Algorithm
	Sticky    StickyConfig
	Retry     RetryPolicy

	// VirtualNodes sizes the consistent-hash ring per server.
	VirtualNodes int

	// Defaults applied to servers added without their own values.
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	MaxConnections   int64
	ResponseWindow   int
}

func (c *PoolConfig) normalize() {
	if c.Algorithm == "" {
		c.Algorithm = RoundRobin
	}
	if c.VirtualNodes <= 0 {
		c.VirtualNodes = DefaultVirtualNodes
	}
	if c.Sticky.Enabled {
		if c.Sticky.CookieName == "" {
			c.Sticky.CookieName = DefaultStickyCookie
		}
		if c.Sticky.TTL <= 0 {
			c.Sticky.TTL = 30 * time.Minute
		}
	}
}

// Pool is a named group of upstream servers sharing a selection algorithm.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger
	pick   picker

	mu      sync.RWMutex
	servers []*Server
	byID    map[string]*Server

	sessions *sessionStore
}

// NewPool builds an empty pool for the configured algorithm.
func NewPool(cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	cfg.normalize()
	if cfg.Name == "" {
		return nil, apperrors.InvalidInput("pool name is required")
	}
	pick, err := newPicker(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		pick:   pick,
		byID:   make(map[string]*Server),
	}
	if cfg.Sticky.Enabled {
		p.sessions = newSessionStore(cfg.Sticky.TTL)
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Algorithm returns the pool's selection algorithm.
func (p *Pool) Algorithm() Algorithm { return p.cfg.Algorithm }

// Retry returns the pool's retry policy.
func (p *Pool) Retry() RetryPolicy { return p.cfg.Retry }

// StickyCookie returns the session cookie name, empty when stickiness is
// disabled.
func (p *Pool) StickyCookie() string {
	if p.sessions == nil {
		return ""
	}
	return p.cfg.Sticky.CookieName
}

// AddServer registers an upstream instance, applying the pool's defaults for
// unset limits and breaker settings.
func (p *Pool) AddServer(cfg ServerConfig) (*Server, error) {
	if cfg.ID == "" {
		return nil, apperrors.InvalidInput("server id is required")
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, apperrors.InvalidInput("server " + cfg.ID + ": host and port are required")
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = p.cfg.FailureThreshold
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = p.cfg.RecoveryTimeout
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = p.cfg.MaxConnections
	}
	if cfg.ResponseWindow == 0 {
		cfg.ResponseWindow = p.cfg.ResponseWindow
	}

	s := newServer(p.cfg.Name, cfg, p.logger)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byID[s.ID]; exists {
		return nil, apperrors.AlreadyExists("server", "id", s.ID)
	}
	p.servers = append(p.servers, s)
	p.byID[s.ID] = s
	p.rebuildRingLocked()
	return s, nil
}

// RemoveServer drops the server from rotation. In-flight requests finish
// against the removed server.
func (p *Pool) RemoveServer(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return false
	}
	delete(p.byID, id)
	kept := p.servers[:0]
	for _, s := range p.servers {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	p.servers = kept
	p.rebuildRingLocked()
	return true
}

func (p *Pool) rebuildRingLocked() {
	if ch, ok := p.pick.(*consistentHashPick); ok {
		ch.rebuild(p.servers, p.cfg.VirtualNodes)
	}
}

// Servers returns a snapshot of the pool's servers.
func (p *Pool) Servers() []*Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Server, len(p.servers))
	copy(out, p.servers)
	return out
}

// Server returns the server with the given id.
func (p *Pool) Server(id string) (*Server, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.byID[id]
	return s, ok
}

// Select picks a selectable server for the request and reserves a connection
// slot on it. The caller must finish the request with RecordSuccess or
// RecordFailure on the returned server. Servers whose ids appear in exclude
// are skipped, which lets retries avoid an instance that just failed.
func (p *Pool) Select(r *http.Request, exclude ...string) (*Server, error) {
	var skip map[string]struct{}
	if len(exclude) > 0 {
		skip = make(map[string]struct{}, len(exclude))
		for _, id := range exclude {
			skip[id] = struct{}{}
		}
	}

	candidates := p.selectableServers(skip)
	if len(candidates) == 0 {
		return nil, ErrNoServers
	}

	sid := p.sessionID(r)
	if sid != "" {
		if s := p.boundServer(sid, skip); s != nil {
			if err := s.acquire(); err == nil {
				upstreamSelectedTotal.WithLabelValues(p.cfg.Name, s.ID).Inc()
				return s, nil
			}
		}
	}

	for len(candidates) > 0 {
		s := p.pick.pick(candidates, r)
		if s == nil {
			break
		}
		if err := s.acquire(); err != nil {
			candidates = dropServer(candidates, s)
			continue
		}
		if sid != "" {
			p.sessions.bind(sid, s.ID)
		}
		upstreamSelectedTotal.WithLabelValues(p.cfg.Name, s.ID).Inc()
		return s, nil
	}
	return nil, ErrNoServers
}

// HasSelectable reports whether any server could take a request right now.
func (p *Pool) HasSelectable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.servers {
		if s.Selectable() {
			return true
		}
	}
	return false
}

func (p *Pool) selectableServers(skip map[string]struct{}) []*Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Server, 0, len(p.servers))
	for _, s := range p.servers {
		if _, excluded := skip[s.ID]; excluded {
			continue
		}
		if s.Selectable() {
			out = append(out, s)
		}
	}
	return out
}

// sessionID reads the sticky session cookie, empty when stickiness is off or
// the request carries none.
func (p *Pool) sessionID(r *http.Request) string {
	if p.sessions == nil {
		return ""
	}
	c, err := r.Cookie(p.cfg.Sticky.CookieName)
	if err != nil || c.Value == "" {
		return ""
	}
	return c.Value
}

// boundServer resolves a session's bound server if it is still selectable.
func (p *Pool) boundServer(sid string, skip map[string]struct{}) *Server {
	id, ok := p.sessions.lookup(sid)
	if !ok {
		return nil
	}
	if _, excluded := skip[id]; excluded {
		return nil
	}
	s, ok := p.Server(id)
	if !ok || !s.Selectable() {
		return nil
	}
	return s
}

func dropServer(servers []*Server, drop *Server) []*Server {
	out := servers[:0]
	for _, s := range servers {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

// PoolStats is a point-in-time snapshot of a pool.
type PoolStats struct {
	Name           string        `json:"name"`
	Algorithm      Algorithm     `json:"algorithm"`
	HealthyServers int           `json:"healthy_servers"`
	Servers        []ServerStats `json:"servers"`
}

// Stats snapshots the pool and its servers.
func (p *Pool) Stats() PoolStats {
	servers := p.Servers()
	out := PoolStats{
		Name:      p.cfg.Name,
		Algorithm: p.cfg.Algorithm,
		Servers:   make([]ServerStats, 0, len(servers)),
	}
	for _, s := range servers {
		st := s.Stats()
		if st.Healthy {
			out.HealthyServers++
		}
		out.Servers = append(out.Servers, st)
	}
	return out
}

// Close releases the pool's background resources.
func (p *Pool) Close() {
	if p.sessions != nil {
		p.sessions.close()
	}
}
