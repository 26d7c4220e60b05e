// Package balancer distributes gateway traffic across pools of upstream
// servers. Each server carries its own health flag, connection counters,
// bounded response-time window and circuit breaker; a pool layers a selection
// algorithm, optional sticky sessions and a retry policy on top.
package balancer

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

var errConnLimit = errors.New("server connection limit reached")

// ServerConfig describes one upstream instance.
type ServerConfig struct {
	// ID must be unique within the pool.
	ID   string
	Host string
	Port int
	// Scheme defaults to http.
	Scheme string
	// Weight skews the weighted algorithms; minimum 1.
	Weight int

	// MaxConnections caps concurrent in-flight requests. 0 means unlimited.
	MaxConnections int64
	// ResponseWindow is how many recent response-time samples feed the
	// moving average.
	ResponseWindow int

	// FailureThreshold opens the circuit after that many consecutive
	// failures, or once the failure rate passes 50% over at least that
	// many observed requests.
	FailureThreshold uint32
	// RecoveryTimeout is how long the circuit stays open before a single
	// probe is allowed through.
	RecoveryTimeout time.Duration
}

func (c *ServerConfig) normalize() {
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.Weight < 1 {
		c.Weight = 1
	}
	if c.ResponseWindow <= 0 {
		c.ResponseWindow = 32
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
}

// Server is one upstream instance inside a pool. Counters are atomic so the
// selection hot path never takes the pool lock; the breaker and the
// response-time window guard themselves.
type Server struct {
	ID     string
	Host   string
	Port   int
	Weight int

	pool     string
	url      string
	maxConns int64

	healthy       atomic.Bool
	conns         atomic.Int64
	totalRequests atomic.Int64
	totalFailures atomic.Int64
	lastFailure   atomic.Int64

	breaker *gobreaker.TwoStepCircuitBreaker[struct{}]

	// pending holds breaker completion callbacks for in-flight requests.
	// Completions pop FIFO; callbacks only count aggregates, so the order
	// of pairing does not matter as long as each admission completes once.
	mu      sync.Mutex
	pending []func(success bool)

	window *responseWindow
}

func newServer(pool string, cfg ServerConfig, logger *slog.Logger) *Server {
	cfg.normalize()
	s := &Server{
		ID:       cfg.ID,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Weight:   cfg.Weight,
		pool:     pool,
		url:      cfg.Scheme + "://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		maxConns: cfg.MaxConnections,
		window:   newResponseWindow(cfg.ResponseWindow),
	}
	s.healthy.Store(true)

	s.breaker = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        pool + "/" + cfg.ID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			if counts.Requests < cfg.FailureThreshold {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upstream circuit state change",
				slog.String("server", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			upstreamCircuitState.WithLabelValues(pool, cfg.ID).Set(circuitStateValue(to))
		},
	})

	upstreamHealthy.WithLabelValues(pool, cfg.ID).Set(1)
	upstreamCircuitState.WithLabelValues(pool, cfg.ID).Set(0)
	return s
}

// URL returns the server's base URL (scheme://host:port).
func (s *Server) URL() string { return s.url }

// Healthy reports the health flag maintained by the health checker.
func (s *Server) Healthy() bool { return s.healthy.Load() }

// SetHealthy updates the health flag and reports whether it changed.
func (s *Server) SetHealthy(healthy bool) bool {
	changed := s.healthy.Swap(healthy) != healthy
	if changed {
		v := 0.0
		if healthy {
			v = 1
		}
		upstreamHealthy.WithLabelValues(s.pool, s.ID).Set(v)
	}
	return changed
}

// Connections returns the number of in-flight requests.
func (s *Server) Connections() int64 { return s.conns.Load() }

// TotalRequests returns how many requests were admitted to this server.
func (s *Server) TotalRequests() int64 { return s.totalRequests.Load() }

// TotalFailures returns how many admitted requests failed.
func (s *Server) TotalFailures() int64 { return s.totalFailures.Load() }

// FailureCount returns the breaker's consecutive failure count.
func (s *Server) FailureCount() uint32 {
	return s.breaker.Counts().ConsecutiveFailures
}

// LastFailure returns when the server last failed a request, zero if never.
func (s *Server) LastFailure() time.Time {
	ns := s.lastFailure.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// CircuitState returns the breaker state. An open circuit whose recovery
// timeout elapsed reads as half-open.
func (s *Server) CircuitState() gobreaker.State {
	return s.breaker.State()
}

// AverageResponseTime returns the moving average over the recent samples.
func (s *Server) AverageResponseTime() time.Duration {
	return s.window.average()
}

// Selectable reports whether the server can take a request right now:
// healthy, circuit not open, and below the connection cap.
func (s *Server) Selectable() bool {
	if !s.healthy.Load() {
		return false
	}
	if s.breaker.State() == gobreaker.StateOpen {
		return false
	}
	if s.maxConns > 0 && s.conns.Load() >= s.maxConns {
		return false
	}
	return true
}

// acquire reserves a connection slot and a breaker admission. Every
// successful acquire must be completed by RecordSuccess or RecordFailure.
func (s *Server) acquire() error {
	if next := s.conns.Add(1); s.maxConns > 0 && next > s.maxConns {
		s.conns.Add(-1)
		return errConnLimit
	}
	done, err := s.breaker.Allow()
	if err != nil {
		s.conns.Add(-1)
		return err
	}
	s.mu.Lock()
	s.pending = append(s.pending, done)
	s.mu.Unlock()
	s.totalRequests.Add(1)
	return nil
}

// RecordSuccess completes a request admitted by Select: the connection slot
// frees up, the breaker sees a success and the response time feeds the
// moving average.
func (s *Server) RecordSuccess(d time.Duration) { s.release(true, d) }

// RecordFailure completes a request admitted by Select as a failure.
func (s *Server) RecordFailure(d time.Duration) { s.release(false, d) }

func (s *Server) release(success bool, d time.Duration) {
	s.conns.Add(-1)
	if !success {
		s.totalFailures.Add(1)
		s.lastFailure.Store(time.Now().UnixNano())
	}
	s.window.record(d)
	if done := s.popPending(); done != nil {
		done(success)
	}
}

func (s *Server) popPending() func(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	done := s.pending[0]
	s.pending = s.pending[1:]
	return done
}

func (s *Server) observeResponseTime(d time.Duration) {
	s.window.record(d)
}

// ServerStats is a point-in-time snapshot of a server's operational state.
type ServerStats struct {
	ID                 string        `json:"id"`
	URL                string        `json:"url"`
	Weight             int           `json:"weight"`
	Healthy            bool          `json:"healthy"`
	CurrentConnections int64         `json:"current_connections"`
	TotalRequests      int64         `json:"total_requests"`
	TotalFailures      int64         `json:"total_failures"`
	CircuitState       string        `json:"circuit_breaker_state"`
	FailureCount       uint32        `json:"failure_count"`
	LastFailure        time.Time     `json:"last_failure_time"`
	AvgResponseTime    time.Duration `json:"avg_response_time_ns"`
}

// Stats snapshots the server.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		ID:                 s.ID,
		URL:                s.url,
		Weight:             s.Weight,
		Healthy:            s.healthy.Load(),
		CurrentConnections: s.conns.Load(),
		TotalRequests:      s.totalRequests.Load(),
		TotalFailures:      s.totalFailures.Load(),
		CircuitState:       circuitStateLabel(s.breaker.State()),
		FailureCount:       s.breaker.Counts().ConsecutiveFailures,
		LastFailure:        s.LastFailure(),
		AvgResponseTime:    s.window.average(),
	}
}

func circuitStateLabel(st gobreaker.State) string {
	switch st {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func circuitStateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// responseWindow keeps the last N response times and their running sum for a
// cheap moving average.
type responseWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	count   int
	sum     time.Duration
}

func newResponseWindow(size int) *responseWindow {
	return &responseWindow{samples: make([]time.Duration, size)}
}

func (w *responseWindow) record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == len(w.samples) {
		w.sum -= w.samples[w.next]
	} else {
		w.count++
	}
	w.samples[w.next] = d
	w.sum += d
	w.next = (w.next + 1) % len(w.samples)
}

func (w *responseWindow) average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0
	}
	return w.sum / time.Duration(w.count)
}
