package balancer

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
)

// Algorithm names a server-selection strategy.
type Algorithm string

const (
	RoundRobin               Algorithm = "round_robin"
	WeightedRoundRobin       Algorithm = "weighted_round_robin"
	LeastConnections         Algorithm = "least_connections"
	WeightedLeastConnections Algorithm = "weighted_least_connections"
	Random                   Algorithm = "random"
	WeightedRandom           Algorithm = "weighted_random"
	ConsistentHash           Algorithm = "consistent_hash"
	IPHash                   Algorithm = "ip_hash"
	LeastResponseTime        Algorithm = "least_response_time"
)

// picker chooses among the currently selectable servers.
type picker interface {
	pick(candidates []*Server, r *http.Request) *Server
}

func newPicker(alg Algorithm) (picker, error) {
	switch alg {
	case RoundRobin:
		return &roundRobin{}, nil
	case WeightedRoundRobin:
		return &smoothWeighted{current: make(map[string]int)}, nil
	case LeastConnections:
		return leastConnections{}, nil
	case WeightedLeastConnections:
		return weightedLeastConnections{}, nil
	case Random:
		return &randomPick{intn: rand.IntN}, nil
	case WeightedRandom:
		return &weightedRandomPick{intn: rand.IntN}, nil
	case ConsistentHash:
		return &consistentHashPick{}, nil
	case IPHash:
		return ipHashPick{}, nil
	case LeastResponseTime:
		return leastResponseTimePick{}, nil
	default:
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown load balancing algorithm %q", alg))
	}
}

// roundRobin cycles a pool-wide counter over the candidate list.
type roundRobin struct {
	next atomic.Uint64
}

func (rr *roundRobin) pick(candidates []*Server, _ *http.Request) *Server {
	if len(candidates) == 0 {
		return nil
	}
	idx := int((rr.next.Add(1) - 1) % uint64(len(candidates)))
	return candidates[idx]
}

// smoothWeighted implements smooth weighted round-robin: every pick raises
// each candidate's current weight by its configured weight, takes the
// highest, and lowers the winner by the total. Picks spread over time
// instead of bursting on the heaviest server.
type smoothWeighted struct {
	mu      sync.Mutex
	current map[string]int
}

func (sw *smoothWeighted) pick(candidates []*Server, _ *http.Request) *Server {
	if len(candidates) == 0 {
		return nil
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()

	total := 0
	var best *Server
	for _, s := range candidates {
		sw.current[s.ID] += s.Weight
		total += s.Weight
		if best == nil || sw.current[s.ID] > sw.current[best.ID] {
			best = s
		}
	}
	sw.current[best.ID] -= total
	return best
}

type leastConnections struct{}

func (leastConnections) pick(candidates []*Server, _ *http.Request) *Server {
	var best *Server
	var bestConns int64
	for _, s := range candidates {
		conns := s.Connections()
		if best == nil || conns < bestConns {
			best, bestConns = s, conns
		}
	}
	return best
}

// weightedLeastConnections minimizes connections per unit of weight. The
// comparison cross-multiplies to stay in integer arithmetic.
type weightedLeastConnections struct{}

func (weightedLeastConnections) pick(candidates []*Server, _ *http.Request) *Server {
	var best *Server
	var bestConns int64
	for _, s := range candidates {
		conns := s.Connections()
		if best == nil || conns*int64(best.Weight) < bestConns*int64(s.Weight) {
			best, bestConns = s, conns
		}
	}
	return best
}

type randomPick struct {
	intn func(int) int
}

func (rp *randomPick) pick(candidates []*Server, _ *http.Request) *Server {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rp.intn(len(candidates))]
}

type weightedRandomPick struct {
	intn func(int) int
}

func (wp *weightedRandomPick) pick(candidates []*Server, _ *http.Request) *Server {
	if len(candidates) == 0 {
		return nil
	}
	total := 0
	for _, s := range candidates {
		total += s.Weight
	}
	n := wp.intn(total)
	for _, s := range candidates {
		n -= s.Weight
		if n < 0 {
			return s
		}
	}
	return candidates[len(candidates)-1]
}

// consistentHashPick routes a client to a stable server via a hash ring built
// over the full pool. Unselectable servers are skipped by walking clockwise,
// so only the clients mapped to a dropped server move elsewhere.
type consistentHashPick struct {
	ring atomic.Pointer[hashRing]
}

func (ch *consistentHashPick) rebuild(servers []*Server, vnodes int) {
	ch.ring.Store(newHashRing(servers, vnodes))
}

func (ch *consistentHashPick) pick(candidates []*Server, r *http.Request) *Server {
	if len(candidates) == 0 {
		return nil
	}
	ring := ch.ring.Load()
	if ring == nil || ring.empty() {
		return candidates[0]
	}
	allowed := make(map[string]struct{}, len(candidates))
	for _, s := range candidates {
		allowed[s.ID] = struct{}{}
	}
	return ring.lookup(clientKey(r), allowed)
}

// ipHashPick pins a client IP to a candidate by hash modulo. Unlike the
// ring, membership changes remap most clients.
type ipHashPick struct{}

func (ipHashPick) pick(candidates []*Server, r *http.Request) *Server {
	if len(candidates) == 0 {
		return nil
	}
	h := fnv.New32a()
	h.Write([]byte(clientKey(r)))
	return candidates[int(h.Sum32()%uint32(len(candidates)))]
}

// leastResponseTimePick favors the lowest moving-average response time.
// Servers with no samples yet read as zero and are tried first.
type leastResponseTimePick struct{}

func (leastResponseTimePick) pick(candidates []*Server, _ *http.Request) *Server {
	var best *Server
	var bestAvg time.Duration
	for _, s := range candidates {
		avg := s.AverageResponseTime()
		if best == nil || avg < bestAvg {
			best, bestAvg = s, avg
		}
	}
	return best
}

// clientKey is the hashing identity of the request's client: the first
// X-Forwarded-For hop when present, otherwise the peer address.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
