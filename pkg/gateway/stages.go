package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/utafrali/BackplaneGo/pkg/gateway/balancer"
	"github.com/utafrali/BackplaneGo/pkg/gateway/ratelimit"
	"github.com/utafrali/BackplaneGo/pkg/gateway/route"
	"github.com/utafrali/BackplaneGo/pkg/gateway/transform"
)

// routeStage resolves the request against the route table. Everything after
// it reads per-route policy off the match.
type routeStage struct {
	router route.Router
}

func (s *routeStage) Name() string { return "route" }

func (s *routeStage) Process(c *Context) *Result {
	match, ok := s.router.Find(c.Request)
	if !ok {
		return errorResult(http.StatusNotFound, "NOT_FOUND",
			"no route matches the request", c.RequestID)
	}
	c.Match = match
	return nil
}

// maxHoldDelay bounds how long a delay-action limiter may hold a request.
// Longer waits reject instead.
const maxHoldDelay = 30 * time.Second

// rateLimitStage applies the route's limit, falling back to the gateway
// default. Requests aimed at a pool with nothing selectable skip the limiter
// so a dead upstream does not drain the caller's budget.
type rateLimitStage struct {
	limiters *limiterSet
	registry *balancer.Registry
}

func (s *rateLimitStage) Name() string { return "ratelimit" }

func (s *rateLimitStage) Process(c *Context) *Result {
	rt := c.Route()
	lim, cfg := s.limiters.resolve(rt)
	if lim == nil {
		return nil
	}

	if rt != nil && s.registry != nil {
		if pool, ok := s.registry.Get(rt.TargetService); ok && !pool.HasSelectable() {
			return nil
		}
	}

	key := ratelimit.KeyFor(c.Request, *cfg)
	decision, err := lim.Allow(c.Request.Context(), key)
	if err != nil {
		// The limiter store being down must not take the gateway with it.
		c.Logger().Error("rate limit check failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil
	}

	c.RateLimit = &decision
	if decision.Allowed {
		return nil
	}

	gatewayDenialsTotal.WithLabelValues("ratelimit").Inc()
	switch cfg.Action {
	case ratelimit.ActionLogOnly:
		c.Logger().Warn("rate limit exceeded",
			slog.String("key", key),
			slog.String("action", "log_only"),
		)
		return nil

	case ratelimit.ActionThrottle:
		c.ThrottleFactor = cfg.ThrottleFactor
		if c.ThrottleFactor <= 0 {
			c.ThrottleFactor = 0.5
		}
		return nil

	case ratelimit.ActionDelay:
		if decision.RetryAfter <= maxHoldDelay {
			timer := time.NewTimer(decision.RetryAfter)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-c.Request.Context().Done():
			}
		}
	}

	res := errorResult(http.StatusTooManyRequests, "RATE_LIMITED",
		"too many requests", c.RequestID)
	res.setHeader("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
	return res
}

// limiterSet owns the gateway default limiter and lazily built per-route
// limiters, all over one shared state store. Entries are keyed by route name
// and rebuilt when the admin API replaces the route.
type limiterSet struct {
	store  ratelimit.StateStore
	defCfg *ratelimit.Config
	def    ratelimit.Limiter

	mu      sync.Mutex
	byRoute map[string]limiterEntry
}

type limiterEntry struct {
	route   *route.Route
	limiter ratelimit.Limiter
}

func newLimiterSet(defCfg *ratelimit.Config, store ratelimit.StateStore) (*limiterSet, error) {
	s := &limiterSet{
		store:   store,
		defCfg:  defCfg,
		byRoute: make(map[string]limiterEntry),
	}
	if defCfg != nil {
		lim, err := ratelimit.New(*defCfg, store)
		if err != nil {
			return nil, err
		}
		s.def = lim
	}
	return s, nil
}

// resolve returns the limiter and config for the route, or the defaults
// (which may be nil when no gateway-wide limit is configured).
func (s *limiterSet) resolve(rt *route.Route) (ratelimit.Limiter, *ratelimit.Config) {
	if rt == nil || rt.RateLimit == nil {
		return s.def, s.defCfg
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byRoute[rt.Name]
	if !ok || entry.route != rt {
		lim, err := ratelimit.New(*rt.RateLimit, s.store)
		if err != nil {
			slog.Default().Error("invalid route rate limit, using gateway default",
				slog.String("route", rt.Name),
				slog.String("error", err.Error()),
			)
			return s.def, s.defCfg
		}
		entry = limiterEntry{route: rt, limiter: lim}
		s.byRoute[rt.Name] = entry
	}
	return entry.limiter, rt.RateLimit
}

// transformStage applies the gateway-wide chain and then the route's chain
// to the request. Response-direction rules run later, when the upstream
// response is written.
type transformStage struct {
	global *transform.Chain
	chains *chainSet
}

func (s *transformStage) Name() string { return "transform" }

func (s *transformStage) Process(c *Context) *Result {
	applied := false
	if s.global != nil && s.global.Len() > 0 {
		if err := s.global.ApplyRequest(c.Request); err != nil {
			return s.fail(c, err)
		}
		applied = true
	}

	if rt := c.Route(); rt != nil && len(rt.Transforms) > 0 {
		chain, err := s.chains.resolve(rt)
		if err != nil {
			c.Logger().Error("invalid route transforms",
				slog.String("route", rt.Name),
				slog.String("error", err.Error()),
			)
			return errorResult(http.StatusInternalServerError, "INTERNAL_ERROR",
				"an internal error occurred", c.RequestID)
		}
		if err := chain.ApplyRequest(c.Request); err != nil {
			return s.fail(c, err)
		}
		applied = true
	}

	if applied {
		// Body rules replaced Request.Body; rebuffer so forward retries
		// replay the transformed body.
		c.rebuffer()
	}
	return nil
}

func (s *transformStage) fail(c *Context, err error) *Result {
	c.Logger().Warn("request transformation failed",
		slog.String("error", err.Error()),
	)
	return errorResult(http.StatusBadRequest, "INVALID_INPUT",
		"request transformation failed", c.RequestID)
}

// chainSet caches compiled per-route transform chains, keyed by route name
// and invalidated when the route object changes.
type chainSet struct {
	mu      sync.Mutex
	byRoute map[string]chainEntry
}

type chainEntry struct {
	route *route.Route
	chain *transform.Chain
}

func newChainSet() *chainSet {
	return &chainSet{byRoute: make(map[string]chainEntry)}
}

func (s *chainSet) resolve(rt *route.Route) (*transform.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byRoute[rt.Name]
	if !ok || entry.route != rt {
		chain, err := transform.NewChain(rt.Transforms...)
		if err != nil {
			return nil, err
		}
		entry = chainEntry{route: rt, chain: chain}
		s.byRoute[rt.Name] = entry
	}
	return entry.chain, nil
}

