package route

import (
	"strings"
	"time"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/gateway/ratelimit"
	"github.com/utafrali/BackplaneGo/pkg/gateway/transform"
)

// MethodAny in a route's method list accepts every HTTP method.
const MethodAny = "ANY"

// Route describes one gateway route: what it matches and how matched traffic
// is handled downstream.
type Route struct {
	Name        string
	Priority    int
	PathPattern string
	// Kind selects the pattern syntax. Empty is inferred: "{" means
	// template, "*" means wildcard, anything else exact.
	Kind    MatcherKind
	Methods []string
	// HostPattern restricts the route to matching Host headers
	// (shell-style, so "*.example.com" works). Empty matches any host.
	HostPattern string
	// RequiredHeaders and RequiredQuery must all be present with equal
	// values for the route to match.
	RequiredHeaders map[string]string
	RequiredQuery   map[string]string

	// TargetService names the upstream pool in the service registry.
	TargetService string
	// PathRewrite replaces the request path when forwarding.
	PathRewrite string
	Timeout     time.Duration
	Retries     int
	// Weight drives WeightedRouter selection (zero counts as 1).
	Weight int

	// AuthProvider overrides the gateway's default provider; "none"
	// disables authentication for this route.
	AuthProvider string
	// RateLimit overrides the gateway-wide limit for this route.
	RateLimit *ratelimit.Config
	// LoadBalancer overrides the target pool's algorithm.
	LoadBalancer string
	// CircuitBreaker gates forwarding through the per-server breakers.
	CircuitBreaker bool
	// Transforms apply to matched traffic in order, per rule direction.
	Transforms []transform.Rule
	// CacheTTL > 0 marks successful GET responses cacheable for that long.
	CacheTTL time.Duration
}

// Match is a routing decision: the winning route and the parameters its
// pattern extracted from the path.
type Match struct {
	Route  *Route
	Params map[string]string
}

func (r *Route) validate() error {
	if r.Name == "" {
		return apperrors.InvalidInput("route name is required")
	}
	if r.PathPattern == "" {
		return apperrors.InvalidInput("route " + r.Name + ": path pattern is required")
	}
	if r.Kind == "" {
		r.Kind = inferKind(r.PathPattern)
	}
	if _, err := matcherFor(r.Kind, nil); err != nil {
		return apperrors.InvalidInput("route " + r.Name + ": " + err.Error())
	}
	return nil
}

func inferKind(pattern string) MatcherKind {
	switch {
	case strings.Contains(pattern, "{"):
		return MatchTemplate
	case strings.Contains(pattern, "*"):
		return MatchWildcard
	default:
		return MatchExact
	}
}

// AcceptsMethod reports whether the route accepts the given HTTP method.
// An empty method list accepts everything.
func (r *Route) AcceptsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == MethodAny || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// matchesHost reports whether the route's host pattern covers host
// (port already stripped).
func (r *Route) matchesHost(host string) bool {
	if r.HostPattern == "" {
		return true
	}
	if strings.EqualFold(r.HostPattern, host) {
		return true
	}
	return wildcardMatcher{}.Match(strings.ToLower(r.HostPattern), strings.ToLower(host))
}

// weight returns the route's selection weight, at least 1.
func (r *Route) weight() int {
	if r.Weight < 1 {
		return 1
	}
	return r.Weight
}
