package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig configures cross-origin access to the ops plane. Browser
// dashboards hitting /admin/v1 and /health are the intended audience.
type CORSConfig struct {
	// AllowedOrigins lists permitted origins. A literal "*" allows any
	// origin; outside the development environment that is the only way
	// to get wildcard behavior.
	AllowedOrigins []string

	// AllowedMethods and AllowedHeaders fall back to the platform
	// defaults when empty.
	AllowedMethods []string
	AllowedHeaders []string

	// ExposedHeaders is what scripts may read off responses.
	ExposedHeaders []string

	// MaxAge is the preflight cache lifetime in seconds (default 3600).
	MaxAge int

	// AllowCredentials permits cookies and Authorization headers.
	AllowCredentials bool

	// Environment widens AllowedOrigins to everything when it is
	// "development".
	Environment string
}

// DefaultCORSConfig is wide open and meant for development only.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         3600,
		Environment:    "development",
	}
}

// corsPolicy is CORSConfig compiled once at mount time.
type corsPolicy struct {
	origins     map[string]struct{}
	wildcard    bool
	methods     string
	headers     string
	exposed     string
	maxAge      string
	credentials bool
}

func compileCORS(cfg CORSConfig) *corsPolicy {
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Correlation-ID"}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 3600
	}

	p := &corsPolicy{
		origins:     make(map[string]struct{}, len(cfg.AllowedOrigins)),
		wildcard:    cfg.Environment == "development",
		methods:     strings.Join(cfg.AllowedMethods, ", "),
		headers:     strings.Join(cfg.AllowedHeaders, ", "),
		exposed:     strings.Join(cfg.ExposedHeaders, ", "),
		maxAge:      strconv.Itoa(cfg.MaxAge),
		credentials: cfg.AllowCredentials,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.wildcard = true
			continue
		}
		p.origins[o] = struct{}{}
	}
	return p
}

// grant stamps the origin headers; it reports false when the origin is
// not allowed.
func (p *corsPolicy) grant(w http.ResponseWriter, origin string) bool {
	h := w.Header()
	h.Add("Vary", "Origin")
	switch {
	case p.wildcard && !p.credentials:
		h.Set("Access-Control-Allow-Origin", "*")
	case p.wildcard:
		// Credentialed responses must echo the origin; "*" is rejected
		// by browsers.
		h.Set("Access-Control-Allow-Origin", origin)
	default:
		if _, ok := p.origins[origin]; !ok {
			return false
		}
		h.Set("Access-Control-Allow-Origin", origin)
	}
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	return true
}

// CORS answers preflights and attaches origin grants to actual
// cross-origin responses. Requests without an Origin header pass through
// untouched.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := compileCORS(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if policy.grant(w, origin) {
					h := w.Header()
					h.Set("Access-Control-Allow-Methods", policy.methods)
					h.Set("Access-Control-Allow-Headers", policy.headers)
					h.Set("Access-Control-Max-Age", policy.maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if policy.grant(w, origin) && policy.exposed != "" {
				w.Header().Set("Access-Control-Expose-Headers", policy.exposed)
			}
			next.ServeHTTP(w, r)
		})
	}
}
