package gateway

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig configures cross-origin handling. A nil config on the gateway
// disables CORS entirely: preflights fall through to routing and responses
// carry no origin headers.
type CORSConfig struct {
	// AllowedOrigins lists permitted origins; "*" permits all. With
	// credentials enabled the matched origin is echoed instead of "*".
	AllowedOrigins []string
	// AllowedMethods defaults to GET, POST, PUT, PATCH, DELETE, OPTIONS.
	AllowedMethods []string
	// AllowedHeaders defaults to Accept, Authorization, Content-Type,
	// X-Request-ID.
	AllowedHeaders   []string
	ExposedHeaders   []string
	MaxAge           int
	AllowCredentials bool
}

type corsPolicy struct {
	origins     map[string]struct{}
	wildcard    bool
	methods     map[string]struct{}
	headers     map[string]struct{}
	exposed     string
	maxAge      string
	credentials bool
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 3600
	}

	p := &corsPolicy{
		origins:     make(map[string]struct{}, len(cfg.AllowedOrigins)),
		methods:     make(map[string]struct{}, len(cfg.AllowedMethods)),
		headers:     make(map[string]struct{}, len(cfg.AllowedHeaders)),
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
	for _, m := range cfg.AllowedMethods {
		p.methods[strings.ToUpper(m)] = struct{}{}
	}
	for _, h := range cfg.AllowedHeaders {
		p.headers[strings.ToLower(h)] = struct{}{}
	}
	return p
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not permitted.
func (p *corsPolicy) allowOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if p.wildcard {
		if p.credentials {
			return origin
		}
		return "*"
	}
	if _, ok := p.origins[origin]; ok {
		return origin
	}
	return ""
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// preflight answers an OPTIONS preflight: 200 with the allowed origin echoed
// and the requested method and headers intersected with the policy. A
// disallowed origin still gets 200, just without the grant headers.
func (p *corsPolicy) preflight(r *http.Request) *Result {
	res := &Result{Status: http.StatusOK, Header: make(http.Header)}
	res.Header.Set("Vary", "Origin")

	allowed := p.allowOrigin(r.Header.Get("Origin"))
	if allowed == "" {
		return res
	}
	res.Header.Set("Access-Control-Allow-Origin", allowed)

	requested := strings.ToUpper(r.Header.Get("Access-Control-Request-Method"))
	if _, ok := p.methods[requested]; ok {
		res.Header.Set("Access-Control-Allow-Methods", requested)
	}

	if requestedHeaders := r.Header.Get("Access-Control-Request-Headers"); requestedHeaders != "" {
		var grant []string
		for _, name := range strings.Split(requestedHeaders, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := p.headers[strings.ToLower(name)]; ok {
				grant = append(grant, name)
			}
		}
		if len(grant) > 0 {
			res.Header.Set("Access-Control-Allow-Headers", strings.Join(grant, ", "))
		}
	}

	res.Header.Set("Access-Control-Max-Age", p.maxAge)
	if p.credentials {
		res.Header.Set("Access-Control-Allow-Credentials", "true")
	}
	return res
}

// respond attaches the origin headers to an actual (non-preflight) response.
func (p *corsPolicy) respond(h http.Header, origin string) {
	allowed := p.allowOrigin(origin)
	if allowed == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", allowed)
	h.Add("Vary", "Origin")
	if p.exposed != "" {
		h.Set("Access-Control-Expose-Headers", p.exposed)
	}
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}
