package route

import (
	"hash/fnv"
	"math/rand/v2"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Router finds the route serving a request.
type Router interface {
	Find(r *http.Request) (*Match, bool)
}

// RouterConfig controls path normalization and cache sizes for a PathRouter.
type RouterConfig struct {
	// CaseInsensitive lowercases paths and patterns before matching.
	CaseInsensitive bool
	// CollapseSlashes folds consecutive slashes before matching.
	CollapseSlashes bool
	// StripTrailingSlash removes a trailing slash (the root path keeps its).
	StripTrailingSlash bool
	PatternCacheSize   int
	FindCacheSize      int
}

// DefaultRouterConfig normalizes aggressively: duplicate slashes collapse and
// trailing slashes are stripped, with case-sensitive matching.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CollapseSlashes:    true,
		StripTrailingSlash: true,
		PatternCacheSize:   256,
		FindCacheSize:      1024,
	}
}

func (c *RouterConfig) normalize() {
	if c.PatternCacheSize <= 0 {
		c.PatternCacheSize = 256
	}
	if c.FindCacheSize <= 0 {
		c.FindCacheSize = 1024
	}
}

// normalizePath applies the router's normalization settings to a path.
func (c RouterConfig) normalizePath(p string) string {
	if c.CollapseSlashes && strings.Contains(p, "//") {
		var b strings.Builder
		b.Grow(len(p))
		var prevSlash bool
		for i := 0; i < len(p); i++ {
			if p[i] == '/' {
				if prevSlash {
					continue
				}
				prevSlash = true
			} else {
				prevSlash = false
			}
			b.WriteByte(p[i])
		}
		p = b.String()
	}
	if c.StripTrailingSlash && len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	if c.CaseInsensitive {
		p = strings.ToLower(p)
	}
	return p
}

type findResult struct {
	match *Match
	ok    bool
}

// findCache memoizes routing decisions, bounded with oldest-insertion
// eviction. Add/Remove clear it wholesale; the generation counter rejects
// writes computed against a table that changed mid-lookup.
type findCache struct {
	mu      sync.Mutex
	max     int
	gen     uint64
	entries map[string]findResult
	order   []string
}

func newFindCache(max int) *findCache {
	return &findCache{max: max, entries: make(map[string]findResult)}
}

func (c *findCache) get(key string) (findResult, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[key]
	return res, c.gen, ok
}

func (c *findCache) put(key string, res findResult, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if _, ok := c.entries[key]; ok {
		c.entries[key] = res
		return
	}
	if len(c.entries) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = res
	c.order = append(c.order, key)
}

func (c *findCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[string]findResult)
	c.order = nil
}

func (c *findCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PathRouter matches requests against an ordered route table. Routes are
// evaluated by priority descending, insertion order breaking ties; the first
// full match wins.
type PathRouter struct {
	cfg      RouterConfig
	patterns *PatternCache
	cache    *findCache

	mu     sync.RWMutex
	routes []*Route
	// headerKeys and queryKeys are the union of names any route requires;
	// their request values are part of the cache key.
	headerKeys []string
	queryKeys  []string
}

// NewPathRouter creates an empty router with the given configuration.
func NewPathRouter(cfg RouterConfig) *PathRouter {
	cfg.normalize()
	return &PathRouter{
		cfg:      cfg,
		patterns: NewPatternCache(cfg.PatternCacheSize),
		cache:    newFindCache(cfg.FindCacheSize),
	}
}

// Add validates and inserts routes, keeping the table priority-ordered and
// invalidating the find cache.
func (pr *PathRouter) Add(routes ...*Route) error {
	for _, r := range routes {
		if err := r.validate(); err != nil {
			return err
		}
	}

	pr.mu.Lock()
	pr.routes = append(pr.routes, routes...)
	sort.SliceStable(pr.routes, func(i, j int) bool {
		return pr.routes[i].Priority > pr.routes[j].Priority
	})
	pr.rebuildKeyUnionsLocked()
	pr.mu.Unlock()

	pr.cache.clear()
	return nil
}

// Remove deletes the named route and invalidates the find cache. It reports
// whether the route existed.
func (pr *PathRouter) Remove(name string) bool {
	pr.mu.Lock()
	removed := false
	kept := pr.routes[:0]
	for _, r := range pr.routes {
		if r.Name == name {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	pr.routes = kept
	if removed {
		pr.rebuildKeyUnionsLocked()
	}
	pr.mu.Unlock()

	if removed {
		pr.cache.clear()
	}
	return removed
}

// Routes returns a snapshot of the table in evaluation order.
func (pr *PathRouter) Routes() []*Route {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]*Route, len(pr.routes))
	copy(out, pr.routes)
	return out
}

// Find returns the highest-priority route matching the request together with
// the extracted path parameters.
func (pr *PathRouter) Find(r *http.Request) (*Match, bool) {
	path := pr.cfg.normalizePath(r.URL.Path)
	host := hostname(r)

	key := pr.cacheKey(r, path, host)
	res, gen, ok := pr.cache.get(key)
	if ok {
		return res.match, res.ok
	}

	match, ok := pr.find(r, path, host)
	pr.cache.put(key, findResult{match: match, ok: ok}, gen)
	return match, ok
}

func (pr *PathRouter) find(r *http.Request, path, host string) (*Match, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	for _, rt := range pr.routes {
		if !rt.AcceptsMethod(r.Method) {
			continue
		}
		if !rt.matchesHost(host) {
			continue
		}
		if !pr.requirementsMet(r, rt) {
			continue
		}
		m, err := matcherFor(rt.Kind, pr.patterns)
		if err != nil {
			continue
		}
		pattern := rt.PathPattern
		if pr.cfg.CaseInsensitive {
			pattern = strings.ToLower(pattern)
		}
		if !m.Match(pattern, path) {
			continue
		}
		return &Match{Route: rt, Params: m.Params(pattern, path)}, true
	}
	return nil, false
}

func (pr *PathRouter) requirementsMet(r *http.Request, rt *Route) bool {
	for name, want := range rt.RequiredHeaders {
		if r.Header.Get(name) != want {
			return false
		}
	}
	if len(rt.RequiredQuery) > 0 {
		q := r.URL.Query()
		for name, want := range rt.RequiredQuery {
			if q.Get(name) != want {
				return false
			}
		}
	}
	return true
}

// cacheKey folds in everything a routing decision can depend on: method,
// path, host, and the request's values for every header and query parameter
// any route requires.
func (pr *PathRouter) cacheKey(r *http.Request, path, host string) string {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(0)
	b.WriteString(path)
	b.WriteByte(0)
	b.WriteString(host)
	for _, name := range pr.headerKeys {
		b.WriteByte(0)
		b.WriteString(r.Header.Get(name))
	}
	if len(pr.queryKeys) > 0 {
		q := r.URL.Query()
		for _, name := range pr.queryKeys {
			b.WriteByte(0)
			b.WriteString(q.Get(name))
		}
	}
	return b.String()
}

func (pr *PathRouter) rebuildKeyUnionsLocked() {
	headers := map[string]struct{}{}
	queries := map[string]struct{}{}
	for _, rt := range pr.routes {
		for name := range rt.RequiredHeaders {
			headers[http.CanonicalHeaderKey(name)] = struct{}{}
		}
		for name := range rt.RequiredQuery {
			queries[name] = struct{}{}
		}
	}
	pr.headerKeys = sortedSet(headers)
	pr.queryKeys = sortedSet(queries)
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func hostname(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// CompositeRouter consults sub-routers in order and returns the first hit,
// falling back to a configured route when nothing matches.
type CompositeRouter struct {
	routers  []Router
	fallback *Route
}

// NewCompositeRouter chains routers in evaluation order.
func NewCompositeRouter(routers ...Router) *CompositeRouter {
	return &CompositeRouter{routers: routers}
}

// WithFallback sets the route returned when no sub-router matches.
func (c *CompositeRouter) WithFallback(rt *Route) *CompositeRouter {
	c.fallback = rt
	return c
}

func (c *CompositeRouter) Find(r *http.Request) (*Match, bool) {
	for _, router := range c.routers {
		if m, ok := router.Find(r); ok {
			return m, true
		}
	}
	if c.fallback != nil {
		return &Match{Route: c.fallback}, true
	}
	return nil, false
}

type hostEntry struct {
	pattern string
	router  Router
}

// HostRouter dispatches to a sub-router by the request's Host header. Exact
// hosts are tried first, then wildcard patterns in registration order.
type HostRouter struct {
	mu        sync.RWMutex
	exact     map[string]Router
	wildcards []hostEntry
}

// NewHostRouter creates an empty host router.
func NewHostRouter() *HostRouter {
	return &HostRouter{exact: make(map[string]Router)}
}

// Add registers a sub-router for a host pattern ("api.example.com" or
// "*.example.com").
func (h *HostRouter) Add(hostPattern string, router Router) {
	pattern := strings.ToLower(hostPattern)
	h.mu.Lock()
	defer h.mu.Unlock()
	if strings.ContainsAny(pattern, "*?") {
		h.wildcards = append(h.wildcards, hostEntry{pattern: pattern, router: router})
		return
	}
	h.exact[pattern] = router
}

func (h *HostRouter) Find(r *http.Request) (*Match, bool) {
	host := strings.ToLower(hostname(r))

	h.mu.RLock()
	router, ok := h.exact[host]
	if !ok {
		for _, entry := range h.wildcards {
			if (wildcardMatcher{}).Match(entry.pattern, host) {
				router = entry.router
				ok = true
				break
			}
		}
	}
	h.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return router.Find(r)
}

// HeaderRouter dispatches to a sub-router by the value of one header, with
// an optional default for absent or unknown values.
type HeaderRouter struct {
	header string

	mu       sync.RWMutex
	byValue  map[string]Router
	fallback Router
}

// NewHeaderRouter routes on the given header name.
func NewHeaderRouter(header string) *HeaderRouter {
	return &HeaderRouter{header: header, byValue: make(map[string]Router)}
}

// Add registers the sub-router consulted when the header equals value.
func (h *HeaderRouter) Add(value string, router Router) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byValue[value] = router
}

// WithDefault sets the sub-router for requests with no registered value.
func (h *HeaderRouter) WithDefault(router Router) *HeaderRouter {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallback = router
	return h
}

func (h *HeaderRouter) Find(r *http.Request) (*Match, bool) {
	h.mu.RLock()
	router, ok := h.byValue[r.Header.Get(h.header)]
	if !ok {
		router = h.fallback
	}
	h.mu.RUnlock()

	if router == nil {
		return nil, false
	}
	return router.Find(r)
}

// CanaryHeader marks requests that always take the heaviest-weighted route.
const CanaryHeader = "X-Canary"

// DefaultGroupHeader carries the A/B experiment group.
const DefaultGroupHeader = "X-AB-Group"

// WeightedRouter picks between route variants. Canary requests take the
// first route by weight; requests carrying an A/B group hash to a stable
// variant; everything else is a weighted random pick.
type WeightedRouter struct {
	groupHeader string

	mu     sync.RWMutex
	routes []*Route
	// byWeight caches the routes sorted weight-descending.
	byWeight []*Route
	total    int

	intn func(n int) int
}

// NewWeightedRouter selects among the given routes, reading the A/B group
// from DefaultGroupHeader.
func NewWeightedRouter(routes ...*Route) *WeightedRouter {
	w := &WeightedRouter{
		groupHeader: DefaultGroupHeader,
		intn:        rand.IntN,
	}
	w.setRoutes(routes)
	return w
}

// WithGroupHeader overrides the A/B group header.
func (w *WeightedRouter) WithGroupHeader(header string) *WeightedRouter {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.groupHeader = header
	return w
}

func (w *WeightedRouter) setRoutes(routes []*Route) {
	byWeight := make([]*Route, len(routes))
	copy(byWeight, routes)
	sort.SliceStable(byWeight, func(i, j int) bool {
		return byWeight[i].weight() > byWeight[j].weight()
	})
	total := 0
	for _, rt := range routes {
		total += rt.weight()
	}

	w.mu.Lock()
	w.routes = routes
	w.byWeight = byWeight
	w.total = total
	w.mu.Unlock()
}

func (w *WeightedRouter) Find(r *http.Request) (*Match, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.routes) == 0 {
		return nil, false
	}

	if strings.EqualFold(r.Header.Get(CanaryHeader), "true") {
		return &Match{Route: w.byWeight[0]}, true
	}

	if group := r.Header.Get(w.groupHeader); group != "" {
		h := fnv.New32a()
		h.Write([]byte(group))
		idx := int(h.Sum32()) % len(w.routes)
		if idx < 0 {
			idx += len(w.routes)
		}
		return &Match{Route: w.routes[idx]}, true
	}

	n := w.intn(w.total)
	for _, rt := range w.routes {
		n -= rt.weight()
		if n < 0 {
			return &Match{Route: rt}, true
		}
	}
	return &Match{Route: w.routes[len(w.routes)-1]}, true
}
