package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/gateway/balancer"
	"github.com/utafrali/BackplaneGo/pkg/gateway/ratelimit"
	"github.com/utafrali/BackplaneGo/pkg/gateway/route"
	"github.com/utafrali/BackplaneGo/pkg/gateway/transform"
	"github.com/utafrali/BackplaneGo/pkg/httputil"
	"github.com/utafrali/BackplaneGo/pkg/pagination"
	"github.com/utafrali/BackplaneGo/pkg/validator"
)

// AdminAPI manages routes and upstream pools at runtime. It mutates the
// gateway's live route table and pool registry; changes apply to the next
// request. The caller mounts it behind its own authentication.
type AdminAPI struct {
	gw     *Gateway
	logger *slog.Logger

	mu       sync.Mutex
	checkers map[string]*balancer.HealthChecker
}

// NewAdminAPI creates the admin surface for a gateway.
func NewAdminAPI(gw *Gateway, logger *slog.Logger) *AdminAPI {
	return &AdminAPI{
		gw:       gw,
		logger:   logger,
		checkers: make(map[string]*balancer.HealthChecker),
	}
}

// Router returns the admin routes, ready to mount.
func (a *AdminAPI) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/routes", func(r chi.Router) {
		r.Get("/", a.ListRoutes)
		r.Post("/", a.CreateRoute)
		r.Get("/{name}", a.GetRoute)
		r.Delete("/{name}", a.DeleteRoute)
	})
	r.Route("/pools", func(r chi.Router) {
		r.Get("/", a.ListPools)
		r.Post("/", a.CreatePool)
		r.Get("/{name}", a.GetPool)
		r.Delete("/{name}", a.DeletePool)
		r.Post("/{name}/servers", a.AddServer)
		r.Delete("/{name}/servers/{id}", a.RemoveServer)
	})
	r.Get("/stats", a.Stats)
	return r
}

// Close stops the health checkers started for admin-created pools.
func (a *AdminAPI) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, hc := range a.checkers {
		hc.Stop()
	}
	a.checkers = make(map[string]*balancer.HealthChecker)
}

// --- Request DTOs ---

// RateLimitPayload is the JSON form of a rate limit configuration.
// Durations are Go duration strings ("1s", "5m").
type RateLimitPayload struct {
	Algorithm      string  `json:"algorithm" validate:"omitempty,oneof=token_bucket leaky_bucket fixed_window sliding_log sliding_counter"`
	Requests       int     `json:"requests" validate:"required,gt=0"`
	Window         string  `json:"window" validate:"required"`
	Burst          int     `json:"burst" validate:"gte=0"`
	LeakRate       float64 `json:"leak_rate" validate:"gte=0"`
	Action         string  `json:"action" validate:"omitempty,oneof=reject delay throttle log_only"`
	ThrottleFactor float64 `json:"throttle_factor" validate:"gte=0,lte=1"`
	ByIP           bool    `json:"by_ip"`
	ByUser         bool    `json:"by_user"`
	ByAPIKey       bool    `json:"by_api_key"`
	ByPath         bool    `json:"by_path"`
	APIKeyHeader   string  `json:"api_key_header"`
}

// ToConfig converts the payload into a limiter config.
func (p *RateLimitPayload) ToConfig() (*ratelimit.Config, error) {
	window, err := parseDuration(p.Window)
	if err != nil {
		return nil, apperrors.InvalidInput("rate limit window: " + err.Error())
	}
	return &ratelimit.Config{
		Algorithm:      ratelimit.Algorithm(p.Algorithm),
		Requests:       p.Requests,
		Window:         window,
		Burst:          p.Burst,
		LeakRate:       p.LeakRate,
		Action:         ratelimit.Action(p.Action),
		ThrottleFactor: p.ThrottleFactor,
		ByIP:           p.ByIP,
		ByUser:         p.ByUser,
		ByAPIKey:       p.ByAPIKey,
		ByPath:         p.ByPath,
		APIKeyHeader:   p.APIKeyHeader,
	}, nil
}

// CreateRouteRequest is the JSON request body for registering a route.
type CreateRouteRequest struct {
	Name            string            `json:"name" validate:"required,min=1,max=200"`
	Priority        int               `json:"priority"`
	PathPattern     string            `json:"path_pattern" validate:"required"`
	Kind            string            `json:"kind" validate:"omitempty,oneof=exact prefix regex wildcard template"`
	Methods         []string          `json:"methods"`
	HostPattern     string            `json:"host_pattern"`
	RequiredHeaders map[string]string `json:"required_headers"`
	RequiredQuery   map[string]string `json:"required_query"`

	TargetService string `json:"target_service" validate:"required"`
	PathRewrite   string `json:"path_rewrite"`
	Timeout       string `json:"timeout"`
	Retries       int    `json:"retries" validate:"gte=0,lte=10"`
	Weight        int    `json:"weight" validate:"gte=0"`

	AuthProvider   string            `json:"auth_provider"`
	RateLimit      *RateLimitPayload `json:"rate_limit"`
	LoadBalancer   string            `json:"load_balancer"`
	CircuitBreaker bool              `json:"circuit_breaker"`
	Transforms     []transform.Rule  `json:"transforms"`
	CacheTTL       string            `json:"cache_ttl"`
}

// ToRoute converts the request into a route, compiling transforms and
// durations up front.
func (req *CreateRouteRequest) ToRoute() (*route.Route, error) {
	timeout, err := parseDuration(req.Timeout)
	if err != nil {
		return nil, apperrors.InvalidInput("timeout: " + err.Error())
	}
	cacheTTL, err := parseDuration(req.CacheTTL)
	if err != nil {
		return nil, apperrors.InvalidInput("cache_ttl: " + err.Error())
	}
	// Compile transforms now so a bad rule fails the request, not traffic.
	if _, err := transform.NewChain(req.Transforms...); err != nil {
		return nil, err
	}
	rt := &route.Route{
		Name:            req.Name,
		Priority:        req.Priority,
		PathPattern:     req.PathPattern,
		Kind:            route.MatcherKind(req.Kind),
		Methods:         req.Methods,
		HostPattern:     req.HostPattern,
		RequiredHeaders: req.RequiredHeaders,
		RequiredQuery:   req.RequiredQuery,
		TargetService:   req.TargetService,
		PathRewrite:     req.PathRewrite,
		Timeout:         timeout,
		Retries:         req.Retries,
		Weight:          req.Weight,
		AuthProvider:    req.AuthProvider,
		LoadBalancer:    req.LoadBalancer,
		CircuitBreaker:  req.CircuitBreaker,
		Transforms:      req.Transforms,
		CacheTTL:        cacheTTL,
	}
	if req.RateLimit != nil {
		cfg, err := req.RateLimit.ToConfig()
		if err != nil {
			return nil, err
		}
		rt.RateLimit = cfg
	}
	return rt, nil
}

// ServerPayload is the JSON request body for adding a pool server.
type ServerPayload struct {
	ID               string `json:"id" validate:"required,min=1,max=200"`
	Host             string `json:"host" validate:"required"`
	Port             int    `json:"port" validate:"required,gt=0,lte=65535"`
	Scheme           string `json:"scheme" validate:"omitempty,oneof=http https"`
	Weight           int    `json:"weight" validate:"gte=0"`
	MaxConnections   int64  `json:"max_connections" validate:"gte=0"`
	ResponseWindow   int    `json:"response_window" validate:"gte=0"`
	FailureThreshold uint32 `json:"failure_threshold"`
	RecoveryTimeout  string `json:"recovery_timeout"`
}

// ToConfig converts the payload into a server config.
func (p *ServerPayload) ToConfig() (balancer.ServerConfig, error) {
	recovery, err := parseDuration(p.RecoveryTimeout)
	if err != nil {
		return balancer.ServerConfig{}, apperrors.InvalidInput("recovery_timeout: " + err.Error())
	}
	return balancer.ServerConfig{
		ID:               p.ID,
		Host:             p.Host,
		Port:             p.Port,
		Scheme:           p.Scheme,
		Weight:           p.Weight,
		MaxConnections:   p.MaxConnections,
		ResponseWindow:   p.ResponseWindow,
		FailureThreshold: p.FailureThreshold,
		RecoveryTimeout:  recovery,
	}, nil
}

// CreatePoolRequest is the JSON request body for registering an upstream
// pool.
type CreatePoolRequest struct {
	Name      string `json:"name" validate:"required,min=1,max=200"`
	Algorithm string `json:"algorithm" validate:"omitempty,oneof=round_robin weighted_round_robin least_connections weighted_least_connections random weighted_random consistent_hash ip_hash least_response_time"`

	StickyEnabled bool   `json:"sticky_enabled"`
	StickyCookie  string `json:"sticky_cookie"`
	StickyTTL     string `json:"sticky_ttl"`

	RetryEnabled bool   `json:"retry_enabled"`
	MaxRetries   int    `json:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay   string `json:"retry_delay"`

	VirtualNodes     int    `json:"virtual_nodes" validate:"gte=0"`
	FailureThreshold uint32 `json:"failure_threshold"`
	RecoveryTimeout  string `json:"recovery_timeout"`
	MaxConnections   int64  `json:"max_connections" validate:"gte=0"`
	ResponseWindow   int    `json:"response_window" validate:"gte=0"`

	HealthCheck *HealthCheckPayload `json:"health_check"`
	Servers     []ServerPayload     `json:"servers" validate:"dive"`
}

// HealthCheckPayload enables active probing for a pool.
type HealthCheckPayload struct {
	Path     string `json:"path"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
}

// --- Route handlers ---

// ListRoutes handles GET /routes with page/per_page pagination, routes in
// match-priority order.
func (a *AdminAPI) ListRoutes(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)
	routes := a.gw.Table().Routes()

	views := make([]RouteView, 0, len(routes))
	for _, rt := range routes {
		views = append(views, newRouteView(rt))
	}
	page := paginate(views, params)
	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(page, len(views), params.Page, params.PerPage))
}

// CreateRoute handles POST /routes.
func (a *AdminAPI) CreateRoute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req CreateRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	rt, err := req.ToRoute()
	if err != nil {
		httputil.WriteError(w, r, err, a.logger)
		return
	}
	if _, exists := a.findRoute(rt.Name); exists {
		httputil.WriteError(w, r, apperrors.AlreadyExists("route", "name", rt.Name), a.logger)
		return
	}
	if err := a.gw.Table().Add(rt); err != nil {
		httputil.WriteError(w, r, err, a.logger)
		return
	}

	a.logger.Info("route registered",
		slog.String("route", rt.Name),
		slog.String("pattern", rt.PathPattern),
		slog.String("service", rt.TargetService),
	)
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: newRouteView(rt)})
}

// GetRoute handles GET /routes/{name}.
func (a *AdminAPI) GetRoute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rt, ok := a.findRoute(name)
	if !ok {
		httputil.WriteError(w, r, apperrors.NotFound("route", name), a.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newRouteView(rt)})
}

// DeleteRoute handles DELETE /routes/{name}.
func (a *AdminAPI) DeleteRoute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.gw.Table().Remove(name) {
		httputil.WriteError(w, r, apperrors.NotFound("route", name), a.logger)
		return
	}
	a.logger.Info("route removed", slog.String("route", name))
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{"name": name, "status": "deleted"}})
}

func (a *AdminAPI) findRoute(name string) (*route.Route, bool) {
	for _, rt := range a.gw.Table().Routes() {
		if rt.Name == name {
			return rt, true
		}
	}
	return nil, false
}

// --- Pool handlers ---

// ListPools handles GET /pools.
func (a *AdminAPI) ListPools(w http.ResponseWriter, r *http.Request) {
	registry := a.gw.Registry()
	stats := make([]balancer.PoolStats, 0)
	for _, name := range registry.Names() {
		if pool, ok := registry.Get(name); ok {
			stats = append(stats, pool.Stats())
		}
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: stats})
}

// CreatePool handles POST /pools. Servers listed in the request are added
// before the pool is registered; a health_check section starts active
// probing.
func (a *AdminAPI) CreatePool(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	cfg, err := req.ToConfig()
	if err != nil {
		httputil.WriteError(w, r, err, a.logger)
		return
	}
	pool, err := balancer.NewPool(cfg, a.logger)
	if err != nil {
		httputil.WriteError(w, r, err, a.logger)
		return
	}
	for _, sp := range req.Servers {
		scfg, err := sp.ToConfig()
		if err == nil {
			_, err = pool.AddServer(scfg)
		}
		if err != nil {
			pool.Close()
			httputil.WriteError(w, r, err, a.logger)
			return
		}
	}
	if err := a.gw.Registry().Register(pool); err != nil {
		pool.Close()
		httputil.WriteError(w, r, err, a.logger)
		return
	}

	if req.HealthCheck != nil {
		hcfg, err := req.HealthCheck.ToConfig()
		if err != nil {
			a.gw.Registry().Remove(req.Name)
			httputil.WriteError(w, r, err, a.logger)
			return
		}
		hc := balancer.NewHealthChecker(pool, hcfg, a.logger)
		// Probes must outlive this request; Close or DeletePool stops them.
		hc.Start(context.Background())
		a.mu.Lock()
		a.checkers[req.Name] = hc
		a.mu.Unlock()
	}

	a.logger.Info("pool registered",
		slog.String("pool", req.Name),
		slog.Int("servers", len(req.Servers)),
	)
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: pool.Stats()})
}

// ToConfig converts the request into a pool config.
func (req *CreatePoolRequest) ToConfig() (balancer.PoolConfig, error) {
	stickyTTL, err := parseDuration(req.StickyTTL)
	if err != nil {
		return balancer.PoolConfig{}, apperrors.InvalidInput("sticky_ttl: " + err.Error())
	}
	retryDelay, err := parseDuration(req.RetryDelay)
	if err != nil {
		return balancer.PoolConfig{}, apperrors.InvalidInput("retry_delay: " + err.Error())
	}
	recovery, err := parseDuration(req.RecoveryTimeout)
	if err != nil {
		return balancer.PoolConfig{}, apperrors.InvalidInput("recovery_timeout: " + err.Error())
	}
	return balancer.PoolConfig{
		Name:      req.Name,
		Algorithm: balancer.Algorithm(req.Algorithm),
		Sticky: balancer.StickyConfig{
			Enabled:    req.StickyEnabled,
			CookieName: req.StickyCookie,
			TTL:        stickyTTL,
		},
		Retry: balancer.RetryPolicy{
			Enabled:    req.RetryEnabled,
			MaxRetries: req.MaxRetries,
			Delay:      retryDelay,
		},
		VirtualNodes:     req.VirtualNodes,
		FailureThreshold: req.FailureThreshold,
		RecoveryTimeout:  recovery,
		MaxConnections:   req.MaxConnections,
		ResponseWindow:   req.ResponseWindow,
	}, nil
}

// ToConfig converts the payload into a health check config.
func (p *HealthCheckPayload) ToConfig() (balancer.HealthCheckConfig, error) {
	interval, err := parseDuration(p.Interval)
	if err != nil {
		return balancer.HealthCheckConfig{}, apperrors.InvalidInput("health check interval: " + err.Error())
	}
	timeout, err := parseDuration(p.Timeout)
	if err != nil {
		return balancer.HealthCheckConfig{}, apperrors.InvalidInput("health check timeout: " + err.Error())
	}
	return balancer.HealthCheckConfig{Path: p.Path, Interval: interval, Timeout: timeout}, nil
}

// GetPool handles GET /pools/{name} and returns live pool statistics.
func (a *AdminAPI) GetPool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	pool, ok := a.gw.Registry().Get(name)
	if !ok {
		httputil.WriteError(w, r, apperrors.NotFound("pool", name), a.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: pool.Stats()})
}

// DeletePool handles DELETE /pools/{name}. The pool's health checker is
// stopped and the pool closed; routes still targeting it start returning
// 503.
func (a *AdminAPI) DeletePool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	a.mu.Lock()
	if hc, ok := a.checkers[name]; ok {
		hc.Stop()
		delete(a.checkers, name)
	}
	a.mu.Unlock()

	if !a.gw.Registry().Remove(name) {
		httputil.WriteError(w, r, apperrors.NotFound("pool", name), a.logger)
		return
	}
	a.logger.Info("pool removed", slog.String("pool", name))
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{"name": name, "status": "deleted"}})
}

// AddServer handles POST /pools/{name}/servers.
func (a *AdminAPI) AddServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	pool, ok := a.gw.Registry().Get(name)
	if !ok {
		httputil.WriteError(w, r, apperrors.NotFound("pool", name), a.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req ServerPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	cfg, err := req.ToConfig()
	if err != nil {
		httputil.WriteError(w, r, err, a.logger)
		return
	}
	server, err := pool.AddServer(cfg)
	if err != nil {
		httputil.WriteError(w, r, err, a.logger)
		return
	}

	a.logger.Info("server added",
		slog.String("pool", name),
		slog.String("server", server.ID),
		slog.String("url", server.URL()),
	)
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: server.Stats()})
}

// RemoveServer handles DELETE /pools/{name}/servers/{id}.
func (a *AdminAPI) RemoveServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	pool, ok := a.gw.Registry().Get(name)
	if !ok {
		httputil.WriteError(w, r, apperrors.NotFound("pool", name), a.logger)
		return
	}
	id := chi.URLParam(r, "id")
	if !pool.RemoveServer(id) {
		httputil.WriteError(w, r, apperrors.NotFound("server", id), a.logger)
		return
	}
	a.logger.Info("server removed", slog.String("pool", name), slog.String("server", id))
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{"id": id, "status": "deleted"}})
}

// Stats handles GET /stats with a gateway-wide summary.
func (a *AdminAPI) Stats(w http.ResponseWriter, r *http.Request) {
	registry := a.gw.Registry()
	pools := make([]balancer.PoolStats, 0)
	for _, name := range registry.Names() {
		if pool, ok := registry.Get(name); ok {
			pools = append(pools, pool.Stats())
		}
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: GatewayStats{
		Routes: len(a.gw.Table().Routes()),
		Pools:  pools,
	}})
}

// GatewayStats is the GET /stats response body.
type GatewayStats struct {
	Routes int                  `json:"routes"`
	Pools  []balancer.PoolStats `json:"pools"`
}

// --- Views ---

// RouteView is the JSON representation of a configured route.
type RouteView struct {
	Name            string            `json:"name"`
	Priority        int               `json:"priority"`
	PathPattern     string            `json:"path_pattern"`
	Kind            string            `json:"kind"`
	Methods         []string          `json:"methods,omitempty"`
	HostPattern     string            `json:"host_pattern,omitempty"`
	RequiredHeaders map[string]string `json:"required_headers,omitempty"`
	RequiredQuery   map[string]string `json:"required_query,omitempty"`
	TargetService   string            `json:"target_service"`
	PathRewrite     string            `json:"path_rewrite,omitempty"`
	Timeout         string            `json:"timeout,omitempty"`
	Retries         int               `json:"retries,omitempty"`
	Weight          int               `json:"weight,omitempty"`
	AuthProvider    string            `json:"auth_provider,omitempty"`
	RateLimited     bool              `json:"rate_limited"`
	LoadBalancer    string            `json:"load_balancer,omitempty"`
	CircuitBreaker  bool              `json:"circuit_breaker"`
	Transforms      []transform.Rule  `json:"transforms,omitempty"`
	CacheTTL        string            `json:"cache_ttl,omitempty"`
}

func newRouteView(rt *route.Route) RouteView {
	v := RouteView{
		Name:            rt.Name,
		Priority:        rt.Priority,
		PathPattern:     rt.PathPattern,
		Kind:            string(rt.Kind),
		Methods:         rt.Methods,
		HostPattern:     rt.HostPattern,
		RequiredHeaders: rt.RequiredHeaders,
		RequiredQuery:   rt.RequiredQuery,
		TargetService:   rt.TargetService,
		PathRewrite:     rt.PathRewrite,
		Retries:         rt.Retries,
		Weight:          rt.Weight,
		AuthProvider:    rt.AuthProvider,
		RateLimited:     rt.RateLimit != nil,
		LoadBalancer:    rt.LoadBalancer,
		CircuitBreaker:  rt.CircuitBreaker,
		Transforms:      rt.Transforms,
	}
	if rt.Timeout > 0 {
		v.Timeout = rt.Timeout.String()
	}
	if rt.CacheTTL > 0 {
		v.CacheTTL = rt.CacheTTL.String()
	}
	return v
}

func paginate[T any](items []T, params pagination.Params) []T {
	from := params.Offset
	if from >= len(items) {
		return []T{}
	}
	to := from + params.PerPage
	if to > len(items) {
		to = len(items)
	}
	return items[from:to]
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
