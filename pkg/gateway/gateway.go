package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/gateway/balancer"
	"github.com/utafrali/BackplaneGo/pkg/gateway/ratelimit"
	"github.com/utafrali/BackplaneGo/pkg/gateway/route"
	"github.com/utafrali/BackplaneGo/pkg/gateway/transform"
	"github.com/utafrali/BackplaneGo/pkg/logger"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	defaultMaxBodyBytes    = 4 << 20
)

var errBodyTooLarge = errors.New("request body exceeds the configured limit")

// Config assembles a Gateway.
type Config struct {
	// Routes seed the route table. More can be added at runtime through
	// Table or the admin API.
	Routes []*route.Route
	// Router tunes path normalization and the match cache.
	Router route.RouterConfig
	// ExtraRouters are consulted in order after the path router misses.
	ExtraRouters []route.Router
	// FallbackRoute catches requests no router matched. Nil means 404.
	FallbackRoute *route.Route

	// Registry resolves route target services to upstream pools. Nil
	// starts empty; pools can be registered later.
	Registry *balancer.Registry

	// Providers authenticate requests, keyed by their Name. The anonymous
	// provider is always available as "none".
	Providers []Provider
	// DefaultProvider applies to routes that do not name one. Empty means
	// anonymous.
	DefaultProvider string

	// Authorization enables the policy stage. Nil skips authorization
	// entirely.
	Authorization *AuthzConfig

	// RateLimit is the gateway-wide default limit. Nil disables the
	// default; per-route limits still apply.
	RateLimit *ratelimit.Config
	// RateLimitStore holds limiter state. Nil uses an in-memory store
	// owned (and closed) by the gateway.
	RateLimitStore ratelimit.StateStore

	// Transforms apply to every request before per-route transforms.
	Transforms []transform.Rule

	// Security configures attack-pattern validation. Nil uses the default
	// validator set.
	Security *SecurityConfig
	// CORS enables cross-origin handling. Nil disables it.
	CORS *CORSConfig
	// ResponseHeaders are the security headers stamped on every response.
	ResponseHeaders HeaderConfig

	// UpstreamTimeout bounds one forwarded request unless the route
	// overrides it. Zero means 30s.
	UpstreamTimeout time.Duration
	// PassThroughStatus streams final upstream 5xx responses to the client
	// unchanged instead of replacing them with a 502 envelope.
	PassThroughStatus bool
	// MaxBodyBytes caps the buffered request body; larger bodies get 413.
	// Zero means 4 MiB, negative means unbounded.
	MaxBodyBytes int64

	// Transport overrides the upstream transport, mainly for tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Gateway is the HTTP entry point of the platform. Each request runs through
// a fixed stage pipeline: security validation, routing, authentication,
// authorization, rate limiting, request transforms and upstream forwarding.
// The first stage to produce a Result short-circuits the rest.
type Gateway struct {
	table    *route.PathRouter
	registry *balancer.Registry

	stages     []Stage
	transforms *transformStage
	security   *securityStage
	cors       *corsPolicy
	headers    HeaderConfig

	providers []Provider
	ownStore  *ratelimit.MemoryStore

	maxBody int64
	logger  *slog.Logger
}

// New builds a Gateway from cfg. The returned Gateway is an http.Handler;
// Close releases its background resources.
func New(cfg Config) (*Gateway, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	table := route.NewPathRouter(cfg.Router)
	if err := table.Add(cfg.Routes...); err != nil {
		return nil, err
	}
	routers := append([]route.Router{table}, cfg.ExtraRouters...)
	composite := route.NewCompositeRouter(routers...)
	if cfg.FallbackRoute != nil {
		composite = composite.WithFallback(cfg.FallbackRoute)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = balancer.NewRegistry()
	}

	providers := map[string]Provider{ProviderNone: NewAnonymousProvider()}
	for _, p := range cfg.Providers {
		providers[p.Name()] = p
	}
	if cfg.DefaultProvider != "" {
		if _, ok := providers[cfg.DefaultProvider]; !ok {
			return nil, apperrors.InvalidInput(fmt.Sprintf("unknown default auth provider %q", cfg.DefaultProvider))
		}
	}

	var authorizer *Authorizer
	if cfg.Authorization != nil {
		var err error
		authorizer, err = NewAuthorizer(*cfg.Authorization)
		if err != nil {
			return nil, err
		}
	}

	g := &Gateway{
		table:     table,
		registry:  registry,
		providers: cfg.Providers,
		headers:   cfg.ResponseHeaders,
		maxBody:   cfg.MaxBodyBytes,
		logger:    log,
	}
	g.headers.normalize()
	switch {
	case g.maxBody == 0:
		g.maxBody = defaultMaxBodyBytes
	case g.maxBody < 0:
		g.maxBody = 0
	}

	store := cfg.RateLimitStore
	if store == nil {
		g.ownStore = ratelimit.NewMemoryStore(time.Minute)
		store = g.ownStore
	}
	limiters, err := newLimiterSet(cfg.RateLimit, store)
	if err != nil {
		g.closePartial()
		return nil, err
	}

	global, err := transform.NewChain(cfg.Transforms...)
	if err != nil {
		g.closePartial()
		return nil, err
	}
	g.transforms = &transformStage{global: global, chains: newChainSet()}

	if cfg.CORS != nil {
		g.cors = newCORSPolicy(*cfg.CORS)
	}
	secCfg := SecurityConfig{}
	if cfg.Security != nil {
		secCfg = *cfg.Security
	}
	g.security = newSecurityStage(secCfg, g.cors)

	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	forward := &forwardStage{
		registry:    registry,
		client:      upstreamClient(cfg.Transport),
		timeout:     timeout,
		passThrough: cfg.PassThroughStatus,
	}

	g.stages = []Stage{
		g.security,
		&routeStage{router: composite},
		&authStage{providers: providers, def: cfg.DefaultProvider},
	}
	if authorizer != nil {
		g.stages = append(g.stages, &authzStage{authorizer: authorizer})
	}
	g.stages = append(g.stages,
		&rateLimitStage{limiters: limiters, registry: registry},
		g.transforms,
		forward,
	)

	return g, nil
}

// upstreamClient builds the proxy client. Redirects are returned to the
// caller rather than followed.
func upstreamClient(transport http.RoundTripper) *http.Client {
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Table returns the mutable route table, shared with the admin API.
func (g *Gateway) Table() *route.PathRouter { return g.table }

// Registry returns the upstream pool registry.
func (g *Gateway) Registry() *balancer.Registry { return g.registry }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx := logger.WithCorrelationID(r.Context(), reqID)
	log := logger.WithContext(ctx, g.logger)
	ctx = logger.NewContext(ctx, log)
	r = r.WithContext(ctx)

	c := &Context{
		Request:   r,
		RequestID: reqID,
		ClientIP:  clientIP(r),
		Started:   time.Now(),
		logger:    log,
	}
	defer c.runCleanups()

	if err := c.bufferBody(g.maxBody); err != nil {
		var res *Result
		if errors.Is(err, errBodyTooLarge) {
			res = errorResult(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"request body too large", reqID)
		} else {
			res = errorResult(http.StatusBadRequest, "INVALID_INPUT",
				"request body could not be read", reqID)
		}
		g.write(w, c, res)
		g.observe(c, res.Status)
		return
	}

	var res *Result
	for _, st := range g.stages {
		if res = st.Process(c); res != nil {
			break
		}
	}
	if res == nil {
		res = errorResult(http.StatusInternalServerError, "INTERNAL",
			"pipeline produced no result", reqID)
	}
	if res.Err != nil {
		log.Error("request failed",
			slog.String("route", routeName(c)),
			slog.Int("status", res.Status),
			slog.String("error", res.Err.Error()),
		)
	}

	g.write(w, c, res)
	g.observe(c, res.Status)
}

// write renders a pipeline Result: response transforms first, then headers
// in fixed order (upstream, short-circuit, security, CORS, cache, rate
// limit), then the body.
func (g *Gateway) write(w http.ResponseWriter, c *Context, res *Result) {
	if res.Upstream != nil {
		if err := g.applyResponseTransforms(c, res.Upstream); err != nil {
			c.Logger().Error("response transformation failed",
				slog.String("route", routeName(c)),
				slog.String("error", err.Error()),
			)
			res.Upstream.Body.Close()
			res = errorResult(http.StatusBadGateway, "BAD_GATEWAY",
				"upstream service unavailable", c.RequestID)
		}
	}

	h := w.Header()
	if res.Upstream != nil {
		stripHopHeaders(res.Upstream.Header)
		for key, values := range res.Upstream.Header {
			h[key] = values
		}
	}
	for key, values := range res.Header {
		h[key] = values
	}

	g.headers.apply(h)
	if g.cors != nil && !isPreflight(c.Request) {
		if origin := c.Request.Header.Get("Origin"); origin != "" {
			g.cors.respond(h, origin)
		}
	}
	if rt := c.Route(); rt != nil && rt.CacheTTL > 0 &&
		c.Request.Method == http.MethodGet && res.Upstream != nil &&
		res.Status >= 200 && res.Status < 300 {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(rt.CacheTTL.Seconds())))
	}
	if d := c.RateLimit; d != nil {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.Reset)))
	}
	h.Set("X-Request-ID", c.RequestID)

	w.WriteHeader(res.Status)
	if res.Upstream != nil {
		if _, err := io.Copy(w, res.Upstream.Body); err != nil {
			c.Logger().Warn("streaming upstream response failed",
				slog.String("error", err.Error()),
			)
		}
		res.Upstream.Body.Close()
		return
	}
	if len(res.Body) > 0 {
		w.Write(res.Body)
	}
}

// applyResponseTransforms runs the route chain and then the global chain,
// unwinding the request-direction order.
func (g *Gateway) applyResponseTransforms(c *Context, resp *http.Response) error {
	if rt := c.Route(); rt != nil && len(rt.Transforms) > 0 {
		chain, err := g.transforms.chains.resolve(rt)
		if err != nil {
			return err
		}
		if err := chain.ApplyResponse(resp); err != nil {
			return err
		}
	}
	if g.transforms.global.Len() > 0 {
		return g.transforms.global.ApplyResponse(resp)
	}
	return nil
}

func (g *Gateway) observe(c *Context, status int) {
	name, service := "unmatched", "none"
	if rt := c.Route(); rt != nil {
		name = rt.Name
		if rt.TargetService != "" {
			service = rt.TargetService
		}
	}
	gatewayRequestsTotal.WithLabelValues(name, service, c.Request.Method, strconv.Itoa(status)).Inc()
	gatewayRequestDuration.WithLabelValues(name, service).Observe(time.Since(c.Started).Seconds())
}

// Close releases background resources: provider caches, the attack tracker
// and the owned limiter store. Registered pools are left to their owner.
func (g *Gateway) Close() error {
	var errs []error
	for _, p := range g.providers {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if g.security != nil {
		g.security.tracker.close()
	}
	g.closePartial()
	return errors.Join(errs...)
}

func (g *Gateway) closePartial() {
	if g.ownStore != nil {
		g.ownStore.Close()
		g.ownStore = nil
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
