package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/BackplaneGo/internal/gatewayd/config"
	"github.com/utafrali/BackplaneGo/pkg/database"
	"github.com/utafrali/BackplaneGo/pkg/gateway"
	"github.com/utafrali/BackplaneGo/pkg/gateway/balancer"
	"github.com/utafrali/BackplaneGo/pkg/gateway/ratelimit"
	"github.com/utafrali/BackplaneGo/pkg/gateway/route"
	"github.com/utafrali/BackplaneGo/pkg/health"
	"github.com/utafrali/BackplaneGo/pkg/httputil"
	"github.com/utafrali/BackplaneGo/pkg/middleware"
	"github.com/utafrali/BackplaneGo/pkg/tracing"
)

// App wires together all dependencies and runs the gateway daemon: the data
// plane serving proxied traffic and the ops plane with health, metrics,
// pprof and the admin API.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	gw       *gateway.Gateway
	admin    *gateway.AdminAPI
	checkers []*balancer.HealthChecker
	limiter  *ratelimit.ClientLimiter
	rdb      *redis.Client

	dataServer     *http.Server
	opsServer      *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "gatewayd",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Optional Redis-backed rate limit state.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = database.NewRedisClient(ctx, database.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to Redis",
			slog.String("addr", cfg.RedisAddr),
			slog.Int("db", cfg.RedisDB),
		)
	}

	// Load the bootstrap file. No file means an empty table; routes and
	// pools then arrive through the admin API.
	bs := &config.Bootstrap{}
	if cfg.BootstrapPath != "" {
		bs, err = config.LoadBootstrap(cfg.BootstrapPath)
		if err != nil {
			closeQuietly(rdb)
			return nil, err
		}
		logger.Info("bootstrap file loaded",
			slog.String("path", cfg.BootstrapPath),
			slog.Int("routes", len(bs.Routes)),
			slog.Int("pools", len(bs.Pools)),
			slog.Int("api_keys", len(bs.APIKeys)),
		)
	}

	gw, err := buildGateway(cfg, bs, rdb, logger)
	if err != nil {
		closeQuietly(rdb)
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	checkers, err := registerPools(gw, bs.Pools, logger)
	if err != nil {
		_ = gw.Close()
		closeQuietly(rdb)
		return nil, fmt.Errorf("register pools: %w", err)
	}

	adminAPI := gateway.NewAdminAPI(gw, logger)
	limiter := ratelimit.NewClientLimiter(
		cfg.AdminRateRPS,
		cfg.AdminRateBurst,
		time.Duration(cfg.AdminRateTTLMins)*time.Minute,
	)

	adminKeys, err := cfg.ParsedAdminKeys()
	if err != nil {
		// validate() already checked the format; this is unreachable.
		return nil, err
	}
	principals := make(map[string]middleware.Principal, len(adminKeys))
	for _, k := range adminKeys {
		principals[k.Key] = middleware.Principal{Name: k.Name, Role: "admin"}
	}

	// Health checks. The gateway has no hard dependencies; Redis, when
	// configured, only degrades rate limiting.
	healthHandler := health.NewHandler()
	if rdb != nil {
		healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	opsRouter := newOpsRouter(cfg, adminAPI, healthHandler, principals, limiter, logger)

	// The data plane carries only Recovery and Tracing; the gateway pipeline
	// does its own request logging, CORS and security headers per route.
	dataHandler := middleware.Recovery(logger)(middleware.Tracing("gatewayd")(gw))

	upstreamTimeout := time.Duration(cfg.UpstreamTimeoutSecs) * time.Second
	dataServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     dataHandler,
		ReadTimeout: 15 * time.Second,
		// The write timeout must outlast the slowest permitted upstream
		// response, or the proxy cuts off its own replies.
		WriteTimeout:      upstreamTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:           opsRouter,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		gw:             gw,
		admin:          adminAPI,
		checkers:       checkers,
		limiter:        limiter,
		rdb:            rdb,
		dataServer:     dataServer,
		opsServer:      opsServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Gateway exposes the assembled gateway, mainly for tests.
func (a *App) Gateway() *gateway.Gateway { return a.gw }

// OpsHandler exposes the ops plane router, mainly for tests.
func (a *App) OpsHandler() http.Handler { return a.opsServer.Handler }

// DataHandler exposes the data plane handler, mainly for tests.
func (a *App) DataHandler() http.Handler { return a.dataServer.Handler }

// buildGateway assembles the pipeline from env config and bootstrap policy.
func buildGateway(cfg *config.Config, bs *config.Bootstrap, rdb *redis.Client, logger *slog.Logger) (*gateway.Gateway, error) {
	routes := make([]*route.Route, 0, len(bs.Routes))
	for i := range bs.Routes {
		rt, err := bs.Routes[i].ToRoute()
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", bs.Routes[i].Name, err)
		}
		routes = append(routes, rt)
	}

	var fallback *route.Route
	if bs.Fallback != nil {
		var err error
		fallback, err = bs.Fallback.ToRoute()
		if err != nil {
			return nil, fmt.Errorf("fallback route: %w", err)
		}
	}

	providers, defaultProvider, err := buildProviders(cfg, bs)
	if err != nil {
		return nil, err
	}

	gwCfg := gateway.Config{
		Routes:            routes,
		FallbackRoute:     fallback,
		Providers:         providers,
		DefaultProvider:   defaultProvider,
		Transforms:        bs.Transforms,
		UpstreamTimeout:   time.Duration(cfg.UpstreamTimeoutSecs) * time.Second,
		PassThroughStatus: cfg.PassThroughStatus,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		Logger:            logger,
	}

	if bs.RateLimit != nil {
		rlCfg, err := bs.RateLimit.ToConfig()
		if err != nil {
			return nil, fmt.Errorf("rate_limit: %w", err)
		}
		gwCfg.RateLimit = rlCfg
	}
	if rdb != nil {
		gwCfg.RateLimitStore = ratelimit.NewRedisStore(rdb)
	}
	if bs.Authorization != nil {
		gwCfg.Authorization = bs.Authorization.ToConfig()
	}
	if bs.CORS != nil {
		gwCfg.CORS = bs.CORS.ToConfig()
	}
	if bs.Security != nil {
		secCfg, err := bs.Security.ToConfig()
		if err != nil {
			return nil, err
		}
		gwCfg.Security = secCfg
	}
	if bs.ResponseHeaders != nil {
		gwCfg.ResponseHeaders = bs.ResponseHeaders.ToConfig()
	}

	return gateway.New(gwCfg)
}

// buildProviders assembles the auth providers: api_key when the bootstrap
// carries client keys, jwt when a secret is configured.
func buildProviders(cfg *config.Config, bs *config.Bootstrap) ([]gateway.Provider, string, error) {
	var providers []gateway.Provider

	if len(bs.APIKeys) > 0 {
		byKey := make(map[string]gateway.Principal, len(bs.APIKeys))
		for _, entry := range bs.APIKeys {
			byKey[entry.Key] = gateway.Principal{
				ID:          entry.UserID,
				Username:    entry.Username,
				Roles:       entry.Roles,
				Permissions: entry.Permissions,
			}
		}
		p, err := gateway.NewAPIKeyProvider(gateway.APIKeyConfig{
			Resolve: gateway.StaticAPIKeys(byKey),
		})
		if err != nil {
			return nil, "", fmt.Errorf("api key provider: %w", err)
		}
		providers = append(providers, p)
	}

	if cfg.JWTSecret != "" {
		p, err := gateway.NewJWTProvider(gateway.JWTConfig{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			return nil, "", fmt.Errorf("jwt provider: %w", err)
		}
		providers = append(providers, p)
	}

	return providers, cfg.DefaultAuthProvider, nil
}

// registerPools creates the bootstrap upstream pools and starts a health
// checker for each pool that configures one.
func registerPools(gw *gateway.Gateway, pools []gateway.CreatePoolRequest, logger *slog.Logger) ([]*balancer.HealthChecker, error) {
	var checkers []*balancer.HealthChecker
	fail := func(err error) ([]*balancer.HealthChecker, error) {
		for _, hc := range checkers {
			hc.Stop()
		}
		return nil, err
	}

	for i := range pools {
		req := &pools[i]
		poolCfg, err := req.ToConfig()
		if err != nil {
			return fail(fmt.Errorf("pool %s: %w", req.Name, err))
		}
		pool, err := balancer.NewPool(poolCfg, logger)
		if err != nil {
			return fail(fmt.Errorf("pool %s: %w", req.Name, err))
		}
		for _, sp := range req.Servers {
			srvCfg, err := sp.ToConfig()
			if err == nil {
				_, err = pool.AddServer(srvCfg)
			}
			if err != nil {
				pool.Close()
				return fail(fmt.Errorf("pool %s server %s: %w", req.Name, sp.ID, err))
			}
		}
		if err := gw.Registry().Register(pool); err != nil {
			pool.Close()
			return fail(fmt.Errorf("pool %s: %w", req.Name, err))
		}
		if req.HealthCheck != nil {
			hcCfg, err := req.HealthCheck.ToConfig()
			if err != nil {
				return fail(fmt.Errorf("pool %s health check: %w", req.Name, err))
			}
			hc := balancer.NewHealthChecker(pool, hcCfg, logger)
			hc.Start(context.Background())
			checkers = append(checkers, hc)
		}
		logger.Info("upstream pool registered",
			slog.String("pool", req.Name),
			slog.Int("servers", len(req.Servers)),
			slog.Bool("health_check", req.HealthCheck != nil),
		)
	}
	return checkers, nil
}

// newOpsRouter builds the ops plane: health probes, allowlisted metrics and
// pprof, and the admin API behind API key auth plus a per-client limiter.
func newOpsRouter(
	cfg *config.Config,
	adminAPI *gateway.AdminAPI,
	healthHandler *health.Handler,
	adminKeys map[string]middleware.Principal,
	limiter *ratelimit.ClientLimiter,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// CORS lets browser dashboards call the admin API; X-API-Key must be in
	// the allowed headers or the preflight blocks authenticated requests.
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.AdminCORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
		Environment:    cfg.Environment,
	}))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing("gatewayd"))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics("gatewayd"))

	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())

	metricsHandler := middleware.IPAllowlist(cfg.MetricsAllowedCIDRs, logger)(promhttp.Handler())
	r.Get("/metrics", metricsHandler.ServeHTTP)

	middleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, logger)

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(clientRateLimit(limiter))
		r.Use(middleware.APIKeyAuth(middleware.StaticKeys(adminKeys)))
		r.Mount("/", adminAPI.Router())
	})

	return r
}

// clientRateLimit rejects admin requests from sources that exceed the
// per-client budget. Keyed by remote IP so one misbehaving script cannot
// starve the rest of the ops tooling.
func clientRateLimit(limiter *ratelimit.ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !limiter.Allow(host) {
				httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:    "RATE_LIMITED",
						Message: "admin request rate exceeded, slow down",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Run starts both HTTP servers and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		a.logger.Info("starting data plane server",
			slog.String("addr", a.dataServer.Addr),
		)
		if err := a.dataServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("data server: %w", err)
		}
	}()

	go func() {
		a.logger.Info("starting ops plane server",
			slog.String("addr", a.opsServer.Addr),
		)
		if err := a.opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server failed", slog.String("error", err.Error()))
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. Data plane (drain proxied requests, which may be upstream-bound)
// 2. Ops plane (drain admin requests)
// 3. Tracer (flush spans from drained requests)
// 4. Health checkers, admin-created first
// 5. Gateway pipeline and pools
// 6. Admin client limiter and Redis
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	dataCtx, dataCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dataCancel()
	if err := a.dataServer.Shutdown(dataCtx); err != nil {
		a.logger.Error("data server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	opsCtx, opsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer opsCancel()
	if err := a.opsServer.Shutdown(opsCtx); err != nil {
		a.logger.Error("ops server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	a.admin.Close()
	for _, hc := range a.checkers {
		hc.Stop()
	}

	if err := a.gw.Close(); err != nil {
		a.logger.Error("gateway close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.limiter.Close()
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

func closeQuietly(rdb *redis.Client) {
	if rdb != nil {
		_ = rdb.Close()
	}
}
