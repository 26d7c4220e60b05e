package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/BackplaneGo/internal/outboxd/config"
	"github.com/utafrali/BackplaneGo/pkg/database"
	"github.com/utafrali/BackplaneGo/pkg/health"
	pkgkafka "github.com/utafrali/BackplaneGo/pkg/kafka"
	"github.com/utafrali/BackplaneGo/pkg/middleware"
	"github.com/utafrali/BackplaneGo/pkg/outbox"
	"github.com/utafrali/BackplaneGo/pkg/outbox/migrations"
	"github.com/utafrali/BackplaneGo/pkg/tracing"
)

// App wires together all dependencies and runs the outbox daemon: the pump
// that drains outbox rows to Kafka plus an ops plane with health, metrics,
// pprof and the dead-letter admin API.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	pool      *pgxpool.Pool
	producer  *pkgkafka.Producer
	store     *outbox.Store
	processor *outbox.Processor

	httpServer     *http.Server
	tracerShutdown func(context.Context) error

	stopPump context.CancelFunc
	pumpDone chan struct{}
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "outboxd",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPoolWithLogger(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, "outboxd")

	// Run the outbox schema migrations. Workflow tables belong to the
	// services hosting a workflow engine, not to this daemon.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// Initialize Kafka producer.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the pump.
	store := outbox.NewStore(pool)
	processor := outbox.NewProcessor(store, producer, outbox.ProcessorConfig{
		BatchSize:    cfg.BatchSize,
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		RetryDelay:   time.Duration(cfg.RetryDelaySecs) * time.Second,
		RecoveryAge:  time.Duration(cfg.RecoveryAgeSecs) * time.Second,
	}, logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	adminKeys, err := cfg.ParsedAdminKeys()
	if err != nil {
		// validate() already checked the format; this is unreachable.
		pool.Close()
		return nil, err
	}
	principals := make(map[string]middleware.Principal, len(adminKeys))
	for _, k := range adminKeys {
		principals[k.Key] = middleware.Principal{Name: k.Name, Role: "admin"}
	}

	admin := NewAdminHandler(store, logger)
	router := newRouter(cfg, admin, healthHandler, principals, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		producer:       producer,
		store:          store,
		processor:      processor,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Handler exposes the ops plane router, mainly for tests.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// newRouter builds the ops plane: health probes, allowlisted metrics and
// pprof, and the dead-letter admin API behind API key auth.
func newRouter(
	cfg *config.Config,
	admin *AdminHandler,
	healthHandler *health.Handler,
	adminKeys map[string]middleware.Principal,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// CORS lets browser dashboards call the admin API; X-API-Key must be in
	// the allowed headers or the preflight blocks authenticated requests.
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.AdminCORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
		Environment:    cfg.Environment,
	}))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing("outboxd"))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics("outboxd"))

	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())

	metricsHandler := middleware.IPAllowlist(cfg.MetricsAllowedCIDRs, logger)(promhttp.Handler())
	r.Get("/metrics", metricsHandler.ServeHTTP)

	middleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, logger)

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(middleware.StaticKeys(adminKeys)))
		admin.Routes(r)
	})

	return r
}

// Run starts the pump and the HTTP server and blocks until the context is
// canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	// The pump gets its own context so an orderly shutdown can stop it
	// after the HTTP server drains but before the producer closes.
	pumpCtx, stopPump := context.WithCancel(context.Background())
	a.stopPump = stopPump
	a.pumpDone = make(chan struct{})
	go func() {
		defer close(a.pumpDone)
		if err := a.processor.Run(pumpCtx); err != nil {
			errCh <- fmt.Errorf("outbox pump: %w", err)
		}
	}()

	if a.cfg.RetentionHours > 0 {
		go a.retentionLoop(pumpCtx)
	}

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("component failed", slog.String("error", err.Error()))
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// retentionLoop periodically deletes COMPLETED rows older than the retention
// window so the hot outbox table stays small.
func (a *App) retentionLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.RetentionSweepMins) * time.Minute
	retention := time.Duration(a.cfg.RetentionHours) * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		deleted, err := a.store.DeleteCompleted(sweepCtx, time.Now().Add(-retention))
		cancel()
		switch {
		case err != nil:
			a.logger.Error("outbox retention sweep failed", slog.String("error", err.Error()))
		case deleted > 0:
			a.logger.Info("outbox retention sweep",
				slog.Int64("deleted", deleted),
				slog.Duration("retention", retention),
			)
		}
	}
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain admin requests)
// 2. Pump (finish the batch in flight, stop claiming)
// 3. Tracer (flush pending spans)
// 4. Kafka producer
// 5. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.stopPump != nil {
		a.stopPump()
		select {
		case <-a.pumpDone:
		case <-time.After(30 * time.Second):
			errs = append(errs, errors.New("outbox pump did not stop within 30s"))
		}
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
