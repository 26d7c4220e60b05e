package balancer

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/utafrali/BackplaneGo/pkg/httpclient"
)

// HealthCheckConfig controls the periodic upstream probes.
type HealthCheckConfig struct {
	// Path is GET-ed on every server.
	Path string
	// Interval between probes per server.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
	// InsecureSkipVerify turns off TLS certificate verification for
	// probes. Verification stays on unless explicitly disabled.
	InsecureSkipVerify bool
}

func (c *HealthCheckConfig) normalize() {
	if c.Path == "" {
		c.Path = "/health"
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// HealthChecker probes a pool's servers, one watcher goroutine per server,
// and flips their health flags. Watchers follow pool membership: servers
// added after Start pick up a watcher on the next sync, removed servers
// lose theirs.
type HealthChecker struct {
	pool   *Pool
	cfg    HealthCheckConfig
	client *httpclient.Client
	logger *slog.Logger

	wg     conc.WaitGroup
	cancel context.CancelFunc
}

// NewHealthChecker builds a checker for the pool. Start begins probing.
func NewHealthChecker(pool *Pool, cfg HealthCheckConfig, logger *slog.Logger) *HealthChecker {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		pool: pool,
		cfg:  cfg,
		client: httpclient.New(httpclient.Config{
			Timeout:            cfg.Timeout,
			MaxRetries:         0,
			MaxConnsPerHost:    4,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}),
		logger: logger,
	}
}

// Start launches the watchers and returns immediately.
func (hc *HealthChecker) Start(ctx context.Context) {
	ctx, hc.cancel = context.WithCancel(ctx)
	hc.wg.Go(func() {
		hc.supervise(ctx)
	})
}

// Stop cancels all watchers and waits for them to exit.
func (hc *HealthChecker) Stop() {
	if hc.cancel != nil {
		hc.cancel()
	}
	hc.wg.Wait()
}

func (hc *HealthChecker) supervise(ctx context.Context) {
	watchers := make(map[string]context.CancelFunc)
	defer func() {
		for _, cancel := range watchers {
			cancel()
		}
	}()

	resync := func() {
		current := make(map[string]*Server)
		for _, s := range hc.pool.Servers() {
			current[s.ID] = s
		}
		for id, cancel := range watchers {
			if _, ok := current[id]; !ok {
				cancel()
				delete(watchers, id)
			}
		}
		for id, s := range current {
			if _, ok := watchers[id]; ok {
				continue
			}
			wctx, wcancel := context.WithCancel(ctx)
			watchers[id] = wcancel
			srv := s
			hc.wg.Go(func() {
				hc.watch(wctx, srv)
			})
		}
	}

	resync()
	ticker := time.NewTicker(hc.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resync()
		}
	}
}

func (hc *HealthChecker) watch(ctx context.Context, s *Server) {
	hc.check(ctx, s)
	ticker := time.NewTicker(hc.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.check(ctx, s)
		}
	}
}

func (hc *HealthChecker) check(ctx context.Context, s *Server) {
	cctx, cancel := context.WithTimeout(ctx, hc.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := hc.client.Get(cctx, s.URL()+hc.cfg.Path)
	elapsed := time.Since(start)

	healthy := false
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
		s.observeResponseTime(elapsed)
	}

	if !s.SetHealthy(healthy) {
		return
	}
	if healthy {
		hc.logger.Info("upstream recovered",
			slog.String("pool", hc.pool.Name()),
			slog.String("server", s.ID),
			slog.Duration("response_time", elapsed),
		)
		return
	}
	attrs := []any{
		slog.String("pool", hc.pool.Name()),
		slog.String("server", s.ID),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	} else {
		attrs = append(attrs, slog.Int("status", resp.StatusCode))
	}
	hc.logger.Warn("upstream unhealthy", attrs...)
}
