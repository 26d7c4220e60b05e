package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolStat binds one pgxpool.Stat accessor to its Prometheus descriptor.
type poolStat struct {
	desc *prometheus.Desc
	kind prometheus.ValueType
	read func(*pgxpool.Stat) float64
}

// PoolStatsCollector exposes pgxpool connection statistics as Prometheus
// metrics. Each daemon registers one collector labelled with its service
// name, so the gatewayd and outboxd pools stay distinguishable when both
// are scraped into the same backend.
type PoolStatsCollector struct {
	pool    *pgxpool.Pool
	service string
	stats   []poolStat
}

// NewPoolStatsCollector builds a collector over the given pool. The pool may
// be nil until Collect is first called, which makes the collector safe to
// construct before the database is reachable.
func NewPoolStatsCollector(pool *pgxpool.Pool, service string) *PoolStatsCollector {
	stat := func(name, help string, kind prometheus.ValueType, read func(*pgxpool.Stat) float64) poolStat {
		return poolStat{
			desc: prometheus.NewDesc(name, help, []string{"service"}, nil),
			kind: kind,
			read: read,
		}
	}
	gauge := prometheus.GaugeValue
	counter := prometheus.CounterValue

	return &PoolStatsCollector{
		pool:    pool,
		service: service,
		stats: []poolStat{
			stat("db_pool_acquired_connections", "Connections currently checked out of the pool",
				gauge, func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			stat("db_pool_idle_connections", "Connections sitting idle in the pool",
				gauge, func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			stat("db_pool_total_connections", "Connections the pool currently holds, idle or acquired",
				gauge, func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			stat("db_pool_max_connections", "Upper bound on pool size",
				gauge, func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
			stat("db_pool_constructing_connections", "Connections currently being established",
				gauge, func(s *pgxpool.Stat) float64 { return float64(s.ConstructingConns()) }),
			stat("db_pool_acquire_count_total", "Successful acquires since the pool started",
				counter, func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			stat("db_pool_acquire_duration_seconds_total", "Cumulative seconds spent waiting in Acquire",
				counter, func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
			stat("db_pool_canceled_acquire_count_total", "Acquires abandoned because their context ended",
				counter, func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) }),
			stat("db_pool_empty_acquire_count_total", "Acquires that blocked because the pool was empty",
				counter, func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			stat("db_pool_new_connections_total", "Connections opened over the pool lifetime",
				counter, func(s *pgxpool.Stat) float64 { return float64(s.NewConnsCount()) }),
			stat("db_pool_max_lifetime_destroy_total", "Connections closed for exceeding MaxConnLifetime",
				counter, func(s *pgxpool.Stat) float64 { return float64(s.MaxLifetimeDestroyCount()) }),
			stat("db_pool_max_idle_destroy_total", "Connections closed for exceeding MaxConnIdleTime",
				counter, func(s *pgxpool.Stat) float64 { return float64(s.MaxIdleDestroyCount()) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

// Collect implements prometheus.Collector. It snapshots the pool once and
// reads every stat from that snapshot so the values are mutually consistent.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.pool.Stat()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.kind, s.read(snap), c.service)
	}
}

// RegisterPoolMetrics registers a pool collector with the default Prometheus
// registry. Register each service name at most once; duplicates panic.
func RegisterPoolMetrics(pool *pgxpool.Pool, service string) {
	prometheus.MustRegister(NewPoolStatsCollector(pool, service))
}
