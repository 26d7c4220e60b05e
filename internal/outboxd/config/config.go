package config

import (
	"fmt"
	"strings"

	pkgconfig "github.com/utafrali/BackplaneGo/pkg/config"
)

// Config holds all configuration for the outbox daemon. The daemon attaches
// to the database of the service whose outbox it drains, so the Postgres
// settings point at that service's database.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Ops plane listener (health, metrics, pprof, admin API)
	HTTPPort int `env:"OUTBOX_HTTP_PORT" envDefault:"8090"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"backplane"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"backplane_secret"`
	PostgresDB   string `env:"OUTBOX_DB_NAME" envDefault:"backplane"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Pump
	BatchSize       int `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	PollIntervalMs  int `env:"OUTBOX_POLL_INTERVAL_MS" envDefault:"2000"`
	RetryDelaySecs  int `env:"OUTBOX_RETRY_DELAY_SECONDS" envDefault:"5"`
	RecoveryAgeSecs int `env:"OUTBOX_RECOVERY_AGE_SECONDS" envDefault:"30"`

	// Retention: COMPLETED rows older than the window are deleted by a
	// periodic sweep. Zero hours disables the sweep.
	RetentionHours     int `env:"OUTBOX_RETENTION_HOURS" envDefault:"24"`
	RetentionSweepMins int `env:"OUTBOX_RETENTION_SWEEP_MINUTES" envDefault:"60"`

	// Admin API protection: "name:key" pairs.
	AdminAPIKeys []string `env:"OUTBOX_ADMIN_API_KEYS" envDefault:"ops:dev-admin-key" envSeparator:","`

	// Origins allowed to call the ops plane from a browser (admin dashboards).
	AdminCORSOrigins []string `env:"OUTBOX_ADMIN_CORS_ORIGINS" envDefault:"*" envSeparator:","`

	// Ops endpoint allowlists (CIDR notation)
	MetricsAllowedCIDRs []string `env:"METRICS_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`
	PprofAllowedCIDRs   []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// AdminKey is one parsed OUTBOX_ADMIN_API_KEYS entry.
type AdminKey struct {
	Name string
	Key  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load outboxd config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.PollIntervalMs < 1 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL_MS must be positive, got %d", c.PollIntervalMs)
	}
	if c.RetryDelaySecs < 1 {
		return fmt.Errorf("OUTBOX_RETRY_DELAY_SECONDS must be positive, got %d", c.RetryDelaySecs)
	}
	// A recovery age below two poll cycles would reclaim rows a healthy
	// pump is still publishing.
	if c.RecoveryAgeSecs*1000 < 2*c.PollIntervalMs {
		return fmt.Errorf("OUTBOX_RECOVERY_AGE_SECONDS (%ds) must be at least twice the poll interval (%dms)",
			c.RecoveryAgeSecs, c.PollIntervalMs)
	}
	if c.RetentionHours < 0 {
		return fmt.Errorf("OUTBOX_RETENTION_HOURS must not be negative, got %d", c.RetentionHours)
	}
	if c.RetentionHours > 0 && c.RetentionSweepMins < 1 {
		return fmt.Errorf("OUTBOX_RETENTION_SWEEP_MINUTES must be positive, got %d", c.RetentionSweepMins)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	if _, err := c.ParsedAdminKeys(); err != nil {
		return err
	}
	return nil
}

// ParsedAdminKeys splits OUTBOX_ADMIN_API_KEYS into name/key pairs.
func (c *Config) ParsedAdminKeys() ([]AdminKey, error) {
	if len(c.AdminAPIKeys) == 0 {
		return nil, fmt.Errorf("OUTBOX_ADMIN_API_KEYS is required")
	}
	keys := make([]AdminKey, 0, len(c.AdminAPIKeys))
	for _, entry := range c.AdminAPIKeys {
		name, key, ok := strings.Cut(entry, ":")
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("invalid admin API key entry %q, want name:key", entry)
		}
		keys = append(keys, AdminKey{Name: name, Key: key})
	}
	return keys, nil
}
