package config

import (
	"fmt"
	"strings"

	pkgconfig "github.com/utafrali/BackplaneGo/pkg/config"
)

// Config holds all configuration for the gateway daemon.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Data plane listener
	HTTPPort int `env:"GATEWAY_HTTP_PORT" envDefault:"8080"`

	// Ops plane listener (health, metrics, pprof, admin API)
	AdminPort int `env:"GATEWAY_ADMIN_PORT" envDefault:"9080"`

	// Bootstrap file with routes, pools and policies. Empty starts the
	// gateway with an empty table; routes are then added via the admin API.
	BootstrapPath string `env:"GATEWAY_BOOTSTRAP_FILE" envDefault:""`

	// Upstream forwarding
	UpstreamTimeoutSecs int   `env:"GATEWAY_UPSTREAM_TIMEOUT_SECONDS" envDefault:"30"`
	PassThroughStatus   bool  `env:"GATEWAY_PASS_THROUGH_STATUS" envDefault:"false"`
	MaxBodyBytes        int64 `env:"GATEWAY_MAX_BODY_BYTES" envDefault:"0"`

	// JWT auth provider. The provider is registered only when a secret is
	// set; api_key principals come from the bootstrap file.
	JWTSecret           string `env:"GATEWAY_JWT_SECRET" envDefault:""`
	JWTIssuer           string `env:"GATEWAY_JWT_ISSUER" envDefault:""`
	JWTAudience         string `env:"GATEWAY_JWT_AUDIENCE" envDefault:""`
	DefaultAuthProvider string `env:"GATEWAY_DEFAULT_AUTH_PROVIDER" envDefault:""`

	// Redis-backed rate limit state. Empty addr keeps limiter state in
	// process memory, which is fine for a single gateway instance.
	RedisAddr string `env:"REDIS_ADDR" envDefault:""`
	RedisPass string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Admin API protection: "name:key" pairs plus a per-client limiter.
	AdminAPIKeys     []string `env:"GATEWAY_ADMIN_API_KEYS" envDefault:"ops:dev-admin-key" envSeparator:","`
	AdminRateRPS     int      `env:"GATEWAY_ADMIN_RATE_RPS" envDefault:"20"`
	AdminRateBurst   int      `env:"GATEWAY_ADMIN_RATE_BURST" envDefault:"40"`
	AdminRateTTLMins int      `env:"GATEWAY_ADMIN_RATE_TTL_MINUTES" envDefault:"10"`

	// Origins allowed to call the ops plane from a browser (admin dashboards).
	AdminCORSOrigins []string `env:"GATEWAY_ADMIN_CORS_ORIGINS" envDefault:"*" envSeparator:","`

	// Ops endpoint allowlists (CIDR notation)
	MetricsAllowedCIDRs []string `env:"METRICS_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`
	PprofAllowedCIDRs   []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// AdminKey is one parsed GATEWAY_ADMIN_API_KEYS entry.
type AdminKey struct {
	Name string
	Key  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load gatewayd config: %w", err)
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
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.AdminPort)
	}
	if c.HTTPPort == c.AdminPort {
		return fmt.Errorf("GATEWAY_HTTP_PORT and GATEWAY_ADMIN_PORT must differ, both are %d", c.HTTPPort)
	}
	if c.UpstreamTimeoutSecs < 1 {
		return fmt.Errorf("GATEWAY_UPSTREAM_TIMEOUT_SECONDS must be positive, got %d", c.UpstreamTimeoutSecs)
	}
	if c.AdminRateRPS < 1 || c.AdminRateBurst < 1 {
		return fmt.Errorf("admin rate limit must be positive, got rps=%d burst=%d", c.AdminRateRPS, c.AdminRateBurst)
	}
	if c.AdminRateTTLMins < 1 {
		return fmt.Errorf("GATEWAY_ADMIN_RATE_TTL_MINUTES must be positive, got %d", c.AdminRateTTLMins)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	if _, err := c.ParsedAdminKeys(); err != nil {
		return err
	}
	return nil
}

// ParsedAdminKeys splits GATEWAY_ADMIN_API_KEYS into name/key pairs.
func (c *Config) ParsedAdminKeys() ([]AdminKey, error) {
	if len(c.AdminAPIKeys) == 0 {
		return nil, fmt.Errorf("GATEWAY_ADMIN_API_KEYS is required")
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
