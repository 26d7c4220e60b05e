package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/utafrali/BackplaneGo/pkg/gateway"
	"github.com/utafrali/BackplaneGo/pkg/gateway/transform"
	"github.com/utafrali/BackplaneGo/pkg/validator"
)

// Bootstrap is the JSON file the daemon loads at startup. Routes and pools
// reuse the admin API request shapes, so a bootstrap section and the
// corresponding POST body are interchangeable.
type Bootstrap struct {
	Routes   []gateway.CreateRouteRequest `json:"routes"`
	Pools    []gateway.CreatePoolRequest  `json:"pools"`
	Fallback *gateway.CreateRouteRequest  `json:"fallback"`

	// RateLimit is the gateway-wide default; per-route limits are part of
	// the route entries.
	RateLimit  *gateway.RateLimitPayload `json:"rate_limit"`
	Transforms []transform.Rule          `json:"transforms"`

	Authorization   *AuthzPolicy    `json:"authorization"`
	CORS            *CORSPolicy     `json:"cors"`
	Security        *SecurityPolicy `json:"security"`
	ResponseHeaders *HeaderPolicy   `json:"response_headers"`

	// APIKeys are the data plane client keys served by the api_key auth
	// provider.
	APIKeys []APIKeyEntry `json:"api_keys"`
}

// AuthzPolicy mirrors gateway.AuthzConfig for the bootstrap file.
type AuthzPolicy struct {
	Rules         []gateway.Rule `json:"rules"`
	Combinator    string         `json:"combinator" validate:"omitempty,oneof=first_applicable permit_overrides deny_overrides"`
	SuperRoles    []string       `json:"super_roles"`
	DefaultEffect string         `json:"default_effect" validate:"omitempty,oneof=allow deny"`
}

// ToConfig converts the policy into an authorizer config.
func (p *AuthzPolicy) ToConfig() *gateway.AuthzConfig {
	return &gateway.AuthzConfig{
		Rules:         p.Rules,
		Combinator:    gateway.Combinator(p.Combinator),
		SuperRoles:    p.SuperRoles,
		DefaultEffect: gateway.Effect(p.DefaultEffect),
	}
}

// CORSPolicy mirrors gateway.CORSConfig for the bootstrap file.
type CORSPolicy struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	MaxAge           int      `json:"max_age" validate:"gte=0"`
	AllowCredentials bool     `json:"allow_credentials"`
}

// ToConfig converts the policy into a CORS config.
func (p *CORSPolicy) ToConfig() *gateway.CORSConfig {
	return &gateway.CORSConfig{
		AllowedOrigins:   p.AllowedOrigins,
		AllowedMethods:   p.AllowedMethods,
		AllowedHeaders:   p.AllowedHeaders,
		ExposedHeaders:   p.ExposedHeaders,
		MaxAge:           p.MaxAge,
		AllowCredentials: p.AllowCredentials,
	}
}

// SecurityPolicy tunes the attack validation stage. The validator set itself
// is not configurable from the file; the defaults apply.
type SecurityPolicy struct {
	Disabled            bool   `json:"disabled"`
	MaxAttacksPerWindow int    `json:"max_attacks_per_window" validate:"gte=0"`
	AttackWindow        string `json:"attack_window"`
	MaxScanBytes        int    `json:"max_scan_bytes" validate:"gte=0"`
}

// ToConfig converts the policy into a security config.
func (p *SecurityPolicy) ToConfig() (*gateway.SecurityConfig, error) {
	window, err := parseDuration(p.AttackWindow)
	if err != nil {
		return nil, fmt.Errorf("security attack_window: %w", err)
	}
	return &gateway.SecurityConfig{
		Disabled:            p.Disabled,
		MaxAttacksPerWindow: p.MaxAttacksPerWindow,
		AttackWindow:        window,
		MaxScanBytes:        p.MaxScanBytes,
	}, nil
}

// HeaderPolicy mirrors gateway.HeaderConfig for the bootstrap file.
type HeaderPolicy struct {
	FrameOptions          string `json:"frame_options"`
	ReferrerPolicy        string `json:"referrer_policy"`
	HSTSEnabled           bool   `json:"hsts_enabled"`
	HSTSMaxAge            int    `json:"hsts_max_age" validate:"gte=0"`
	ContentSecurityPolicy string `json:"content_security_policy"`
	PermissionsPolicy     string `json:"permissions_policy"`
}

// ToConfig converts the policy into a header config.
func (p *HeaderPolicy) ToConfig() gateway.HeaderConfig {
	return gateway.HeaderConfig{
		FrameOptions:          p.FrameOptions,
		ReferrerPolicy:        p.ReferrerPolicy,
		HSTSEnabled:           p.HSTSEnabled,
		HSTSMaxAge:            p.HSTSMaxAge,
		ContentSecurityPolicy: p.ContentSecurityPolicy,
		PermissionsPolicy:     p.PermissionsPolicy,
	}
}

// APIKeyEntry binds one client key to the principal it authenticates as.
type APIKeyEntry struct {
	Key         string   `json:"key" validate:"required"`
	UserID      string   `json:"user_id" validate:"required"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// LoadBootstrap reads and validates the bootstrap file. Unknown fields are
// rejected so a typo in an ops file fails startup instead of silently
// dropping a policy.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap file: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var bs Bootstrap
	if err := dec.Decode(&bs); err != nil {
		return nil, fmt.Errorf("parse bootstrap file %s: %w", path, err)
	}

	if err := bs.validate(); err != nil {
		return nil, fmt.Errorf("bootstrap file %s: %w", path, err)
	}
	return &bs, nil
}

func (bs *Bootstrap) validate() error {
	for i := range bs.Routes {
		if err := validator.Validate(&bs.Routes[i]); err != nil {
			return fmt.Errorf("route %d (%s): %w", i, bs.Routes[i].Name, err)
		}
	}
	for i := range bs.Pools {
		if err := validator.Validate(&bs.Pools[i]); err != nil {
			return fmt.Errorf("pool %d (%s): %w", i, bs.Pools[i].Name, err)
		}
	}
	if bs.Fallback != nil {
		if err := validator.Validate(bs.Fallback); err != nil {
			return fmt.Errorf("fallback route: %w", err)
		}
	}
	if bs.RateLimit != nil {
		if err := validator.Validate(bs.RateLimit); err != nil {
			return fmt.Errorf("rate_limit: %w", err)
		}
	}
	if bs.Authorization != nil {
		if err := validator.Validate(bs.Authorization); err != nil {
			return fmt.Errorf("authorization: %w", err)
		}
	}
	if bs.CORS != nil {
		if err := validator.Validate(bs.CORS); err != nil {
			return fmt.Errorf("cors: %w", err)
		}
	}
	if bs.Security != nil {
		if err := validator.Validate(bs.Security); err != nil {
			return fmt.Errorf("security: %w", err)
		}
	}
	if bs.ResponseHeaders != nil {
		if err := validator.Validate(bs.ResponseHeaders); err != nil {
			return fmt.Errorf("response_headers: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(bs.APIKeys))
	for i := range bs.APIKeys {
		if err := validator.Validate(&bs.APIKeys[i]); err != nil {
			return fmt.Errorf("api key %d: %w", i, err)
		}
		if _, dup := seen[bs.APIKeys[i].Key]; dup {
			return fmt.Errorf("api key %d: duplicate key", i)
		}
		seen[bs.APIKeys[i].Key] = struct{}{}
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
