package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
)

// Built-in provider names. A route's AuthProvider field selects one of the
// providers registered on the gateway by these names.
const (
	ProviderNone   = "none"
	ProviderAPIKey = "api_key"
	ProviderJWT    = "jwt"
	ProviderBasic  = "basic"
)

// Principal is the authenticated caller. Providers build it; the
// authorization stage and upstream headers consume it.
type Principal struct {
	ID       string
	Username string
	Roles    []string
	// Permissions are ":"-separated hierarchical grants; a held "orders:*"
	// covers any required "orders:...".
	Permissions []string
	// Attributes carries extra string claims for condition matching.
	Attributes map[string]string
	Anonymous  bool
	// Provider is the name of the provider that authenticated the caller.
	Provider string
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Provider authenticates a request. Authenticate returns the principal or an
// error whose message is safe to show the caller; the stage converts errors
// to 401 with the provider's WWW-Authenticate challenge.
type Provider interface {
	Name() string
	Challenge() string
	Authenticate(r *http.Request) (*Principal, error)
}

var (
	errMissingAuthHeader = errors.New("missing authorization header")
	errBadAuthFormat     = errors.New("invalid authorization header format")
	errInvalidToken      = errors.New("invalid or expired token")
	errMissingAPIKey     = errors.New("missing api key")
	errInvalidAPIKey     = errors.New("invalid api key")
	errMissingBasic      = errors.New("missing credentials")
	errInvalidBasic      = errors.New("invalid credentials")
)

// anonymousProvider admits every request with an anonymous principal.
type anonymousProvider struct{}

// NewAnonymousProvider returns the provider behind "none": every caller is
// admitted as an anonymous principal.
func NewAnonymousProvider() Provider { return anonymousProvider{} }

func (anonymousProvider) Name() string      { return ProviderNone }
func (anonymousProvider) Challenge() string { return "" }

func (anonymousProvider) Authenticate(*http.Request) (*Principal, error) {
	return &Principal{Anonymous: true, Provider: ProviderNone}, nil
}

// KeyResolver validates an API key and returns the principal bound to it.
type KeyResolver func(key string) (*Principal, error)

// StaticAPIKeys builds a KeyResolver from a fixed key -> principal mapping.
// Comparison is constant time.
func StaticAPIKeys(keys map[string]Principal) KeyResolver {
	return func(key string) (*Principal, error) {
		for candidate, principal := range keys {
			if len(candidate) == len(key) &&
				subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
				p := principal
				p.Provider = ProviderAPIKey
				return &p, nil
			}
		}
		return nil, errInvalidAPIKey
	}
}

// APIKeyConfig configures the api_key provider.
type APIKeyConfig struct {
	// Header is where the key is read from. Defaults to X-API-Key.
	Header string
	// QueryParam is checked when the header is absent. Defaults to api_key.
	QueryParam string
	Realm      string
	Resolve    KeyResolver
}

type apiKeyProvider struct {
	cfg APIKeyConfig
}

// NewAPIKeyProvider builds the api_key provider. The resolver decides which
// keys are valid and which principal each key maps to.
func NewAPIKeyProvider(cfg APIKeyConfig) (Provider, error) {
	if cfg.Resolve == nil {
		return nil, apperrors.InvalidInput("api key provider requires a resolver")
	}
	if cfg.Header == "" {
		cfg.Header = "X-API-Key"
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "api_key"
	}
	if cfg.Realm == "" {
		cfg.Realm = "gateway"
	}
	return &apiKeyProvider{cfg: cfg}, nil
}

func (p *apiKeyProvider) Name() string { return ProviderAPIKey }

func (p *apiKeyProvider) Challenge() string {
	return fmt.Sprintf("ApiKey realm=%q", p.cfg.Realm)
}

func (p *apiKeyProvider) Authenticate(r *http.Request) (*Principal, error) {
	key := r.Header.Get(p.cfg.Header)
	if key == "" {
		key = r.URL.Query().Get(p.cfg.QueryParam)
	}
	if key == "" {
		return nil, errMissingAPIKey
	}
	return p.cfg.Resolve(key)
}

// JWTConfig configures the jwt provider.
type JWTConfig struct {
	Secret []byte
	// Audience and Issuer are verified when non-empty.
	Audience string
	Issuer   string
	Realm    string
	// RolesClaim and PermissionsClaim name the claims carrying the
	// principal's roles and permissions. Default "roles" and "permissions".
	RolesClaim       string
	PermissionsClaim string
}

type jwtProvider struct {
	cfg   JWTConfig
	opts  []jwt.ParserOption
	cache *tokenCache
}

// NewJWTProvider builds the jwt provider: Bearer tokens, HMAC signatures
// only, optional audience/issuer verification. Successfully verified tokens
// are cached until they expire so repeat requests skip signature checks.
func NewJWTProvider(cfg JWTConfig) (Provider, error) {
	if len(cfg.Secret) == 0 {
		return nil, apperrors.InvalidInput("jwt provider requires a secret")
	}
	if cfg.Realm == "" {
		cfg.Realm = "gateway"
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	if cfg.PermissionsClaim == "" {
		cfg.PermissionsClaim = "permissions"
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &jwtProvider{cfg: cfg, opts: opts, cache: newTokenCache(time.Minute)}, nil
}

func (p *jwtProvider) Name() string { return ProviderJWT }

func (p *jwtProvider) Challenge() string {
	return fmt.Sprintf("Bearer realm=%q, error=\"invalid_token\"", p.cfg.Realm)
}

func (p *jwtProvider) Authenticate(r *http.Request) (*Principal, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, errMissingAuthHeader
	}
	scheme, tokenString, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return nil, errBadAuthFormat
	}

	if principal, ok := p.cache.get(tokenString); ok {
		return principal, nil
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return p.cfg.Secret, nil
	}, p.opts...)
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errInvalidToken
	}

	principal := p.principalFromClaims(claims)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.cache.put(tokenString, principal, exp.Time)
	}
	return principal, nil
}

func (p *jwtProvider) principalFromClaims(claims jwt.MapClaims) *Principal {
	principal := &Principal{Provider: ProviderJWT}

	principal.ID, _ = claims["user_id"].(string)
	if principal.ID == "" {
		// Fallback: the subject claim.
		principal.ID, _ = claims["sub"].(string)
	}
	principal.Username, _ = claims["username"].(string)
	principal.Roles = stringClaim(claims[p.cfg.RolesClaim])
	principal.Permissions = stringClaim(claims[p.cfg.PermissionsClaim])

	for name, value := range claims {
		switch name {
		case "iss", "sub", "aud", "exp", "nbf", "iat", "jti",
			"user_id", "username", p.cfg.RolesClaim, p.cfg.PermissionsClaim:
			continue
		}
		if s, ok := value.(string); ok {
			if principal.Attributes == nil {
				principal.Attributes = make(map[string]string)
			}
			principal.Attributes[name] = s
		}
	}
	return principal
}

func (p *jwtProvider) Close() error {
	p.cache.close()
	return nil
}

// stringClaim normalizes a claim that may be a string or a list of strings.
func stringClaim(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// BasicVerifier validates a username/password pair.
type BasicVerifier func(ctx context.Context, username, password string) (*Principal, error)

type basicProvider struct {
	realm  string
	verify BasicVerifier
}

// NewBasicProvider builds the basic provider. Credential validation is
// delegated to the verifier.
func NewBasicProvider(realm string, verify BasicVerifier) (Provider, error) {
	if verify == nil {
		return nil, apperrors.InvalidInput("basic provider requires a verifier")
	}
	if realm == "" {
		realm = "gateway"
	}
	return &basicProvider{realm: realm, verify: verify}, nil
}

func (p *basicProvider) Name() string { return ProviderBasic }

func (p *basicProvider) Challenge() string {
	return fmt.Sprintf("Basic realm=%q", p.realm)
}

func (p *basicProvider) Authenticate(r *http.Request) (*Principal, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, errMissingBasic
	}
	principal, err := p.verify(r.Context(), username, password)
	if err != nil {
		return nil, errInvalidBasic
	}
	principal.Provider = ProviderBasic
	return principal, nil
}

// CustomProvider wraps an injected authentication function under a caller
// chosen name and challenge.
type CustomProvider struct {
	ProviderName  string
	ChallengeText string
	Fn            func(r *http.Request) (*Principal, error)
}

func (p *CustomProvider) Name() string      { return p.ProviderName }
func (p *CustomProvider) Challenge() string { return p.ChallengeText }

func (p *CustomProvider) Authenticate(r *http.Request) (*Principal, error) {
	return p.Fn(r)
}

// tokenCache holds verified principals keyed by raw token until the token's
// expiry. A sweep goroutine drops expired entries.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type tokenEntry struct {
	principal *Principal
	expires   time.Time
}

func newTokenCache(sweepInterval time.Duration) *tokenCache {
	c := &tokenCache{
		entries: make(map[string]tokenEntry),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

func (c *tokenCache) get(token string) (*Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[token]
	if !ok {
		return nil, false
	}
	if !c.nowFunc().Before(entry.expires) {
		delete(c.entries, token)
		return nil, false
	}
	return entry.principal, true
}

func (c *tokenCache) put(token string, principal *Principal, expires time.Time) {
	if !c.nowFunc().Before(expires) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = tokenEntry{principal: principal, expires: expires}
}

func (c *tokenCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *tokenCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *tokenCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	for token, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, token)
		}
	}
}

func (c *tokenCache) close() {
	c.once.Do(func() { close(c.stop) })
}

// authStage resolves the route's provider (or the gateway default) and
// authenticates the request. Failures short-circuit with 401 and the
// provider's challenge.
type authStage struct {
	providers map[string]Provider
	def       string
}

func (s *authStage) Name() string { return "authn" }

func (s *authStage) Process(c *Context) *Result {
	name := s.def
	if rt := c.Route(); rt != nil && rt.AuthProvider != "" {
		name = rt.AuthProvider
	}
	if name == "" || name == ProviderNone {
		c.Principal = &Principal{Anonymous: true, Provider: ProviderNone}
		return nil
	}

	provider, ok := s.providers[name]
	if !ok {
		c.Logger().Error("route references unknown auth provider",
			slog.String("provider", name),
			slog.String("route", routeName(c)),
		)
		return errorResult(http.StatusInternalServerError, "INTERNAL_ERROR",
			"an internal error occurred", c.RequestID)
	}

	principal, err := provider.Authenticate(c.Request)
	if err != nil {
		gatewayDenialsTotal.WithLabelValues("authn").Inc()
		res := errorResult(http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), c.RequestID)
		if challenge := provider.Challenge(); challenge != "" {
			res.setHeader("WWW-Authenticate", challenge)
		}
		return res
	}

	c.Principal = principal
	if principal.ID != "" {
		// Upstreams read the caller identity from this header.
		c.Request.Header.Set("X-User-ID", principal.ID)
	}
	return nil
}

func routeName(c *Context) string {
	if rt := c.Route(); rt != nil {
		return rt.Name
	}
	return ""
}
