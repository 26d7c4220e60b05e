package gateway

import (
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
)

// Severity ranks a detected attack pattern. HIGH and CRITICAL findings block
// immediately; lower severities block only when a source IP trips the attack
// frequency limit.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Validator scans request material for one class of attack.
type Validator struct {
	name     string
	severity Severity
	patterns []*regexp.Regexp
}

// NewValidator compiles an attack validator from regular expressions.
func NewValidator(name string, severity Severity, patterns ...string) (Validator, error) {
	v := Validator{name: name, severity: severity}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return Validator{}, apperrors.InvalidInput("validator " + name + ": " + err.Error())
		}
		v.patterns = append(v.patterns, re)
	}
	return v, nil
}

func (v Validator) match(s string) bool {
	for _, re := range v.patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func mustValidator(name string, severity Severity, patterns ...string) Validator {
	v, err := NewValidator(name, severity, patterns...)
	if err != nil {
		panic(err)
	}
	return v
}

// DefaultValidators returns the built-in attack validators: XSS, SQL
// injection, path traversal, command injection, plus a low-noise scanner
// probe detector that only blocks through the frequency limit.
func DefaultValidators() []Validator {
	return []Validator{
		mustValidator("xss", SeverityHigh,
			`(?i)<\s*script\b`,
			`(?i)<\s*iframe\b`,
			`(?i)javascript\s*:`,
			`(?i)\bon(?:error|load|click|mouseover|focus)\s*=`,
			`(?i)document\s*\.\s*(?:cookie|write)`,
		),
		mustValidator("sql_injection", SeverityCritical,
			`(?i)\bunion(?:\s+all)?\s+select\b`,
			`(?i)['";]\s*(?:or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`,
			`(?i)\b(?:drop|truncate|alter)\s+table\b`,
			`(?i)\binformation_schema\b`,
			`(?i)\b(?:sleep|benchmark)\s*\(\s*\d`,
		),
		mustValidator("path_traversal", SeverityHigh,
			`\.\./`,
			`\.\.\\`,
			`(?i)%2e%2e[%/\\]`,
			`(?i)/etc/(?:passwd|shadow)\b`,
			`(?i)\\windows\\system32`,
		),
		mustValidator("command_injection", SeverityCritical,
			`(?i)[;|&]\s*(?:cat|ls|rm|wget|curl|nc|sh|bash|powershell)\b`,
			`\$\([^)]*\)`,
			"`[^`]+`",
		),
		mustValidator("scanner_probe", SeverityMedium,
			`(?i)(?:^|/)(?:\.env|\.git|wp-admin|wp-login\.php|phpmyadmin)(?:/|$)`,
		),
	}
}

// Finding is one detected attack pattern.
type Finding struct {
	Validator string
	Severity  Severity
	// Location names where the pattern matched: path, query, body, or
	// header:<Name>.
	Location string
	Excerpt  string
}

// SecurityConfig configures the security stage.
type SecurityConfig struct {
	Disabled bool
	// Validators replace the defaults when non-nil.
	Validators []Validator
	// MaxAttacksPerWindow blocks a source IP once it produced more findings
	// than this inside AttackWindow, regardless of severity. Default 10.
	MaxAttacksPerWindow int
	// AttackWindow is the sliding window for the frequency limit. Default 1m.
	AttackWindow time.Duration
	// MaxScanBytes bounds how much of the body is scanned. Default 64 KiB.
	MaxScanBytes int
}

func (c *SecurityConfig) normalize() {
	if c.Validators == nil {
		c.Validators = DefaultValidators()
	}
	if c.MaxAttacksPerWindow <= 0 {
		c.MaxAttacksPerWindow = 10
	}
	if c.AttackWindow <= 0 {
		c.AttackWindow = time.Minute
	}
	if c.MaxScanBytes <= 0 {
		c.MaxScanBytes = 64 << 10
	}
}

// attackTracker counts findings per source IP over a sliding window.
type attackTracker struct {
	mu      sync.Mutex
	window  time.Duration
	seen    map[string][]time.Time
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

func newAttackTracker(window time.Duration) *attackTracker {
	t := &attackTracker{
		window:  window,
		seen:    make(map[string][]time.Time),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// record notes one finding for ip and returns how many findings the ip has
// produced inside the window, including this one.
func (t *attackTracker) record(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	cutoff := now.Add(-t.window)
	times := t.seen[ip]
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.seen[ip] = kept
	return len(kept)
}

func (t *attackTracker) sweepLoop() {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stop:
			return
		}
	}
}

func (t *attackTracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.nowFunc().Add(-t.window)
	for ip, times := range t.seen {
		kept := times[:0]
		for _, ts := range times {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(t.seen, ip)
			continue
		}
		t.seen[ip] = kept
	}
}

func (t *attackTracker) close() {
	t.once.Do(func() { close(t.stop) })
}

// credentialHeaders are skipped when scanning header values: encoded
// credential blobs trip pattern matches on material that is never
// interpreted by upstreams as markup or shell input.
var credentialHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
}

// securityStage scans inbound requests for attack patterns and answers CORS
// preflights before the rest of the pipeline runs.
type securityStage struct {
	cfg     SecurityConfig
	cors    *corsPolicy
	tracker *attackTracker
}

func newSecurityStage(cfg SecurityConfig, cors *corsPolicy) *securityStage {
	cfg.normalize()
	return &securityStage{
		cfg:     cfg,
		cors:    cors,
		tracker: newAttackTracker(cfg.AttackWindow),
	}
}

func (s *securityStage) Name() string { return "security" }

func (s *securityStage) Process(c *Context) *Result {
	if s.cors != nil && isPreflight(c.Request) {
		return s.cors.preflight(c.Request)
	}
	if s.cfg.Disabled {
		return nil
	}

	findings := s.scan(c)
	if len(findings) == 0 {
		return nil
	}

	block := false
	for _, f := range findings {
		count := s.tracker.record(c.ClientIP)
		c.Logger().Warn("attack pattern detected",
			slog.String("validator", f.Validator),
			slog.String("severity", f.Severity.String()),
			slog.String("location", f.Location),
			slog.String("excerpt", f.Excerpt),
			slog.String("ip", c.ClientIP),
			slog.Int("recent_findings", count),
		)
		securityFindingsTotal.WithLabelValues(f.Validator, f.Severity.String()).Inc()
		if f.Severity >= SeverityHigh || count > s.cfg.MaxAttacksPerWindow {
			block = true
		}
	}
	if !block {
		return nil
	}

	gatewayDenialsTotal.WithLabelValues("security").Inc()
	return textResult(http.StatusForbidden, "Forbidden: Security policy violation")
}

func (s *securityStage) scan(c *Context) []Finding {
	var findings []Finding
	add := func(location, value string) {
		if value == "" {
			return
		}
		for _, v := range s.cfg.Validators {
			if v.match(value) {
				findings = append(findings, Finding{
					Validator: v.name,
					Severity:  v.severity,
					Location:  location,
					Excerpt:   excerpt(value),
				})
			}
		}
	}

	r := c.Request
	add("path", r.URL.Path)
	if r.URL.RawPath != "" && r.URL.RawPath != r.URL.Path {
		add("path", r.URL.RawPath)
	}
	if r.URL.RawQuery != "" {
		add("query", r.URL.RawQuery)
		if decoded, err := url.QueryUnescape(r.URL.RawQuery); err == nil && decoded != r.URL.RawQuery {
			add("query", decoded)
		}
	}
	for name, values := range r.Header {
		if _, skip := credentialHeaders[name]; skip {
			continue
		}
		for _, value := range values {
			add("header:"+name, value)
		}
	}
	if body := c.Body(); len(body) > 0 && scannableContentType(r.Header.Get("Content-Type")) {
		if len(body) > s.cfg.MaxScanBytes {
			body = body[:s.cfg.MaxScanBytes]
		}
		if utf8.Valid(body) {
			add("body", string(body))
		}
	}
	return findings
}

func scannableContentType(ct string) bool {
	ct, _, _ = strings.Cut(ct, ";")
	ct = strings.TrimSpace(strings.ToLower(ct))
	switch {
	case ct == "", strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/json", ct == "application/xml",
		ct == "application/x-www-form-urlencoded":
		return true
	}
	return false
}

func excerpt(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}

// HeaderConfig controls the security headers attached to every response.
type HeaderConfig struct {
	// FrameOptions defaults to DENY.
	FrameOptions string
	// ReferrerPolicy defaults to strict-origin-when-cross-origin.
	ReferrerPolicy string
	// HSTSEnabled adds Strict-Transport-Security with HSTSMaxAge seconds
	// (default one year) and includeSubDomains.
	HSTSEnabled bool
	HSTSMaxAge  int
	// ContentSecurityPolicy and PermissionsPolicy are set when non-empty.
	ContentSecurityPolicy string
	PermissionsPolicy     string
}

func (c *HeaderConfig) normalize() {
	if c.FrameOptions == "" {
		c.FrameOptions = "DENY"
	}
	if c.ReferrerPolicy == "" {
		c.ReferrerPolicy = "strict-origin-when-cross-origin"
	}
	if c.HSTSMaxAge <= 0 {
		c.HSTSMaxAge = 31536000
	}
}

// apply writes the security headers onto a response.
func (c HeaderConfig) apply(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", c.FrameOptions)
	h.Set("Referrer-Policy", c.ReferrerPolicy)
	if c.HSTSEnabled {
		h.Set("Strict-Transport-Security",
			"max-age="+strconv.Itoa(c.HSTSMaxAge)+"; includeSubDomains")
	}
	if c.ContentSecurityPolicy != "" {
		h.Set("Content-Security-Policy", c.ContentSecurityPolicy)
	}
	if c.PermissionsPolicy != "" {
		h.Set("Permissions-Policy", c.PermissionsPolicy)
	}
}
