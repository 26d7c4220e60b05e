package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	pathpkg "path"
	"sort"
	"strings"
	"time"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
)

// Effect is a rule's outcome when it applies.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Combinator decides how multiple applicable rules combine.
type Combinator string

const (
	// CombinatorFirstApplicable takes the highest-priority applicable rule.
	CombinatorFirstApplicable Combinator = "first_applicable"
	// CombinatorPermitOverrides allows when any applicable rule allows.
	CombinatorPermitOverrides Combinator = "permit_overrides"
	// CombinatorDenyOverrides denies when any applicable rule denies.
	CombinatorDenyOverrides Combinator = "deny_overrides"
)

// ConditionType selects a condition check.
type ConditionType string

const (
	// ConditionTimeRange applies the rule between Start and End ("HH:MM",
	// wrapping midnight when Start > End).
	ConditionTimeRange ConditionType = "time_range"
	// ConditionIPRange applies the rule when the client IP is inside any
	// of the CIDRs.
	ConditionIPRange ConditionType = "ip_range"
	// ConditionHeader applies the rule when the named header equals Value.
	ConditionHeader ConditionType = "header"
	// ConditionAttribute applies the rule when the principal attribute
	// named by Name equals Value.
	ConditionAttribute ConditionType = "attribute"
)

// Condition gates a rule on request or principal properties. Which fields
// are read depends on Type.
type Condition struct {
	Type  ConditionType `json:"type"`
	Start string        `json:"start,omitempty"`
	End   string        `json:"end,omitempty"`
	CIDRs []string      `json:"cidrs,omitempty"`
	Name  string        `json:"name,omitempty"`
	Value string        `json:"value,omitempty"`
}

// Rule is one RBAC policy entry. A rule applies when the method, resource,
// conditions and role/permission requirements all hold; its effect then
// feeds the combinator.
type Rule struct {
	Name     string `json:"name"`
	Effect   Effect `json:"effect"`
	Priority int    `json:"priority"`
	// Methods the rule covers; empty covers all.
	Methods []string `json:"methods,omitempty"`
	// Resources are path patterns: exact, "prefix/" for a subtree, or
	// shell-style "*" wildcards. Empty covers all paths.
	Resources []string `json:"resources,omitempty"`
	// Roles: the principal must hold at least one. Empty means no role
	// requirement.
	Roles []string `json:"roles,omitempty"`
	// Permissions: the principal must hold all of them, honoring ":"
	// hierarchy wildcards. Empty means no permission requirement.
	Permissions []string    `json:"permissions,omitempty"`
	Conditions  []Condition `json:"conditions,omitempty"`
}

// AuthzConfig configures the RBAC authorizer.
type AuthzConfig struct {
	Rules      []Rule
	Combinator Combinator
	// SuperRoles bypass every rule. Defaults to ["super_admin"].
	SuperRoles []string
	// DefaultEffect applies when no rule does. Defaults to deny.
	DefaultEffect Effect
}

// Verdict is an authorization outcome. Reason is written into the 403 body
// on denial.
type Verdict struct {
	Allowed bool
	Reason  string
	Rule    string
}

type compiledAuthzRule struct {
	rule       Rule
	methods    map[string]struct{}
	conditions []conditionCheck
}

type conditionCheck func(r *http.Request, p *Principal, clientIP string, now time.Time) bool

// Authorizer evaluates RBAC rules, highest priority first.
type Authorizer struct {
	rules         []compiledAuthzRule
	combinator    Combinator
	superRoles    map[string]struct{}
	defaultEffect Effect
	nowFunc       func() time.Time
}

// NewAuthorizer compiles the rule set. Rules are ordered priority descending;
// insertion order breaks ties.
func NewAuthorizer(cfg AuthzConfig) (*Authorizer, error) {
	switch cfg.Combinator {
	case "":
		cfg.Combinator = CombinatorFirstApplicable
	case CombinatorFirstApplicable, CombinatorPermitOverrides, CombinatorDenyOverrides:
	default:
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown combinator %q", cfg.Combinator))
	}
	if cfg.DefaultEffect == "" {
		cfg.DefaultEffect = EffectDeny
	}
	if cfg.SuperRoles == nil {
		cfg.SuperRoles = []string{"super_admin"}
	}

	a := &Authorizer{
		combinator:    cfg.Combinator,
		superRoles:    make(map[string]struct{}, len(cfg.SuperRoles)),
		defaultEffect: cfg.DefaultEffect,
		nowFunc:       time.Now,
	}
	for _, role := range cfg.SuperRoles {
		a.superRoles[role] = struct{}{}
	}

	for _, rule := range cfg.Rules {
		compiled, err := compileAuthzRule(rule)
		if err != nil {
			return nil, err
		}
		a.rules = append(a.rules, compiled)
	}
	sort.SliceStable(a.rules, func(i, j int) bool {
		return a.rules[i].rule.Priority > a.rules[j].rule.Priority
	})
	return a, nil
}

func compileAuthzRule(rule Rule) (compiledAuthzRule, error) {
	if rule.Name == "" {
		return compiledAuthzRule{}, apperrors.InvalidInput("authorization rule name is required")
	}
	if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
		return compiledAuthzRule{}, apperrors.InvalidInput(
			"rule " + rule.Name + ": effect must be allow or deny")
	}

	compiled := compiledAuthzRule{rule: rule}
	if len(rule.Methods) > 0 {
		compiled.methods = make(map[string]struct{}, len(rule.Methods))
		for _, m := range rule.Methods {
			compiled.methods[strings.ToUpper(m)] = struct{}{}
		}
	}

	for _, cond := range rule.Conditions {
		check, err := compileCondition(cond)
		if err != nil {
			return compiledAuthzRule{}, apperrors.InvalidInput(
				"rule " + rule.Name + ": " + err.Error())
		}
		compiled.conditions = append(compiled.conditions, check)
	}
	return compiled, nil
}

func compileCondition(cond Condition) (conditionCheck, error) {
	switch cond.Type {
	case ConditionTimeRange:
		start, err := minuteOfDay(cond.Start)
		if err != nil {
			return nil, err
		}
		end, err := minuteOfDay(cond.End)
		if err != nil {
			return nil, err
		}
		return func(_ *http.Request, _ *Principal, _ string, now time.Time) bool {
			cur := now.Hour()*60 + now.Minute()
			if start == end {
				return true
			}
			if start < end {
				return cur >= start && cur < end
			}
			// Wraps midnight.
			return cur >= start || cur < end
		}, nil

	case ConditionIPRange:
		if len(cond.CIDRs) == 0 {
			return nil, fmt.Errorf("ip_range condition requires cidrs")
		}
		nets := make([]*net.IPNet, 0, len(cond.CIDRs))
		for _, cidr := range cond.CIDRs {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("invalid cidr %q", cidr)
			}
			nets = append(nets, ipNet)
		}
		return func(_ *http.Request, _ *Principal, clientIP string, _ time.Time) bool {
			ip := net.ParseIP(clientIP)
			if ip == nil {
				return false
			}
			for _, ipNet := range nets {
				if ipNet.Contains(ip) {
					return true
				}
			}
			return false
		}, nil

	case ConditionHeader:
		if cond.Name == "" {
			return nil, fmt.Errorf("header condition requires a name")
		}
		name, value := cond.Name, cond.Value
		return func(r *http.Request, _ *Principal, _ string, _ time.Time) bool {
			return r.Header.Get(name) == value
		}, nil

	case ConditionAttribute:
		if cond.Name == "" {
			return nil, fmt.Errorf("attribute condition requires a name")
		}
		name, value := cond.Name, cond.Value
		return func(_ *http.Request, p *Principal, _ string, _ time.Time) bool {
			return p != nil && p.Attributes[name] == value
		}, nil
	}
	return nil, fmt.Errorf("unknown condition type %q", cond.Type)
}

func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Authorize evaluates the rule set for the request and principal.
func (a *Authorizer) Authorize(r *http.Request, p *Principal, clientIP string) Verdict {
	if p != nil {
		for _, role := range p.Roles {
			if _, ok := a.superRoles[role]; ok {
				return Verdict{Allowed: true, Reason: "super admin", Rule: ""}
			}
		}
	}

	now := a.nowFunc()
	var firstAllow, firstDeny *compiledAuthzRule
	for i := range a.rules {
		rule := &a.rules[i]
		if !rule.applies(r, p, clientIP, now) {
			continue
		}
		switch a.combinator {
		case CombinatorFirstApplicable:
			return a.verdictFor(rule, r)
		case CombinatorPermitOverrides:
			if rule.rule.Effect == EffectAllow {
				return a.verdictFor(rule, r)
			}
			if firstDeny == nil {
				firstDeny = rule
			}
		case CombinatorDenyOverrides:
			if rule.rule.Effect == EffectDeny {
				return a.verdictFor(rule, r)
			}
			if firstAllow == nil {
				firstAllow = rule
			}
		}
	}

	if firstDeny != nil {
		return a.verdictFor(firstDeny, r)
	}
	if firstAllow != nil {
		return a.verdictFor(firstAllow, r)
	}
	if a.defaultEffect == EffectAllow {
		return Verdict{Allowed: true, Reason: "no applicable rule"}
	}
	return Verdict{
		Allowed: false,
		Reason:  fmt.Sprintf("no policy permits %s %s", r.Method, r.URL.Path),
	}
}

func (a *Authorizer) verdictFor(rule *compiledAuthzRule, r *http.Request) Verdict {
	if rule.rule.Effect == EffectAllow {
		return Verdict{Allowed: true, Reason: "allowed by policy " + rule.rule.Name, Rule: rule.rule.Name}
	}
	return Verdict{Allowed: false, Reason: "denied by policy " + rule.rule.Name, Rule: rule.rule.Name}
}

func (cr *compiledAuthzRule) applies(r *http.Request, p *Principal, clientIP string, now time.Time) bool {
	if cr.methods != nil {
		if _, ok := cr.methods[r.Method]; !ok {
			return false
		}
	}
	if len(cr.rule.Resources) > 0 && !matchesAnyResource(cr.rule.Resources, r.URL.Path) {
		return false
	}
	for _, check := range cr.conditions {
		if !check(r, p, clientIP, now) {
			return false
		}
	}
	if len(cr.rule.Roles) > 0 {
		if p == nil {
			return false
		}
		held := false
		for _, role := range cr.rule.Roles {
			if p.HasRole(role) {
				held = true
				break
			}
		}
		if !held {
			return false
		}
	}
	for _, required := range cr.rule.Permissions {
		if p == nil || !HoldsPermission(p.Permissions, required) {
			return false
		}
	}
	return true
}

// matchesAnyResource matches a path against the rule's resource patterns:
// "*" alone covers everything, a trailing "/" covers the subtree, and
// patterns with "*" use shell-style matching per path segment.
func matchesAnyResource(patterns []string, path string) bool {
	for _, pattern := range patterns {
		switch {
		case pattern == "*":
			return true
		case strings.HasSuffix(pattern, "/"):
			if strings.HasPrefix(path, pattern) || path == strings.TrimSuffix(pattern, "/") {
				return true
			}
		case strings.Contains(pattern, "*"):
			if ok, err := pathpkg.Match(pattern, path); err == nil && ok {
				return true
			}
		default:
			if pattern == path {
				return true
			}
		}
	}
	return false
}

// HoldsPermission reports whether any held permission grants the required
// one. Permissions are ":"-separated; a held "*" segment matches any
// segment, and a trailing "*" covers the rest of the hierarchy, so a held
// "orders:*" grants "orders:read" and "orders:read:all".
func HoldsPermission(held []string, required string) bool {
	reqParts := strings.Split(required, ":")
	for _, h := range held {
		if h == required || h == "*" {
			return true
		}
		if permissionGrants(strings.Split(h, ":"), reqParts) {
			return true
		}
	}
	return false
}

func permissionGrants(held, required []string) bool {
	for i, seg := range held {
		if seg == "*" && i == len(held)-1 {
			return true
		}
		if i >= len(required) {
			return false
		}
		if seg != "*" && seg != required[i] {
			return false
		}
	}
	return len(held) == len(required)
}

// authzStage evaluates RBAC policy after authentication. Denials
// short-circuit with 403 and the policy reason in the body.
type authzStage struct {
	authorizer *Authorizer
}

func (s *authzStage) Name() string { return "authz" }

func (s *authzStage) Process(c *Context) *Result {
	verdict := s.authorizer.Authorize(c.Request, c.Principal, c.ClientIP)
	if verdict.Allowed {
		return nil
	}

	gatewayDenialsTotal.WithLabelValues("authz").Inc()
	c.Logger().Warn("request denied by policy",
		slog.String("rule", verdict.Rule),
		slog.String("reason", verdict.Reason),
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)
	return textResult(http.StatusForbidden, "Forbidden: "+verdict.Reason)
}
