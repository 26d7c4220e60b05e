package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/BackplaneGo/pkg/gateway/route"
)

func newTestAuthorizer(t *testing.T, cfg AuthzConfig) *Authorizer {
	t.Helper()
	a, err := NewAuthorizer(cfg)
	require.NoError(t, err)
	return a
}

func TestAuthorizer_FirstApplicableHonorsPriority(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Rules: []Rule{
			{Name: "allow-all", Effect: EffectAllow, Priority: 1},
			{Name: "deny-admin", Effect: EffectDeny, Priority: 10, Resources: []string{"/admin/"}},
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	verdict := a.Authorize(r, &Principal{ID: "u1"}, "10.0.0.1")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "deny-admin", verdict.Rule)
	assert.Equal(t, "denied by policy deny-admin", verdict.Reason)

	r = httptest.NewRequest(http.MethodGet, "/orders", nil)
	verdict = a.Authorize(r, &Principal{ID: "u1"}, "10.0.0.1")
	assert.True(t, verdict.Allowed)
	assert.Equal(t, "allow-all", verdict.Rule)
}

func TestAuthorizer_PermitOverrides(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Combinator: CombinatorPermitOverrides,
		Rules: []Rule{
			{Name: "deny-all", Effect: EffectDeny, Priority: 10},
			{Name: "allow-editors", Effect: EffectAllow, Priority: 1, Roles: []string{"editor"}},
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/orders", nil)

	verdict := a.Authorize(r, &Principal{Roles: []string{"editor"}}, "10.0.0.1")
	assert.True(t, verdict.Allowed)
	assert.Equal(t, "allow-editors", verdict.Rule)

	verdict = a.Authorize(r, &Principal{Roles: []string{"viewer"}}, "10.0.0.1")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "deny-all", verdict.Rule)
}

func TestAuthorizer_DenyOverrides(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Combinator: CombinatorDenyOverrides,
		Rules: []Rule{
			{Name: "allow-all", Effect: EffectAllow, Priority: 10},
			{Name: "deny-banned", Effect: EffectDeny, Priority: 1, Roles: []string{"banned"}},
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/orders", nil)

	verdict := a.Authorize(r, &Principal{Roles: []string{"banned"}}, "10.0.0.1")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "deny-banned", verdict.Rule)

	verdict = a.Authorize(r, &Principal{Roles: []string{"viewer"}}, "10.0.0.1")
	assert.True(t, verdict.Allowed)
}

func TestAuthorizer_DefaultDeny(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Rules: []Rule{{Name: "orders-only", Effect: EffectAllow, Resources: []string{"/orders"}}},
	})

	r := httptest.NewRequest(http.MethodDelete, "/payments", nil)
	verdict := a.Authorize(r, &Principal{ID: "u1"}, "10.0.0.1")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "no policy permits DELETE /payments", verdict.Reason)
	assert.Empty(t, verdict.Rule)
}

func TestAuthorizer_DefaultAllow(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{DefaultEffect: EffectAllow})

	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	verdict := a.Authorize(r, nil, "10.0.0.1")
	assert.True(t, verdict.Allowed)
}

func TestAuthorizer_SuperRoleBypassesRules(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Rules: []Rule{{Name: "deny-all", Effect: EffectDeny, Priority: 100}},
	})

	r := httptest.NewRequest(http.MethodDelete, "/admin/users/1", nil)
	verdict := a.Authorize(r, &Principal{Roles: []string{"super_admin"}}, "10.0.0.1")
	assert.True(t, verdict.Allowed)
	assert.Equal(t, "super admin", verdict.Reason)

	verdict = a.Authorize(r, &Principal{Roles: []string{"admin"}}, "10.0.0.1")
	assert.False(t, verdict.Allowed)
}

func TestAuthorizer_MethodAndResourceFilters(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Rules: []Rule{
			{
				Name:      "read-orders",
				Effect:    EffectAllow,
				Methods:   []string{"get", "HEAD"},
				Resources: []string{"/orders", "/orders/"},
			},
		},
	})
	p := &Principal{ID: "u1"}

	verdict := a.Authorize(httptest.NewRequest(http.MethodGet, "/orders/42/items", nil), p, "")
	assert.True(t, verdict.Allowed)

	// Method casing in the rule is normalized at compile time.
	verdict = a.Authorize(httptest.NewRequest(http.MethodHead, "/orders", nil), p, "")
	assert.True(t, verdict.Allowed)

	verdict = a.Authorize(httptest.NewRequest(http.MethodPost, "/orders", nil), p, "")
	assert.False(t, verdict.Allowed)

	verdict = a.Authorize(httptest.NewRequest(http.MethodGet, "/payments", nil), p, "")
	assert.False(t, verdict.Allowed)
}

func TestMatchesAnyResource(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"star matches everything", []string{"*"}, "/a/b/c", true},
		{"exact match", []string{"/orders"}, "/orders", true},
		{"exact mismatch", []string{"/orders"}, "/orders/42", false},
		{"subtree prefix", []string{"/orders/"}, "/orders/42/items", true},
		{"subtree covers the root itself", []string{"/orders/"}, "/orders", true},
		{"subtree mismatch", []string{"/orders/"}, "/payments", false},
		{"wildcard segment", []string{"/orders/*/items"}, "/orders/42/items", true},
		{"wildcard does not cross segments", []string{"/orders/*"}, "/orders/42/items", false},
		{"any of several", []string{"/a", "/b"}, "/b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesAnyResource(tt.patterns, tt.path))
		})
	}
}

func TestHoldsPermission(t *testing.T) {
	tests := []struct {
		name     string
		held     []string
		required string
		want     bool
	}{
		{"exact", []string{"orders:read"}, "orders:read", true},
		{"global star", []string{"*"}, "anything:at:all", true},
		{"trailing star covers deeper", []string{"orders:*"}, "orders:read:all", true},
		{"trailing star covers one level", []string{"orders:*"}, "orders:read", true},
		{"middle star", []string{"orders:*:read"}, "orders:eu:read", true},
		{"middle star wrong tail", []string{"orders:*:read"}, "orders:eu:write", false},
		{"length must match without trailing star", []string{"orders:read"}, "orders:read:all", false},
		{"different branch", []string{"orders:*"}, "payments:read", false},
		{"none held", nil, "orders:read", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HoldsPermission(tt.held, tt.required))
		})
	}
}

func TestAuthorizer_RolesAnyPermissionsAll(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Rules: []Rule{
			{
				Name:        "ops",
				Effect:      EffectAllow,
				Roles:       []string{"ops", "sre"},
				Permissions: []string{"deploy:run", "deploy:approve"},
			},
		},
	})
	r := httptest.NewRequest(http.MethodPost, "/deploys", nil)

	// One matching role is enough, but every permission is required.
	verdict := a.Authorize(r, &Principal{
		Roles:       []string{"sre"},
		Permissions: []string{"deploy:*"},
	}, "")
	assert.True(t, verdict.Allowed)

	verdict = a.Authorize(r, &Principal{
		Roles:       []string{"sre"},
		Permissions: []string{"deploy:run"},
	}, "")
	assert.False(t, verdict.Allowed)

	verdict = a.Authorize(r, &Principal{
		Roles:       []string{"dev"},
		Permissions: []string{"deploy:run", "deploy:approve"},
	}, "")
	assert.False(t, verdict.Allowed)
}

func TestAuthorizer_TimeRangeCondition(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Rules: []Rule{
			{
				Name:       "business-hours",
				Effect:     EffectAllow,
				Conditions: []Condition{{Type: ConditionTimeRange, Start: "09:00", End: "17:00"}},
			},
		},
	})
	r := httptest.NewRequest(http.MethodGet, "/orders", nil)
	p := &Principal{ID: "u1"}

	at := func(hour, minute int) {
		a.nowFunc = func() time.Time {
			return time.Date(2024, 6, 3, hour, minute, 0, 0, time.UTC)
		}
	}

	at(12, 0)
	assert.True(t, a.Authorize(r, p, "").Allowed)
	at(8, 59)
	assert.False(t, a.Authorize(r, p, "").Allowed)
	at(17, 0)
	assert.False(t, a.Authorize(r, p, "").Allowed)
}

func TestAuthorizer_TimeRangeWrapsMidnight(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Rules: []Rule{
			{
				Name:       "night-shift",
				Effect:     EffectAllow,
				Conditions: []Condition{{Type: ConditionTimeRange, Start: "22:00", End: "06:00"}},
			},
		},
	})
	r := httptest.NewRequest(http.MethodGet, "/orders", nil)
	p := &Principal{ID: "u1"}

	a.nowFunc = func() time.Time { return time.Date(2024, 6, 3, 23, 30, 0, 0, time.UTC) }
	assert.True(t, a.Authorize(r, p, "").Allowed)

	a.nowFunc = func() time.Time { return time.Date(2024, 6, 4, 3, 0, 0, 0, time.UTC) }
	assert.True(t, a.Authorize(r, p, "").Allowed)

	a.nowFunc = func() time.Time { return time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC) }
	assert.False(t, a.Authorize(r, p, "").Allowed)
}

func TestAuthorizer_IPRangeCondition(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Rules: []Rule{
			{
				Name:       "internal-only",
				Effect:     EffectAllow,
				Conditions: []Condition{{Type: ConditionIPRange, CIDRs: []string{"10.0.0.0/8", "192.168.1.0/24"}}},
			},
		},
	})
	r := httptest.NewRequest(http.MethodGet, "/orders", nil)
	p := &Principal{ID: "u1"}

	assert.True(t, a.Authorize(r, p, "10.20.30.40").Allowed)
	assert.True(t, a.Authorize(r, p, "192.168.1.7").Allowed)
	assert.False(t, a.Authorize(r, p, "203.0.113.9").Allowed)
	assert.False(t, a.Authorize(r, p, "not-an-ip").Allowed)
}

func TestAuthorizer_HeaderAndAttributeConditions(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{
		Rules: []Rule{
			{
				Name:   "beta-platform",
				Effect: EffectAllow,
				Conditions: []Condition{
					{Type: ConditionHeader, Name: "X-Beta", Value: "on"},
					{Type: ConditionAttribute, Name: "department", Value: "platform"},
				},
			},
		},
	})
	p := &Principal{ID: "u1", Attributes: map[string]string{"department": "platform"}}

	r := httptest.NewRequest(http.MethodGet, "/orders", nil)
	r.Header.Set("X-Beta", "on")
	assert.True(t, a.Authorize(r, p, "").Allowed)

	// Both conditions must hold.
	r2 := httptest.NewRequest(http.MethodGet, "/orders", nil)
	assert.False(t, a.Authorize(r2, p, "").Allowed)

	r.Header.Set("X-Beta", "on")
	assert.False(t, a.Authorize(r, &Principal{ID: "u2"}, "").Allowed)
}

func TestNewAuthorizer_RejectsBadConfig(t *testing.T) {
	_, err := NewAuthorizer(AuthzConfig{Combinator: "majority_vote"})
	assert.Error(t, err)

	_, err = NewAuthorizer(AuthzConfig{Rules: []Rule{{Name: "x", Effect: "maybe"}}})
	assert.Error(t, err)

	_, err = NewAuthorizer(AuthzConfig{Rules: []Rule{{Effect: EffectAllow}}})
	assert.Error(t, err)

	_, err = NewAuthorizer(AuthzConfig{Rules: []Rule{{
		Name: "x", Effect: EffectAllow,
		Conditions: []Condition{{Type: ConditionTimeRange, Start: "25:99", End: "06:00"}},
	}}})
	assert.Error(t, err)

	_, err = NewAuthorizer(AuthzConfig{Rules: []Rule{{
		Name: "x", Effect: EffectAllow,
		Conditions: []Condition{{Type: ConditionIPRange, CIDRs: []string{"not-a-cidr"}}},
	}}})
	assert.Error(t, err)
}

func TestAuthzStage_DenialBody(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{})
	stage := &authzStage{authorizer: a}

	c := stageContext(httptest.NewRequest(http.MethodGet, "/orders", nil), &route.Route{Name: "orders"})
	c.Principal = &Principal{ID: "u1"}

	res := stage.Process(c)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, "Forbidden: no policy permits GET /orders", string(res.Body))
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
}

func TestAuthzStage_AllowsThrough(t *testing.T) {
	a := newTestAuthorizer(t, AuthzConfig{DefaultEffect: EffectAllow})
	stage := &authzStage{authorizer: a}

	c := stageContext(httptest.NewRequest(http.MethodGet, "/orders", nil), &route.Route{Name: "orders"})
	assert.Nil(t, stage.Process(c))
}
