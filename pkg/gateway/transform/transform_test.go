package transform

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChain_RejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want string
	}{
		{
			name: "invalid regex",
			rule: Rule{Kind: KindHeader, Op: OpMap, Name: "X-A", Pattern: "(unclosed"},
			want: "transform pattern",
		},
		{
			name: "query rule on response",
			rule: Rule{Kind: KindQueryParam, Direction: DirectionResponse, Op: OpSet, Name: "a", Value: "1"},
			want: "requests only",
		},
		{
			name: "path rule on response",
			rule: Rule{Kind: KindPath, Direction: DirectionResponse, Op: OpSet, Value: "/x"},
			want: "requests only",
		},
		{
			name: "content type without target",
			rule: Rule{Kind: KindContentType, From: "application/json"},
			want: "requires from and to",
		},
		{
			name: "unknown kind",
			rule: Rule{Kind: "cookie", Op: OpSet},
			want: "unknown transform kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChain(tt.rule)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestChain_HeaderOps(t *testing.T) {
	chain, err := NewChain(
		Rule{Kind: KindHeader, Direction: DirectionRequest, Op: OpSet, Name: "X-Service", Value: "orders"},
		Rule{Kind: KindHeader, Direction: DirectionRequest, Op: OpAdd, Name: "X-Tag", Value: "a"},
		Rule{Kind: KindHeader, Direction: DirectionRequest, Op: OpAdd, Name: "X-Tag", Value: "b"},
		Rule{Kind: KindHeader, Direction: DirectionRequest, Op: OpRemove, Name: "X-Internal"},
		Rule{Kind: KindHeader, Direction: DirectionRequest, Op: OpRename, Name: "X-Old", Value: "X-New"},
		Rule{Kind: KindHeader, Direction: DirectionRequest, Op: OpMap, Name: "X-Env", Pattern: `^dev-(.*)$`, Value: "staging-$1"},
	)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Internal", "secret")
	req.Header.Set("X-Old", "kept")
	req.Header.Set("X-Env", "dev-eu1")

	require.NoError(t, chain.ApplyRequest(req))

	assert.Equal(t, "orders", req.Header.Get("X-Service"))
	assert.Equal(t, []string{"a", "b"}, req.Header.Values("X-Tag"))
	assert.Empty(t, req.Header.Get("X-Internal"))
	assert.Empty(t, req.Header.Get("X-Old"))
	assert.Equal(t, "kept", req.Header.Get("X-New"))
	assert.Equal(t, "staging-eu1", req.Header.Get("X-Env"))
}

func TestChain_HeaderRenameMissingIsNoop(t *testing.T) {
	chain, err := NewChain(Rule{Kind: KindHeader, Op: OpRename, Name: "X-Absent", Value: "X-Target"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, chain.ApplyRequest(req))
	assert.Empty(t, req.Header.Get("X-Target"))
}

func TestChain_QueryParamOps(t *testing.T) {
	chain, err := NewChain(
		Rule{Kind: KindQueryParam, Op: OpSet, Name: "version", Value: "2"},
		Rule{Kind: KindQueryParam, Op: OpRemove, Name: "debug"},
		Rule{Kind: KindQueryParam, Op: OpRename, Name: "q", Value: "query"},
		Rule{Kind: KindQueryParam, Op: OpMap, Name: "sort", Pattern: "^date$", Value: "created_at"},
	)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/search?q=widgets&debug=1&sort=date", nil)
	require.NoError(t, chain.ApplyRequest(req))

	q := req.URL.Query()
	assert.Equal(t, "2", q.Get("version"))
	assert.Empty(t, q.Get("debug"))
	assert.Equal(t, "widgets", q.Get("query"))
	assert.Empty(t, q.Get("q"))
	assert.Equal(t, "created_at", q.Get("sort"))
}

func TestChain_PathOps(t *testing.T) {
	chain, err := NewChain(
		Rule{Kind: KindPath, Op: OpMap, Pattern: `^/api/v2/(.*)$`, Value: "/api/v1/$1"},
	)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v2/orders/42", nil)
	require.NoError(t, chain.ApplyRequest(req))
	assert.Equal(t, "/api/v1/orders/42", req.URL.Path)

	set, err := NewChain(Rule{Kind: KindPath, Op: OpSet, Value: "/healthz"})
	require.NoError(t, err)
	require.NoError(t, set.ApplyRequest(req))
	assert.Equal(t, "/healthz", req.URL.Path)
}

func TestChain_DirectionFiltering(t *testing.T) {
	chain, err := NewChain(
		Rule{Kind: KindHeader, Direction: DirectionRequest, Op: OpSet, Name: "X-Req", Value: "1"},
		Rule{Kind: KindHeader, Direction: DirectionResponse, Op: OpSet, Name: "X-Resp", Value: "1"},
		Rule{Kind: KindHeader, Direction: DirectionBoth, Op: OpSet, Name: "X-Both", Value: "1"},
	)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, chain.ApplyRequest(req))
	assert.Equal(t, "1", req.Header.Get("X-Req"))
	assert.Empty(t, req.Header.Get("X-Resp"))
	assert.Equal(t, "1", req.Header.Get("X-Both"))

	resp := &http.Response{Header: http.Header{}}
	require.NoError(t, chain.ApplyResponse(resp))
	assert.Empty(t, resp.Header.Get("X-Req"))
	assert.Equal(t, "1", resp.Header.Get("X-Resp"))
	assert.Equal(t, "1", resp.Header.Get("X-Both"))
}

func TestChain_DefaultDirectionIsBoth(t *testing.T) {
	chain, err := NewChain(Rule{Kind: KindHeader, Op: OpSet, Name: "X-A", Value: "1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, chain.ApplyRequest(req))
	assert.Equal(t, "1", req.Header.Get("X-A"))

	resp := &http.Response{Header: http.Header{}}
	require.NoError(t, chain.ApplyResponse(resp))
	assert.Equal(t, "1", resp.Header.Get("X-A"))
}
