package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/BackplaneGo/internal/gatewayd/config"
	"github.com/utafrali/BackplaneGo/pkg/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Environment:         "test",
		LogLevel:            "error",
		HTTPPort:            8080,
		AdminPort:           9080,
		UpstreamTimeoutSecs: 5,
		AdminAPIKeys:        []string{"ops:test-admin-key"},
		AdminRateRPS:        100,
		AdminRateBurst:      100,
		AdminRateTTLMins:    1,
		MetricsAllowedCIDRs: []string{"127.0.0.0/8"},
		PprofAllowedCIDRs:   []string{"127.0.0.0/8"},
	}
}

// writeBootstrapFile marshals a bootstrap and returns its path.
func writeBootstrapFile(t *testing.T, bs *config.Bootstrap) string {
	t.Helper()
	data, err := json.Marshal(bs)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "gateway.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// upstreamServer starts a stub upstream and returns it with its host/port.
func upstreamServer(t *testing.T, body string) (*httptest.Server, string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, host, port
}

func TestNewApp_BootstrapWiresRoutesAndPools(t *testing.T) {
	_, host, port := upstreamServer(t, "orders upstream")

	cfg := testConfig()
	cfg.BootstrapPath = writeBootstrapFile(t, &config.Bootstrap{
		Routes: []gateway.CreateRouteRequest{{
			Name:          "orders",
			PathPattern:   "/api/v1/orders/*",
			Kind:          "wildcard",
			TargetService: "order-pool",
		}},
		Pools: []gateway.CreatePoolRequest{{
			Name:      "order-pool",
			Algorithm: "round_robin",
			Servers:   []gateway.ServerPayload{{ID: "u1", Host: host, Port: port}},
		}},
	})

	a, err := NewApp(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })

	assert.Len(t, a.Gateway().Table().Routes(), 1)
	_, ok := a.Gateway().Registry().Get("order-pool")
	assert.True(t, ok)

	// A matching request is proxied to the bootstrap upstream.
	rec := httptest.NewRecorder()
	a.DataHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/42", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orders upstream", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	// Unrouted paths get the gateway's 404 envelope.
	rec = httptest.NewRecorder()
	a.DataHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewApp_NoBootstrapStartsEmpty(t *testing.T) {
	a, err := NewApp(testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })

	assert.Empty(t, a.Gateway().Table().Routes())
}

func TestNewApp_InvalidDefaultProvider(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultAuthProvider = "jwt" // no JWT secret configured

	_, err := NewApp(cfg, testLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "build gateway")
}

func TestOpsPlane_HealthMetricsAndAdminAuth(t *testing.T) {
	a, err := NewApp(testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })

	ops := a.OpsHandler()

	rec := httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Metrics honor the CIDR allowlist; httptest requests originate from
	// 192.0.2.1 which is outside 127.0.0.0/8.
	rec = httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec = httptest.NewRecorder()
	ops.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Admin API requires the ops key.
	rec = httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/stats", nil)
	req.Header.Set("X-API-Key", "test-admin-key")
	rec = httptest.NewRecorder()
	ops.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"routes"`)
}

func TestOpsPlane_AdminClientLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.AdminRateRPS = 1
	cfg.AdminRateBurst = 1

	a, err := NewApp(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/admin/v1/stats", nil)
		req.Header.Set("X-API-Key", "test-admin-key")
		rec := httptest.NewRecorder()
		a.OpsHandler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}
