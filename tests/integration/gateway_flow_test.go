package integration

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
)

// TestAdminPlaneRequiresKey verifies that the admin API rejects requests
// without an API key and accepts the configured one.
func TestAdminPlaneRequiresKey(t *testing.T) {
	skipIfNotRunning(t, gatewayOpsPort)

	status, _ := httpGet(t, baseURL(gatewayOpsPort)+"/admin/v1/stats")
	requireStatus(t, status, 401)

	status, data := httpGetWithHeaders(t, baseURL(gatewayOpsPort)+"/admin/v1/stats", adminHeaders())
	requireStatus(t, status, 200)
	if extractField(data, "data.routes") == nil {
		t.Fatalf("expected data.routes in stats response, got: %v", data)
	}
}

// TestGatewayUnknownRoute verifies that the data plane answers 404 for paths
// no route matches.
func TestGatewayUnknownRoute(t *testing.T) {
	skipIfNotRunning(t, gatewayOpsPort)

	status, _ := httpGet(t, baseURL(gatewayDataPort)+"/integration/no-such-route/"+uniqueName("x"))
	requireStatus(t, status, 404)
}

// TestRouteAndPoolLifecycle drives the full admin flow: create a pool backed
// by a live upstream, create a route targeting it, proxy a request through
// the data plane, then tear both down and verify the path is gone.
//
// The upstream runs inside the test process, so this test requires the
// gateway daemon to run on the same host.
func TestRouteAndPoolLifecycle(t *testing.T) {
	skipIfNotRunning(t, gatewayOpsPort)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"message": "hello from upstream",
			"path":    r.URL.Path,
		})
	}))
	defer upstream.Close()

	parsed, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parsing upstream URL failed: %v", err)
	}
	host, portStr, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		t.Fatalf("splitting upstream host/port failed: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing upstream port failed: %v", err)
	}

	poolName := uniqueName("it-pool")
	routeName := uniqueName("it-route")
	pathPrefix := "/integration/" + routeName

	// Create the pool with one server pointing at the test upstream.
	poolBody := map[string]interface{}{
		"name":      poolName,
		"algorithm": "round_robin",
		"servers": []map[string]interface{}{
			{"id": "s1", "host": host, "port": port},
		},
	}
	status, data := httpPostWithHeaders(t, baseURL(gatewayOpsPort)+"/admin/v1/pools", poolBody, adminHeaders())
	if status != 201 {
		t.Fatalf("expected 201 creating pool, got %d; body: %v", status, data)
	}

	// Create a wildcard route targeting the pool.
	routeBody := map[string]interface{}{
		"name":           routeName,
		"path_pattern":   pathPrefix + "/*",
		"target_service": poolName,
	}
	status, data = httpPostWithHeaders(t, baseURL(gatewayOpsPort)+"/admin/v1/routes", routeBody, adminHeaders())
	if status != 201 {
		t.Fatalf("expected 201 creating route, got %d; body: %v", status, data)
	}

	// Proxy through the data plane.
	status, data = httpGet(t, baseURL(gatewayDataPort)+pathPrefix+"/orders/42")
	requireStatus(t, status, 200)
	if got := extractString(t, data, "message"); got != "hello from upstream" {
		t.Fatalf("unexpected upstream reply: %q", got)
	}

	// Tear down.
	status, _ = httpDeleteWithHeaders(t, baseURL(gatewayOpsPort)+"/admin/v1/routes/"+routeName, adminHeaders())
	requireStatus(t, status, 200)
	status, _ = httpDeleteWithHeaders(t, baseURL(gatewayOpsPort)+"/admin/v1/pools/"+poolName, adminHeaders())
	requireStatus(t, status, 200)

	// The path must be gone.
	status, _ = httpGet(t, baseURL(gatewayDataPort)+pathPrefix+"/orders/42")
	requireStatus(t, status, 404)
}

// TestGatewaySecurityHeaders verifies that every data-plane response carries
// the baseline security headers.
func TestGatewaySecurityHeaders(t *testing.T) {
	skipIfNotRunning(t, gatewayOpsPort)

	client := &http.Client{}
	resp, err := client.Get(baseURL(gatewayDataPort) + "/integration/headers-check")
	if err != nil {
		t.Skipf("data plane on port %d not reachable: %v", gatewayDataPort, err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}
