package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"testing"
	"time"
)

// Daemon ports as started by the dev compose / local runs.
const (
	gatewayDataPort = 8080
	gatewayOpsPort  = 9080
	outboxPort      = 8090
)

// adminKey is the development default baked into the daemons' config. Override
// the env on the daemons, not here; these tests target a dev stack.
const adminKey = "dev-admin-key"

// httpc is shared by every request helper. Ten seconds is generous for a
// local stack and keeps a wedged daemon from hanging the whole run.
var httpc = &http.Client{Timeout: 10 * time.Second}

func baseURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

// uniqueName generates a unique route/pool name to avoid collisions between
// test runs against the same long-lived daemon.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), rand.Intn(100000))
}

// adminHeaders returns the headers the admin plane requires.
func adminHeaders() map[string]string {
	return map[string]string{"X-API-Key": adminKey}
}

// uniqueUUID generates a random UUID v4 for test data. Not cryptographically
// secure, but well-formed, which matters for uuid-typed database columns.
func uniqueUUID() string {
	b := make([]byte, 16)
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// skipIfNotRunning probes the daemon's liveness endpoint and skips the test
// when it is unreachable, so the suite degrades gracefully without a stack.
func skipIfNotRunning(t *testing.T, port int) {
	t.Helper()
	probe := &http.Client{Timeout: 2 * time.Second}
	resp, err := probe.Get(baseURL(port) + "/health/live")
	if err != nil {
		t.Skipf("daemon on port %d not reachable (stack not running?): %v", port, err)
	}
	resp.Body.Close()
}

// doJSONRequest sends one request and decodes the JSON reply. A nil body
// sends no payload; a non-nil body is marshalled and sent as JSON.
func doJSONRequest(t *testing.T, method, url string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling request body failed: %v", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatalf("creating %s request for %s failed: %v", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp.Body)
}

func httpGet(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	return doJSONRequest(t, http.MethodGet, url, nil, nil)
}

func httpGetWithHeaders(t *testing.T, url string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	return doJSONRequest(t, http.MethodGet, url, nil, headers)
}

func httpPost(t *testing.T, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	return doJSONRequest(t, http.MethodPost, url, body, nil)
}

func httpPostWithHeaders(t *testing.T, url string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	return doJSONRequest(t, http.MethodPost, url, body, headers)
}

func httpDeleteWithHeaders(t *testing.T, url string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	return doJSONRequest(t, http.MethodDelete, url, nil, headers)
}

// decodeBody parses the body as JSON. An empty body yields an empty map and
// a non-JSON body comes back under a "raw" key so failures stay debuggable.
func decodeBody(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading response body failed: %v", err)
	}

	result := map[string]interface{}{}
	if len(raw) == 0 {
		return result
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return map[string]interface{}{"raw": string(raw)}
	}
	return result
}

func requireStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Fatalf("expected status %d, got %d", want, got)
	}
}

// extractField walks a decoded JSON document along a dot-separated path,
// e.g. extractField(data, "data.pools") reads data["data"]["pools"]. Missing
// segments return nil rather than panicking.
func extractField(data map[string]interface{}, path string) interface{} {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		if current, ok = m[part]; !ok {
			return nil
		}
	}
	return current
}

// extractString fails the test when the path is absent or not a string.
func extractString(t *testing.T, data map[string]interface{}, path string) string {
	t.Helper()
	val := extractField(data, path)
	s, ok := val.(string)
	if !ok {
		t.Fatalf("expected string at path %q, got %T: %v", path, val, val)
	}
	return s
}
