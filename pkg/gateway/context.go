package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/utafrali/BackplaneGo/pkg/gateway/balancer"
	"github.com/utafrali/BackplaneGo/pkg/gateway/ratelimit"
	"github.com/utafrali/BackplaneGo/pkg/gateway/route"
	"github.com/utafrali/BackplaneGo/pkg/httputil"
)

// Stage is one step of the request pipeline. Process returns nil to pass the
// request to the next stage, or a Result to short-circuit with a response.
type Stage interface {
	Name() string
	Process(c *Context) *Result
}

// Context carries one request through the pipeline. Stages attach what they
// decided so later stages and the response writer can use it. A Context is
// owned by a single request goroutine.
type Context struct {
	Request   *http.Request
	RequestID string
	ClientIP  string
	Started   time.Time

	// Match is set by the routing stage.
	Match *route.Match
	// Principal is set by the authentication stage.
	Principal *Principal
	// RateLimit is the limiter decision, when a limit applied.
	RateLimit *ratelimit.Decision
	// ThrottleFactor is non-zero when the limiter throttled the request.
	ThrottleFactor float64
	// Server is the upstream the forward stage dispatched to.
	Server *balancer.Server

	logger   *slog.Logger
	body     []byte
	values   map[string]any
	cleanups []func()
}

// deferCleanup registers a function to run after the response is fully
// written. The forward stage uses it to keep its timeout context alive while
// the upstream body streams to the client.
func (c *Context) deferCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

func (c *Context) runCleanups() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

// Route returns the matched route, or nil before the routing stage ran.
func (c *Context) Route() *route.Route {
	if c.Match == nil {
		return nil
	}
	return c.Match.Route
}

// Param returns a path parameter extracted by the route matcher.
func (c *Context) Param(name string) string {
	if c.Match == nil {
		return ""
	}
	return c.Match.Params[name]
}

// Logger returns the request-scoped logger.
func (c *Context) Logger() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Set attaches a value to the request for downstream stages.
func (c *Context) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

// Get returns a value attached by an earlier stage.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Body returns the buffered request body. The body is read once up front so
// security scanning and forward retries can both replay it.
func (c *Context) Body() []byte { return c.body }

// bufferBody reads the request body into memory, bounded by max bytes
// (0 means unbounded), and resets Request.Body to replay it.
func (c *Context) bufferBody(max int64) error {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil
	}

	var rd io.Reader = c.Request.Body
	if max > 0 {
		rd = io.LimitReader(rd, max+1)
	}
	body, err := io.ReadAll(rd)
	c.Request.Body.Close()
	if err != nil {
		return err
	}
	if max > 0 && int64(len(body)) > max {
		return errBodyTooLarge
	}

	c.body = body
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}

// resetBody rewinds Request.Body to the start of the buffered body.
func (c *Context) resetBody() {
	if c.body != nil {
		c.Request.Body = io.NopCloser(bytes.NewReader(c.body))
	}
}

// rebuffer re-reads the (possibly rewritten) request body into the context
// buffer and rewinds it.
func (c *Context) rebuffer() {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		c.body = nil
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	c.Request.Body.Close()
	if err != nil {
		return
	}
	c.body = body
	c.resetBody()
}

// Result is a pipeline outcome. Exactly one of Upstream or Body is used:
// Upstream streams a proxied response, Body writes a synthesized one.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	// Upstream is the proxied response; its body is streamed to the client
	// and closed by the writer.
	Upstream *http.Response
	// Err carries the cause for logging. It is never written to the client.
	Err error
}

func (res *Result) setHeader(key, value string) {
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Set(key, value)
}

// errorResult builds a short-circuit JSON error response in the platform
// envelope.
func errorResult(status int, code, message, requestID string) *Result {
	body, _ := json.Marshal(httputil.Response{
		Error: &httputil.ErrorResponse{Code: code, Message: message, RequestID: requestID},
	})
	res := &Result{Status: status, Body: body}
	res.setHeader("Content-Type", "application/json")
	return res
}

// textResult builds a short-circuit plain-text response. Policy denials use
// it so the body is exactly the advertised "Forbidden: ..." string.
func textResult(status int, body string) *Result {
	res := &Result{Status: status, Body: []byte(body)}
	res.setHeader("Content-Type", "text/plain; charset=utf-8")
	return res
}

// clientIP extracts the client address: first X-Forwarded-For hop, then
// X-Real-IP, then RemoteAddr without the port.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
