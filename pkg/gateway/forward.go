package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/utafrali/BackplaneGo/pkg/gateway/balancer"
	"github.com/utafrali/BackplaneGo/pkg/gateway/route"
)

// hopHeaders are stripped when proxying in either direction. Headers named
// by the Connection header are stripped as well.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardStage resolves the target pool, selects a server and proxies the
// request. Failed attempts retry per the route and pool policy, each retry
// excluding the servers already tried.
type forwardStage struct {
	registry    *balancer.Registry
	client      *http.Client
	timeout     time.Duration
	passThrough bool
}

func (s *forwardStage) Name() string { return "forward" }

func (s *forwardStage) Process(c *Context) *Result {
	rt := c.Route()
	if rt == nil || rt.TargetService == "" {
		c.Logger().Error("route has no target service", slog.String("route", routeName(c)))
		return errorResult(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
			"no selectable upstream servers", c.RequestID)
	}

	pool, ok := s.registry.Get(rt.TargetService)
	if !ok {
		c.Logger().Error("route targets unknown service",
			slog.String("route", rt.Name),
			slog.String("service", rt.TargetService),
		)
		return errorResult(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
			"no selectable upstream servers", c.RequestID)
	}

	timeout := rt.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	// The upstream body streams to the client after this stage returns, so
	// the context must stay alive until the response is fully written.
	c.deferCleanup(cancel)

	retries, delay := s.retryBudget(rt, pool)

	var (
		tried    []string
		lastResp *http.Response
		lastErr  error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			gatewayUpstreamRetriesTotal.WithLabelValues(rt.TargetService).Inc()
			if delay > 0 && !sleepCtx(ctx, delay) {
				break
			}
		}

		server, err := pool.Select(c.Request, tried...)
		if err != nil {
			break
		}
		tried = append(tried, server.ID)
		c.Server = server

		start := time.Now()
		resp, err := s.dispatch(ctx, c, server, rt)
		elapsed := time.Since(start)

		if err != nil {
			server.RecordFailure(elapsed)
			lastErr = err
			c.Logger().Warn("upstream request failed",
				slog.String("service", rt.TargetService),
				slog.String("server", server.ID),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			server.RecordFailure(elapsed)
			if attempt < retries {
				resp.Body.Close()
				continue
			}
			if s.passThrough {
				return &Result{Status: resp.StatusCode, Upstream: resp}
			}
			resp.Body.Close()
			lastResp = resp
			break
		}

		server.RecordSuccess(elapsed)
		return &Result{Status: resp.StatusCode, Upstream: resp}
	}

	if lastErr == nil && lastResp == nil {
		gatewayDenialsTotal.WithLabelValues("balance").Inc()
		return errorResult(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
			"no selectable upstream servers", c.RequestID)
	}
	res := errorResult(http.StatusBadGateway, "BAD_GATEWAY",
		"upstream service unavailable", c.RequestID)
	res.Err = lastErr
	return res
}

// retryBudget returns how many retries the route allows and the delay
// between attempts. The route setting wins; the pool policy is the fallback.
func (s *forwardStage) retryBudget(rt *route.Route, pool *balancer.Pool) (int, time.Duration) {
	policy := pool.Retry()
	if rt.Retries > 0 {
		return rt.Retries, policy.Delay
	}
	if policy.Enabled {
		return policy.MaxRetries, policy.Delay
	}
	return 0, 0
}

// dispatch sends one attempt to the chosen server.
func (s *forwardStage) dispatch(ctx context.Context, c *Context, server *balancer.Server, rt *route.Route) (*http.Response, error) {
	target, err := url.Parse(server.URL())
	if err != nil {
		return nil, err
	}

	in := c.Request
	outURL := *target
	if rt.PathRewrite != "" {
		outURL.Path = rt.PathRewrite
	} else {
		outURL.Path = in.URL.Path
		outURL.RawPath = in.URL.RawPath
	}
	outURL.RawQuery = in.URL.RawQuery

	var body io.Reader = http.NoBody
	if len(c.Body()) > 0 {
		body = bytes.NewReader(c.Body())
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, outURL.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = int64(len(c.Body()))

	copyProxyHeaders(out.Header, in.Header)
	appendForwardedFor(out.Header, c.ClientIP)
	if out.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if in.TLS != nil {
			proto = "https"
		}
		out.Header.Set("X-Forwarded-Proto", proto)
	}
	if out.Header.Get("X-Forwarded-Host") == "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
	out.Header.Set("X-Request-ID", c.RequestID)
	if c.ThrottleFactor > 0 {
		out.Header.Set("X-Throttle-Factor", strconv.FormatFloat(c.ThrottleFactor, 'f', -1, 64))
	}

	return s.client.Do(out)
}

// copyProxyHeaders copies end-to-end headers from src to dst, dropping
// hop-by-hop headers and anything the Connection header names.
func copyProxyHeaders(dst, src http.Header) {
	dropped := map[string]struct{}{}
	for _, name := range src.Values("Connection") {
		for _, token := range strings.Split(name, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				dropped[http.CanonicalHeaderKey(token)] = struct{}{}
			}
		}
	}
	for _, name := range hopHeaders {
		dropped[http.CanonicalHeaderKey(name)] = struct{}{}
	}

	for name, values := range src {
		if _, drop := dropped[name]; drop {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
}

func appendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}

// sleepCtx waits d, returning false when the context expired first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// stripHopHeaders removes hop-by-hop headers from an upstream response
// before it is written to the client.
func stripHopHeaders(h http.Header) {
	var dropped []string
	for _, name := range h.Values("Connection") {
		for _, token := range strings.Split(name, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				dropped = append(dropped, token)
			}
		}
	}
	for _, name := range dropped {
		h.Del(name)
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
