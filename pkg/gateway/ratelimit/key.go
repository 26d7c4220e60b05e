package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// KeyFunc derives a limit key from a request, overriding the built-in
// assembly when set on a Config.
type KeyFunc func(r *http.Request) string

// KeyFor assembles the limit key for a request from the parts the config
// enables. Credentials taken from the Authorization header are hashed so raw
// tokens never become store keys.
func KeyFor(r *http.Request, cfg Config) string {
	cfg.normalize()
	if cfg.KeyFunc != nil {
		return cfg.KeyFunc(r)
	}

	var parts []string
	if cfg.ByIP {
		parts = append(parts, "ip="+clientIP(r))
	}
	if cfg.ByUser {
		if auth := r.Header.Get("Authorization"); auth != "" {
			parts = append(parts, "user="+hashCredential(auth))
		}
	}
	if cfg.ByAPIKey {
		if key := r.Header.Get(cfg.APIKeyHeader); key != "" {
			parts = append(parts, "key="+key)
		}
	}
	if cfg.ByPath {
		parts = append(parts, "path="+r.URL.Path)
	}
	if len(parts) == 0 {
		return "global"
	}
	return strings.Join(parts, "|")
}

func hashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:16])
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
