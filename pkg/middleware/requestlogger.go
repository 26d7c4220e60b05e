package middleware

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/BackplaneGo/pkg/logger"
)

// RequestLogger stashes a request-scoped logger in the context, enriched
// with whatever identity is available by this point in the chain:
// correlation id (from RequestLogging), trace and span ids (from Tracing),
// and the caller identity resolved by resolveUserID. Handlers fetch it
// with logger.FromContext. Mount it after RequestLogging and Tracing or
// the enrichment finds nothing.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if uid := resolveUserID(r); uid != "" {
				ctx = logger.WithUserID(ctx, uid)
			}
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveUserID prefers the identity established by the auth middleware and
// falls back to the X-User-ID header, which trusted internal callers set
// when they proxy on behalf of an end user.
func resolveUserID(r *http.Request) string {
	if uid := UserIDFromContext(r.Context()); uid != "" {
		return uid
	}
	return r.Header.Get("X-User-ID")
}
