package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

type contextKeyType string

const (
	userIDKey contextKeyType = "user_id"
	roleKey   contextKeyType = "role"
)

// Principal identifies the caller authenticated by the ops-plane API key.
type Principal struct {
	Name string
	Role string
}

// KeyValidator validates an API key and returns the principal bound to it.
// This allows the daemon to inject its own key source (env, secret store).
type KeyValidator func(key string) (*Principal, error)

// StaticKeys builds a KeyValidator from a fixed key -> principal mapping.
// Comparison is constant time.
func StaticKeys(keys map[string]Principal) KeyValidator {
	return func(key string) (*Principal, error) {
		for candidate, principal := range keys {
			if len(candidate) == len(key) &&
				subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
				p := principal
				return &p, nil
			}
		}
		return nil, errInvalidKey
	}
}

var errInvalidKey = &keyError{"invalid api key"}

type keyError struct{ msg string }

func (e *keyError) Error() string { return e.msg }

// APIKeyAuth middleware validates the X-API-Key header and injects the
// principal into context. Used to protect the admin endpoints of the daemons.
func APIKeyAuth(validate KeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeAuthError(w, "missing api key")
				return
			}

			principal, err := validate(key)
			if err != nil {
				writeAuthError(w, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, principal.Name)
			ctx = context.WithValue(ctx, roleKey, principal.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole middleware checks that the authenticated principal has one of
// the required roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			if _, ok := roleSet[role]; !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code":    "FORBIDDEN",
					"message": "insufficient permissions",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext extracts the principal name from the request context.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// RoleFromContext extracts the principal role from the request context.
func RoleFromContext(ctx context.Context) string {
	if role, ok := ctx.Value(roleKey).(string); ok {
		return role
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    "UNAUTHORIZED",
		"message": message,
	})
}
