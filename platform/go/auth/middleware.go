package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type ctxKey string

const ctxCredentials ctxKey = "ROSTER_BRIDGE_API_KEY"

// HeaderName is the request header carrying the API key secret.
const HeaderName = "X-API-Key"

// KeyFromContext returns the authenticated API key stored by APIKey middleware.
func KeyFromContext(ctx context.Context) (Key, bool) {
	key, ok := ctx.Value(ctxCredentials).(Key)
	return key, ok
}

// APIKey authenticates requests with the X-API-Key header against the
// registry and stores the resolved key on the context. Preflight requests
// pass through untouched.
func APIKey(registry *Registry, logger *zap.Logger) func(http.Handler) http.Handler {
	if registry == nil {
		panic("auth.APIKey: registry must not be nil")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(HeaderName))
			if secret == "" {
				logger.Warn("missing api key", zap.String("path", r.URL.Path))
				writeAuthProblem(w, http.StatusUnauthorized, "Missing API key")
				return
			}

			key, ok := registry.Lookup(secret)
			if !ok {
				logger.Warn("invalid api key", zap.String("path", r.URL.Path), zap.String("key_prefix", redact(secret)))
				writeAuthProblem(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), ctxCredentials, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects authenticated requests whose key lacks the scope.
func RequireScope(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := KeyFromContext(r.Context())
			if !ok {
				writeAuthProblem(w, http.StatusUnauthorized, "Missing API key")
				return
			}
			if !key.HasScope(scope) {
				writeAuthProblem(w, http.StatusForbidden, string(scope)+" permission required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

// redact keeps only a short prefix of the secret for log lines.
func redact(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:8] + "..."
}
