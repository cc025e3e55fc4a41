package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/edconnect-jp/roster-bridge/platform/go/auth"
	"github.com/edconnect-jp/roster-bridge/platform/go/requesttrace"
)

// RequestTrace attaches the audit identity of the authenticated API key to
// the request context. Must run after auth.APIKey.
func RequestTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := chimw.GetReqID(ctx)

		if key, ok := auth.KeyFromContext(ctx); ok {
			ctx = requesttrace.IntoContext(ctx, requesttrace.FromKey(key, requestID))
		} else {
			ctx = requesttrace.IntoContext(ctx, requesttrace.System(requestID))
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
