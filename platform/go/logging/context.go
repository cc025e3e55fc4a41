package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type ctxKey struct{}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the request-scoped logger stored by RequestLogger.
func FromContext(ctx context.Context) (*zap.Logger, bool) {
	logger, ok := ctx.Value(ctxKey{}).(*zap.Logger)
	return logger, ok
}

// FromRequest is FromContext over an HTTP request, with a fallback for
// handlers reached outside the middleware chain.
func FromRequest(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := FromContext(r.Context()); ok {
		return logger
	}
	return fallback
}

// RequestLogger derives a per-request logger from base, stores it on the
// context for downstream handlers and logs one completion line per request.
// Mount it after chi's RequestID middleware so the id field is populated.
func RequestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger := base.With(
				zap.String("http_method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			if requestID := middleware.GetReqID(r.Context()); requestID != "" {
				logger = logger.With(zap.String("request_id", requestID))
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithLogger(r.Context(), logger)))

			logger.Info("request completed",
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
