package mw

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/applyforge/applyforge-api/internal/logging"
)

const (
	headerRequestID = "X-Request-Id"
	headerSpanID    = "X-Span-Id"
)

// Trace accepts an inbound X-Request-Id (or mints one), mints a fresh span
// id, stamps both on the response and stores a correlation-tagged logger on
// the context.
func Trace(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(headerRequestID)
			if correlationID == "" || len(correlationID) > 128 {
				correlationID = uuid.NewString()
			}
			spanID := uuid.NewString()

			w.Header().Set(headerRequestID, correlationID)
			w.Header().Set(headerSpanID, spanID)

			ctx := r.Context()
			ctx = logging.WithCorrelation(ctx, logger, correlationID)
			ctx = context.WithValue(ctx, CorrelationIDKey, correlationID)
			ctx = context.WithValue(ctx, SpanIDKey, spanID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
