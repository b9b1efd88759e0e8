// Package mw contains the ordered HTTP filter chain: tracing, request
// sanitation, security headers, CORS, internal-key auth, bearer auth and
// rate limiting. Each filter may short-circuit with the structured error
// body; later filters assume earlier ones ran.
package mw

import (
	"context"
	"net/http"

	"github.com/applyforge/applyforge-api/internal/auth"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// PrincipalKey carries the authenticated principal.
	PrincipalKey ContextKey = "principal"
	// CorrelationIDKey carries the request correlation id.
	CorrelationIDKey ContextKey = "correlation_id"
	// SpanIDKey carries the request span id.
	SpanIDKey ContextKey = "span_id"
)

// GetPrincipal returns the authenticated principal, or nil.
func GetPrincipal(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(PrincipalKey).(*auth.Principal)
	return p
}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetCorrelationID returns the request correlation id, or "".
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(CorrelationIDKey).(string)
	return id
}

// RequirePrincipal rejects requests without an authenticated principal.
// Placed on protected route groups after the bearer filter.
func RequirePrincipal(reject func(w http.ResponseWriter, r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetPrincipal(r.Context()) == nil {
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
