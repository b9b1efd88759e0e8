package mw

import (
	"errors"
	"net/http"
	"strings"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/auth"
	"github.com/applyforge/applyforge-api/internal/logging"
)

// BearerAuth parses and verifies an Authorization: Bearer token and attaches
// the principal. A missing header passes through unauthenticated (protected
// groups reject later via RequirePrincipal); a present-but-invalid token is
// rejected here.
func BearerAuth(tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimPrefix(header, "Bearer ")
			if token == header || token == "" {
				writeError(w, r, apperr.KindAuth, "malformed authorization header")
				return
			}

			principal, err := tokens.Verify(r.Context(), token)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrExpiredToken):
					writeError(w, r, apperr.KindAuth, "token expired")
				case errors.Is(err, auth.ErrInvalidToken):
					writeError(w, r, apperr.KindAuth, "invalid token")
				default:
					logging.FromContext(r.Context()).Error("token verification failed", "error", err)
					writeError(w, r, apperr.KindDependency, "authentication unavailable")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// Unauthorized is the RequirePrincipal rejection used by protected groups.
func Unauthorized(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, apperr.KindAuth, "authentication required")
}
