package mw

import (
	"crypto/subtle"
	"net/http"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/auth"
	"github.com/applyforge/applyforge-api/internal/models"
)

const headerInternalKey = "X-Internal-Key"

// InternalAuth gates the worker ingress: the shared key must match exactly,
// and a matching caller acts as the internal-service principal.
func InternalAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(headerInternalKey)
			if key == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				writeError(w, r, apperr.KindForbidden, "forbidden")
				return
			}
			principal := &auth.Principal{
				UserID: "internal",
				Roles:  []string{models.RoleInternalService},
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
