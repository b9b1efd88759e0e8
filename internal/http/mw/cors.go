package mw

import (
	"net/http"

	"github.com/go-chi/cors"

	"github.com/applyforge/applyforge-api/internal/config"
)

// EndpointClass selects one of the per-class CORS policies.
type EndpointClass string

const (
	ClassPublic        EndpointClass = "public"        // register/login
	ClassAPI           EndpointClass = "api"           // authenticated user API
	ClassInternal      EndpointClass = "internal"      // worker ingress
	ClassObservability EndpointClass = "observability" // health + metrics
)

// CORS builds the policy for one endpoint class. Dev is permissive; staging
// and prod pin the configured origins. Internal endpoints are same-origin
// only (no browser caller exists) and observability allows plain reads.
func CORS(cfg *config.Config, class EndpointClass) func(http.Handler) http.Handler {
	allowed := cfg.AllowedOrigins
	if cfg.AppEnv == config.EnvDev {
		allowed = []string{"*"}
	}

	switch class {
	case ClassPublic:
		return cors.Handler(cors.Options{
			AllowedOrigins: allowed,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
			MaxAge:         300,
		})
	case ClassInternal:
		return cors.Handler(cors.Options{
			AllowedOrigins: []string{},
			AllowedMethods: []string{http.MethodPost},
		})
	case ClassObservability:
		return cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet},
			MaxAge:         3600,
		})
	default:
		return cors.Handler(cors.Options{
			AllowedOrigins:   allowed,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Minute", "X-RateLimit-Hour", "X-RateLimit-Day", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		})
	}
}
