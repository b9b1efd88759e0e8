package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/applyforge/applyforge-api/internal/database"
	"github.com/applyforge/applyforge-api/internal/dispatch"
	"github.com/applyforge/applyforge-api/internal/version"
)

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	router  *database.Router
	rdb     redis.UniversalClient
	gateway *dispatch.Gateway
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(router *database.Router, rdb redis.UniversalClient, gateway *dispatch.Gateway) *HealthHandler {
	return &HealthHandler{router: router, rdb: rdb, gateway: gateway}
}

// Healthz handles GET /healthz: the process is up.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get(),
	})
}

// Readyz handles GET /readyz: primary store, cache store and broker channel
// all answer.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]bool{
		"database": h.router.Healthy(ctx),
		"cache":    h.rdb.Ping(ctx).Err() == nil,
		"broker":   h.gateway.Healthy(),
	}

	ready := true
	for _, ok := range checks {
		ready = ready && ok
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, r, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}
