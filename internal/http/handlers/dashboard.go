package handlers

import (
	"net/http"

	"github.com/applyforge/applyforge-api/internal/http/mw"
	"github.com/applyforge/applyforge-api/internal/service"
)

// DashboardHandler serves aggregated per-user views.
type DashboardHandler struct {
	stats *service.StatsService
}

// NewDashboardHandler creates the dashboard handler.
func NewDashboardHandler(stats *service.StatsService) *DashboardHandler {
	return &DashboardHandler{stats: stats}
}

// Stats handles GET /dashboard/stats.
func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	principal := mw.GetPrincipal(r.Context())

	stats, err := h.stats.Stats(r.Context(), principal.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, stats)
}
