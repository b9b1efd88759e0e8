package handlers

import (
	"net/http"
	"time"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/stream"
)

// InternalHandler is the worker-facing ingress, gated by the internal-key
// filter. It exists for workers that cannot reach the broker directly; the
// event is processed exactly like a broker delivery.
type InternalHandler struct {
	hub *stream.Hub
}

// NewInternalHandler creates the internal handler.
func NewInternalHandler(hub *stream.Hub) *InternalHandler {
	return &InternalHandler{hub: hub}
}

// Status handles POST /internal/status.
func (h *InternalHandler) Status(w http.ResponseWriter, r *http.Request) {
	var event models.StatusEvent
	if err := decodeJSON(r, &event); err != nil {
		respondError(w, r, err)
		return
	}
	if event.JobID == "" || !event.Status.IsValid() {
		respondError(w, r, apperr.New(apperr.KindValidation, "job_id and a valid status are required"))
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if event.Status.IsTerminal() {
		if err := h.hub.ApplyTerminal(r.Context(), &event); err != nil {
			respondError(w, r, err)
			return
		}
	}
	h.hub.Broadcast(r.Context(), &event)
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "accepted"})
}
