package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/auth"
	"github.com/applyforge/applyforge-api/internal/http/mw"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/service"
)

// ApplicationHandler serves the job lifecycle endpoints.
type ApplicationHandler struct {
	jobs   *service.JobService
	tokens *auth.TokenService
}

// NewApplicationHandler creates the application handler.
func NewApplicationHandler(jobs *service.JobService, tokens *auth.TokenService) *ApplicationHandler {
	return &ApplicationHandler{jobs: jobs, tokens: tokens}
}

// Submit handles POST /applications.
func (h *ApplicationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	principal := mw.GetPrincipal(r.Context())

	var req service.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	job, err := h.jobs.Submit(r.Context(), principal.UserID, mw.GetCorrelationID(r.Context()), &req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusCreated, map[string]string{"jobId": job.ID})
}

// List handles GET /applications.
func (h *ApplicationHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := mw.GetPrincipal(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := r.URL.Query().Get("status")

	jobs, err := h.jobs.List(r.Context(), principal.UserID, status, limit, offset)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"applications": jobs,
		"limit":        limit,
		"offset":       offset,
	})
}

// Get handles GET /applications/{jobId}.
func (h *ApplicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal := mw.GetPrincipal(r.Context())
	jobID := chi.URLParam(r, "jobId")

	job, err := h.jobs.Get(r.Context(), jobID, principal.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, job)
}

// Cancel handles POST /applications/{jobId}/cancel.
func (h *ApplicationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	principal := mw.GetPrincipal(r.Context())
	jobID := chi.URLParam(r, "jobId")

	job, err := h.jobs.Cancel(r.Context(), jobID, principal.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, job)
}

// Artifact handles GET /applications/{jobId}/artifact.
func (h *ApplicationHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	principal := mw.GetPrincipal(r.Context())
	jobID := chi.URLParam(r, "jobId")

	ref, err := h.jobs.Artifact(r.Context(), jobID, principal.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]string{"artifactRef": ref})
}

// StreamToken handles POST /applications/{jobId}/stream-token: a short-lived
// single-job token for EventSource clients that cannot set headers.
func (h *ApplicationHandler) StreamToken(w http.ResponseWriter, r *http.Request) {
	principal := mw.GetPrincipal(r.Context())
	jobID := chi.URLParam(r, "jobId")

	// Ownership check; the stream token must never outrun it.
	if _, err := h.jobs.Get(r.Context(), jobID, principal.UserID); err != nil {
		respondError(w, r, err)
		return
	}

	token, err := h.tokens.IssueStreamToken(principal.UserID, jobID)
	if err != nil {
		respondError(w, r, apperr.Wrap(apperr.KindInternal, "failed to issue stream token", err))
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]string{"token": token})
}
