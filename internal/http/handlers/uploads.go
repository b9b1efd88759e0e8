package handlers

import (
	"net/http"

	"github.com/applyforge/applyforge-api/internal/http/mw"
	"github.com/applyforge/applyforge-api/internal/service"
)

// UploadHandler mints presigned upload URLs.
type UploadHandler struct {
	storage *service.StorageService
}

// NewUploadHandler creates the upload handler.
func NewUploadHandler(storage *service.StorageService) *UploadHandler {
	return &UploadHandler{storage: storage}
}

type presignRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

// PresignedURL handles POST /uploads/presigned-url.
func (h *UploadHandler) PresignedURL(w http.ResponseWriter, r *http.Request) {
	principal := mw.GetPrincipal(r.Context())

	var req presignRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	upload, err := h.storage.MintUploadURL(r.Context(), principal.UserID, req.FileName, req.ContentType)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, upload)
}
