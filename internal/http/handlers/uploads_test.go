package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/applyforge/applyforge-api/internal/config"
	"github.com/applyforge/applyforge-api/internal/service"
)

func newUploadFixture(t *testing.T) *UploadHandler {
	t.Helper()
	svc, err := service.NewStorageService(context.Background(), &config.Config{
		StorageEndpoint:  "http://localhost:9000",
		StorageAccessKey: "test-access",
		StorageSecretKey: "test-secret",
		StorageBucket:    "applyforge-uploads",
		StorageRegion:    "auto",
		UploadURLTTL:     time.Hour,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewStorageService: %v", err)
	}
	return NewUploadHandler(svc)
}

func TestPresignedURLAcceptsDocumentedBody(t *testing.T) {
	h := newUploadFixture(t)

	body := `{"fileName":"resume.pdf","contentType":"application/pdf"}`
	rec := httptest.NewRecorder()
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/v1/uploads/presigned-url",
		strings.NewReader(body)), "u1")
	h.PresignedURL(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		URL       string    `json:"url"`
		Key       string    `json:"key"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	decodeBody(t, rec, &resp)
	if !strings.HasPrefix(resp.Key, "uploads/u1/") || !strings.HasSuffix(resp.Key, "/resume.pdf") {
		t.Fatalf("key = %q", resp.Key)
	}
	if !strings.Contains(resp.URL, "X-Amz-Signature") {
		t.Fatalf("url = %q, want a signed URL", resp.URL)
	}
	if resp.ExpiresAt.Before(time.Now()) {
		t.Fatal("expiry already passed")
	}
}

func TestPresignedURLRejectsBadFilename(t *testing.T) {
	h := newUploadFixture(t)

	rec := httptest.NewRecorder()
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/v1/uploads/presigned-url",
		strings.NewReader(`{"fileName":"../..","contentType":"application/pdf"}`)), "u1")
	h.PresignedURL(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var envelope ErrorResponse
	decodeBody(t, rec, &envelope)
	if envelope.Error != "validation" {
		t.Fatalf("envelope.Error = %q, want the kind string", envelope.Error)
	}
}
