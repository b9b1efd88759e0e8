package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/applyforge/applyforge-api/internal/auth"
	"github.com/applyforge/applyforge-api/internal/config"
	"github.com/applyforge/applyforge-api/internal/http/mw"
	"github.com/applyforge/applyforge-api/internal/logging"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/stream"
)

// StreamHandler serves the live status push stream.
type StreamHandler struct {
	hub       *stream.Hub
	tokens    *auth.TokenService
	heartbeat time.Duration
	maxLife   time.Duration
}

// NewStreamHandler creates the stream handler.
func NewStreamHandler(hub *stream.Hub, tokens *auth.TokenService, cfg *config.Config) *StreamHandler {
	return &StreamHandler{
		hub:       hub,
		tokens:    tokens,
		heartbeat: cfg.StreamHeartbeat,
		maxLife:   cfg.StreamMaxLife,
	}
}

// Stream handles GET /applications/{jobId}/stream.
// This is a raw HTTP handler to support SSE. Auth accepts the normal bearer
// principal or a single-job ?token= credential for EventSource clients.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		http.Error(w, `{"error":"job ID required"}`, http.StatusBadRequest)
		return
	}

	userID, ok := h.authenticate(w, r, jobID)
	if !ok {
		return
	}

	sub, job, err := h.hub.Subscribe(r.Context(), jobID, userID)
	if err != nil && !errors.Is(err, stream.ErrJobTerminal) {
		respondError(w, r, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, flushOK := w.(http.Flusher)
	if !flushOK {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	// Long-lived response: drop the server write deadline, best effort.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	var eventID uint64

	// Already-terminal jobs answer with their final state and close; no
	// registration is held.
	if errors.Is(err, stream.ErrJobTerminal) {
		eventID++
		sendSSEEvent(w, flusher, eventID, "status", terminalFrame(job))
		return
	}
	defer h.hub.Unsubscribe(sub)

	// Initial snapshot so the client never waits for the first transition.
	eventID++
	sendSSEEvent(w, flusher, eventID, "status", map[string]any{
		"job_id": job.ID,
		"status": string(job.Status),
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	maxLife := time.NewTimer(h.maxLife)
	defer maxLife.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client went away; the registration dies, the job lives on.
			return

		case <-maxLife.C:
			sendSSEEvent(w, flusher, eventID+1, "error", map[string]string{
				"kind":    "stream-expired",
				"message": "stream lifetime exceeded, reconnect to continue",
			})
			return

		case <-heartbeat.C:
			sendSSEHeartbeat(w, flusher)

		case event, open := <-sub.Events:
			if !open {
				return
			}
			eventID++
			sendSSEEvent(w, flusher, eventID, "status", statusFrame(event))
			if event.Status.IsTerminal() {
				return
			}

		case <-sub.Done:
			return
		}
	}
}

// authenticate resolves the caller from the bearer principal or the ?token=
// stream credential and reports whether the request may proceed.
func (h *StreamHandler) authenticate(w http.ResponseWriter, r *http.Request, jobID string) (string, bool) {
	if principal := mw.GetPrincipal(r.Context()); principal != nil {
		return principal.UserID, true
	}

	queryToken := r.URL.Query().Get("token")
	if queryToken == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return "", false
	}
	principal, err := h.tokens.VerifyStreamToken(queryToken, jobID)
	if err != nil {
		logging.FromContext(r.Context()).Info("stream token rejected", "job_id", jobID)
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return "", false
	}
	return principal.UserID, true
}

func statusFrame(event *models.StatusEvent) map[string]any {
	frame := map[string]any{
		"job_id": event.JobID,
		"status": string(event.Status),
	}
	if len(event.Progress) > 0 {
		frame["progress"] = event.Progress
	}
	if event.ArtifactRef != "" {
		frame["artifact_ref"] = event.ArtifactRef
	}
	if event.Reason != "" {
		frame["reason"] = event.Reason
	}
	return frame
}

func terminalFrame(job *models.Job) map[string]any {
	frame := map[string]any{
		"job_id": job.ID,
		"status": string(job.Status),
	}
	if job.ArtifactRef != nil {
		frame["artifact_ref"] = *job.ArtifactRef
	}
	if job.FailureReason != nil {
		frame["reason"] = *job.FailureReason
	}
	return frame
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, id uint64, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", id)
	fmt.Fprintf(&b, "event: %s\n", event)
	fmt.Fprintf(&b, "data: %s\n\n", jsonData)
	_, _ = w.Write([]byte(b.String()))
	flusher.Flush()
}

// sendSSEHeartbeat sends an SSE comment as a keepalive/heartbeat.
// SSE comments start with a colon and are ignored by the client EventSource API.
func sendSSEHeartbeat(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
	flusher.Flush()
}
