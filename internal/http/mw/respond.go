package mw

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/metrics"
)

// errorBody is the structured error envelope every filter short-circuit
// writes. Error carries the stable kind string for programmatic branching;
// Message carries the prose. The handlers package emits the same shape.
type errorBody struct {
	Error         string    `json:"error"`
	Message       string    `json:"message"`
	Status        int       `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId"`
}

func writeError(w http.ResponseWriter, r *http.Request, kind apperr.Kind, message string) {
	writeErrorStatus(w, r, kind, kind.HTTPStatus(), message)
}

func writeErrorStatus(w http.ResponseWriter, r *http.Request, kind apperr.Kind, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:         string(kind),
		Message:       message,
		Status:        status,
		Timestamp:     time.Now().UTC(),
		CorrelationID: GetCorrelationID(r.Context()),
	})
	metrics.RequestsTotal.WithLabelValues("filtered", strconv.Itoa(status)).Inc()
}
