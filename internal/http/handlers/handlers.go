// Package handlers implements the JSON endpoints and the SSE push stream.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/http/mw"
	"github.com/applyforge/applyforge-api/internal/logging"
	"github.com/applyforge/applyforge-api/internal/metrics"
)

// ErrorResponse is the structured error envelope. Error carries the stable
// kind string so clients can branch without parsing prose; Message carries
// the human-readable detail.
type ErrorResponse struct {
	Error         string    `json:"error"`
	Message       string    `json:"message"`
	Status        int       `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logging.FromContext(r.Context()).Error("response encode failed", "error", err)
		}
	}
	metrics.RequestsTotal.WithLabelValues("api", strconv.Itoa(status)).Inc()
}

// respondError maps any error to the envelope. Unknown errors collapse to a
// generic 500 body; the cause is logged with the correlation id.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	message := apperr.MessageOf(err)

	logger := logging.FromContext(r.Context())
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Err != nil {
		logger.Error("request failed", "kind", kind, "origin", ae.Origin, "error", ae.Err)
	} else if kind == apperr.KindInternal {
		logger.Error("request failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:         string(kind),
		Message:       message,
		Status:        status,
		Timestamp:     time.Now().UTC(),
		CorrelationID: mw.GetCorrelationID(r.Context()),
	})
	metrics.RequestsTotal.WithLabelValues("api", strconv.Itoa(status)).Inc()
}

// decodeJSON reads a request body into dst, translating size and syntax
// failures into validation errors.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.New(apperr.KindValidation, "request body too large")
		}
		return apperr.New(apperr.KindValidation, "invalid JSON body")
	}
	return nil
}
