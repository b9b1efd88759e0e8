package mw

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/logging"
)

// observabilityPaths bypass sanitation entirely.
var observabilityPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// SanitizeConfig bounds request shape.
type SanitizeConfig struct {
	MaxBodyBytes   int64
	MaxURLLength   int
	MaxHeaderBytes int
}

// Signature sets applied case-insensitively after percent-decoding. These
// catch drive-by scanners, not determined attackers; real injection safety
// comes from parameterized queries and output encoding.
var (
	traversalSignatures = []string{"../", "..\\", "/etc/passwd", "%2e%2e"}

	sqliSignatures = []string{
		"union select", "or 1=1", "'; drop table", "sleep(", "benchmark(",
		"information_schema",
	}

	xssSignatures = []string{
		"<script", "javascript:", "onerror=", "onload=", "<iframe",
		"document.cookie",
	}

	scannerUserAgents = []string{
		"sqlmap", "nikto", "nessus", "masscan", "nmap", "acunetix", "dirbuster",
	}
)

// Sanitize rejects oversized and obviously hostile requests before any
// handler work happens.
func Sanitize(cfg SanitizeConfig) func(http.Handler) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 * 1024 * 1024
	}
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = 2048
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = 8192
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if observabilityPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			// Exactly at the cap is accepted; only strictly larger bodies
			// are rejected.
			if r.ContentLength > cfg.MaxBodyBytes {
				writeErrorStatus(w, r, apperr.KindValidation, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)

			if len(r.URL.RequestURI()) > cfg.MaxURLLength {
				writeError(w, r, apperr.KindValidation, "URL too long")
				return
			}

			headerSize := 0
			for name, values := range r.Header {
				headerSize += len(name)
				for _, v := range values {
					headerSize += len(v)
				}
			}
			if headerSize > cfg.MaxHeaderBytes {
				writeError(w, r, apperr.KindValidation, "request headers too large")
				return
			}

			ua := strings.ToLower(r.UserAgent())
			for _, scanner := range scannerUserAgents {
				if strings.Contains(ua, scanner) {
					writeError(w, r, apperr.KindForbidden, "request rejected")
					return
				}
			}

			if hostile(r.URL.RequestURI()) {
				logging.FromContext(r.Context()).Warn("hostile request signature",
					"path", r.URL.Path, "remote", r.RemoteAddr)
				writeError(w, r, apperr.KindValidation, "request rejected")
				return
			}

			// Header values carry injection probes just as often as the URL.
			for _, values := range r.Header {
				for _, v := range values {
					if hostile(v) {
						logging.FromContext(r.Context()).Warn("hostile header signature",
							"path", r.URL.Path, "remote", r.RemoteAddr)
						writeError(w, r, apperr.KindValidation, "request rejected")
						return
					}
				}
			}

			if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					writeErrorStatus(w, r, apperr.KindValidation, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				if hostile(string(body)) {
					logging.FromContext(r.Context()).Warn("hostile form signature",
						"path", r.URL.Path, "remote", r.RemoteAddr)
					writeError(w, r, apperr.KindValidation, "request rejected")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// hostile reports whether a request value matches any signature set after
// normalization.
func hostile(s string) bool {
	decoded := normalizeForScan(s)
	return matchesAny(decoded, traversalSignatures) ||
		matchesAny(decoded, sqliSignatures) ||
		matchesAny(decoded, xssSignatures)
}

// normalizeForScan lower-cases and percent-decodes (twice, for doubly encoded
// probes) the value under inspection.
func normalizeForScan(s string) string {
	out := strings.ToLower(s)
	if dec, err := url.QueryUnescape(out); err == nil {
		out = dec
		if dec2, err := url.QueryUnescape(out); err == nil {
			out = dec2
		}
	}
	return strings.ToLower(out)
}

func matchesAny(s string, signatures []string) bool {
	for _, sig := range signatures {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}
