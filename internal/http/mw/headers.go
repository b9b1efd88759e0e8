package mw

import (
	"net/http"
	"strings"
)

// sensitivePrefixes never allow response caching.
var sensitivePrefixes = []string{
	"/api/v1/auth", "/api/v1/uploads", "/api/v1/applications", "/api/v1/dashboard",
}

// SecurityHeaders stamps the defensive response headers on everything.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			for _, prefix := range sensitivePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					h.Set("Cache-Control", "no-store")
					break
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
