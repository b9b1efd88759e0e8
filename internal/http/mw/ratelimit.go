package mw

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/ratelimit"
)

// RateLimit applies the per-user sliding windows to authenticated API
// traffic. Auth endpoints are brute-force guarded separately and internal
// endpoints are trusted, so both route groups simply don't mount this
// filter. The observed counts are stamped as X-RateLimit-* headers on allow
// and deny alike.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				// Unauthenticated traffic on limited groups is rejected by
				// RequirePrincipal; nothing to meter here.
				next.ServeHTTP(w, r)
				return
			}

			decision := limiter.Check(r.Context(), principal.UserID)
			stampRateHeaders(w, decision)

			if !decision.Allowed {
				w.Header().Set("Retry-After",
					strconv.Itoa(int(decision.RetryAfter.Seconds())))
				writeError(w, r, apperr.KindRateLimited,
					fmt.Sprintf("rate limit exceeded for the %s window", decision.Exceeded))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func stampRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Degraded {
		return
	}
	set := func(header string, window ratelimit.Window) {
		if count, ok := d.Counts[window]; ok {
			w.Header().Set(header, strconv.FormatInt(count, 10))
		}
	}
	set("X-RateLimit-Minute", ratelimit.WindowMinute)
	set("X-RateLimit-Hour", ratelimit.WindowHour)
	set("X-RateLimit-Day", ratelimit.WindowDay)
}
