// Package ratelimit implements per-subject sliding-window rate limiting
// backed by the distributed store. Three nested windows (minute, hour, day)
// are kept as counters with window-sized TTLs; the limiter is strict: a
// counter that would exceed its cap is compensated with a decrement inside
// the same window, so no consistent snapshot ever reads above cap.
//
// The store failing is not a reason to fail the request: the limiter fails
// open after logging and marks the degraded-mode metric.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/applyforge/applyforge-api/internal/metrics"
)

// Window identifies one of the nested sliding windows.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

func (w Window) duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Limits holds the per-window caps.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// DefaultLimits mirrors the configured defaults.
func DefaultLimits() Limits {
	return Limits{PerMinute: 60, PerHour: 1000, PerDay: 5000}
}

func (l Limits) cap(w Window) int {
	switch w {
	case WindowMinute:
		return l.PerMinute
	case WindowHour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

// Decision is the outcome of a limiter check plus the observed counts, used
// to stamp X-RateLimit-* headers on both allow and deny.
type Decision struct {
	Allowed    bool
	Counts     map[Window]int64
	Exceeded   Window // first window over cap when denied
	RetryAfter time.Duration
	Degraded   bool // store unreachable, failed open
}

// Limiter checks and increments the per-subject window counters.
type Limiter struct {
	rdb    redis.UniversalClient
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

// New creates a limiter on the given store.
func New(rdb redis.UniversalClient, limits Limits, logger *slog.Logger) *Limiter {
	return &Limiter{rdb: rdb, limits: limits, logger: logger, now: time.Now}
}

func (l *Limiter) bucketKey(subject string, w Window, now time.Time) string {
	var slot int64
	switch w {
	case WindowMinute:
		slot = now.Unix() / 60
	case WindowHour:
		slot = now.Unix() / 3600
	default:
		slot = now.Unix() / 86400
	}
	return fmt.Sprintf("ratelimit:%s:%s:%d", subject, w, slot)
}

var windows = []Window{WindowMinute, WindowHour, WindowDay}

// Check increments all three counters atomically and evaluates the caps.
// If any counter lands above its cap the increments are compensated and the
// request is denied with the time remaining in the narrowest violated window.
func (l *Limiter) Check(ctx context.Context, subject string) Decision {
	now := l.now()
	keys := make([]string, len(windows))
	for i, w := range windows {
		keys[i] = l.bucketKey(subject, w, now)
	}

	pipe := l.rdb.TxPipeline()
	incrs := make([]*redis.IntCmd, len(windows))
	for i, w := range windows {
		incrs[i] = pipe.Incr(ctx, keys[i])
		pipe.ExpireNX(ctx, keys[i], w.duration())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Availability over strictness: fail open.
		l.logger.Warn("rate limiter store unavailable, failing open",
			"subject", subject, "error", err)
		metrics.LimiterDegraded.Inc()
		return Decision{Allowed: true, Degraded: true, Counts: map[Window]int64{}}
	}

	counts := make(map[Window]int64, len(windows))
	var exceeded Window
	for i, w := range windows {
		counts[w] = incrs[i].Val()
		if exceeded == "" && counts[w] > int64(l.limits.cap(w)) {
			exceeded = w
		}
	}

	if exceeded == "" {
		return Decision{Allowed: true, Counts: counts}
	}

	// Compensating decrement keeps the stored counters at or below cap.
	comp := l.rdb.TxPipeline()
	for _, k := range keys {
		comp.Decr(ctx, k)
	}
	if _, err := comp.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter compensation failed", "subject", subject, "error", err)
	}

	metrics.RateLimited.WithLabelValues(string(exceeded)).Inc()
	return Decision{
		Allowed:    false,
		Counts:     counts,
		Exceeded:   exceeded,
		RetryAfter: timeToWindowEnd(now, exceeded),
	}
}

func timeToWindowEnd(now time.Time, w Window) time.Duration {
	d := w.duration()
	elapsed := time.Duration(now.Unix()%int64(d.Seconds())) * time.Second
	remaining := d - elapsed
	if remaining <= 0 {
		remaining = d
	}
	return remaining
}
