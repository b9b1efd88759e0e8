package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// BruteForceGuard tracks failed login attempts per (subject, client address)
// and locks the pair out after too many failures inside the window. It owns
// login throttling entirely; the general limiter skips auth endpoints.
type BruteForceGuard struct {
	rdb         redis.UniversalClient
	maxAttempts int
	window      time.Duration
	lockout     time.Duration
	logger      *slog.Logger
}

// NewBruteForceGuard creates a guard with the configured thresholds.
func NewBruteForceGuard(rdb redis.UniversalClient, maxAttempts int, window, lockout time.Duration, logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		rdb:         rdb,
		maxAttempts: maxAttempts,
		window:      window,
		lockout:     lockout,
		logger:      logger,
	}
}

func (g *BruteForceGuard) attemptsKey(subject, addr string) string {
	return fmt.Sprintf("bruteforce:attempts:%s:%s", subject, addr)
}

func (g *BruteForceGuard) lockKey(subject, addr string) string {
	return fmt.Sprintf("bruteforce:lock:%s:%s", subject, addr)
}

// Locked reports whether the pair is currently locked out and for how much
// longer. Store failures fail open, matching the general limiter.
func (g *BruteForceGuard) Locked(ctx context.Context, subject, addr string) (bool, time.Duration) {
	ttl, err := g.rdb.TTL(ctx, g.lockKey(subject, addr)).Result()
	if err != nil {
		g.logger.Warn("brute-force guard store unavailable, failing open", "error", err)
		return false, 0
	}
	if ttl > 0 {
		return true, ttl
	}
	return false, 0
}

// RecordFailure counts a failed attempt; crossing the threshold arms the
// lockout key.
func (g *BruteForceGuard) RecordFailure(ctx context.Context, subject, addr string) {
	key := g.attemptsKey(subject, addr)
	pipe := g.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		g.logger.Warn("brute-force failure record failed", "error", err)
		return
	}
	if incr.Val() >= int64(g.maxAttempts) {
		if err := g.rdb.Set(ctx, g.lockKey(subject, addr), 1, g.lockout).Err(); err != nil {
			g.logger.Warn("brute-force lockout set failed", "error", err)
		}
		g.logger.Info("login lockout armed", "subject", subject, "addr", addr,
			"attempts", incr.Val(), "lockout", g.lockout.String())
	}
}

// RecordSuccess clears the failure counter after a successful login.
func (g *BruteForceGuard) RecordSuccess(ctx context.Context, subject, addr string) {
	if err := g.rdb.Del(ctx, g.attemptsKey(subject, addr)).Err(); err != nil {
		g.logger.Warn("brute-force success reset failed", "error", err)
	}
}
