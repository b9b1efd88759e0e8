package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/applyforge/applyforge-api/internal/metrics"
)

// Fabric is the tiered cache: L1 in front of L2 in front of the origin.
// L2 failures are recovered locally by treating them as misses, so a cache
// outage degrades latency but never availability.
type Fabric struct {
	l1     *L1
	l2     *L2
	logger *slog.Logger
}

// NewFabric wires the two tiers together. Evictions from L1 with an observed
// access frequency above 0.5 are promoted asynchronously to L2 so other
// instances can still find the hot entry.
func NewFabric(maxL1Entries int, policy Policy, l2 *L2, logger *slog.Logger) *Fabric {
	f := &Fabric{l2: l2, logger: logger}
	f.l1 = NewL1(maxL1Entries, policy, f.promoteOnEvict)
	return f
}

func (f *Fabric) promoteOnEvict(key string, value []byte, reason EvictReason, frequency float64) {
	if reason == EvictExplicit || frequency <= 0.5 {
		return
	}
	name, rest, ok := splitKey(key)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.l2.Set(ctx, name, rest, value); err != nil {
			f.logger.Debug("l2 promotion failed", "cache", name, "error", err)
			return
		}
		metrics.CachePromotions.Inc()
	}()
}

// Get reads through the tiers. An L2 hit backfills L1.
func (f *Fabric) Get(ctx context.Context, name, key string) ([]byte, bool) {
	composite := name + ":" + key
	if v, ok := f.l1.Get(composite); ok {
		return v, true
	}

	v, ok, err := f.l2.Get(ctx, name, key)
	if err != nil {
		// Recover locally: a cache error is a miss.
		f.logger.Warn("l2 get failed, treating as miss", "cache", name, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	f.l1.Set(composite, v)
	return v, true
}

// GetOrLoad reads through the tiers and falls back to the loader, populating
// both tiers on a successful load.
func (f *Fabric) GetOrLoad(ctx context.Context, name, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := f.Get(ctx, name, key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	f.Set(ctx, name, key, v)
	return v, nil
}

// Set writes to both tiers. L2 errors are logged, not surfaced.
func (f *Fabric) Set(ctx context.Context, name, key string, value []byte) {
	f.l1.Set(name+":"+key, value)
	if err := f.l2.Set(ctx, name, key, value); err != nil {
		f.logger.Warn("l2 set failed", "cache", name, "error", err)
	}
}

// SetTTL writes to both tiers with an explicit L2 TTL.
func (f *Fabric) SetTTL(ctx context.Context, name, key string, value []byte, ttl time.Duration) {
	f.l1.Set(name+":"+key, value)
	if err := f.l2.SetTTL(ctx, name, key, value, ttl); err != nil {
		f.logger.Warn("l2 set failed", "cache", name, "error", err)
	}
}

// Invalidate removes a key from both tiers.
func (f *Fabric) Invalidate(ctx context.Context, name, key string) {
	f.l1.Delete(name + ":" + key)
	if err := f.l2.Delete(ctx, name, key); err != nil {
		f.logger.Warn("l2 delete failed", "cache", name, "error", err)
	}
}

func splitKey(composite string) (name, key string, ok bool) {
	for i := 0; i < len(composite); i++ {
		if composite[i] == ':' {
			return composite[:i], composite[i+1:], true
		}
	}
	return "", "", false
}
