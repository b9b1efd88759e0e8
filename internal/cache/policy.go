// Package cache implements the two-tier cache fabric: a bounded in-process
// L1 with adaptive expiry and weighted eviction, fronted by a negative-lookup
// bloom filter, and a redis-backed L2 with per-cache-name TTLs and
// transparent gzip for large values.
package cache

import "time"

// Named caches and their L2 TTLs.
const (
	NameSessions     = "sessions"
	NameJobs         = "jobs"
	NameStats        = "stats"
	NamePlans        = "plans"
	NameFingerprints = "ai-fingerprints"
	NameRateLimit    = "ratelimit"
)

// L2TTL returns the distributed-tier TTL for a cache name.
func L2TTL(name string) time.Duration {
	switch name {
	case NameSessions:
		return 30 * time.Minute
	case NameJobs:
		return 2 * time.Hour
	case NameStats:
		return 5 * time.Minute
	case NamePlans:
		return 24 * time.Hour
	case NameFingerprints:
		return 6 * time.Hour
	case NameRateLimit:
		return time.Minute
	default:
		return 10 * time.Minute
	}
}

// Policy decides entry lifetime and weight for the L1 tier. Implementations
// are chosen by name at startup.
type Policy interface {
	// InitialTTL is the lifetime assigned on insert.
	InitialTTL(key string, value []byte) time.Duration
	// RefreshTTL returns the new remaining lifetime after an access, given
	// the entry's observed access frequency (hits per second since insert).
	// Returning 0 keeps the current expiry.
	RefreshTTL(key string, frequency float64) time.Duration
	// Weight is the eviction weight of an entry. Heavier entries are evicted
	// first when the tier is full.
	Weight(key string, value []byte) int64
}

// AdaptivePolicy extends TTL on frequently accessed entries and shortens it
// on cold ones. Weight is the byte footprint, so eviction keeps many small
// entries over few large ones.
type AdaptivePolicy struct {
	Base time.Duration // baseline TTL, default 5m
	Max  time.Duration // ceiling for hot entries, default 30m
	Min  time.Duration // floor for cold entries, default 30s
}

// NewAdaptivePolicy returns the default adaptive policy.
func NewAdaptivePolicy() *AdaptivePolicy {
	return &AdaptivePolicy{
		Base: 5 * time.Minute,
		Max:  30 * time.Minute,
		Min:  30 * time.Second,
	}
}

// InitialTTL implements Policy.
func (p *AdaptivePolicy) InitialTTL(string, []byte) time.Duration { return p.Base }

// RefreshTTL implements Policy. Hot entries (more than one access per ten
// seconds) stretch toward Max; cold entries shrink toward Min.
func (p *AdaptivePolicy) RefreshTTL(_ string, frequency float64) time.Duration {
	switch {
	case frequency > 1.0:
		return p.Max
	case frequency > 0.1:
		return p.Base * 2
	case frequency > 0.01:
		return p.Base
	default:
		return p.Min
	}
}

// Weight implements Policy.
func (p *AdaptivePolicy) Weight(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// PolicyByName selects a policy implementation from configuration.
func PolicyByName(name string) Policy {
	switch name {
	case "adaptive", "":
		return NewAdaptivePolicy()
	case "static":
		return &AdaptivePolicy{Base: 5 * time.Minute, Max: 5 * time.Minute, Min: 5 * time.Minute}
	default:
		return NewAdaptivePolicy()
	}
}
