package cache

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/applyforge/applyforge-api/internal/metrics"
)

// EvictReason explains why an entry left the L1 tier.
type EvictReason int

const (
	EvictSize EvictReason = iota
	EvictExpired
	EvictExplicit
)

// EvictFunc observes evictions. frequency is the entry's observed access rate
// (hits per second since insert). The fabric uses it to promote hot entries
// to L2.
type EvictFunc func(key string, value []byte, reason EvictReason, frequency float64)

type l1Entry struct {
	value      []byte
	expiresAt  time.Time
	insertedAt time.Time
	hits       int64
	weight     int64
}

func (e *l1Entry) frequency(now time.Time) float64 {
	age := now.Sub(e.insertedAt).Seconds()
	if age < 1 {
		age = 1
	}
	return float64(e.hits) / age
}

// L1 is the bounded in-process tier. A bloom filter tracks every key ever
// inserted so lookups for never-cached keys short-circuit without touching
// the map. False positives only cost a map lookup.
type L1 struct {
	mu         sync.Mutex
	entries    map[string]*l1Entry
	maxEntries int
	policy     Policy
	onEvict    EvictFunc
	filter     *bloom.BloomFilter
	now        func() time.Time
}

// NewL1 creates an L1 tier bounded to maxEntries.
func NewL1(maxEntries int, policy Policy, onEvict EvictFunc) *L1 {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	if policy == nil {
		policy = NewAdaptivePolicy()
	}
	return &L1{
		entries:    make(map[string]*l1Entry),
		maxEntries: maxEntries,
		policy:     policy,
		onEvict:    onEvict,
		filter:     bloom.NewWithEstimates(uint(maxEntries)*10, 0.01),
		now:        time.Now,
	}
}

// Get returns the cached value and whether it was present and fresh.
func (c *L1) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.filter.TestString(key) {
		metrics.CacheHits.WithLabelValues("bloom").Inc()
		return nil, false
	}

	e, ok := c.entries[key]
	if !ok {
		metrics.CacheMisses.WithLabelValues("l1").Inc()
		return nil, false
	}

	now := c.now()
	if now.After(e.expiresAt) {
		c.evictLocked(key, e, EvictExpired)
		metrics.CacheMisses.WithLabelValues("l1").Inc()
		return nil, false
	}

	e.hits++
	if ttl := c.policy.RefreshTTL(key, e.frequency(now)); ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	metrics.CacheHits.WithLabelValues("l1").Inc()
	return e.value, true
}

// Set inserts or replaces an entry, evicting by weight when full.
func (c *L1) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictHeaviestLocked()
	}

	c.entries[key] = &l1Entry{
		value:      value,
		expiresAt:  now.Add(c.policy.InitialTTL(key, value)),
		insertedAt: now,
		weight:     c.policy.Weight(key, value),
	}
	c.filter.AddString(key)
}

// Delete removes an entry without triggering promotion.
func (c *L1) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.evictLocked(key, e, EvictExplicit)
	}
}

// Len returns the current entry count.
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictHeaviestLocked removes the entry with the worst weight-to-frequency
// ratio, so small and hot entries survive.
func (c *L1) evictHeaviestLocked() {
	now := c.now()
	var worstKey string
	var worstEntry *l1Entry
	var worstScore float64

	for k, e := range c.entries {
		// Expired entries are free wins.
		if now.After(e.expiresAt) {
			c.evictLocked(k, e, EvictExpired)
			return
		}
		score := float64(e.weight) / (e.frequency(now) + 1)
		if worstEntry == nil || score > worstScore {
			worstKey, worstEntry, worstScore = k, e, score
		}
	}
	if worstEntry != nil {
		c.evictLocked(worstKey, worstEntry, EvictSize)
	}
}

func (c *L1) evictLocked(key string, e *l1Entry, reason EvictReason) {
	delete(c.entries, key)
	if c.onEvict != nil {
		c.onEvict(key, e.value, reason, e.frequency(c.now()))
	}
}
