// Package metrics registers the prometheus collectors shared across
// components. Counters are incremented directly at the call sites that
// observe the event (cache accesses, limiter decisions, hub deliveries)
// rather than via indirection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts handled HTTP requests by route class and status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "http_requests_total",
		Help:      "HTTP requests by path class and status code.",
	}, []string{"class", "status"})

	// LimiterDegraded counts rate-limit checks that failed open because the
	// distributed store was unreachable.
	LimiterDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "ratelimit_degraded_total",
		Help:      "Rate limiter fail-open decisions due to store errors.",
	})

	// RateLimited counts denied requests per window granularity.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "ratelimit_denied_total",
		Help:      "Requests denied by the sliding-window limiter.",
	}, []string{"window"})

	// CacheHits and CacheMisses are instrumented at cache access sites.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "cache_hits_total",
		Help:      "Cache hits by tier (l1, l2, bloom).",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "cache_misses_total",
		Help:      "Cache misses by tier.",
	}, []string{"tier"})

	// CachePromotions counts L1 evictions asynchronously promoted to L2.
	CachePromotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "cache_promotions_total",
		Help:      "Entries promoted from L1 to L2 on eviction.",
	})

	// DispatchRetries counts broker publish retry attempts.
	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "dispatch_retries_total",
		Help:      "Broker publish retries.",
	})

	// DispatchFailures counts publishes that exhausted all attempts.
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "dispatch_failures_total",
		Help:      "Broker publishes failed after final retry.",
	})

	// DroppedEvents counts status events dropped because a subscriber's
	// buffer was full (drop-oldest policy).
	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "stream_dropped_events_total",
		Help:      "Status events dropped due to slow subscribers.",
	})

	// Subscribers tracks currently registered push-stream subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "applyforge",
		Name:      "stream_subscribers",
		Help:      "Currently registered push-stream subscribers.",
	})

	// HealthyReplicas tracks replicas currently in the read pool.
	HealthyReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "applyforge",
		Name:      "db_healthy_replicas",
		Help:      "Read replicas currently passing the health probe.",
	})

	// ReplicationLag reports the last measured replication lag in seconds.
	ReplicationLag = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "applyforge",
		Name:      "db_replication_lag_seconds",
		Help:      "Replication lag measured on the primary.",
	})

	// RejectedTasks counts worker-pool submissions dropped by the rejection
	// policy.
	RejectedTasks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "applyforge",
		Name:      "workerpool_rejected_tasks_total",
		Help:      "Tasks rejected by the saturated worker pool.",
	})

	// PoolQueueDepth tracks queued tasks in the worker pool.
	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "applyforge",
		Name:      "workerpool_queue_depth",
		Help:      "Tasks waiting in the worker pool queue.",
	})
)
