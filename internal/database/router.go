package database

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/applyforge/applyforge-api/internal/metrics"
)

// Strategy selects a replica for a read.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyRandom     Strategy = "random"
	StrategyWeighted   Strategy = "weighted"
)

// replica is one read endpoint plus its probe state.
type replica struct {
	db      *sqlx.DB
	url     string
	weight  int
	healthy atomic.Bool
}

// RouterConfig holds the routing and probing knobs.
type RouterConfig struct {
	Strategy      Strategy
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	LagWarn       time.Duration
	LagCritical   time.Duration
}

// Router exposes the two faces of the data layer: Writer (always the
// primary) and Reader (a healthy replica, or the primary when the pool is
// empty or replication lag is critical).
type Router struct {
	primary  *sqlx.DB
	replicas []*replica
	cfg      RouterConfig
	logger   *slog.Logger

	rr  atomic.Uint64
	lag atomic.Int64 // nanoseconds, as measured on the primary

	mu     sync.RWMutex
	closed bool
}

// NewRouter builds a router over an already-opened primary and replica URLs.
// Replicas that fail to open are logged and skipped; they would fail the
// probe anyway.
func NewRouter(primary *sqlx.DB, replicaURLs []string, cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.LagWarn <= 0 {
		cfg.LagWarn = 5 * time.Second
	}
	if cfg.LagCritical <= 0 {
		cfg.LagCritical = 15 * time.Second
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}

	r := &Router{primary: primary, cfg: cfg, logger: logger}
	for _, url := range replicaURLs {
		db, err := Open(url)
		if err != nil {
			logger.Warn("replica open failed, skipping", "url", url, "error", err)
			continue
		}
		rep := &replica{db: db, url: url, weight: 1}
		rep.healthy.Store(true)
		r.replicas = append(r.replicas, rep)
	}
	metrics.HealthyReplicas.Set(float64(len(r.replicas)))
	return r
}

// Writer returns the primary. All mutations and explicit transactions use it.
func (r *Router) Writer() *sqlx.DB { return r.primary }

// Reader returns a connection for read traffic. Reads fall back to the
// primary when no replica is healthy or replication lag is critical.
func (r *Router) Reader() *sqlx.DB {
	if r.LagCritical() {
		return r.primary
	}
	healthy := r.healthyReplicas()
	if len(healthy) == 0 {
		return r.primary
	}
	switch r.cfg.Strategy {
	case StrategyRandom:
		return healthy[rand.Intn(len(healthy))].db
	case StrategyWeighted:
		return pickWeighted(healthy).db
	default:
		idx := r.rr.Add(1)
		return healthy[int(idx)%len(healthy)].db
	}
}

func pickWeighted(reps []*replica) *replica {
	total := 0
	for _, rep := range reps {
		total += rep.weight
	}
	if total <= 0 {
		return reps[0]
	}
	n := rand.Intn(total)
	for _, rep := range reps {
		n -= rep.weight
		if n < 0 {
			return rep
		}
	}
	return reps[len(reps)-1]
}

func (r *Router) healthyReplicas() []*replica {
	out := make([]*replica, 0, len(r.replicas))
	for _, rep := range r.replicas {
		if rep.healthy.Load() {
			out = append(out, rep)
		}
	}
	return out
}

// Lag returns the last measured replication lag.
func (r *Router) Lag() time.Duration {
	return time.Duration(r.lag.Load())
}

// LagCritical reports whether lag is beyond the critical threshold; the
// router is considered unhealthy and reads go to the primary.
func (r *Router) LagCritical() bool {
	return r.Lag() > r.cfg.LagCritical
}

// Healthy reports router health for readiness: the primary answers and lag
// is below critical.
func (r *Router) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()
	if err := r.primary.PingContext(ctx); err != nil {
		return false
	}
	return !r.LagCritical()
}

// RunProbes periodically executes SELECT 1 against every endpoint and
// measures replication lag on the primary, until ctx is cancelled.
func (r *Router) RunProbes(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()
	r.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeOnce(ctx)
		}
	}
}

func (r *Router) probeOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	for _, rep := range r.replicas {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, r.cfg.ProbeTimeout)
			defer cancel()
			var one int
			err := rep.db.GetContext(probeCtx, &one, "SELECT 1")
			was := rep.healthy.Swap(err == nil)
			if err != nil && was {
				r.logger.Warn("replica removed from read pool", "url", rep.url, "error", err)
			} else if err == nil && !was {
				r.logger.Info("replica returned to read pool", "url", rep.url)
			}
			return nil
		})
	}

	g.Go(func() error {
		probeCtx, cancel := context.WithTimeout(gctx, r.cfg.ProbeTimeout)
		defer cancel()
		r.measureLag(probeCtx)
		return nil
	})

	_ = g.Wait()
	metrics.HealthyReplicas.Set(float64(len(r.healthyReplicas())))
}

// measureLag reads the worst replay lag from pg_stat_replication on the
// primary. No replication rows means a standalone primary: zero lag.
func (r *Router) measureLag(ctx context.Context) {
	var lagSeconds float64
	err := r.primary.GetContext(ctx, &lagSeconds,
		`SELECT COALESCE(EXTRACT(EPOCH FROM MAX(replay_lag)), 0) FROM pg_stat_replication`)
	if err != nil {
		r.logger.Warn("replication lag probe failed", "error", err)
		return
	}
	lag := time.Duration(lagSeconds * float64(time.Second))
	r.lag.Store(int64(lag))
	metrics.ReplicationLag.Set(lagSeconds)

	if lag > r.cfg.LagCritical {
		r.logger.Error("replication lag critical, reads falling back to primary",
			"lag", lag.String(), "threshold", r.cfg.LagCritical.String())
	} else if lag > r.cfg.LagWarn {
		r.logger.Warn("replication lag above warning threshold",
			"lag", lag.String(), "threshold", r.cfg.LagWarn.String())
	}
}

// Close closes the replica pools. The primary is owned by the caller.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, rep := range r.replicas {
		_ = rep.db.Close()
	}
}
