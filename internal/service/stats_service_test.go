package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/workerpool"
)

func TestStatsMissLoadsAndCaches(t *testing.T) {
	jobs := newMemJobRepo()
	jobs.stats = &models.JobStats{Total: 7, Completed: 4}
	svc := NewStatsService(jobs, newTestFabric(t), nil, slog.Default())
	ctx := context.Background()

	stats, err := svc.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 7 || stats.Completed != 4 {
		t.Fatalf("stats = %+v", stats)
	}
	if jobs.statsLoad != 1 {
		t.Fatalf("aggregation ran %d times", jobs.statsLoad)
	}

	// Second call is a cache hit; with no pool there is no refresh either.
	if _, err := svc.Stats(ctx, "u1"); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if jobs.statsLoad != 1 {
		t.Fatalf("cache hit still ran the aggregation (%d loads)", jobs.statsLoad)
	}
}

func TestStatsHitRefreshesInBackground(t *testing.T) {
	jobs := newMemJobRepo()
	jobs.stats = &models.JobStats{Total: 1}
	ctx := context.Background()
	pool := workerpool.New(8, func() bool { return true }, slog.Default())
	pool.Start(ctx)
	t.Cleanup(pool.Stop)

	svc := NewStatsService(jobs, newTestFabric(t), pool, slog.Default())

	if _, err := svc.Stats(ctx, "u1"); err != nil {
		t.Fatalf("Stats: %v", err)
	}

	// A hit serves the cached value immediately and re-runs the aggregation
	// off the request path.
	if _, err := svc.Stats(ctx, "u1"); err != nil {
		t.Fatalf("Stats: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs.mu.Lock()
		loads := jobs.statsLoad
		jobs.mu.Unlock()
		if loads >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background refresh never ran")
}
