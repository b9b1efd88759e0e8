package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/cache"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/repository"
	"github.com/applyforge/applyforge-api/internal/workerpool"
)

// StatsService serves the dashboard aggregation. Results are cached; cache
// hits trigger a background refresh through the worker pool so the dashboard
// stays warm without ever blocking a request on the aggregation query.
type StatsService struct {
	jobs   repository.JobRepository
	fabric *cache.Fabric
	pool   *workerpool.Pool
	logger *slog.Logger
}

// NewStatsService creates a stats service. pool may be nil in tests.
func NewStatsService(jobs repository.JobRepository, fabric *cache.Fabric, pool *workerpool.Pool, logger *slog.Logger) *StatsService {
	return &StatsService{jobs: jobs, fabric: fabric, pool: pool, logger: logger}
}

func statsKey(userID string) string { return "dashboard:" + userID }

// Stats returns the per-user status counts.
func (s *StatsService) Stats(ctx context.Context, userID string) (*models.JobStats, error) {
	key := statsKey(userID)
	if raw, ok := s.fabric.Get(ctx, cache.NameStats, key); ok {
		var stats models.JobStats
		if err := json.Unmarshal(raw, &stats); err == nil {
			s.refreshAsync(userID)
			return &stats, nil
		}
	}

	stats, err := s.load(ctx, userID)
	if err != nil {
		return nil, apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to load stats", err)
	}
	return stats, nil
}

func (s *StatsService) load(ctx context.Context, userID string) (*models.JobStats, error) {
	stats, err := s.jobs.StatsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(stats); err == nil {
		s.fabric.Set(ctx, cache.NameStats, statsKey(userID), raw)
	}
	return stats, nil
}

func (s *StatsService) refreshAsync(userID string) {
	if s.pool == nil {
		return
	}
	err := s.pool.Submit(context.Background(), func(ctx context.Context) {
		refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := s.load(refreshCtx, userID); err != nil {
			s.logger.Debug("stats refresh failed", "user_id", userID, "error", err)
		}
	})
	if err != nil {
		// Saturated pool: the cached value stays until its TTL runs out.
		s.logger.Debug("stats refresh skipped", "user_id", userID, "error", err)
	}
}
