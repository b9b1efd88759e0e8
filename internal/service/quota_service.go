package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/cache"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/repository"
)

// QuotaService enforces monthly plan quotas. Plans are near-immutable and
// cached for a day; the subscription row is cached briefly and invalidated
// whenever usage is recorded.
type QuotaService struct {
	subs   repository.SubscriptionRepository
	fabric *cache.Fabric
	logger *slog.Logger
}

// NewQuotaService creates a quota service.
func NewQuotaService(subs repository.SubscriptionRepository, fabric *cache.Fabric, logger *slog.Logger) *QuotaService {
	return &QuotaService{subs: subs, fabric: fabric, logger: logger}
}

// Check admits or rejects one unit of work. A user without a subscription row
// has no active entitlement and is rejected the same as an exhausted quota.
func (s *QuotaService) Check(ctx context.Context, userID string) error {
	sub, err := s.loadSubscription(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.New(apperr.KindQuota, "no active subscription")
	}
	if err != nil {
		return apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to load subscription", err)
	}

	plan, err := s.loadPlan(ctx, sub.PlanID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.New(apperr.KindQuota, "no active subscription")
	}
	if err != nil {
		return apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to load plan", err)
	}

	if plan.MonthlyQuota == nil {
		return nil
	}
	if sub.UnitsUsed >= *plan.MonthlyQuota {
		return apperr.New(apperr.KindQuota, "monthly quota exceeded")
	}
	return nil
}

// RecordUsage counts one dispatched unit. At-least-once: a retry after a
// partial failure may double-count, which is accepted over under-counting.
func (s *QuotaService) RecordUsage(ctx context.Context, userID string) {
	if err := s.subs.IncrementUsage(ctx, userID, 1); err != nil {
		s.logger.Error("usage increment failed", "user_id", userID, "error", err)
		return
	}
	s.fabric.Invalidate(ctx, cache.NameStats, subscriptionKey(userID))
}

func subscriptionKey(userID string) string { return "subscription:" + userID }

func (s *QuotaService) loadSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	key := subscriptionKey(userID)
	if raw, ok := s.fabric.Get(ctx, cache.NameStats, key); ok {
		var sub models.Subscription
		if err := json.Unmarshal(raw, &sub); err == nil {
			return &sub, nil
		}
	}

	sub, err := s.subs.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(sub); err == nil {
		s.fabric.Set(ctx, cache.NameStats, key, raw)
	}
	return sub, nil
}

func (s *QuotaService) loadPlan(ctx context.Context, planID string) (*models.Plan, error) {
	if raw, ok := s.fabric.Get(ctx, cache.NamePlans, planID); ok {
		var plan models.Plan
		if err := json.Unmarshal(raw, &plan); err == nil {
			return &plan, nil
		}
	}

	plan, err := s.subs.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(plan); err == nil {
		s.fabric.SetTTL(ctx, cache.NamePlans, planID, raw, cache.L2TTL(cache.NamePlans))
	}
	return plan, nil
}
