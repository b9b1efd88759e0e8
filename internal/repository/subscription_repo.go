package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/applyforge/applyforge-api/internal/models"
)

// PostgresSubscriptionRepository implements SubscriptionRepository.
type PostgresSubscriptionRepository struct {
	writer *sqlx.DB
	reader func() *sqlx.DB
}

// NewSubscriptionRepository creates a subscription repository.
func NewSubscriptionRepository(writer *sqlx.DB, reader func() *sqlx.DB) *PostgresSubscriptionRepository {
	if reader == nil {
		reader = func() *sqlx.DB { return writer }
	}
	return &PostgresSubscriptionRepository{writer: writer, reader: reader}
}

func (r *PostgresSubscriptionRepository) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	var plan models.Plan
	query := `SELECT id, name, monthly_quota FROM plans WHERE id = $1`
	err := r.reader().GetContext(ctx, &plan, query, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &plan, nil
}

func (r *PostgresSubscriptionRepository) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	query := `
		SELECT user_id, plan_id, period_start, period_end, units_used
		FROM subscriptions WHERE user_id = $1
	`
	// Usage is incremented on the primary moments before quota is re-read;
	// a stale replica read here would admit jobs past the quota.
	err := r.writer.GetContext(ctx, &sub, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (r *PostgresSubscriptionRepository) IncrementUsage(ctx context.Context, userID string, units int64) error {
	query := `UPDATE subscriptions SET units_used = units_used + $1 WHERE user_id = $2`
	res, err := r.writer.ExecContext(ctx, query, units, userID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
