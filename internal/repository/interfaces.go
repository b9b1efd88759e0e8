// Package repository implements data access over the routed connections.
// Mutations go through the writer face; list/read paths use the reader face
// unless the caller needs read-after-write consistency.
package repository

import (
	"context"
	"errors"

	"github.com/applyforge/applyforge-api/internal/models"
)

// ErrNotFound is returned when the entity is absent (or not owned, for
// ownership-scoped lookups — absence and foreign ownership are
// indistinguishable to callers by design).
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a version-guarded update lost the race or the
// email is already taken on registration.
var ErrConflict = errors.New("conflict")

// JobFilter narrows List results.
type JobFilter struct {
	Status models.JobStatus // empty = all
}

// Paging bounds a list query.
type Paging struct {
	Limit  int
	Offset int
}

// JobPatch carries the optional fields of a status transition.
type JobPatch struct {
	ArtifactRef   *string
	FailureReason *string
}

// JobRepository owns the jobs table.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	// Get returns the job iff it exists and is owned by userID.
	Get(ctx context.Context, id, userID string) (*models.Job, error)
	// GetFresh is Get with read-after-write consistency (primary).
	GetFresh(ctx context.Context, id, userID string) (*models.Job, error)
	// GetByID is the ownership-free lookup for broker-side processing. Never
	// exposed through the HTTP surface.
	GetByID(ctx context.Context, id string) (*models.Job, error)
	// Transition performs the version-guarded status change. A lost race
	// returns ErrConflict; an edge not in the status DAG panics (programmer
	// error).
	Transition(ctx context.Context, id string, expectedVersion int64, from, to models.JobStatus, patch JobPatch) (*models.Job, error)
	List(ctx context.Context, userID string, filter JobFilter, page Paging) ([]*models.Job, error)
	StatsByUser(ctx context.Context, userID string) (*models.JobStats, error)
}

// UserRepository owns the users table.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	// ResolveSubject satisfies the token service's resolver.
	ResolveSubject(ctx context.Context, userID string) ([]string, error)
}

// SubscriptionRepository reads plans and subscriptions and increments usage.
// Plan/subscription mutation is owned by the external billing system.
type SubscriptionRepository interface {
	GetPlan(ctx context.Context, planID string) (*models.Plan, error)
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	// IncrementUsage is best-effort at-least-once, called after a successful
	// dispatch.
	IncrementUsage(ctx context.Context, userID string, units int64) error
}
