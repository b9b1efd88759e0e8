package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/applyforge/applyforge-api/internal/cache"
	"github.com/applyforge/applyforge-api/internal/dispatch"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/repository"
)

func newTestFabric(t *testing.T) *cache.Fabric {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFabric(100, cache.NewAdaptivePolicy(), cache.NewL2(rdb), slog.Default())
}

// memJobRepo is an in-memory JobRepository for service tests.
type memJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	createErr error
	stats     *models.JobStats
	statsLoad int
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*models.Job)}
}

func (r *memJobRepo) Create(_ context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	job.Status = models.JobStatusPending
	job.Version = 1
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memJobRepo) Get(_ context.Context, id, userID string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.UserID != userID {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *memJobRepo) GetFresh(ctx context.Context, id, userID string) (*models.Job, error) {
	return r.Get(ctx, id, userID)
}

func (r *memJobRepo) GetByID(_ context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *memJobRepo) Transition(_ context.Context, id string, expectedVersion int64, from, to models.JobStatus, patch repository.JobPatch) (*models.Job, error) {
	if !models.CanTransition(from, to) {
		panic(fmt.Sprintf("illegal job transition %s -> %s", from, to))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if job.Version != expectedVersion || job.Status != from {
		return nil, repository.ErrConflict
	}
	job.Status = to
	job.Version++
	if patch.ArtifactRef != nil {
		job.ArtifactRef = patch.ArtifactRef
	}
	if patch.FailureReason != nil {
		job.FailureReason = patch.FailureReason
	}
	cp := *job
	return &cp, nil
}

func (r *memJobRepo) List(_ context.Context, userID string, filter repository.JobFilter, _ repository.Paging) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, job := range r.jobs {
		if job.UserID != userID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memJobRepo) StatsByUser(context.Context, string) (*models.JobStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsLoad++
	if r.stats != nil {
		cp := *r.stats
		return &cp, nil
	}
	return &models.JobStats{}, nil
}

// memSubsRepo is an in-memory SubscriptionRepository.
type memSubsRepo struct {
	mu    sync.Mutex
	plans map[string]*models.Plan
	subs  map[string]*models.Subscription
}

func newMemSubsRepo() *memSubsRepo {
	return &memSubsRepo{
		plans: make(map[string]*models.Plan),
		subs:  make(map[string]*models.Subscription),
	}
}

func (r *memSubsRepo) GetPlan(_ context.Context, planID string) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[planID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *plan
	return &cp, nil
}

func (r *memSubsRepo) GetSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *memSubsRepo) IncrementUsage(_ context.Context, userID string, units int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[userID]
	if !ok {
		return repository.ErrNotFound
	}
	sub.UnitsUsed += units
	return nil
}

// memUserRepo is an in-memory UserRepository.
type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*models.User // by id
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*models.User)}
}

func (r *memUserRepo) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return repository.ErrConflict
		}
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memUserRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) ResolveSubject(ctx context.Context, userID string) ([]string, error) {
	u, err := r.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.Roles, nil
}

// fakeDispatcher records publishes and can fail on demand.
type fakeDispatcher struct {
	mu         sync.Mutex
	published  []*dispatch.JobDescriptor
	cancels    []string
	publishErr error
	cancelErr  error
}

func (d *fakeDispatcher) PublishJob(_ context.Context, desc *dispatch.JobDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.publishErr != nil {
		return d.publishErr
	}
	d.published = append(d.published, desc)
	return nil
}

func (d *fakeDispatcher) PublishCancel(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelErr != nil {
		return d.cancelErr
	}
	d.cancels = append(d.cancels, jobID)
	return nil
}

var errBrokerDown = errors.New("broker down")
