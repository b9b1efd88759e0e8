package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/applyforge/applyforge-api/internal/auth"
	"github.com/applyforge/applyforge-api/internal/cache"
	"github.com/applyforge/applyforge-api/internal/dispatch"
	"github.com/applyforge/applyforge-api/internal/http/mw"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/repository"
	"github.com/applyforge/applyforge-api/internal/service"
)

func newHandlerFabric(t *testing.T) *cache.Fabric {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFabric(100, cache.NewAdaptivePolicy(), cache.NewL2(rdb), slog.Default())
}

func newTestTokens() *auth.TokenService {
	return auth.NewTokenService("test-secret-0123456789abcdef", time.Hour, nil, nil, slog.Default())
}

// stubJobs is the in-memory JobRepository backing handler tests.
type stubJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newStubJobs(jobs ...*models.Job) *stubJobs {
	s := &stubJobs{jobs: make(map[string]*models.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *stubJobs) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Status = models.JobStatusPending
	job.Version = 1
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *stubJobs) Get(_ context.Context, id, userID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.UserID != userID {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *stubJobs) GetFresh(ctx context.Context, id, userID string) (*models.Job, error) {
	return s.Get(ctx, id, userID)
}

func (s *stubJobs) GetByID(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *stubJobs) Transition(_ context.Context, id string, expectedVersion int64, from, to models.JobStatus, patch repository.JobPatch) (*models.Job, error) {
	if !models.CanTransition(from, to) {
		panic(fmt.Sprintf("illegal job transition %s -> %s", from, to))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
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

func (s *stubJobs) List(_ context.Context, userID string, filter repository.JobFilter, _ repository.Paging) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
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

func (s *stubJobs) StatsByUser(context.Context, string) (*models.JobStats, error) {
	return &models.JobStats{}, nil
}

// stubSubs always grants quota.
type stubSubs struct{}

func (stubSubs) GetPlan(context.Context, string) (*models.Plan, error) {
	return &models.Plan{ID: "free", Name: "Free", MonthlyQuota: nil}, nil
}

func (stubSubs) GetSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	return &models.Subscription{UserID: userID, PlanID: "free"}, nil
}

func (stubSubs) IncrementUsage(context.Context, string, int64) error { return nil }

// stubUsers is the in-memory UserRepository.
type stubUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newStubUsers() *stubUsers {
	return &stubUsers{users: make(map[string]*models.User)}
}

func (s *stubUsers) Create(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return repository.ErrConflict
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *stubUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *stubUsers) ResolveSubject(ctx context.Context, userID string) ([]string, error) {
	u, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.Roles, nil
}

// stubDispatcher accepts everything.
type stubDispatcher struct {
	mu        sync.Mutex
	published []*dispatch.JobDescriptor
	cancels   []string
}

func (d *stubDispatcher) PublishJob(_ context.Context, desc *dispatch.JobDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, desc)
	return nil
}

func (d *stubDispatcher) PublishCancel(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, jobID)
	return nil
}

func newJobService(t *testing.T, jobs repository.JobRepository) *service.JobService {
	t.Helper()
	fabric := newHandlerFabric(t)
	quota := service.NewQuotaService(stubSubs{}, fabric, slog.Default())
	return service.NewJobService(jobs, quota, &stubDispatcher{}, fabric, slog.Default())
}

// asUser attaches an authenticated principal, as the bearer filter would.
func asUser(r *http.Request, userID string) *http.Request {
	ctx := mw.WithPrincipal(r.Context(), &auth.Principal{UserID: userID, Roles: []string{"user"}})
	return r.WithContext(ctx)
}

// withURLParam injects a chi route parameter outside a router.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
