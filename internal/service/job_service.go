package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/cache"
	"github.com/applyforge/applyforge-api/internal/dispatch"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/repository"
)

// SubmitRequest is the validated submission body.
type SubmitRequest struct {
	JDURL         string `json:"jdUrl" validate:"required,url,max=2048"`
	ResumeURI     string `json:"resumeUri" validate:"required,uri,max=2048"`
	ModelProvider string `json:"modelProvider" validate:"required"`
	ModelName     string `json:"modelName" validate:"required"`
	Priority      string `json:"priority" validate:"omitempty,oneof=EXPRESS HIGH NORMAL LOW"`
}

// Dispatcher is the broker-facing surface the lifecycle needs.
type Dispatcher interface {
	PublishJob(ctx context.Context, desc *dispatch.JobDescriptor) error
	PublishCancel(ctx context.Context, jobID string) error
}

// JobService owns the job lifecycle: admission, reads, cancel, artifact.
type JobService struct {
	jobs     repository.JobRepository
	quota    *QuotaService
	gateway  Dispatcher
	fabric   *cache.Fabric
	validate *validator.Validate
	logger   *slog.Logger
}

// NewJobService creates the lifecycle service.
func NewJobService(jobs repository.JobRepository, quota *QuotaService, gateway Dispatcher, fabric *cache.Fabric, logger *slog.Logger) *JobService {
	return &JobService{
		jobs:     jobs,
		quota:    quota,
		gateway:  gateway,
		fabric:   fabric,
		validate: validator.New(),
		logger:   logger,
	}
}

// Submit admits one job: validate, quota, persist PENDING, dispatch. A
// dispatch failure marks the job FAILED and surfaces as a dispatch error; the
// usage counter only moves after a confirmed dispatch.
func (s *JobService) Submit(ctx context.Context, userID, traceID string, req *SubmitRequest) (*models.Job, error) {
	if err := s.validateSubmit(req); err != nil {
		return nil, err
	}
	if err := s.quota.Check(ctx, userID); err != nil {
		return nil, err
	}

	priority := models.Priority(req.Priority)
	if priority == "" {
		priority = models.PriorityNormal
	}

	job := &models.Job{
		ID:            ulid.Make().String(),
		UserID:        userID,
		JDURL:         req.JDURL,
		ResumeURI:     req.ResumeURI,
		ModelProvider: req.ModelProvider,
		ModelName:     req.ModelName,
		Priority:      priority,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to create application", err)
	}

	desc := &dispatch.JobDescriptor{
		JobID:         job.ID,
		UserID:        userID,
		JDURL:         job.JDURL,
		ResumeURI:     job.ResumeURI,
		ModelProvider: job.ModelProvider,
		ModelName:     job.ModelName,
		Priority:      job.Priority,
		TraceID:       traceID,
	}
	if err := s.gateway.PublishJob(ctx, desc); err != nil {
		s.failAfterDispatch(ctx, job, "dispatch")
		return nil, err
	}

	s.quota.RecordUsage(ctx, userID)
	s.logger.Info("application submitted",
		"job_id", job.ID, "user_id", userID, "priority", job.Priority)
	return job, nil
}

func (s *JobService) validateSubmit(req *SubmitRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.Newf(apperr.KindValidation, "invalid field %q", verrs[0].Field())
		}
		return apperr.New(apperr.KindValidation, "invalid submission")
	}
	if !strings.HasPrefix(req.JDURL, "http://") && !strings.HasPrefix(req.JDURL, "https://") {
		return apperr.New(apperr.KindValidation, "jdUrl must be an http(s) URL")
	}
	if !models.ProviderSupports(req.ModelProvider, req.ModelName) {
		return apperr.Newf(apperr.KindValidation, "unknown model %q for provider %q",
			req.ModelName, req.ModelProvider)
	}
	return nil
}

// failAfterDispatch best-effort marks a never-dispatched job FAILED so it
// doesn't sit PENDING forever.
func (s *JobService) failAfterDispatch(ctx context.Context, job *models.Job, reason string) {
	patch := repository.JobPatch{FailureReason: &reason}
	if _, err := s.jobs.Transition(ctx, job.ID, job.Version,
		models.JobStatusPending, models.JobStatusFailed, patch); err != nil {
		s.logger.Error("failed to mark undispatched job failed",
			"job_id", job.ID, "error", err)
	}
}

// Get returns one owned job. Terminal rows are immutable and cached.
func (s *JobService) Get(ctx context.Context, jobID, userID string) (*models.Job, error) {
	cacheKey := jobID + ":" + userID
	if raw, ok := s.fabric.Get(ctx, cache.NameJobs, cacheKey); ok {
		var job models.Job
		if err := json.Unmarshal(raw, &job); err == nil {
			return &job, nil
		}
	}

	job, err := s.jobs.Get(ctx, jobID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "application not found")
	}
	if err != nil {
		return nil, apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to load application", err)
	}

	if job.Status.IsTerminal() {
		if raw, err := json.Marshal(job); err == nil {
			s.fabric.Set(ctx, cache.NameJobs, cacheKey, raw)
		}
	}
	return job, nil
}

// List returns the caller's jobs, newest first.
func (s *JobService) List(ctx context.Context, userID string, status string, limit, offset int) ([]*models.Job, error) {
	filter := repository.JobFilter{}
	if status != "" {
		st := models.JobStatus(strings.ToUpper(status))
		if !st.IsValid() {
			return nil, apperr.Newf(apperr.KindValidation, "unknown status %q", status)
		}
		filter.Status = st
	}
	jobs, err := s.jobs.List(ctx, userID, filter, repository.Paging{Limit: limit, Offset: offset})
	if err != nil {
		return nil, apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to list applications", err)
	}
	return jobs, nil
}

// Cancel moves an owned non-terminal job to CANCELLED and sends a cancel
// control message for work already in flight.
func (s *JobService) Cancel(ctx context.Context, jobID, userID string) (*models.Job, error) {
	job, err := s.jobs.GetFresh(ctx, jobID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "application not found")
	}
	if err != nil {
		return nil, apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to load application", err)
	}
	if job.Status.IsTerminal() {
		return nil, apperr.Newf(apperr.KindConflict, "application already %s", strings.ToLower(string(job.Status)))
	}

	cancelled, err := s.jobs.Transition(ctx, job.ID, job.Version, job.Status, models.JobStatusCancelled, repository.JobPatch{})
	if errors.Is(err, repository.ErrConflict) {
		return nil, apperr.New(apperr.KindConflict, "application state changed, retry")
	}
	if err != nil {
		return nil, apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to cancel application", err)
	}

	// Best effort: the worker may already hold the job.
	if err := s.gateway.PublishCancel(ctx, job.ID); err != nil {
		s.logger.Warn("cancel control message failed", "job_id", job.ID, "error", err)
	}

	s.fabric.Invalidate(ctx, cache.NameJobs, jobID+":"+userID)
	return cancelled, nil
}

// Artifact returns the artifact reference of a completed job; anything else
// is a conflict.
func (s *JobService) Artifact(ctx context.Context, jobID, userID string) (string, error) {
	job, err := s.Get(ctx, jobID, userID)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusCompleted {
		return "", apperr.Newf(apperr.KindConflict, "application is %s, artifact not available",
			strings.ToLower(string(job.Status)))
	}
	if job.ArtifactRef == nil || *job.ArtifactRef == "" {
		return "", apperr.New(apperr.KindInternal, "completed application missing artifact")
	}
	return *job.ArtifactRef, nil
}
