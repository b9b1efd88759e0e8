package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/models"
)

func validSubmit() *SubmitRequest {
	return &SubmitRequest{
		JDURL:         "https://jobs.example.com/postings/42",
		ResumeURI:     "s3://uploads/u1/resume.pdf",
		ModelProvider: "openai",
		ModelName:     "gpt-4o",
		Priority:      "HIGH",
	}
}

func newJobServiceFixture(t *testing.T) (*JobService, *memJobRepo, *memSubsRepo, *fakeDispatcher) {
	t.Helper()
	jobs := newMemJobRepo()
	subs := newMemSubsRepo()
	seedSubscription(subs, "u1", "pro", int64p(10), 0)
	gateway := &fakeDispatcher{}
	fabric := newTestFabric(t)
	quota := NewQuotaService(subs, fabric, slog.Default())
	svc := NewJobService(jobs, quota, gateway, fabric, slog.Default())
	return svc, jobs, subs, gateway
}

func TestSubmitHappyPath(t *testing.T) {
	svc, jobs, subs, gateway := newJobServiceFixture(t)

	job, err := svc.Submit(context.Background(), "u1", "trace-1", validSubmit())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != models.JobStatusPending || job.Version != 1 {
		t.Fatalf("job = status %s version %d", job.Status, job.Version)
	}
	if job.Priority != models.PriorityHigh {
		t.Fatalf("priority = %s", job.Priority)
	}

	stored, err := jobs.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if stored.UserID != "u1" {
		t.Fatalf("stored = %+v", stored)
	}

	if len(gateway.published) != 1 {
		t.Fatalf("published %d descriptors", len(gateway.published))
	}
	desc := gateway.published[0]
	if desc.JobID != job.ID || desc.TraceID != "trace-1" || desc.Priority != models.PriorityHigh {
		t.Fatalf("descriptor = %+v", desc)
	}

	if used := subs.subs["u1"].UnitsUsed; used != 1 {
		t.Fatalf("units used = %d, want 1", used)
	}
}

func TestSubmitDefaultsToNormalPriority(t *testing.T) {
	svc, _, _, _ := newJobServiceFixture(t)
	req := validSubmit()
	req.Priority = ""

	job, err := svc.Submit(context.Background(), "u1", "", req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Priority != models.PriorityNormal {
		t.Fatalf("priority = %s, want NORMAL", job.Priority)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, jobs, _, gateway := newJobServiceFixture(t)

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing jd url", func(r *SubmitRequest) { r.JDURL = "" }},
		{"non-http jd url", func(r *SubmitRequest) { r.JDURL = "ftp://example.com/jd" }},
		{"missing resume", func(r *SubmitRequest) { r.ResumeURI = "" }},
		{"unknown priority", func(r *SubmitRequest) { r.Priority = "URGENT" }},
		{"unknown provider", func(r *SubmitRequest) { r.ModelProvider = "acme" }},
		{"unknown model", func(r *SubmitRequest) { r.ModelName = "gpt-99" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSubmit()
			tc.mutate(req)
			_, err := svc.Submit(context.Background(), "u1", "", req)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("err = %v, want validation kind", err)
			}
		})
	}
	if len(jobs.jobs) != 0 || len(gateway.published) != 0 {
		t.Fatal("rejected submissions must not persist or dispatch")
	}
}

func TestSubmitQuotaExceededCreatesNothing(t *testing.T) {
	svc, jobs, subs, gateway := newJobServiceFixture(t)
	subs.subs["u1"].UnitsUsed = 10 // at cap

	_, err := svc.Submit(context.Background(), "u1", "", validSubmit())
	if apperr.KindOf(err) != apperr.KindQuota {
		t.Fatalf("err = %v, want quota kind", err)
	}
	if len(jobs.jobs) != 0 || len(gateway.published) != 0 {
		t.Fatal("quota rejection must not persist or dispatch")
	}
}

func TestSubmitDispatchFailureMarksJobFailed(t *testing.T) {
	svc, jobs, subs, gateway := newJobServiceFixture(t)
	gateway.publishErr = apperr.WrapOrigin(apperr.KindDispatch, apperr.OriginBroker,
		"failed to dispatch application", errBrokerDown)

	_, err := svc.Submit(context.Background(), "u1", "", validSubmit())
	if apperr.KindOf(err) != apperr.KindDispatch {
		t.Fatalf("err = %v, want dispatch kind", err)
	}

	// The orphaned row was moved off PENDING with the failure recorded.
	var stored *models.Job
	for _, j := range jobs.jobs {
		stored = j
	}
	if stored == nil {
		t.Fatal("job row missing")
	}
	if stored.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", stored.Status)
	}
	if stored.FailureReason == nil || *stored.FailureReason != "dispatch" {
		t.Fatalf("failure reason = %v", stored.FailureReason)
	}

	if used := subs.subs["u1"].UnitsUsed; used != 0 {
		t.Fatalf("units used = %d, failed dispatch must not count", used)
	}
}

func TestGetCachesOnlyTerminalJobs(t *testing.T) {
	svc, jobs, _, _ := newJobServiceFixture(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "u1", "", validSubmit())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// PENDING reads always hit the repository.
	if _, err := svc.Get(ctx, job.ID, "u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	jobs.mu.Lock()
	jobs.jobs[job.ID].Status = models.JobStatusProcessing
	jobs.mu.Unlock()
	got, err := svc.Get(ctx, job.ID, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.JobStatusProcessing {
		t.Fatalf("non-terminal job served stale from cache: %s", got.Status)
	}

	// Terminal reads are cached: a later repository change is not observed.
	artifact := "s3://artifacts/a.pdf"
	jobs.mu.Lock()
	jobs.jobs[job.ID].Status = models.JobStatusCompleted
	jobs.jobs[job.ID].ArtifactRef = &artifact
	jobs.mu.Unlock()
	if _, err := svc.Get(ctx, job.ID, "u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	jobs.mu.Lock()
	delete(jobs.jobs, job.ID)
	jobs.mu.Unlock()
	got, err = svc.Get(ctx, job.ID, "u1")
	if err != nil {
		t.Fatalf("terminal job not served from cache: %v", err)
	}
	if got.Status != models.JobStatusCompleted {
		t.Fatalf("cached status = %s", got.Status)
	}
}

func TestGetForeignJobIsNotFound(t *testing.T) {
	svc, _, _, _ := newJobServiceFixture(t)
	job, err := svc.Submit(context.Background(), "u1", "", validSubmit())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err = svc.Get(context.Background(), job.ID, "intruder")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	svc, _, _, _ := newJobServiceFixture(t)
	_, err := svc.List(context.Background(), "u1", "SHIPPED", 20, 0)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("err = %v, want validation kind", err)
	}
}

func TestListFilterIsCaseInsensitive(t *testing.T) {
	svc, _, _, _ := newJobServiceFixture(t)
	ctx := context.Background()
	if _, err := svc.Submit(ctx, "u1", "", validSubmit()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	out, err := svc.List(ctx, "u1", "pending", 20, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("listed %d jobs, want 1", len(out))
	}
}

func TestCancelPendingJob(t *testing.T) {
	svc, _, _, gateway := newJobServiceFixture(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "u1", "", validSubmit())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, job.ID, "u1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != models.JobStatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if len(gateway.cancels) != 1 || gateway.cancels[0] != job.ID {
		t.Fatalf("cancel control messages = %v", gateway.cancels)
	}
}

func TestCancelTerminalJobIsConflict(t *testing.T) {
	svc, jobs, _, _ := newJobServiceFixture(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "u1", "", validSubmit())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	jobs.mu.Lock()
	jobs.jobs[job.ID].Status = models.JobStatusCompleted
	jobs.mu.Unlock()

	_, err = svc.Cancel(ctx, job.ID, "u1")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestCancelSurvivesControlMessageFailure(t *testing.T) {
	svc, _, _, gateway := newJobServiceFixture(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "u1", "", validSubmit())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	gateway.cancelErr = errBrokerDown

	cancelled, err := svc.Cancel(ctx, job.ID, "u1")
	if err != nil {
		t.Fatalf("cancel failed on a best-effort control message: %v", err)
	}
	if cancelled.Status != models.JobStatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
}

func TestArtifactOnlyForCompletedJobs(t *testing.T) {
	svc, jobs, _, _ := newJobServiceFixture(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "u1", "", validSubmit())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := svc.Artifact(ctx, job.ID, "u1"); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("err = %v, want conflict for a pending job", err)
	}

	artifact := "s3://artifacts/a.pdf"
	jobs.mu.Lock()
	jobs.jobs[job.ID].Status = models.JobStatusCompleted
	jobs.jobs[job.ID].ArtifactRef = &artifact
	jobs.mu.Unlock()

	ref, err := svc.Artifact(ctx, job.ID, "u1")
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if ref != artifact {
		t.Fatalf("ref = %q", ref)
	}
}

func TestArtifactMissingRefIsInternal(t *testing.T) {
	svc, jobs, _, _ := newJobServiceFixture(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "u1", "", validSubmit())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	jobs.mu.Lock()
	jobs.jobs[job.ID].Status = models.JobStatusCompleted
	jobs.mu.Unlock()

	if _, err := svc.Artifact(ctx, job.ID, "u1"); apperr.KindOf(err) != apperr.KindInternal {
		t.Fatalf("err = %v, want internal", err)
	}
}
