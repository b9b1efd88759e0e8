// Package models defines the domain models for the application.
// Jobs are the central entity: one job is one AI-generated application
// artifact (job description URL + resume reference in, artifact out).
package models

import (
	"time"
)

// JobStatus represents the lifecycle status of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final. Terminal jobs never
// transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status value.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// transitions is the status DAG. PENDING may move to PROCESSING, CANCELLED or
// FAILED; PROCESSING to COMPLETED, FAILED or CANCELLED. Terminal states have
// no outgoing edges.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge in the status DAG.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority is the queue family a job descriptor is routed to.
type Priority string

const (
	PriorityExpress Priority = "EXPRESS"
	PriorityHigh    Priority = "HIGH"
	PriorityNormal  Priority = "NORMAL"
	PriorityLow     Priority = "LOW"
)

// IsValid reports whether p is a known priority class.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityExpress, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// RoutingSegment returns the lower-case routing-key segment for the priority,
// e.g. "express" in "jobs.priority.express".
func (p Priority) RoutingSegment() string {
	switch p {
	case PriorityExpress:
		return "express"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Job represents a single artifact-generation unit of work.
type Job struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	JDURL         string     `json:"jd_url" db:"jd_url"`
	ResumeURI     string     `json:"resume_uri" db:"resume_uri"`
	ModelProvider string     `json:"model_provider" db:"model_provider"`
	ModelName     string     `json:"model_name" db:"model_name"`
	Status        JobStatus  `json:"status" db:"status"`
	Priority      Priority   `json:"priority" db:"priority"`
	Version       int64      `json:"version" db:"version"`
	ArtifactRef   *string    `json:"artifact_ref,omitempty" db:"artifact_ref"`
	FailureReason *string    `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Role names as carried in token claims.
const (
	RoleUser            = "user"
	RoleAdmin           = "admin"
	RoleInternalService = "internal-service"
)

// User is the authenticated principal as stored in the primary store.
// The password hash never leaves the repository layer in responses.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Roles        []string  `json:"roles" db:"-"`
	PlanID       string    `json:"plan_id" db:"plan_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Plan describes a subscription plan. MonthlyQuota nil means unlimited.
type Plan struct {
	ID           string `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	MonthlyQuota *int64 `json:"monthly_quota" db:"monthly_quota"`
}

// Subscription is the core's read-only view of a user's active subscription.
// The billing system owns mutation; the core reads it for quota checks and
// increments the usage counter after successful dispatch.
type Subscription struct {
	UserID      string    `json:"user_id" db:"user_id"`
	PlanID      string    `json:"plan_id" db:"plan_id"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time `json:"period_end" db:"period_end"`
	UnitsUsed   int64     `json:"units_used" db:"units_used"`
}

// StatusEvent is the ephemeral status message flowing from the worker through
// the broker to push-stream subscribers. Only terminal events touch the jobs
// table.
type StatusEvent struct {
	JobID       string         `json:"job_id"`
	Status      JobStatus      `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Progress    map[string]any `json:"progress,omitempty"`
	ArtifactRef string         `json:"artifact_ref,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Sequence    uint64         `json:"sequence,omitempty"`
}

// JobStats is the aggregated per-user view served by the dashboard.
type JobStats struct {
	Total      int64 `json:"total" db:"total"`
	Pending    int64 `json:"pending" db:"pending"`
	Processing int64 `json:"processing" db:"processing"`
	Completed  int64 `json:"completed" db:"completed"`
	Failed     int64 `json:"failed" db:"failed"`
	Cancelled  int64 `json:"cancelled" db:"cancelled"`
}

// KnownProviders maps a model provider tag to its accepted model names.
// Submission validation rejects unknown pairs.
var KnownProviders = map[string][]string{
	"openai":    {"gpt-4o", "gpt-4o-mini", "gpt-4.1"},
	"anthropic": {"claude-sonnet-4-20250514", "claude-3-5-haiku-20241022"},
	"google":    {"gemini-2.0-flash", "gemini-1.5-pro"},
}

// ProviderSupports reports whether provider/model is a known pair.
func ProviderSupports(provider, model string) bool {
	models, ok := KnownProviders[provider]
	if !ok {
		return false
	}
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}
