package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/applyforge/applyforge-api/internal/models"
)

const jobColumns = `id, user_id, jd_url, resume_uri, model_provider, model_name,
	status, priority, version, artifact_ref, failure_reason,
	created_at, updated_at, completed_at`

// PostgresJobRepository implements JobRepository over the routed pools.
type PostgresJobRepository struct {
	writer *sqlx.DB
	reader func() *sqlx.DB
}

// NewJobRepository creates a job repository. reader is called per query so
// the router can rebalance between calls.
func NewJobRepository(writer *sqlx.DB, reader func() *sqlx.DB) *PostgresJobRepository {
	if reader == nil {
		reader = func() *sqlx.DB { return writer }
	}
	return &PostgresJobRepository{writer: writer, reader: reader}
}

func (r *PostgresJobRepository) Create(ctx context.Context, job *models.Job) error {
	job.Status = models.JobStatusPending
	job.Version = 1
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO jobs (id, user_id, jd_url, resume_uri, model_provider, model_name,
			status, priority, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.writer.ExecContext(ctx, query,
		job.ID, job.UserID, job.JDURL, job.ResumeURI,
		job.ModelProvider, job.ModelName,
		job.Status, job.Priority, job.Version,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *PostgresJobRepository) Get(ctx context.Context, id, userID string) (*models.Job, error) {
	return r.get(ctx, r.reader(), id, userID)
}

func (r *PostgresJobRepository) GetFresh(ctx context.Context, id, userID string) (*models.Job, error) {
	return r.get(ctx, r.writer, id, userID)
}

func (r *PostgresJobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	err := r.writer.GetContext(ctx, &job, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (r *PostgresJobRepository) get(ctx context.Context, db *sqlx.DB, id, userID string) (*models.Job, error) {
	var job models.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND user_id = $2`
	err := db.GetContext(ctx, &job, query, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// Transition is the single mutation path after creation. The WHERE clause
// carries both id and expected version; zero affected rows means another
// writer won the race.
func (r *PostgresJobRepository) Transition(ctx context.Context, id string, expectedVersion int64, from, to models.JobStatus, patch JobPatch) (*models.Job, error) {
	if !models.CanTransition(from, to) {
		// Callers must only request edges in the DAG; anything else is a bug.
		panic(fmt.Sprintf("illegal job transition %s -> %s", from, to))
	}

	var completedAt *time.Time
	if to.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	query := `
		UPDATE jobs
		SET status = $1, version = version + 1, artifact_ref = COALESCE($2, artifact_ref),
			failure_reason = COALESCE($3, failure_reason),
			completed_at = COALESCE($4, completed_at), updated_at = $5
		WHERE id = $6 AND version = $7 AND status = $8
		RETURNING ` + jobColumns

	var job models.Job
	err := r.writer.QueryRowxContext(ctx, query,
		to, patch.ArtifactRef, patch.FailureReason, completedAt,
		time.Now().UTC(), id, expectedVersion, from,
	).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("transition job: %w", err)
	}
	return &job, nil
}

func (r *PostgresJobRepository) List(ctx context.Context, userID string, filter JobFilter, page Paging) ([]*models.Job, error) {
	if page.Limit <= 0 || page.Limit > 100 {
		page.Limit = 20
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1`
	args := []any{userID}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, filter.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, page.Limit, page.Offset)

	var jobs []*models.Job
	if err := r.reader().SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *PostgresJobRepository) StatsByUser(ctx context.Context, userID string) (*models.JobStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'PENDING') AS pending,
			COUNT(*) FILTER (WHERE status = 'PROCESSING') AS processing,
			COUNT(*) FILTER (WHERE status = 'COMPLETED') AS completed,
			COUNT(*) FILTER (WHERE status = 'FAILED') AS failed,
			COUNT(*) FILTER (WHERE status = 'CANCELLED') AS cancelled
		FROM jobs WHERE user_id = $1
	`
	var stats models.JobStats
	if err := r.reader().GetContext(ctx, &stats, query, userID); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &stats, nil
}
