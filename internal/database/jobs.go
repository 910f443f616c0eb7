package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/scrybeapp/scrybe/pkg/models"
)

// ErrJobNotFound is returned when no job exists with the given id.
var ErrJobNotFound = errors.New("job not found")

// ErrStatusConflict is returned when a guarded transition loses the race:
// the job was no longer in the expected status.
var ErrStatusConflict = errors.New("job status conflict")

// JobRepository provides job persistence
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Health checks database connectivity.
func (r *JobRepository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

const jobColumns = `id, user_id, mode, status, media_key, duration_seconds, estimated_minutes,
	       funding_source, credits_used, minutes_from_subscription, minutes_reserved,
	       provider_job_id, callback_url, transcript_key, error_msg, user_message,
	       retry_count, spec, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.UserID, &job.Mode, &job.Status, &job.MediaKey,
		&job.DurationSeconds, &job.EstimatedMinutes,
		&job.FundingSource, &job.CreditsUsed, &job.MinutesFromSubscription, &job.MinutesReserved,
		&job.ProviderJobID, &job.CallbackURL, &job.TranscriptKey, &job.ErrorMsg, &job.UserMessage,
		&job.RetryCount, &job.Spec, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return &job, nil
}

// CreateJob creates a new job record
func (r *JobRepository) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	query := `
		INSERT INTO jobs (id, user_id, mode, status, media_key, duration_seconds, estimated_minutes,
		                  funding_source, credits_used, minutes_from_subscription, minutes_reserved,
		                  provider_job_id, callback_url, transcript_key, error_msg, user_message,
		                  retry_count, spec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		job.ID, job.UserID, job.Mode, job.Status, job.MediaKey,
		job.DurationSeconds, job.EstimatedMinutes,
		job.FundingSource, job.CreditsUsed, job.MinutesFromSubscription, job.MinutesReserved,
		job.ProviderJobID, job.CallbackURL, job.TranscriptKey, job.ErrorMsg, job.UserMessage,
		job.RetryCount, job.Spec,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)
	return scanJob(r.db.Pool.QueryRow(ctx, query, id))
}

// UpdateJob updates a job's mutable fields. Status is deliberately excluded;
// status only changes through TransitionJob.
func (r *JobRepository) UpdateJob(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs
		SET funding_source = $2, credits_used = $3, minutes_from_subscription = $4,
		    minutes_reserved = $5, estimated_minutes = $6, provider_job_id = $7,
		    callback_url = $8, transcript_key = $9, error_msg = $10, user_message = $11,
		    retry_count = $12, spec = $13, completed_at = $14, updated_at = now()
		WHERE id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.FundingSource, job.CreditsUsed, job.MinutesFromSubscription,
		job.MinutesReserved, job.EstimatedMinutes, job.ProviderJobID,
		job.CallbackURL, job.TranscriptKey, job.ErrorMsg, job.UserMessage,
		job.RetryCount, job.Spec, job.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return nil
}

// TransitionJob moves a job from one status to another with a
// compare-and-swap guard. Exactly one concurrent caller wins; the rest get
// ErrStatusConflict. This is what keeps reservation reconciliation
// exactly-once.
func (r *JobRepository) TransitionJob(ctx context.Context, jobID, from, to string) error {
	query := `
		UPDATE jobs
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool.Exec(ctx, query, jobID, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}

	return nil
}

// ListJobsByUser retrieves a user's jobs, newest first
func (r *JobRepository) ListJobsByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, jobColumns)

	rows, err := r.db.Pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// ListJobsByStatusOlderThan retrieves jobs stuck in a status since before
// the cutoff. Used by the stale-job sweeper.
func (r *JobRepository) ListJobsByStatusOlderThan(ctx context.Context, status string, cutoff time.Time, limit int) ([]*models.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, jobColumns)

	rows, err := r.db.Pool.Query(ctx, query, status, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}
