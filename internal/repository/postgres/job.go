package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// JobRepository implements repository.JobRepository using PostgreSQL
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new PostgreSQL job repository
func NewJobRepository(db *sqlx.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

// Create records a new background job
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	query := `
		INSERT INTO jobs (id, job_type, status, user_id, session_id, client_id,
			conversation_id, conversation_job_id, parent_job_id, result, error, created_at, updated_at)
		VALUES (:id, :job_type, :status, :user_id, :session_id, :client_id,
			:conversation_id, :conversation_job_id, :parent_job_id, :result, :error, :created_at, :updated_at)
	`

	_, err := r.db.NamedExecContext(ctx, query, job)
	return err
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	query := `SELECT * FROM jobs WHERE id = $1`

	err := r.db.GetContext(ctx, &job, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return &job, nil
}

// ListBySession returns all jobs recorded for a session
func (r *JobRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	jobs := []*models.Job{}
	query := `SELECT * FROM jobs WHERE session_id = $1 ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &jobs, query, sessionID); err != nil {
		return nil, err
	}

	return jobs, nil
}

// ListByConversation returns all jobs correlated with a conversation
func (r *JobRepository) ListByConversation(ctx context.Context, conversationID string) ([]*models.Job, error) {
	jobs := []*models.Job{}
	query := `SELECT * FROM jobs WHERE conversation_id = $1 ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &jobs, query, conversationID); err != nil {
		return nil, err
	}

	return jobs, nil
}

// SetStatus moves a job to a new lifecycle stage
func (r *JobRepository) SetStatus(ctx context.Context, id string, status models.JobStatus, result, jobErr string) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    result = NULLIF($3, ''),
		    error = NULLIF($4, ''),
		    updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, id, string(status), result, jobErr)
	return err
}

// SetConversationJobID records, on a speech detection job, the id of the
// conversation lifecycle job it spawned.
func (r *JobRepository) SetConversationJobID(ctx context.Context, id string, conversationJobID string) error {
	query := `UPDATE jobs SET conversation_job_id = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, conversationJobID)
	return err
}
