package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// Task is the serialized unit of work a worker pulls from the broker
type Task struct {
	JobID       string                `json:"job_id"`
	Type        models.JobType        `json:"type"`
	UserID      string                `json:"user_id"`
	Correlation models.JobCorrelation `json:"correlation"`
}

// Queue records job state and hands tasks to the broker. Enqueue is
// fire-and-forget from the caller's point of view: a broker failure marks
// the job failed and is logged, never surfaced as a pipeline error.
type Queue struct {
	broker Broker
	jobs   repository.JobRepository
	log    *logrus.Entry
}

// NewQueue creates a job queue
func NewQueue(broker Broker, jobs repository.JobRepository) *Queue {
	return &Queue{
		broker: broker,
		jobs:   jobs,
		log:    logrus.WithField("component", "jobs"),
	}
}

// Enqueue records a job and pushes its task to the broker, returning the
// job id. The job record is written first so the id is observable even if
// the push fails.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, userID string, corr models.JobCorrelation) (string, error) {
	job := &models.Job{
		Type:           jobType,
		Status:         models.JobQueued,
		UserID:         userID,
		SessionID:      nullable(corr.SessionID),
		ClientID:       nullable(corr.ClientID),
		ConversationID: nullable(corr.ConversationID),
		ParentJobID:    nullable(corr.ParentJobID),
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("record job %s: %w", jobType, err)
	}

	task := Task{JobID: job.ID, Type: jobType, UserID: userID, Correlation: corr}
	payload, err := json.Marshal(task)
	if err != nil {
		return job.ID, err
	}

	if err := q.broker.Push(ctx, payload); err != nil {
		q.log.WithError(err).WithFields(logrus.Fields{
			"job_id":   job.ID,
			"job_type": jobType,
		}).Error("failed to queue job")
		_ = q.jobs.SetStatus(ctx, job.ID, models.JobFailed, "", "enqueue failed: "+err.Error())
		return job.ID, nil
	}

	return job.ID, nil
}

// Record writes a job record without pushing a broker task, for jobs that
// run as in-process session workers but still need traceable ids.
func (q *Queue) Record(ctx context.Context, jobType models.JobType, userID string, corr models.JobCorrelation) (string, error) {
	job := &models.Job{
		Type:           jobType,
		Status:         models.JobStarted,
		UserID:         userID,
		SessionID:      nullable(corr.SessionID),
		ClientID:       nullable(corr.ClientID),
		ConversationID: nullable(corr.ConversationID),
		ParentJobID:    nullable(corr.ParentJobID),
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("record job %s: %w", jobType, err)
	}
	return job.ID, nil
}

// Finish marks an in-process job finished with a result marker
func (q *Queue) Finish(ctx context.Context, jobID, result string) error {
	return q.jobs.SetStatus(ctx, jobID, models.JobFinished, result, "")
}

// Fail marks a job failed
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	return q.jobs.SetStatus(ctx, jobID, models.JobFailed, "", jobErr.Error())
}

// LinkConversationJob stores the spawned conversation job id on a speech
// detection job record.
func (q *Queue) LinkConversationJob(ctx context.Context, speechJobID, conversationJobID string) error {
	return q.jobs.SetConversationJobID(ctx, speechJobID, conversationJobID)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
