package models

import (
	"database/sql"
	"time"
)

// JobType identifies what a background job does
type JobType string

const (
	JobSpeechDetection    JobType = "speech_detection"
	JobAudioPersistence   JobType = "audio_persistence"
	JobConversation       JobType = "conversation"
	JobSpeakerRecognition JobType = "speaker_recognition"
	JobMemoryExtraction   JobType = "memory_extraction"
	JobTitleGeneration    JobType = "title_generation"
)

// JobStatus is the lifecycle stage of a background job
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobStarted  JobStatus = "started"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// JobCorrelation links a job to the session/conversation graph it belongs
// to. Passed explicitly at spawn time rather than stuffed into free-form
// metadata so cross-job lookups stay typed.
type JobCorrelation struct {
	SessionID      string `json:"session_id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ParentJobID    string `json:"parent_job_id,omitempty"`
}

// Job is the durable record of one background task.
type Job struct {
	ID             string         `db:"id" json:"id"`
	Type           JobType        `db:"job_type" json:"job_type"`
	Status         JobStatus      `db:"status" json:"status"`
	UserID         string         `db:"user_id" json:"user_id"`
	SessionID      sql.NullString `db:"session_id" json:"-"`
	ClientID       sql.NullString `db:"client_id" json:"-"`
	ConversationID sql.NullString `db:"conversation_id" json:"-"`
	// ConversationJobID is set on a speech detection job once it has
	// spawned the conversation lifecycle job, for traceability.
	ConversationJobID sql.NullString `db:"conversation_job_id" json:"-"`
	ParentJobID       sql.NullString `db:"parent_job_id" json:"-"`
	Result         sql.NullString `db:"result" json:"-"`
	Error          sql.NullString `db:"error" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// Job result markers written by the speech detection job
const (
	ResultNoSpeechDetected    = "no_speech_detected"
	ResultConversationCreated = "conversation_created"
)
