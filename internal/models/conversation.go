package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ProcessingStatus tracks a conversation's transcription outcome
type ProcessingStatus string

const (
	StatusPendingTranscription ProcessingStatus = "pending_transcription"
	StatusCompleted            ProcessingStatus = "completed"
	StatusTranscriptionFailed  ProcessingStatus = "transcription_failed"
)

// Terminal reports whether the status can no longer change
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusTranscriptionFailed
}

// EndReason records why a conversation closed. Set exactly once, at close.
type EndReason string

const (
	EndReasonFileUpload    EndReason = "file_upload"
	EndReasonDisconnect    EndReason = "websocket_disconnect"
	EndReasonTimeout       EndReason = "timeout_triggered"
	EndReasonClientStop    EndReason = "client_stop"
)

// Placeholder titles shown until the title job finishes (or fails terminally)
const (
	TitleProcessing          = "Processing..."
	TitleTranscriptionFailed = "Transcription Failed - Audio Saved"
)

// TranscriptSegment is one speaker-attributed span of the transcript.
// Start/End are offsets in seconds from conversation start and are
// cumulative across the whole stream, never reset per provider feed.
type TranscriptSegment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// Conversation is the durable record of one bounded span of dialogue.
type Conversation struct {
	ID                string           `db:"id" json:"id"`
	ClientID          string           `db:"client_id" json:"client_id"`
	SessionID         string           `db:"session_id" json:"session_id"`
	UserID            string           `db:"user_id" json:"user_id"`
	Title             string           `db:"title" json:"title"`
	ProcessingStatus  ProcessingStatus `db:"processing_status" json:"processing_status"`
	EndReason         sql.NullString   `db:"end_reason" json:"-"`
	Transcript        []byte           `db:"transcript" json:"-"`
	TranscriptVersion int              `db:"transcript_version" json:"transcript_version"`
	ChunkCount        int              `db:"chunk_count" json:"chunk_count"`
	AudioDuration     float64          `db:"audio_duration" json:"audio_duration"`
	AlwaysPersist     bool             `db:"always_persist" json:"always_persist"`
	Starred           bool             `db:"starred" json:"starred"`
	Deleted           bool             `db:"deleted" json:"-"`
	Summary           sql.NullString   `db:"summary" json:"-"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
	CompletedAt       sql.NullTime     `db:"completed_at" json:"-"`
}

// Segments decodes the stored transcript. A nil or empty column yields
// an empty slice, never an error.
func (c *Conversation) Segments() ([]TranscriptSegment, error) {
	if len(c.Transcript) == 0 {
		return []TranscriptSegment{}, nil
	}
	var segs []TranscriptSegment
	if err := json.Unmarshal(c.Transcript, &segs); err != nil {
		return nil, err
	}
	return segs, nil
}

// SetSegments encodes segments into the transcript column.
func (c *Conversation) SetSegments(segs []TranscriptSegment) error {
	raw, err := json.Marshal(segs)
	if err != nil {
		return err
	}
	c.Transcript = raw
	return nil
}

// AudioChunk is one immutable compressed slice of session audio.
// Indexes per conversation are contiguous from 0; a chunk that exhausted
// its write retries is recorded with Gap=true so the hole is observable.
type AudioChunk struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	ChunkIndex     int       `db:"chunk_index" json:"chunk_index"`
	Payload        []byte    `db:"payload" json:"-"`
	OriginalSize   int       `db:"original_size" json:"original_size"`
	CompressedSize int       `db:"compressed_size" json:"compressed_size"`
	Duration       float64   `db:"duration" json:"duration"`
	SampleRate     int       `db:"sample_rate" json:"sample_rate"`
	Channels       int       `db:"channels" json:"channels"`
	StartTime      float64   `db:"start_time" json:"start_time"`
	EndTime        float64   `db:"end_time" json:"end_time"`
	Gap            bool      `db:"gap" json:"gap"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
