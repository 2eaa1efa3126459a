package session

import (
	"strconv"
	"time"
)

// Status is the session lifecycle stage. Transitions only move forward.
type Status string

const (
	StatusActive     Status = "active"
	StatusFinalizing Status = "finalizing"
	StatusComplete   Status = "complete"
)

var statusRank = map[Status]int{
	StatusActive:     0,
	StatusFinalizing: 1,
	StatusComplete:   2,
}

// Forward reports whether moving from s to next is a legal transition.
func (s Status) Forward(next Status) bool {
	return statusRank[next] >= statusRank[s]
}

// Field names used for partial updates. Updates touch individual hash
// fields so concurrent writers on disjoint fields never clobber each other.
const (
	FieldUserID           = "user_id"
	FieldUserEmail        = "user_email"
	FieldClientID         = "client_id"
	FieldConnectionID     = "connection_id"
	FieldProvider         = "provider"
	FieldMode             = "mode"
	FieldStreamName       = "stream_name"
	FieldSpeechJobID      = "speech_job_id"
	FieldPersistenceJobID = "persistence_job_id"
	FieldChunksPublished  = "chunks_published"
	FieldConnected        = "connected"
	FieldStopRequested    = "stop_requested"
	FieldStatus           = "status"
	FieldAlwaysPersist    = "always_persist"
	FieldCreatedAt        = "created_at"
)

// Mode distinguishes live streaming sessions from batch file uploads.
const (
	ModeStreaming = "streaming"
	ModeBatch     = "batch"
)

// Record is the session state held in the registry. One record per active
// client connection; the single source of truth shared by ingress, the
// background jobs, and the API handlers.
type Record struct {
	SessionID    string
	UserID       string
	UserEmail    string
	ClientID     string
	ConnectionID string

	Provider   string
	Mode       string
	StreamName string

	SpeechJobID      string
	PersistenceJobID string

	ChunksPublished int64
	Connected       bool
	StopRequested   bool
	Status          Status
	AlwaysPersist   bool
	CreatedAt       time.Time
}

// fields flattens a record into hash fields for the initial write.
func (r *Record) fields() map[string]string {
	return map[string]string{
		FieldUserID:           r.UserID,
		FieldUserEmail:        r.UserEmail,
		FieldClientID:         r.ClientID,
		FieldConnectionID:     r.ConnectionID,
		FieldProvider:         r.Provider,
		FieldMode:             r.Mode,
		FieldStreamName:       r.StreamName,
		FieldSpeechJobID:      r.SpeechJobID,
		FieldPersistenceJobID: r.PersistenceJobID,
		FieldChunksPublished:  strconv.FormatInt(r.ChunksPublished, 10),
		FieldConnected:        strconv.FormatBool(r.Connected),
		FieldStopRequested:    strconv.FormatBool(r.StopRequested),
		FieldStatus:           string(r.Status),
		FieldAlwaysPersist:    strconv.FormatBool(r.AlwaysPersist),
		FieldCreatedAt:        r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// recordFromFields rebuilds a record from hash fields.
func recordFromFields(sessionID string, fields map[string]string) *Record {
	r := &Record{
		SessionID:        sessionID,
		UserID:           fields[FieldUserID],
		UserEmail:        fields[FieldUserEmail],
		ClientID:         fields[FieldClientID],
		ConnectionID:     fields[FieldConnectionID],
		Provider:         fields[FieldProvider],
		Mode:             fields[FieldMode],
		StreamName:       fields[FieldStreamName],
		SpeechJobID:      fields[FieldSpeechJobID],
		PersistenceJobID: fields[FieldPersistenceJobID],
		Status:           Status(fields[FieldStatus]),
	}
	r.ChunksPublished, _ = strconv.ParseInt(fields[FieldChunksPublished], 10, 64)
	r.Connected, _ = strconv.ParseBool(fields[FieldConnected])
	r.StopRequested, _ = strconv.ParseBool(fields[FieldStopRequested])
	r.AlwaysPersist, _ = strconv.ParseBool(fields[FieldAlwaysPersist])
	if ts, err := time.Parse(time.RFC3339Nano, fields[FieldCreatedAt]); err == nil {
		r.CreatedAt = ts
	}
	return r
}
