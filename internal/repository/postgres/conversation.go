package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// ConversationRepository implements repository.ConversationRepository using PostgreSQL
type ConversationRepository struct {
	db *sqlx.DB
}

// NewConversationRepository creates a new PostgreSQL conversation repository
func NewConversationRepository(db *sqlx.DB) repository.ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create creates a new conversation
func (r *ConversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Title == "" {
		conv.Title = models.TitleProcessing
	}
	if conv.ProcessingStatus == "" {
		conv.ProcessingStatus = models.StatusPendingTranscription
	}
	if len(conv.Transcript) == 0 {
		conv.Transcript = []byte("[]")
	}
	if conv.TranscriptVersion == 0 {
		conv.TranscriptVersion = 1
	}
	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt

	query := `
		INSERT INTO conversations (id, client_id, session_id, user_id, title, processing_status,
			transcript, transcript_version, chunk_count, audio_duration, always_persist,
			starred, deleted, created_at, updated_at)
		VALUES (:id, :client_id, :session_id, :user_id, :title, :processing_status,
			:transcript, :transcript_version, :chunk_count, :audio_duration, :always_persist,
			:starred, :deleted, :created_at, :updated_at)
	`

	_, err := r.db.NamedExecContext(ctx, query, conv)
	return err
}

// Get retrieves a conversation by ID
func (r *ConversationRepository) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	query := `SELECT * FROM conversations WHERE id = $1`

	err := r.db.GetContext(ctx, &conv, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return &conv, nil
}

// GetOpenBySession returns the non-terminal conversation for a session, if any
func (r *ConversationRepository) GetOpenBySession(ctx context.Context, sessionID string) (*models.Conversation, error) {
	var conv models.Conversation
	query := `
		SELECT * FROM conversations
		WHERE session_id = $1 AND end_reason IS NULL AND deleted = FALSE
		ORDER BY created_at DESC
		LIMIT 1
	`

	err := r.db.GetContext(ctx, &conv, query, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return &conv, nil
}

// GetLatestBySession returns the newest conversation for a session, if any
func (r *ConversationRepository) GetLatestBySession(ctx context.Context, sessionID string) (*models.Conversation, error) {
	var conv models.Conversation
	query := `
		SELECT * FROM conversations
		WHERE session_id = $1 AND deleted = FALSE
		ORDER BY created_at DESC
		LIMIT 1
	`

	err := r.db.GetContext(ctx, &conv, query, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return &conv, nil
}

// List retrieves conversations for a user, optionally filtered
func (r *ConversationRepository) List(ctx context.Context, userID string, filter repository.ConversationFilter) ([]*models.Conversation, error) {
	query := `SELECT * FROM conversations WHERE user_id = $1 AND deleted = FALSE`
	args := []interface{}{userID}

	if filter.ClientID != "" {
		args = append(args, filter.ClientID)
		query += ` AND client_id = $2`
	}
	if filter.Starred != nil {
		if *filter.Starred {
			query += ` AND starred = TRUE`
		} else {
			query += ` AND starred = FALSE`
		}
	}

	if filter.SortAsc {
		query += ` ORDER BY created_at ASC`
	} else {
		query += ` ORDER BY created_at DESC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(filter.Offset)
	}

	conversations := []*models.Conversation{}
	if err := r.db.SelectContext(ctx, &conversations, query, args...); err != nil {
		return nil, err
	}

	return conversations, nil
}

// Update applies a partial field update to a conversation
func (r *ConversationRepository) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()

	setClause := ""
	params := map[string]interface{}{"id": id}

	for key, value := range updates {
		if setClause != "" {
			setClause += ", "
		}
		setClause += key + " = :" + key
		params[key] = value
	}

	query := "UPDATE conversations SET " + setClause + " WHERE id = :id"

	_, err := r.db.NamedExecContext(ctx, query, params)
	return err
}

// Close finalizes a conversation. The end_reason guard makes the write
// first-wins: once an end_reason exists, later close attempts are no-ops,
// so the reason and terminal status never revert.
func (r *ConversationRepository) Close(ctx context.Context, id string, endReason models.EndReason, status models.ProcessingStatus, title string, transcript []byte) error {
	query := `
		UPDATE conversations
		SET end_reason = $2,
		    processing_status = $3,
		    title = $4,
		    transcript = $5,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND end_reason IS NULL
	`

	_, err := r.db.ExecContext(ctx, query, id, string(endReason), string(status), title, transcript)
	return err
}

// SetStarred stars or unstars a conversation
func (r *ConversationRepository) SetStarred(ctx context.Context, id string, starred bool) error {
	query := `UPDATE conversations SET starred = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, starred)
	return err
}
