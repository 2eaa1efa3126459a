package repository

import (
	"context"

	"github.com/chronicle-app/chronicle-backend/internal/models"
)

// ConversationFilter narrows List queries
type ConversationFilter struct {
	ClientID string
	Starred  *bool
	SortAsc  bool
	Limit    int
	Offset   int
}

// ConversationRepository defines conversation storage operations
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	// GetOpenBySession returns the single non-terminal conversation for a
	// session, or nil. Sessions never hold more than one open conversation.
	GetOpenBySession(ctx context.Context, sessionID string) (*models.Conversation, error)
	// GetLatestBySession returns the most recently created conversation
	// for a session regardless of state, or nil.
	GetLatestBySession(ctx context.Context, sessionID string) (*models.Conversation, error)
	List(ctx context.Context, userID string, filter ConversationFilter) ([]*models.Conversation, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	// Close atomically finalizes a conversation: end_reason and
	// processing_status are only written if no end_reason is set yet.
	Close(ctx context.Context, id string, endReason models.EndReason, status models.ProcessingStatus, title string, transcript []byte) error
	SetStarred(ctx context.Context, id string, starred bool) error
}

// ChunkRepository defines audio chunk storage operations
type ChunkRepository interface {
	Append(ctx context.Context, chunk *models.AudioChunk) error
	ListByConversation(ctx context.Context, conversationID string) ([]*models.AudioChunk, error)
	NextIndex(ctx context.Context, conversationID string) (int, error)
}

// JobRepository defines background job record operations
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	ListBySession(ctx context.Context, sessionID string) ([]*models.Job, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*models.Job, error)
	SetStatus(ctx context.Context, id string, status models.JobStatus, result, jobErr string) error
	SetConversationJobID(ctx context.Context, id string, conversationJobID string) error
}

// SettingsRepository defines backend-wide setting operations
type SettingsRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Memory is one extracted fact from a conversation
type Memory struct {
	ID             string `db:"id" json:"id"`
	ConversationID string `db:"conversation_id" json:"conversation_id"`
	UserID         string `db:"user_id" json:"user_id"`
	Content        string `db:"content" json:"content"`
}

// MemoryRepository defines extracted-memory storage operations
type MemoryRepository interface {
	// ReplaceForConversation deletes and rewrites memories for a
	// conversation in one transaction, keeping re-runs idempotent.
	ReplaceForConversation(ctx context.Context, conversationID, userID string, contents []string) error
	ListByConversation(ctx context.Context, conversationID string) ([]*Memory, error)
}
