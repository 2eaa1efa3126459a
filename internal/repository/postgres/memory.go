package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// MemoryRepository implements repository.MemoryRepository using PostgreSQL
type MemoryRepository struct {
	db *sqlx.DB
}

// NewMemoryRepository creates a new PostgreSQL memory repository
func NewMemoryRepository(db *sqlx.DB) repository.MemoryRepository {
	return &MemoryRepository{db: db}
}

// ReplaceForConversation rewrites the extracted memories for a conversation.
// Delete-then-insert in one transaction keeps repeated extraction runs from
// duplicating rows.
func (r *MemoryRepository) ReplaceForConversation(ctx context.Context, conversationID, userID string, contents []string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE conversation_id = $1`, conversationID); err != nil {
		return err
	}

	insert := `INSERT INTO memories (id, conversation_id, user_id, content) VALUES ($1, $2, $3, $4)`
	for _, content := range contents {
		if _, err := tx.ExecContext(ctx, insert, uuid.New().String(), conversationID, userID, content); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListByConversation returns the extracted memories for a conversation
func (r *MemoryRepository) ListByConversation(ctx context.Context, conversationID string) ([]*repository.Memory, error) {
	memories := []*repository.Memory{}
	query := `SELECT id, conversation_id, user_id, content FROM memories WHERE conversation_id = $1 ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &memories, query, conversationID); err != nil {
		return nil, err
	}

	return memories, nil
}
