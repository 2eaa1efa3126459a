package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// ChunkRepository implements repository.ChunkRepository using PostgreSQL
type ChunkRepository struct {
	db *sqlx.DB
}

// NewChunkRepository creates a new PostgreSQL audio chunk repository
func NewChunkRepository(db *sqlx.DB) repository.ChunkRepository {
	return &ChunkRepository{db: db}
}

// Append writes one immutable chunk and bumps the conversation counters.
// The primary key on (conversation_id, chunk_index) rejects duplicate
// indexes, keeping re-delivered writes from corrupting the sequence.
func (r *ChunkRepository) Append(ctx context.Context, chunk *models.AudioChunk) error {
	chunk.CreatedAt = time.Now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO audio_chunks (conversation_id, chunk_index, payload, original_size,
			compressed_size, duration, sample_rate, channels, start_time, end_time, gap, created_at)
		VALUES (:conversation_id, :chunk_index, :payload, :original_size,
			:compressed_size, :duration, :sample_rate, :channels, :start_time, :end_time, :gap, :created_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, chunk); err != nil {
		return err
	}

	counters := `
		UPDATE conversations
		SET chunk_count = chunk_count + 1,
		    audio_duration = audio_duration + $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, counters, chunk.ConversationID, chunk.Duration); err != nil {
		return err
	}

	return tx.Commit()
}

// ListByConversation returns all chunks for a conversation in index order
func (r *ChunkRepository) ListByConversation(ctx context.Context, conversationID string) ([]*models.AudioChunk, error) {
	chunks := []*models.AudioChunk{}
	query := `
		SELECT * FROM audio_chunks
		WHERE conversation_id = $1
		ORDER BY chunk_index ASC
	`

	if err := r.db.SelectContext(ctx, &chunks, query, conversationID); err != nil {
		return nil, err
	}

	return chunks, nil
}

// NextIndex returns the next free chunk index for a conversation
func (r *ChunkRepository) NextIndex(ctx context.Context, conversationID string) (int, error) {
	var next int
	query := `SELECT COALESCE(MAX(chunk_index) + 1, 0) FROM audio_chunks WHERE conversation_id = $1`

	if err := r.db.GetContext(ctx, &next, query, conversationID); err != nil {
		return 0, err
	}

	return next, nil
}
