package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// SettingsRepository implements repository.SettingsRepository using PostgreSQL
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository creates a new PostgreSQL settings repository
func NewSettingsRepository(db *sqlx.DB) repository.SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the raw JSON value for a setting key, or nil if unset
func (r *SettingsRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	query := `SELECT value FROM misc_settings WHERE key = $1`

	err := r.db.GetContext(ctx, &value, query, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return value, nil
}

// Set upserts a setting value
func (r *SettingsRepository) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO misc_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query, key, value)
	return err
}
