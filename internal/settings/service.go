package settings

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// KeyAlwaysPersist is the backend-wide flag for saving audio regardless
// of transcription outcome.
const KeyAlwaysPersist = "always_persist_enabled"

// Service reads and writes backend-wide misc settings. Callers that need
// a setting for the lifetime of a job read it once at spawn time; the
// service is a lookup, not a live binding.
type Service struct {
	repo                 repository.SettingsRepository
	alwaysPersistDefault bool
	log                  *logrus.Entry
}

// NewService creates a settings service
func NewService(repo repository.SettingsRepository, alwaysPersistDefault bool) *Service {
	return &Service{
		repo:                 repo,
		alwaysPersistDefault: alwaysPersistDefault,
		log:                  logrus.WithField("component", "settings"),
	}
}

// AlwaysPersistEnabled returns the current global always-persist flag,
// falling back to the configured default when unset or unreadable.
func (s *Service) AlwaysPersistEnabled(ctx context.Context) bool {
	raw, err := s.repo.Get(ctx, KeyAlwaysPersist)
	if err != nil {
		s.log.WithError(err).Warn("failed to read always-persist setting, using default")
		return s.alwaysPersistDefault
	}
	if raw == nil {
		return s.alwaysPersistDefault
	}

	var enabled bool
	if err := json.Unmarshal(raw, &enabled); err != nil {
		s.log.WithError(err).Warn("malformed always-persist setting, using default")
		return s.alwaysPersistDefault
	}
	return enabled
}

// SetAlwaysPersist updates the global flag. Sessions already running keep
// the value they captured at spawn time.
func (s *Service) SetAlwaysPersist(ctx context.Context, enabled bool) error {
	raw, _ := json.Marshal(enabled)
	return s.repo.Set(ctx, KeyAlwaysPersist, raw)
}
