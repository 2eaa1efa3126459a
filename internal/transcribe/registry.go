package transcribe

import (
	"fmt"

	"github.com/chronicle-app/chronicle-backend/internal/config"
)

// NewProvider builds the configured transcription provider
func NewProvider(cfg config.TranscriptionConfig) (Provider, error) {
	switch cfg.Provider {
	case "deepgram":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("deepgram provider requires an API key")
		}
		return NewDeepgramProvider(cfg.APIKey, cfg.BaseURL), nil
	case "stub":
		return NewStubProvider(nil), nil
	default:
		return nil, fmt.Errorf("unknown transcription provider: %s", cfg.Provider)
	}
}
