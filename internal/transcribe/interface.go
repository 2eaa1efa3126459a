package transcribe

import (
	"context"
	"fmt"

	"github.com/chronicle-app/chronicle-backend/internal/models"
)

// StreamConfig describes the audio a provider session will receive
type StreamConfig struct {
	SessionID  string
	StreamName string
	SampleRate int
	Channels   int
	Model      string
}

// Result is one transcript fragment from the provider. Fragments are
// append-only; word timestamps are cumulative from stream start, never
// reset per feed call. A fragment with Err set is a typed provider
// failure; the stream terminates after delivering it.
type Result struct {
	Final    bool
	Segments []models.TranscriptSegment
	Words    int
	Err      error
}

// Stream is one live provider session.
//
// Feed pushes raw audio frames upstream. Finalize sends the explicit close
// signal and must be called exactly once, triggered by the end-of-stream
// marker. Results yields fragments until Finalize completes (or a fatal
// provider error), then the channel closes.
type Stream interface {
	Feed(ctx context.Context, frame []byte) error
	Finalize(ctx context.Context) error
	Results() <-chan Result
}

// Provider wraps a streaming speech-to-text backend
type Provider interface {
	Name() string
	Start(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Provider failure codes
const (
	ErrCodeAuth       = "auth_failed"
	ErrCodeConnection = "connection_failed"
	ErrCodeTimeout    = "timeout"
	ErrCodeProtocol   = "protocol_error"
)

// ProviderError is a typed transcription failure. It surfaces on the
// results channel, never as a panic into the audio persistence path.
type ProviderError struct {
	Provider string
	Code     string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("transcription provider %s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
