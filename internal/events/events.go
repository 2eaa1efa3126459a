package events

import (
	"context"
	"time"
)

// EventType represents the type of plugin event
type EventType string

const (
	EventTranscriptBatch     EventType = "transcript.batch"
	EventTranscriptStreaming EventType = "transcript.streaming"
	EventConversationComplete EventType = "conversation.complete"
	EventMemoryProcessed     EventType = "memory.processed"
)

// Event is the envelope delivered to the external plugin dispatcher.
// Data always carries conversation_id; Metadata carries close-time facts
// such as end_reason.
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Emitter publishes plugin events. Publishing is fire-and-forget: a failed
// emit is logged by the implementation and never propagates into the
// pipeline jobs.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}
