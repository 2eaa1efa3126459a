package memoryext

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/config"
	"github.com/chronicle-app/chronicle-backend/internal/events"
	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// Service extracts durable memories (facts, preferences, decisions) from
// closed conversations. Runs as the memory_extraction downstream job.
type Service struct {
	client        *openai.Client
	model         string
	conversations repository.ConversationRepository
	memories      repository.MemoryRepository
	emitter       events.Emitter
	log           *logrus.Entry
}

// NewService creates a memory extraction service
func NewService(cfg config.OpenAIConfig, conversations repository.ConversationRepository, memories repository.MemoryRepository, emitter events.Emitter) *Service {
	var client *openai.Client
	if cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		client = openai.NewClientWithConfig(clientCfg)
	}

	return &Service{
		client:        client,
		model:         cfg.Model,
		conversations: conversations,
		memories:      memories,
		emitter:       emitter,
		log:           logrus.WithField("component", "memory-extraction"),
	}
}

// ExtractForConversation extracts and stores memories for one closed
// conversation. Idempotent: stored memories are replaced wholesale, so a
// re-run never duplicates them.
func (s *Service) ExtractForConversation(ctx context.Context, conversationID string) error {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if conv.ProcessingStatus != models.StatusCompleted {
		return nil
	}

	segments, err := conv.Segments()
	if err != nil {
		return fmt.Errorf("decode transcript: %w", err)
	}
	if len(segments) == 0 {
		return nil
	}

	contents, err := s.extract(ctx, segments)
	if err != nil {
		return err
	}

	if err := s.memories.ReplaceForConversation(ctx, conversationID, conv.UserID, contents); err != nil {
		return fmt.Errorf("store memories: %w", err)
	}

	s.emitter.Emit(ctx, events.Event{
		Type:   events.EventMemoryProcessed,
		UserID: conv.UserID,
		Data:   map[string]interface{}{"conversation_id": conversationID},
		Metadata: map[string]interface{}{
			"memory_count": len(contents),
		},
	})

	s.log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"memories":        len(contents),
	}).Info("memories extracted")
	return nil
}

func (s *Service) extract(ctx context.Context, segments []models.TranscriptSegment) ([]string, error) {
	if s.client == nil {
		return nil, nil
	}

	var transcript string
	for _, seg := range segments {
		transcript += seg.Speaker + ": " + seg.Text + "\n"
	}

	prompt := fmt.Sprintf(`Extract durable personal memories from this conversation transcript:
facts, preferences, decisions, plans, and relationships worth remembering.

Reply with a JSON array of strings, one memory per element. Reply with []
if nothing is worth remembering.

Transcript:
%s`, transcript)

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("memory extraction: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("memory extraction: empty response")
	}

	var contents []string
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &contents); err != nil {
		return nil, fmt.Errorf("memory extraction: unparseable response: %w", err)
	}
	return contents, nil
}
