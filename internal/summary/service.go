package summary

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/config"
	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// Service generates conversation titles and summaries from final
// transcripts. Runs as the title_generation downstream job.
type Service struct {
	client        *openai.Client
	model         string
	conversations repository.ConversationRepository
	log           *logrus.Entry
}

// NewService creates a title/summary service. A nil client (no API key
// configured) leaves placeholder titles in place.
func NewService(cfg config.OpenAIConfig, conversations repository.ConversationRepository) *Service {
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
		log:           logrus.WithField("component", "summary"),
	}
}

// GenerateForConversation titles and summarizes one closed conversation.
// Idempotent per conversation id: re-running overwrites the same fields.
// Conversations without a usable transcript are left untouched so a
// terminal failure title never reverts.
func (s *Service) GenerateForConversation(ctx context.Context, conversationID string) error {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if conv.ProcessingStatus != models.StatusCompleted {
		s.log.WithField("conversation_id", conversationID).Debug("skipping title generation, conversation has no usable transcript")
		return nil
	}

	segments, err := conv.Segments()
	if err != nil {
		return fmt.Errorf("decode transcript: %w", err)
	}
	if len(segments) == 0 {
		return nil
	}

	title, summary, err := s.generate(ctx, segments)
	if err != nil {
		return err
	}

	return s.conversations.Update(ctx, conversationID, map[string]interface{}{
		"title":   title,
		"summary": summary,
	})
}

func (s *Service) generate(ctx context.Context, segments []models.TranscriptSegment) (string, string, error) {
	text := transcriptText(segments)

	if s.client == nil {
		// No LLM configured: derive a rough title from the opening words.
		return fallbackTitle(text), "", nil
	}

	prompt := fmt.Sprintf(`Below is a transcript of a recorded conversation.

Reply with exactly two lines:
TITLE: a short descriptive title (at most 8 words)
SUMMARY: one or two sentences summarizing the conversation

Transcript:
%s`, text)

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("title generation: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("title generation: empty response")
	}

	title, summary := parseTitleSummary(resp.Choices[0].Message.Content)
	if title == "" {
		title = fallbackTitle(text)
	}
	return title, summary, nil
}

func transcriptText(segments []models.TranscriptSegment) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.Speaker)
		b.WriteString(": ")
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func parseTitleSummary(content string) (string, string) {
	var title, summary string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "TITLE:"); ok {
			title = strings.TrimSpace(after)
		} else if after, ok := strings.CutPrefix(line, "SUMMARY:"); ok {
			summary = strings.TrimSpace(after)
		}
	}
	return title, summary
}

func fallbackTitle(text string) string {
	words := strings.Fields(text)
	// Skip the "speaker_N:" prefix of the first segment line.
	if len(words) > 0 && strings.HasSuffix(words[0], ":") {
		words = words[1:]
	}
	if len(words) > 8 {
		words = words[:8]
	}
	if len(words) == 0 {
		return "Untitled Conversation"
	}
	return strings.Join(words, " ")
}
