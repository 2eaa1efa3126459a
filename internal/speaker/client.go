package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// Client calls the external speaker recognition service to replace the
// provider's numeric speaker labels with enrolled speaker names. Runs as
// the speaker_recognition downstream job.
type Client struct {
	baseURL       string
	enabled       bool
	http          *http.Client
	conversations repository.ConversationRepository
	log           *logrus.Entry
}

// NewClient creates a speaker recognition client. With no service URL
// configured the job is a no-op.
func NewClient(baseURL string, enabled bool, conversations repository.ConversationRepository) *Client {
	return &Client{
		baseURL:       baseURL,
		enabled:       enabled && baseURL != "",
		http:          &http.Client{Timeout: 60 * time.Second},
		conversations: conversations,
		log:           logrus.WithField("component", "speaker-recognition"),
	}
}

type identifyRequest struct {
	ConversationID string                     `json:"conversation_id"`
	Segments       []models.TranscriptSegment `json:"segments"`
}

type identifyResponse struct {
	// Labels maps provider speaker labels to enrolled speaker names.
	Labels map[string]string `json:"labels"`
}

// IdentifyForConversation relabels the transcript speakers of one closed
// conversation. Idempotent per conversation id: relabeling an already
// relabeled transcript maps unknown labels to themselves.
func (c *Client) IdentifyForConversation(ctx context.Context, conversationID string) error {
	if !c.enabled {
		return nil
	}

	conv, err := c.conversations.Get(ctx, conversationID)
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

	labels, err := c.identify(ctx, conversationID, segments)
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		return nil
	}

	changed := false
	for i := range segments {
		if name, ok := labels[segments[i].Speaker]; ok && name != "" && name != segments[i].Speaker {
			segments[i].Speaker = name
			changed = true
		}
	}
	if !changed {
		return nil
	}

	raw, err := json.Marshal(segments)
	if err != nil {
		return err
	}
	return c.conversations.Update(ctx, conversationID, map[string]interface{}{
		"transcript": raw,
	})
}

func (c *Client) identify(ctx context.Context, conversationID string, segments []models.TranscriptSegment) (map[string]string, error) {
	body, err := json.Marshal(identifyRequest{ConversationID: conversationID, Segments: segments})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/identify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speaker service returned %d", resp.StatusCode)
	}

	var out identifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("speaker service: %w", err)
	}
	return out.Labels, nil
}
