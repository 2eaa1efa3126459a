package speaker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

type fakeConversations struct {
	mu      sync.Mutex
	conv    *models.Conversation
	updates []map[string]interface{}
}

func (f *fakeConversations) Create(ctx context.Context, conv *models.Conversation) error { return nil }

func (f *fakeConversations) Get(ctx context.Context, id string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conv == nil || f.conv.ID != id {
		return nil, nil
	}
	cp := *f.conv
	return &cp, nil
}

func (f *fakeConversations) GetOpenBySession(ctx context.Context, sessionID string) (*models.Conversation, error) {
	return nil, nil
}

func (f *fakeConversations) GetLatestBySession(ctx context.Context, sessionID string) (*models.Conversation, error) {
	return nil, nil
}

func (f *fakeConversations) List(ctx context.Context, userID string, filter repository.ConversationFilter) ([]*models.Conversation, error) {
	return nil, nil
}

func (f *fakeConversations) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updates)
	if raw, ok := updates["transcript"].([]byte); ok {
		f.conv.Transcript = raw
	}
	return nil
}

func (f *fakeConversations) Close(ctx context.Context, id string, endReason models.EndReason, status models.ProcessingStatus, title string, transcript []byte) error {
	return nil
}

func (f *fakeConversations) SetStarred(ctx context.Context, id string, starred bool) error {
	return nil
}

func completedConversation(t *testing.T) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{
		ID:               "c1",
		UserID:           "user-1",
		ProcessingStatus: models.StatusCompleted,
	}
	require.NoError(t, conv.SetSegments([]models.TranscriptSegment{
		{Speaker: "speaker_0", Start: 0, End: 2, Text: "hello"},
		{Speaker: "speaker_1", Start: 2, End: 4, Text: "hi there"},
		{Speaker: "speaker_0", Start: 4, End: 6, Text: "how are you"},
	}))
	return conv
}

func TestIdentifyRelabelsSpeakers(t *testing.T) {
	var gotReq identifyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/identify", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(identifyResponse{
			Labels: map[string]string{"speaker_0": "Alice"},
		})
	}))
	defer server.Close()

	repo := &fakeConversations{conv: completedConversation(t)}
	client := NewClient(server.URL, true, repo)

	require.NoError(t, client.IdentifyForConversation(context.Background(), "c1"))

	assert.Equal(t, "c1", gotReq.ConversationID)
	assert.Len(t, gotReq.Segments, 3)

	segments, err := repo.conv.Segments()
	require.NoError(t, err)
	assert.Equal(t, "Alice", segments[0].Speaker)
	assert.Equal(t, "speaker_1", segments[1].Speaker)
	assert.Equal(t, "Alice", segments[2].Speaker)
}

func TestIdentifyNoChangesSkipsUpdate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(identifyResponse{Labels: map[string]string{}})
	}))
	defer server.Close()

	repo := &fakeConversations{conv: completedConversation(t)}
	client := NewClient(server.URL, true, repo)

	require.NoError(t, client.IdentifyForConversation(context.Background(), "c1"))
	assert.Empty(t, repo.updates)
}

func TestIdentifyDisabledIsNoOp(t *testing.T) {
	repo := &fakeConversations{conv: completedConversation(t)}

	client := NewClient("", true, repo)
	require.NoError(t, client.IdentifyForConversation(context.Background(), "c1"))

	client = NewClient("http://example.invalid", false, repo)
	require.NoError(t, client.IdentifyForConversation(context.Background(), "c1"))

	assert.Empty(t, repo.updates)
}

func TestIdentifySkipsFailedConversations(t *testing.T) {
	conv := completedConversation(t)
	conv.ProcessingStatus = models.StatusTranscriptionFailed
	repo := &fakeConversations{conv: conv}

	client := NewClient("http://example.invalid", true, repo)
	require.NoError(t, client.IdentifyForConversation(context.Background(), "c1"))
	assert.Empty(t, repo.updates)
}

func TestIdentifyServiceErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	repo := &fakeConversations{conv: completedConversation(t)}
	client := NewClient(server.URL, true, repo)

	assert.Error(t, client.IdentifyForConversation(context.Background(), "c1"))
}
