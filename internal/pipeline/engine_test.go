package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicle-app/chronicle-backend/internal/config"
	"github.com/chronicle-app/chronicle-backend/internal/events"
	"github.com/chronicle-app/chronicle-backend/internal/jobs"
	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
	"github.com/chronicle-app/chronicle-backend/internal/session"
	"github.com/chronicle-app/chronicle-backend/internal/transcribe"
)

// ----------------------------------------------------------------------
// In-memory repository fakes
// ----------------------------------------------------------------------

type memConversations struct {
	mu    sync.Mutex
	byID  map[string]*models.Conversation
	order []string
}

func newMemConversations() *memConversations {
	return &memConversations{byID: map[string]*models.Conversation{}}
}

func (m *memConversations) Create(ctx context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Title == "" {
		conv.Title = models.TitleProcessing
	}
	if conv.ProcessingStatus == "" {
		conv.ProcessingStatus = models.StatusPendingTranscription
	}
	if conv.TranscriptVersion == 0 {
		conv.TranscriptVersion = 1
	}
	conv.CreatedAt = time.Now()
	cp := *conv
	m.byID[conv.ID] = &cp
	m.order = append(m.order, conv.ID)
	return nil
}

func (m *memConversations) Get(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (m *memConversations) GetOpenBySession(ctx context.Context, sessionID string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		conv := m.byID[m.order[i]]
		if conv.SessionID == sessionID && !conv.EndReason.Valid && !conv.Deleted {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memConversations) GetLatestBySession(ctx context.Context, sessionID string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		conv := m.byID[m.order[i]]
		if conv.SessionID == sessionID && !conv.Deleted {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memConversations) List(ctx context.Context, userID string, filter repository.ConversationFilter) ([]*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Conversation
	for _, id := range m.order {
		conv := m.byID[id]
		if conv.UserID != userID || conv.Deleted {
			continue
		}
		cp := *conv
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memConversations) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	if title, ok := updates["title"].(string); ok {
		conv.Title = title
	}
	if deleted, ok := updates["deleted"].(bool); ok {
		conv.Deleted = deleted
	}
	return nil
}

func (m *memConversations) Close(ctx context.Context, id string, endReason models.EndReason, status models.ProcessingStatus, title string, transcript []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	if conv.EndReason.Valid {
		return nil
	}
	conv.EndReason.String = string(endReason)
	conv.EndReason.Valid = true
	conv.ProcessingStatus = status
	conv.Title = title
	conv.Transcript = transcript
	conv.CompletedAt.Time = time.Now()
	conv.CompletedAt.Valid = true
	return nil
}

func (m *memConversations) SetStarred(ctx context.Context, id string, starred bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.byID[id]; ok {
		conv.Starred = starred
	}
	return nil
}

func (m *memConversations) all() []*models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Conversation, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.byID[id]
		out = append(out, &cp)
	}
	return out
}

type memChunks struct {
	mu     sync.Mutex
	chunks map[string][]*models.AudioChunk
	// failWrite rejects non-gap appends when it returns an error
	failWrite func(chunk *models.AudioChunk) error
}

func newMemChunks() *memChunks {
	return &memChunks{chunks: map[string][]*models.AudioChunk{}}
}

func (m *memChunks) Append(ctx context.Context, chunk *models.AudioChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil && !chunk.Gap {
		if err := m.failWrite(chunk); err != nil {
			return err
		}
	}
	cp := *chunk
	m.chunks[chunk.ConversationID] = append(m.chunks[chunk.ConversationID], &cp)
	return nil
}

func (m *memChunks) ListByConversation(ctx context.Context, conversationID string) ([]*models.AudioChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AudioChunk, len(m.chunks[conversationID]))
	copy(out, m.chunks[conversationID])
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *memChunks) NextIndex(ctx context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 0
	for _, chunk := range m.chunks[conversationID] {
		if chunk.ChunkIndex >= next {
			next = chunk.ChunkIndex + 1
		}
	}
	return next, nil
}

type memJobs struct {
	mu    sync.Mutex
	byID  map[string]*models.Job
	order []string
}

func newMemJobs() *memJobs {
	return &memJobs{byID: map[string]*models.Job{}}
}

func (m *memJobs) Create(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.CreatedAt = time.Now()
	cp := *job
	m.byID[job.ID] = &cp
	m.order = append(m.order, job.ID)
	return nil
}

func (m *memJobs) Get(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) ListBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, id := range m.order {
		job := m.byID[id]
		if job.SessionID.String == sessionID {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memJobs) ListByConversation(ctx context.Context, conversationID string) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, id := range m.order {
		job := m.byID[id]
		if job.ConversationID.String == conversationID {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memJobs) SetStatus(ctx context.Context, id string, status models.JobStatus, result, jobErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.Status = status
	if result != "" {
		job.Result.String = result
		job.Result.Valid = true
	}
	if jobErr != "" {
		job.Error.String = jobErr
		job.Error.Valid = true
	}
	return nil
}

func (m *memJobs) SetConversationJobID(ctx context.Context, id string, conversationJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.ConversationJobID.String = conversationJobID
	job.ConversationJobID.Valid = true
	return nil
}

func (m *memJobs) byType(jobType models.JobType) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, id := range m.order {
		if m.byID[id].Type == jobType {
			cp := *m.byID[id]
			out = append(out, &cp)
		}
	}
	return out
}

// ----------------------------------------------------------------------
// Test harness
// ----------------------------------------------------------------------

type testEnv struct {
	engine        *Engine
	conversations *memConversations
	chunks        *memChunks
	jobs          *memJobs
	emitter       *events.CaptureEmitter
	registry      *session.Registry
}

func testIdentity() Identity {
	return Identity{
		UserID:       "user-1",
		UserEmail:    "user@example.com",
		ClientID:     "device-1",
		ConnectionID: "conn-1",
	}
}

// testConfig uses a tiny chunk size (20 bytes at 100 Hz mono 16-bit) so a
// single small frame fills a chunk.
func testConfig() (config.PipelineConfig, config.TranscriptionConfig) {
	pipelineCfg := config.PipelineConfig{
		SpeechThresholdWords: 5,
		InactivityTimeoutSec: 60,
		ChunkSeconds:         0.1,
		ChunkWriteRetries:    2,
		SessionGraceSec:      0,
	}
	asrCfg := config.TranscriptionConfig{
		Provider:   "stub",
		SampleRate: 100,
		Channels:   1,
	}
	return pipelineCfg, asrCfg
}

func newTestEnv(t *testing.T, provider transcribe.Provider, alwaysPersist bool, mutate func(*config.PipelineConfig)) *testEnv {
	t.Helper()

	pipelineCfg, asrCfg := testConfig()
	if mutate != nil {
		mutate(&pipelineCfg)
	}

	conversations := newMemConversations()
	chunks := newMemChunks()
	jobRepo := newMemJobs()
	emitter := events.NewCaptureEmitter()
	registry := session.NewRegistry(session.NewMemoryStore())
	queue := jobs.NewQueue(jobs.NewMemoryBroker(), jobRepo)

	engine := NewEngine(
		registry,
		conversations,
		chunks,
		queue,
		provider,
		emitter,
		pipelineCfg,
		asrCfg,
		func(ctx context.Context) bool { return alwaysPersist },
	)

	return &testEnv{
		engine:        engine,
		conversations: conversations,
		chunks:        chunks,
		jobs:          jobRepo,
		emitter:       emitter,
		registry:      registry,
	}
}

func frame(n int) []byte {
	return bytes.Repeat([]byte{0x7f}, n)
}

func finalResult(words int, speaker, text string, start, end float64) transcribe.Result {
	return transcribe.Result{
		Final: true,
		Words: words,
		Segments: []models.TranscriptSegment{
			{Speaker: speaker, Start: start, End: end, Text: text},
		},
	}
}

// waitFor polls until cond passes or the deadline expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// ----------------------------------------------------------------------
// Scenarios
// ----------------------------------------------------------------------

func TestEngineClientStopClosesConversation(t *testing.T) {
	provider := transcribe.NewStubProvider([]transcribe.Result{
		finalResult(3, "speaker_0", "hey are you there", 0, 1.5),
		finalResult(3, "speaker_1", "yes I am", 1.5, 3),
	})
	env := newTestEnv(t, provider, false, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))
	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))

	env.engine.Stop(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	conversations := env.conversations.all()
	require.Len(t, conversations, 1)
	conv := conversations[0]
	assert.Equal(t, "client_stop", conv.EndReason.String)
	assert.Equal(t, models.StatusCompleted, conv.ProcessingStatus)
	assert.Equal(t, "s1", conv.SessionID)

	segments, err := conv.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "hey are you there", segments[0].Text)
	assert.Equal(t, "speaker_1", segments[1].Speaker)

	// Audio buffered before the speech threshold lands once the
	// conversation exists.
	chunks, err := env.chunks.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 1, chunks[1].ChunkIndex)

	// Downstream jobs are queued at close.
	for _, jobType := range []models.JobType{
		models.JobSpeakerRecognition,
		models.JobMemoryExtraction,
		models.JobTitleGeneration,
	} {
		queued := env.jobs.byType(jobType)
		require.Len(t, queued, 1, "expected one %s job", jobType)
		assert.Equal(t, models.JobQueued, queued[0].Status)
		assert.Equal(t, conv.ID, queued[0].ConversationID.String)
	}

	// The detection job finished and links the spawned conversation job.
	detections := env.jobs.byType(models.JobSpeechDetection)
	require.Len(t, detections, 1)
	assert.Equal(t, models.JobFinished, detections[0].Status)
	assert.Equal(t, models.ResultConversationCreated, detections[0].Result.String)
	assert.True(t, detections[0].ConversationJobID.Valid)

	assert.NotEmpty(t, env.emitter.ByType(events.EventTranscriptStreaming))
	require.Len(t, env.emitter.ByType(events.EventTranscriptBatch), 1)
	complete := env.emitter.ByType(events.EventConversationComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "client_stop", complete[0].Metadata["end_reason"])
}

func TestEngineDisconnectEndReason(t *testing.T) {
	provider := transcribe.NewStubProvider([]transcribe.Result{
		finalResult(6, "speaker_0", "one two three four five six", 0, 2),
	})
	env := newTestEnv(t, provider, false, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))

	env.engine.Disconnect(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	conversations := env.conversations.all()
	require.Len(t, conversations, 1)
	assert.Equal(t, "websocket_disconnect", conversations[0].EndReason.String)
	assert.Equal(t, models.StatusCompleted, conversations[0].ProcessingStatus)
}

func TestEngineBatchModeEndsAsFileUpload(t *testing.T) {
	provider := transcribe.NewStubProvider([]transcribe.Result{
		finalResult(6, "speaker_0", "reading a long file out loud", 0, 2),
	})
	env := newTestEnv(t, provider, false, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeBatch))
	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))

	env.engine.Stop(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	conversations := env.conversations.all()
	require.Len(t, conversations, 1)
	assert.Equal(t, "file_upload", conversations[0].EndReason.String)
}

func TestEngineNoSpeechDetected(t *testing.T) {
	provider := transcribe.NewStubProvider([]transcribe.Result{
		finalResult(2, "speaker_0", "um hm", 0, 1),
	})
	env := newTestEnv(t, provider, false, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))

	env.engine.Stop(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	// Below the threshold nothing is created and buffered audio is
	// discarded with the session.
	assert.Empty(t, env.conversations.all())

	detections := env.jobs.byType(models.JobSpeechDetection)
	require.Len(t, detections, 1)
	assert.Equal(t, models.JobFinished, detections[0].Status)
	assert.Equal(t, models.ResultNoSpeechDetected, detections[0].Result.String)
}

func TestEngineProviderFailureNeverLosesAudio(t *testing.T) {
	provider := transcribe.NewFailingStubProvider(transcribe.ErrCodeAuth)
	env := newTestEnv(t, provider, true, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	for i := 0; i < 3; i++ {
		require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))
	}

	env.engine.Stop(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	conversations := env.conversations.all()
	require.Len(t, conversations, 1)
	conv := conversations[0]
	assert.Equal(t, models.StatusTranscriptionFailed, conv.ProcessingStatus)
	assert.Equal(t, models.TitleTranscriptionFailed, conv.Title)
	assert.Equal(t, "client_stop", conv.EndReason.String)

	chunks, err := env.chunks.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)

	detections := env.jobs.byType(models.JobSpeechDetection)
	require.Len(t, detections, 1)
	assert.Equal(t, transcribe.ErrCodeConnection, detections[0].Result.String)

	complete := env.emitter.ByType(events.EventConversationComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, string(models.StatusTranscriptionFailed), complete[0].Metadata["processing_status"])
}

func TestEnginePlaceholderExistsBeforeTranscript(t *testing.T) {
	provider := transcribe.NewStubProvider(nil)
	env := newTestEnv(t, provider, true, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(5)))

	// The placeholder appears on the first frame, before any transcript
	// and before the stream ends.
	waitFor(t, 2*time.Second, func() bool {
		return len(env.conversations.all()) == 1
	})
	conv := env.conversations.all()[0]
	assert.Equal(t, models.StatusPendingTranscription, conv.ProcessingStatus)
	assert.Equal(t, models.TitleProcessing, conv.Title)
	assert.False(t, conv.EndReason.Valid)

	env.engine.Stop(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	conv = env.conversations.all()[0]
	assert.Equal(t, models.StatusTranscriptionFailed, conv.ProcessingStatus)
	assert.True(t, conv.EndReason.Valid)
}

func TestEngineInactivityTimeoutStartsNextConversation(t *testing.T) {
	provider := transcribe.NewStubProvider([]transcribe.Result{
		finalResult(5, "speaker_0", "first utterance of the day", 0, 2),
		finalResult(5, "speaker_0", "second utterance after a pause", 10, 12),
	})
	env := newTestEnv(t, provider, false, func(cfg *config.PipelineConfig) {
		cfg.InactivityTimeoutSec = 0.05
	})
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))

	// Inactivity closes the first conversation without ending the session.
	waitFor(t, 3*time.Second, func() bool {
		for _, conv := range env.conversations.all() {
			if conv.EndReason.String == "timeout_triggered" {
				return true
			}
		}
		return false
	})

	// The detector respawns a fresh detection pass after the timeout close.
	waitFor(t, 3*time.Second, func() bool {
		return len(env.jobs.byType(models.JobSpeechDetection)) == 2
	})

	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))
	waitFor(t, 3*time.Second, func() bool {
		return len(env.conversations.all()) == 2
	})

	env.engine.Stop(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	conversations := env.conversations.all()
	require.Len(t, conversations, 2)
	assert.Equal(t, "timeout_triggered", conversations[0].EndReason.String)
	assert.Equal(t, "client_stop", conversations[1].EndReason.String)

	// The respawned detection pass has its own job record.
	detections := env.jobs.byType(models.JobSpeechDetection)
	assert.Len(t, detections, 2)
}

func TestEngineChunkWriteFailureRecordsGap(t *testing.T) {
	provider := transcribe.NewStubProvider(nil)
	env := newTestEnv(t, provider, true, nil)
	env.chunks.failWrite = func(chunk *models.AudioChunk) error {
		if chunk.ChunkIndex == 1 {
			return fmt.Errorf("disk on fire")
		}
		return nil
	}
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	for i := 0; i < 3; i++ {
		require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))
	}

	env.engine.Stop(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	conversations := env.conversations.all()
	require.Len(t, conversations, 1)
	chunks, err := env.chunks.ListByConversation(ctx, conversations[0].ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	// Indexes stay contiguous; the failed write is an explicit gap marker.
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
	}
	assert.False(t, chunks[0].Gap)
	assert.True(t, chunks[1].Gap)
	assert.Empty(t, chunks[1].Payload)
	assert.False(t, chunks[2].Gap)

	// Stored payloads decompress back to the original audio.
	decoder, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer decoder.Close()
	raw, err := decoder.DecodeAll(chunks[0].Payload, nil)
	require.NoError(t, err)
	assert.Equal(t, frame(20), raw)
}

func TestEngineSessionsAreIsolated(t *testing.T) {
	provider := transcribe.NewStubProvider([]transcribe.Result{
		finalResult(6, "speaker_0", "enough words to open a conversation", 0, 2),
	})
	env := newTestEnv(t, provider, false, nil)
	ctx := context.Background()

	sessions := []string{"s1", "s2", "s3"}
	for _, id := range sessions {
		identity := testIdentity()
		identity.ClientID = "device-" + id
		require.NoError(t, env.engine.OpenSession(ctx, id, identity, session.ModeStreaming))
	}
	for _, id := range sessions {
		require.NoError(t, env.engine.Ingest(ctx, id, frame(20)))
	}
	for _, id := range sessions {
		env.engine.Stop(ctx, id)
	}
	for _, id := range sessions {
		require.True(t, env.engine.WaitDrained(id, 5*time.Second))
	}

	conversations := env.conversations.all()
	require.Len(t, conversations, 3)
	seen := map[string]bool{}
	for _, conv := range conversations {
		seen[conv.SessionID] = true
		assert.Equal(t, "client_stop", conv.EndReason.String)
		assert.Equal(t, "device-"+conv.SessionID, conv.ClientID)
	}
	assert.Len(t, seen, 3)
}

func TestEngineOpenSessionIdempotent(t *testing.T) {
	provider := transcribe.NewStubProvider(nil)
	env := newTestEnv(t, provider, false, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))

	rec, err := env.registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, rec.Status)

	env.engine.Stop(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	rec, err = env.registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusComplete, rec.Status)
	assert.True(t, rec.StopRequested)
}

func TestEngineIngestAfterEndFails(t *testing.T) {
	provider := transcribe.NewStubProvider(nil)
	env := newTestEnv(t, provider, false, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	env.engine.Stop(ctx, "s1")

	// Whether the runtime is still finalizing or already forgotten, a
	// frame after end-of-stream is rejected.
	assert.Error(t, env.engine.Ingest(ctx, "s1", frame(4)))
}

func TestEngineRegressingTimestampsAreClamped(t *testing.T) {
	// A provider reconnect can replay stale timestamps; the stored
	// transcript must still read as one cumulative timeline.
	provider := transcribe.NewStubProvider([]transcribe.Result{
		finalResult(6, "speaker_0", "one two three four five six", 10, 12),
		finalResult(3, "speaker_0", "seven eight nine", 1, 2),
	})
	env := newTestEnv(t, provider, false, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenSession(ctx, "s1", testIdentity(), session.ModeStreaming))
	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))
	require.NoError(t, env.engine.Ingest(ctx, "s1", frame(20)))

	env.engine.Stop(ctx, "s1")
	require.True(t, env.engine.WaitDrained("s1", 5*time.Second))

	conversations := env.conversations.all()
	require.Len(t, conversations, 1)
	conv := conversations[0]
	assert.Equal(t, models.StatusCompleted, conv.ProcessingStatus)

	segments, err := conv.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2)
	for i, seg := range segments {
		assert.GreaterOrEqual(t, seg.End, seg.Start, "segment %d end before start", i)
		if i > 0 {
			assert.GreaterOrEqual(t, seg.Start, segments[i-1].End,
				"segment %d starts before segment %d ends", i, i-1)
		}
	}
	assert.Equal(t, float64(12), segments[1].Start)
	assert.Equal(t, "seven eight nine", segments[1].Text)
}
