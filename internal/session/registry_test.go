package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore errors on everything; used to exercise degraded paths
type failingStore struct{}

func (failingStore) Init(ctx context.Context, sessionID string, fields map[string]string) error {
	return fmt.Errorf("store down")
}
func (failingStore) Merge(ctx context.Context, sessionID string, fields map[string]string) error {
	return fmt.Errorf("store down")
}
func (failingStore) Fields(ctx context.Context, sessionID string) (map[string]string, error) {
	return nil, fmt.Errorf("store down")
}
func (failingStore) IncrBy(ctx context.Context, sessionID, field string, delta int64) (int64, error) {
	return 0, fmt.Errorf("store down")
}
func (failingStore) Delete(ctx context.Context, sessionID string) error {
	return fmt.Errorf("store down")
}
func (failingStore) Expire(ctx context.Context, sessionID string, ttl time.Duration) error {
	return fmt.Errorf("store down")
}

// flakyStore works for Init then fails afterwards, simulating Redis
// dropping mid-session.
type flakyStore struct {
	*MemoryStore
	broken bool
}

func (s *flakyStore) Merge(ctx context.Context, sessionID string, fields map[string]string) error {
	if s.broken {
		return fmt.Errorf("store down")
	}
	return s.MemoryStore.Merge(ctx, sessionID, fields)
}

func (s *flakyStore) Fields(ctx context.Context, sessionID string) (map[string]string, error) {
	if s.broken {
		return nil, fmt.Errorf("store down")
	}
	return s.MemoryStore.Fields(ctx, sessionID)
}

func (s *flakyStore) IncrBy(ctx context.Context, sessionID, field string, delta int64) (int64, error) {
	if s.broken {
		return 0, fmt.Errorf("store down")
	}
	return s.MemoryStore.IncrBy(ctx, sessionID, field, delta)
}

func testRecord(sessionID string) *Record {
	return &Record{
		SessionID:     sessionID,
		UserID:        "user-1",
		UserEmail:     "user@example.com",
		ClientID:      "device-1",
		ConnectionID:  "conn-1",
		Provider:      "stub",
		Mode:          ModeStreaming,
		StreamName:    "device-1/" + sessionID,
		Connected:     true,
		Status:        StatusActive,
		AlwaysPersist: true,
	}
}

func TestRegistryInitAndGet(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, registry.Init(ctx, testRecord("s1")))

	rec, err := registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "device-1", rec.ClientID)
	assert.Equal(t, ModeStreaming, rec.Mode)
	assert.Equal(t, StatusActive, rec.Status)
	assert.True(t, rec.Connected)
	assert.True(t, rec.AlwaysPersist)
	assert.False(t, rec.StopRequested)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestRegistryGetUnknownSession(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())

	_, err := registry.Get(context.Background(), "missing")
	assert.Equal(t, ErrNotFound, err)
}

func TestRegistryInitFailsWhenPrimaryDown(t *testing.T) {
	registry := NewRegistry(failingStore{})

	err := registry.Init(context.Background(), testRecord("s1"))
	require.Error(t, err)

	// No half-created record anywhere the session could run against.
	_, err = registry.Get(context.Background(), "s1")
	assert.Error(t, err)
}

func TestRegistryUpdateMergesFields(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, registry.Init(ctx, testRecord("s1")))
	require.NoError(t, registry.Update(ctx, "s1", map[string]string{
		FieldSpeechJobID: "job-42",
	}))

	rec, err := registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "job-42", rec.SpeechJobID)
	// Untouched fields survive the merge.
	assert.Equal(t, "user-1", rec.UserID)
	assert.True(t, rec.Connected)
}

func TestRegistryStatusOnlyMovesForward(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, registry.Init(ctx, testRecord("s1")))
	require.NoError(t, registry.SetStatus(ctx, "s1", StatusFinalizing))
	require.NoError(t, registry.SetStatus(ctx, "s1", StatusComplete))

	// A stale writer cannot move the session backwards.
	require.NoError(t, registry.SetStatus(ctx, "s1", StatusActive))

	rec, err := registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, rec.Status)
}

func TestRegistryIncrChunks(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, registry.Init(ctx, testRecord("s1")))
	for i := 1; i <= 3; i++ {
		n, err := registry.IncrChunks(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	rec, err := registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.ChunksPublished)
}

func TestRegistryDegradesToFallbackMidSession(t *testing.T) {
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	registry := NewRegistry(primary)
	ctx := context.Background()

	require.NoError(t, registry.Init(ctx, testRecord("s1")))
	primary.broken = true

	// Updates and reads keep working against the fallback mirror.
	require.NoError(t, registry.MarkStopRequested(ctx, "s1"))
	require.NoError(t, registry.MarkDisconnected(ctx, "s1"))

	rec, err := registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, rec.StopRequested)
	assert.False(t, rec.Connected)

	n, err := registry.IncrChunks(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRegistryWaitFor(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, registry.Init(ctx, testRecord("s1")))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = registry.Update(ctx, "s1", map[string]string{FieldSpeechJobID: "job-9"})
	}()

	rec, err := registry.WaitFor(ctx, "s1", 2*time.Second, func(r *Record) bool {
		return r.SpeechJobID != ""
	})
	require.NoError(t, err)
	assert.Equal(t, "job-9", rec.SpeechJobID)
}

func TestRegistryWaitForTimesOut(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, registry.Init(ctx, testRecord("s1")))

	_, err := registry.WaitFor(ctx, "s1", 150*time.Millisecond, func(r *Record) bool {
		return r.StopRequested
	})
	assert.Error(t, err)
}

func TestStatusForward(t *testing.T) {
	assert.True(t, StatusActive.Forward(StatusFinalizing))
	assert.True(t, StatusActive.Forward(StatusActive))
	assert.True(t, StatusFinalizing.Forward(StatusComplete))
	assert.False(t, StatusComplete.Forward(StatusActive))
	assert.False(t, StatusFinalizing.Forward(StatusActive))
}
