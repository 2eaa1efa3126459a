package transcribe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicle-app/chronicle-backend/internal/models"
)

func TestStubProviderReplaysScript(t *testing.T) {
	script := []Result{
		{Final: false, Words: 1, Segments: []models.TranscriptSegment{{Speaker: "speaker_0", Text: "hey"}}},
		{Final: true, Words: 2, Segments: []models.TranscriptSegment{{Speaker: "speaker_0", Text: "hey there"}}},
	}
	provider := NewStubProvider(script)

	stream, err := provider.Start(context.Background(), StreamConfig{SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, stream.Feed(context.Background(), []byte{1}))
	require.NoError(t, stream.Feed(context.Background(), []byte{2}))
	require.NoError(t, stream.Finalize(context.Background()))

	var got []Result
	for res := range stream.Results() {
		got = append(got, res)
	}
	require.Len(t, got, 2)
	assert.False(t, got[0].Final)
	assert.True(t, got[1].Final)
	assert.Equal(t, "hey there", got[1].Segments[0].Text)
}

func TestStubProviderFinalizeFlushesFinals(t *testing.T) {
	script := []Result{
		{Final: false, Words: 1},
		{Final: true, Words: 3},
	}
	provider := NewStubProvider(script)

	stream, err := provider.Start(context.Background(), StreamConfig{})
	require.NoError(t, err)

	// Nothing fed: finalize still delivers the scripted final fragments.
	require.NoError(t, stream.Finalize(context.Background()))

	var got []Result
	for res := range stream.Results() {
		got = append(got, res)
	}
	require.Len(t, got, 1)
	assert.True(t, got[0].Final)
	assert.Equal(t, 3, got[0].Words)
}

func TestStubProviderFeedAfterFinalize(t *testing.T) {
	provider := NewStubProvider(nil)
	stream, err := provider.Start(context.Background(), StreamConfig{})
	require.NoError(t, err)

	require.NoError(t, stream.Finalize(context.Background()))
	assert.Error(t, stream.Feed(context.Background(), []byte{1}))

	// Finalize is idempotent.
	assert.NoError(t, stream.Finalize(context.Background()))
}

func TestFailingStubProvider(t *testing.T) {
	provider := NewFailingStubProvider(ErrCodeAuth)

	_, err := provider.Start(context.Background(), StreamConfig{})
	require.Error(t, err)

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, ErrCodeAuth, provErr.Code)
	assert.Equal(t, "stub", provErr.Provider)
}

func TestStubProviderStreamsAreIndependent(t *testing.T) {
	script := []Result{{Final: true, Words: 2}}
	provider := NewStubProvider(script)

	first, err := provider.Start(context.Background(), StreamConfig{})
	require.NoError(t, err)
	second, err := provider.Start(context.Background(), StreamConfig{})
	require.NoError(t, err)

	require.NoError(t, first.Feed(context.Background(), []byte{1}))
	require.NoError(t, second.Feed(context.Background(), []byte{1}))
	require.NoError(t, first.Finalize(context.Background()))
	require.NoError(t, second.Finalize(context.Background()))

	assert.Len(t, drain(first), 1)
	assert.Len(t, drain(second), 1)
}

func drain(s Stream) []Result {
	var out []Result
	for res := range s.Results() {
		out = append(out, res)
	}
	return out
}
