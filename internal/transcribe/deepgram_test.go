package transcribe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMessage(t *testing.T, raw string) *deepgramMessage {
	t.Helper()
	var msg deepgramMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return &msg
}

func TestToResultGroupsConsecutiveSpeakerWords(t *testing.T) {
	msg := decodeMessage(t, `{
		"type": "Results",
		"is_final": true,
		"channel": {"alternatives": [{
			"transcript": "hello there general",
			"words": [
				{"word": "hello", "punctuated_word": "Hello", "start": 0.1, "end": 0.4, "speaker": 0},
				{"word": "there", "punctuated_word": "there", "start": 0.4, "end": 0.7, "speaker": 0},
				{"word": "general", "punctuated_word": "General!", "start": 1.0, "end": 1.6, "speaker": 1}
			]
		}]}
	}`)

	s := &deepgramStream{}
	res := s.toResult(msg)

	assert.True(t, res.Final)
	assert.Equal(t, 3, res.Words)
	require.Len(t, res.Segments, 2)

	assert.Equal(t, "speaker_0", res.Segments[0].Speaker)
	assert.Equal(t, "Hello there", res.Segments[0].Text)
	assert.Equal(t, 0.1, res.Segments[0].Start)
	assert.Equal(t, 0.7, res.Segments[0].End)

	assert.Equal(t, "speaker_1", res.Segments[1].Speaker)
	assert.Equal(t, "General!", res.Segments[1].Text)
}

func TestToResultSpeakerChangesSplitSegments(t *testing.T) {
	msg := decodeMessage(t, `{
		"type": "Results",
		"is_final": true,
		"channel": {"alternatives": [{
			"words": [
				{"word": "yes", "start": 0, "end": 0.2, "speaker": 0},
				{"word": "no", "start": 0.3, "end": 0.5, "speaker": 1},
				{"word": "maybe", "start": 0.6, "end": 0.9, "speaker": 0}
			]
		}]}
	}`)

	s := &deepgramStream{}
	res := s.toResult(msg)

	require.Len(t, res.Segments, 3)
	assert.Equal(t, "speaker_0", res.Segments[0].Speaker)
	assert.Equal(t, "speaker_1", res.Segments[1].Speaker)
	assert.Equal(t, "speaker_0", res.Segments[2].Speaker)
}

func TestToResultFallsBackToRawWord(t *testing.T) {
	msg := decodeMessage(t, `{
		"type": "Results",
		"is_final": false,
		"channel": {"alternatives": [{
			"words": [{"word": "plain", "start": 0, "end": 0.3, "speaker": 2}]
		}]}
	}`)

	s := &deepgramStream{}
	res := s.toResult(msg)

	assert.False(t, res.Final)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, "plain", res.Segments[0].Text)
	assert.Equal(t, "speaker_2", res.Segments[0].Speaker)
}

func TestToResultEmptyAlternatives(t *testing.T) {
	msg := decodeMessage(t, `{"type": "Results", "is_final": true, "channel": {"alternatives": []}}`)

	s := &deepgramStream{}
	res := s.toResult(msg)

	assert.True(t, res.Final)
	assert.Zero(t, res.Words)
	assert.Empty(t, res.Segments)
}
