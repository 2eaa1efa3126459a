package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/models"
)

const defaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

// DeepgramProvider streams audio to Deepgram's live transcription API
type DeepgramProvider struct {
	apiKey  string
	baseURL string
	log     *logrus.Entry
}

// NewDeepgramProvider creates a Deepgram streaming provider
func NewDeepgramProvider(apiKey, baseURL string) *DeepgramProvider {
	if baseURL == "" {
		baseURL = defaultDeepgramURL
	}
	return &DeepgramProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		log:     logrus.WithField("component", "deepgram"),
	}
}

// Name returns the provider name
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// Start opens a live transcription websocket for one session
func (p *DeepgramProvider) Start(ctx context.Context, cfg StreamConfig) (Stream, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, &ProviderError{Provider: "deepgram", Code: ErrCodeConnection, Err: err}
	}

	q := u.Query()
	q.Set("model", cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("diarize", "true")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+p.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		code := ErrCodeConnection
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			code = ErrCodeAuth
		}
		return nil, &ProviderError{Provider: "deepgram", Code: code, Err: err}
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan Result, 64),
		done:    make(chan struct{}),
		log:     p.log.WithField("session_id", cfg.SessionID),
	}
	go s.readLoop()

	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	results chan Result
	done    chan struct{}

	mu        sync.Mutex
	finalized bool
	log       *logrus.Entry
}

// Feed sends one binary audio frame upstream
func (s *deepgramStream) Feed(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("stream already finalized")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Finalize sends the explicit close signal upstream. The read loop keeps
// draining until Deepgram acknowledges with its metadata message and
// closes, so late final fragments are not lost.
func (s *deepgramStream) Finalize(ctx context.Context) error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil
	}
	s.finalized = true
	err := s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
	s.mu.Unlock()

	if err != nil {
		s.conn.Close()
		return err
	}

	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		s.conn.Close()
	case <-ctx.Done():
		s.conn.Close()
		return ctx.Err()
	}
	return nil
}

// Results returns the fragment channel
func (s *deepgramStream) Results() <-chan Result {
	return s.results
}

// deepgramMessage is the subset of Deepgram's live response we consume
type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word    string  `json:"punctuated_word"`
				Raw     string  `json:"word"`
				Start   float64 `json:"start"`
				End     float64 `json:"end"`
				Speaker int     `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) readLoop() {
	defer close(s.results)
	defer close(s.done)
	defer s.conn.Close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			finalized := s.finalized
			s.mu.Unlock()
			if !finalized {
				s.results <- Result{Err: &ProviderError{Provider: "deepgram", Code: ErrCodeConnection, Err: err}}
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.WithError(err).Debug("skipping unparseable provider message")
			continue
		}

		switch msg.Type {
		case "Results":
			res := s.toResult(&msg)
			if res.Words == 0 && len(res.Segments) == 0 {
				continue
			}
			s.results <- res
		case "Metadata":
			// Sent after CloseStream; the connection closes next.
		}
	}
}

// toResult converts a Deepgram message into speaker-attributed segments.
// Consecutive words from the same speaker collapse into one segment;
// Deepgram word times are already cumulative from stream start.
func (s *deepgramStream) toResult(msg *deepgramMessage) Result {
	res := Result{Final: msg.IsFinal}
	if len(msg.Channel.Alternatives) == 0 {
		return res
	}

	alt := msg.Channel.Alternatives[0]
	res.Words = len(alt.Words)

	var current *models.TranscriptSegment
	currentSpeaker := -1
	for _, w := range alt.Words {
		text := w.Word
		if text == "" {
			text = w.Raw
		}
		if current == nil || w.Speaker != currentSpeaker {
			if current != nil {
				res.Segments = append(res.Segments, *current)
			}
			current = &models.TranscriptSegment{
				Speaker: "speaker_" + strconv.Itoa(w.Speaker),
				Start:   w.Start,
				End:     w.End,
				Text:    text,
			}
			currentSpeaker = w.Speaker
			continue
		}
		current.Text += " " + text
		current.End = w.End
	}
	if current != nil {
		res.Segments = append(res.Segments, *current)
	}

	return res
}
