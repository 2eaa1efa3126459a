package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/config"
	"github.com/chronicle-app/chronicle-backend/internal/events"
	"github.com/chronicle-app/chronicle-backend/internal/jobs"
	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
	"github.com/chronicle-app/chronicle-backend/internal/session"
	"github.com/chronicle-app/chronicle-backend/internal/transcribe"
)

// Identity names the user and device behind a session
type Identity struct {
	UserID       string
	UserEmail    string
	ClientID     string
	ConnectionID string
}

// AlwaysPersistFunc reports the backend-wide always-persist setting. The
// engine reads it once per session at spawn time so a session's behavior
// is fixed even if the setting changes concurrently.
type AlwaysPersistFunc func(ctx context.Context) bool

// Engine owns the per-session background jobs: audio persistence, speech
// detection, and the conversation lifecycle jobs they spawn. Sessions
// coordinate only through the session registry and their ingress channel.
type Engine struct {
	registry      *session.Registry
	conversations repository.ConversationRepository
	chunks        repository.ChunkRepository
	queue         *jobs.Queue
	provider      transcribe.Provider
	emitter       events.Emitter
	cfg           config.PipelineConfig
	asrCfg        config.TranscriptionConfig
	alwaysPersist AlwaysPersistFunc

	mu       sync.Mutex
	sessions map[string]*runtime
	log      *logrus.Entry
}

// NewEngine creates the session pipeline engine
func NewEngine(
	registry *session.Registry,
	conversations repository.ConversationRepository,
	chunks repository.ChunkRepository,
	queue *jobs.Queue,
	provider transcribe.Provider,
	emitter events.Emitter,
	cfg config.PipelineConfig,
	asrCfg config.TranscriptionConfig,
	alwaysPersist AlwaysPersistFunc,
) *Engine {
	return &Engine{
		registry:      registry,
		conversations: conversations,
		chunks:        chunks,
		queue:         queue,
		provider:      provider,
		emitter:       emitter,
		cfg:           cfg,
		asrCfg:        asrCfg,
		alwaysPersist: alwaysPersist,
		sessions:      make(map[string]*runtime),
		log:           logrus.WithField("component", "pipeline"),
	}
}

// runtime is the in-process state of one live session
type runtime struct {
	sessionID     string
	identity      Identity
	mode          string
	alwaysPersist bool

	// Ingress fans every frame into both channels; each has a single
	// producer so delivery order equals arrival order.
	persistCh chan []byte
	feedCh    chan []byte

	endOnce sync.Once
	endMu   sync.Mutex
	ended   bool
	cause   models.EndReason

	convMu         sync.Mutex
	conversationID string

	// detectorDone closes when speech detection (and any lifecycle job it
	// spawned) has fully settled. The persistence job waits on it before
	// deciding the fate of audio buffered without a conversation.
	detectorDone chan struct{}

	wg sync.WaitGroup
}

// endCause returns the recorded stream end cause, defaulting to an abrupt
// disconnect when nothing explicit was observed.
func (rt *runtime) endCause() models.EndReason {
	rt.endMu.Lock()
	defer rt.endMu.Unlock()
	if rt.cause == "" {
		return models.EndReasonDisconnect
	}
	return rt.cause
}

// OpenSession idempotently creates the session record and spawns the
// persistence and speech detection jobs exactly once. Fails loudly if the
// registry is unreachable; the session never starts in that case.
func (e *Engine) OpenSession(ctx context.Context, sessionID string, id Identity, mode string) error {
	e.mu.Lock()
	if _, ok := e.sessions[sessionID]; ok {
		e.mu.Unlock()
		return nil
	}

	rt := &runtime{
		sessionID:     sessionID,
		identity:      id,
		mode:          mode,
		alwaysPersist: e.alwaysPersist(ctx),
		persistCh:     make(chan []byte, 256),
		feedCh:        make(chan []byte, 256),
		detectorDone:  make(chan struct{}),
	}
	e.sessions[sessionID] = rt
	e.mu.Unlock()

	rec := &session.Record{
		SessionID:     sessionID,
		UserID:        id.UserID,
		UserEmail:     id.UserEmail,
		ClientID:      id.ClientID,
		ConnectionID:  id.ConnectionID,
		Provider:      e.provider.Name(),
		Mode:          mode,
		StreamName:    fmt.Sprintf("%s/%s", id.ClientID, sessionID),
		Connected:     true,
		Status:        session.StatusActive,
		AlwaysPersist: rt.alwaysPersist,
	}
	if err := e.registry.Init(ctx, rec); err != nil {
		e.mu.Lock()
		delete(e.sessions, sessionID)
		e.mu.Unlock()
		return err
	}

	e.spawnJobs(rt)
	return nil
}

// spawnJobs launches the persistence worker, the provider feeder, and the
// speech detector for a session, then the finalizer that waits for all of
// them.
func (e *Engine) spawnJobs(rt *runtime) {
	ctx := context.Background()

	persist := newPersistenceJob(e, rt)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		persist.run(ctx)
	}()

	detector := newSpeechDetector(e, rt)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer close(rt.detectorDone)
		detector.run(ctx, e.feedProvider(ctx, rt))
	}()

	go e.finalizeWhenDrained(rt)
}

// feedProvider starts the transcription stream and pumps ingress frames
// into it. Provider failures never block the feed loop: the channel keeps
// draining so audio persistence is unaffected, and the failure surfaces
// on the results channel instead.
func (e *Engine) feedProvider(ctx context.Context, rt *runtime) <-chan transcribe.Result {
	stream, err := e.provider.Start(ctx, transcribe.StreamConfig{
		SessionID:  rt.sessionID,
		StreamName: rt.identity.ClientID + "/" + rt.sessionID,
		SampleRate: e.asrCfg.SampleRate,
		Channels:   e.asrCfg.Channels,
		Model:      e.asrCfg.Model,
	})
	if err != nil {
		e.log.WithError(err).WithField("session_id", rt.sessionID).Error("transcription provider failed to start")
		results := make(chan transcribe.Result, 1)
		results <- transcribe.Result{Err: err}

		// Drain the feed channel so ingress and persistence never stall.
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			for range rt.feedCh {
			}
			close(results)
		}()
		return results
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		broken := false
		for frame := range rt.feedCh {
			if broken {
				continue
			}
			if err := stream.Feed(ctx, frame); err != nil {
				e.log.WithError(err).WithField("session_id", rt.sessionID).Warn("provider feed failed, discarding further frames")
				broken = true
			}
		}
		// End-of-stream marker observed: finalize exactly once.
		if err := stream.Finalize(ctx); err != nil {
			e.log.WithError(err).WithField("session_id", rt.sessionID).Warn("provider finalize failed")
		}
	}()

	return stream.Results()
}

// Ingest publishes one audio frame into the session's ingress channel.
// Frames are delivered to both consumers in arrival order.
func (e *Engine) Ingest(ctx context.Context, sessionID string, frame []byte) error {
	rt := e.runtime(sessionID)
	if rt == nil {
		return fmt.Errorf("no active session %s", sessionID)
	}

	// Holding endMu across the sends keeps the close in end() ordered
	// strictly after any in-flight publish.
	rt.endMu.Lock()
	if rt.ended {
		rt.endMu.Unlock()
		return fmt.Errorf("session %s stream already ended", sessionID)
	}
	rt.persistCh <- frame
	rt.feedCh <- frame
	rt.endMu.Unlock()
	if _, err := e.registry.IncrChunks(ctx, sessionID); err != nil {
		e.log.WithError(err).WithField("session_id", sessionID).Warn("failed to bump chunk counter")
	}
	return nil
}

// Stop records a clean end of stream: an explicit audio-stop control
// message, or the natural end of a batch upload.
func (e *Engine) Stop(ctx context.Context, sessionID string) {
	rt := e.runtime(sessionID)
	if rt == nil {
		return
	}

	if err := e.registry.MarkStopRequested(ctx, sessionID); err != nil {
		e.log.WithError(err).WithField("session_id", sessionID).Warn("failed to record stop request")
	}

	cause := models.EndReasonClientStop
	if rt.mode == session.ModeBatch {
		cause = models.EndReasonFileUpload
	}
	e.end(ctx, rt, cause)
}

// Disconnect records a transport-level drop. Without a prior audio-stop
// this is an abrupt disconnect and becomes the conversation's end reason.
func (e *Engine) Disconnect(ctx context.Context, sessionID string) {
	rt := e.runtime(sessionID)
	if rt == nil {
		return
	}

	if err := e.registry.MarkDisconnected(ctx, sessionID); err != nil {
		e.log.WithError(err).WithField("session_id", sessionID).Warn("failed to record disconnect")
	}
	e.end(ctx, rt, models.EndReasonDisconnect)
}

// end closes the ingress channels once. Consumers drain whatever is still
// buffered before they observe the end marker; nothing in flight is
// forcibly cancelled.
func (e *Engine) end(ctx context.Context, rt *runtime, cause models.EndReason) {
	rt.endOnce.Do(func() {
		rt.endMu.Lock()
		rt.ended = true
		rt.cause = cause
		rt.endMu.Unlock()

		if err := e.registry.SetStatus(ctx, rt.sessionID, session.StatusFinalizing); err != nil {
			e.log.WithError(err).WithField("session_id", rt.sessionID).Warn("failed to mark session finalizing")
		}

		close(rt.persistCh)
		close(rt.feedCh)
	})
}

// finalizeWhenDrained waits for every session job to exit, closes any
// conversation left open without a lifecycle job, and completes the
// session record.
func (e *Engine) finalizeWhenDrained(rt *runtime) {
	rt.wg.Wait()
	ctx := context.Background()

	e.closeOrphanConversation(ctx, rt)

	grace := time.Duration(e.cfg.SessionGraceSec * float64(time.Second))
	if err := e.registry.Finalize(ctx, rt.sessionID, grace); err != nil {
		e.log.WithError(err).WithField("session_id", rt.sessionID).Warn("failed to finalize session")
	}

	e.mu.Lock()
	delete(e.sessions, rt.sessionID)
	e.mu.Unlock()

	e.log.WithField("session_id", rt.sessionID).Info("session finalized")
}

// closeOrphanConversation handles the placeholder a persistence job
// created when transcription never produced usable output: the audio is
// already safe, so the conversation terminates as transcription_failed.
func (e *Engine) closeOrphanConversation(ctx context.Context, rt *runtime) {
	conv, err := e.conversations.GetOpenBySession(ctx, rt.sessionID)
	if err != nil {
		e.log.WithError(err).WithField("session_id", rt.sessionID).Warn("failed to look up open conversation")
		return
	}
	if conv == nil {
		return
	}

	cause := rt.endCause()
	if err := e.conversations.Close(ctx, conv.ID, cause, models.StatusTranscriptionFailed, models.TitleTranscriptionFailed, []byte("[]")); err != nil {
		e.log.WithError(err).WithField("conversation_id", conv.ID).Error("failed to close orphan conversation")
		return
	}

	e.emitter.Emit(ctx, events.Event{
		Type:   events.EventConversationComplete,
		UserID: rt.identity.UserID,
		Data:   map[string]interface{}{"conversation_id": conv.ID},
		Metadata: map[string]interface{}{
			"end_reason":        string(cause),
			"processing_status": string(models.StatusTranscriptionFailed),
		},
	})
}

// WaitDrained blocks until the session's jobs have all exited, up to the
// timeout. Batch upload handlers use it to respond with final state.
func (e *Engine) WaitDrained(sessionID string, timeout time.Duration) bool {
	rt := e.runtime(sessionID)
	if rt == nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Engine) runtime(sessionID string) *runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionID]
}

// conversationID returns the session's current open conversation, creating
// a new one when create is set and none exists. The mutex serializes
// creation so a session never holds two open conversations.
func (e *Engine) conversationID(ctx context.Context, rt *runtime, create bool) (string, error) {
	rt.convMu.Lock()
	defer rt.convMu.Unlock()

	if rt.conversationID != "" {
		return rt.conversationID, nil
	}

	existing, err := e.conversations.GetOpenBySession(ctx, rt.sessionID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		rt.conversationID = existing.ID
		return existing.ID, nil
	}
	if !create {
		return "", nil
	}

	conv := &models.Conversation{
		ClientID:         rt.identity.ClientID,
		SessionID:        rt.sessionID,
		UserID:           rt.identity.UserID,
		Title:            models.TitleProcessing,
		ProcessingStatus: models.StatusPendingTranscription,
		AlwaysPersist:    rt.alwaysPersist,
	}
	if err := e.conversations.Create(ctx, conv); err != nil {
		return "", err
	}

	rt.conversationID = conv.ID
	e.log.WithFields(logrus.Fields{
		"session_id":      rt.sessionID,
		"conversation_id": conv.ID,
	}).Info("conversation created")
	return conv.ID, nil
}

// releaseConversation forgets the runtime's conversation link after the
// lifecycle job closed it. The next speech threshold (or persisted chunk
// under always-persist) starts a fresh conversation.
func (e *Engine) releaseConversation(rt *runtime, conversationID string) {
	rt.convMu.Lock()
	defer rt.convMu.Unlock()
	if rt.conversationID == conversationID {
		rt.conversationID = ""
	}
}
