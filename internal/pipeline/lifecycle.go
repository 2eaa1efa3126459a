package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/events"
	"github.com/chronicle-app/chronicle-backend/internal/models"
)

// convState is the explicit lifecycle state of a conversation job
type convState int

const (
	convOpen convState = iota
	convClosing
	convClosed
)

// conversationJob owns one open conversation: it appends transcript
// segments as they arrive, races new data against the inactivity timer,
// and on close persists the final transcript and hands off to the
// downstream jobs. It never blocks its closure on the persistence job,
// which may still be writing chunks after the conversation closes.
type conversationJob struct {
	engine         *Engine
	rt             *runtime
	jobID          string
	conversationID string

	segments chan []models.TranscriptSegment
	stopCh   chan models.EndReason

	// closedByTimeout signals the speech detector to spawn a fresh
	// detection job for the session's next utterance.
	closedByTimeout chan struct{}
	done            chan struct{}

	inactivity time.Duration
	transcript []models.TranscriptSegment
	log        *logrus.Entry
}

func newConversationJob(e *Engine, rt *runtime, jobID, conversationID string) *conversationJob {
	return &conversationJob{
		engine:          e,
		rt:              rt,
		jobID:           jobID,
		conversationID:  conversationID,
		segments:        make(chan []models.TranscriptSegment, 64),
		stopCh:          make(chan models.EndReason, 1),
		closedByTimeout: make(chan struct{}, 1),
		done:            make(chan struct{}),
		inactivity:      time.Duration(e.cfg.InactivityTimeoutSec * float64(time.Second)),
		log: logrus.WithFields(logrus.Fields{
			"component":       "conversation",
			"session_id":      rt.sessionID,
			"conversation_id": conversationID,
		}),
	}
}

// Append delivers newly transcribed segments to the job. Safe to call
// until Stop; segments arriving after close are dropped.
func (j *conversationJob) Append(segs []models.TranscriptSegment) {
	select {
	case j.segments <- segs:
	case <-j.done:
	}
}

// Stop requests closure with an explicit cause (clean stop, disconnect,
// or batch upload completion).
func (j *conversationJob) Stop(reason models.EndReason) {
	select {
	case j.stopCh <- reason:
	default:
	}
}

// Done is closed once the conversation is fully closed
func (j *conversationJob) Done() <-chan struct{} {
	return j.done
}

func (j *conversationJob) run(ctx context.Context) {
	defer close(j.done)

	state := convOpen
	var reason models.EndReason

	timer := time.NewTimer(j.inactivity)
	defer timer.Stop()

	for state == convOpen {
		select {
		case segs := <-j.segments:
			segs = j.appendSegments(segs)
			j.emitStreaming(ctx, segs)
			// New data wins the race against the timer.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(j.inactivity)

		case reason = <-j.stopCh:
			state = convClosing

		case <-timer.C:
			reason = models.EndReasonTimeout
			state = convClosing
			select {
			case j.closedByTimeout <- struct{}{}:
			default:
			}
		}
	}

	// Drain segments that raced with the close decision; the timeout only
	// cancelled the waiting, not an in-progress append.
	for {
		select {
		case segs := <-j.segments:
			j.appendSegments(segs)
			continue
		default:
		}
		break
	}

	j.close(ctx, reason)
}

// close persists the final transcript and terminal status, enqueues the
// downstream jobs, and emits the completion events. The end_reason and
// processing_status writes land before any downstream job is enqueued, so
// those jobs can read them safely.
func (j *conversationJob) close(ctx context.Context, reason models.EndReason) {
	status := models.StatusCompleted
	title := models.TitleProcessing
	if len(j.transcript) == 0 {
		status = models.StatusTranscriptionFailed
		title = models.TitleTranscriptionFailed
	}

	raw, err := json.Marshal(j.transcript)
	if err != nil {
		j.log.WithError(err).Error("failed to encode transcript")
		raw = []byte("[]")
	}

	if err := j.engine.conversations.Close(ctx, j.conversationID, reason, status, title, raw); err != nil {
		j.log.WithError(err).Error("failed to close conversation")
	}

	j.engine.releaseConversation(j.rt, j.conversationID)

	corr := models.JobCorrelation{
		SessionID:      j.rt.sessionID,
		ClientID:       j.rt.identity.ClientID,
		ConversationID: j.conversationID,
		ParentJobID:    j.jobID,
	}
	for _, jobType := range []models.JobType{
		models.JobSpeakerRecognition,
		models.JobMemoryExtraction,
		models.JobTitleGeneration,
	} {
		if _, err := j.engine.queue.Enqueue(ctx, jobType, j.rt.identity.UserID, corr); err != nil {
			j.log.WithError(err).WithField("job_type", jobType).Error("failed to enqueue downstream job")
		}
	}

	j.emitBatch(ctx)
	j.engine.emitter.Emit(ctx, events.Event{
		Type:   events.EventConversationComplete,
		UserID: j.rt.identity.UserID,
		Data:   map[string]interface{}{"conversation_id": j.conversationID},
		Metadata: map[string]interface{}{
			"end_reason":        string(reason),
			"processing_status": string(status),
			"segment_count":     len(j.transcript),
		},
	})

	if err := j.engine.queue.Finish(ctx, j.jobID, string(reason)); err != nil {
		j.log.WithError(err).Warn("failed to finish conversation job record")
	}

	j.log.WithFields(logrus.Fields{
		"end_reason": reason,
		"status":     status,
		"segments":   len(j.transcript),
	}).Info("conversation closed")
}

// appendSegments stores new segments, enforcing the cumulative timeline:
// times never regress relative to what the transcript already holds.
// Providers can emit stale timestamps after a mid-stream reconnect; those
// segments are clamped forward and flagged rather than stored out of
// order. Returns the segments as stored.
func (j *conversationJob) appendSegments(segs []models.TranscriptSegment) []models.TranscriptSegment {
	floor := 0.0
	if n := len(j.transcript); n > 0 {
		floor = j.transcript[n-1].End
	}
	stored := make([]models.TranscriptSegment, 0, len(segs))
	for _, seg := range segs {
		if seg.Start < floor || seg.End < seg.Start {
			j.log.WithFields(logrus.Fields{
				"start": seg.Start,
				"end":   seg.End,
				"floor": floor,
			}).Warn("segment timestamps regressed, clamping")
			if seg.Start < floor {
				seg.Start = floor
			}
			if seg.End < seg.Start {
				seg.End = seg.Start
			}
		}
		floor = seg.End
		stored = append(stored, seg)
	}
	j.transcript = append(j.transcript, stored...)
	return stored
}

func (j *conversationJob) emitStreaming(ctx context.Context, segs []models.TranscriptSegment) {
	j.engine.emitter.Emit(ctx, events.Event{
		Type:   events.EventTranscriptStreaming,
		UserID: j.rt.identity.UserID,
		Data: map[string]interface{}{
			"conversation_id": j.conversationID,
			"segments":        segs,
		},
	})
}

func (j *conversationJob) emitBatch(ctx context.Context) {
	j.engine.emitter.Emit(ctx, events.Event{
		Type:   events.EventTranscriptBatch,
		UserID: j.rt.identity.UserID,
		Data: map[string]interface{}{
			"conversation_id": j.conversationID,
			"segments":        j.transcript,
		},
		Metadata: map[string]interface{}{
			"segment_count": len(j.transcript),
		},
	})
}
