package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/transcribe"
)

// speechDetector consumes the transcription result stream for a session.
// Each detection pass counts recognized words until the configured
// threshold, then creates (or reuses) the conversation and spawns its
// lifecycle job. Sessions are multi-conversation: after an inactivity
// close, a fresh detection job starts counting toward the next utterance.
type speechDetector struct {
	engine *Engine
	rt     *runtime
	log    *logrus.Entry
}

func newSpeechDetector(e *Engine, rt *runtime) *speechDetector {
	return &speechDetector{
		engine: e,
		rt:     rt,
		log:    logrus.WithFields(logrus.Fields{"component": "speech-detection", "session_id": rt.sessionID}),
	}
}

func (d *speechDetector) run(ctx context.Context, results <-chan transcribe.Result) {
	jobID := d.newDetectionJob(ctx)

	words := 0
	providerFailed := false
	var conv *conversationJob
	// Final segments that arrive before the threshold is crossed belong
	// to the conversation once it opens; buffer them until then.
	var buffered []models.TranscriptSegment

	for {
		// Only listen for the timeout-respawn signal while a lifecycle
		// job is running; a nil channel never fires.
		var timeoutCh <-chan struct{}
		if conv != nil {
			timeoutCh = conv.closedByTimeout
		}

		select {
		case res, ok := <-results:
			if !ok {
				d.finish(ctx, jobID, words, providerFailed, conv)
				return
			}

			if res.Err != nil {
				providerFailed = true
				d.log.WithError(res.Err).Error("transcription provider failed")
				continue
			}

			if !res.Final {
				continue
			}

			words += res.Words
			if conv == nil {
				buffered = append(buffered, res.Segments...)
				if words >= d.engine.cfg.SpeechThresholdWords {
					conv = d.openConversation(ctx, jobID)
					if conv != nil && len(buffered) > 0 {
						conv.Append(buffered)
						buffered = nil
					}
				}
			} else if len(res.Segments) > 0 {
				conv.Append(res.Segments)
			}

		case <-timeoutCh:
			<-conv.Done()
			conv = nil
			words = 0
			buffered = nil
			jobID = d.newDetectionJob(ctx)
		}
	}
}

// newDetectionJob records a fresh speech detection job for this session
func (d *speechDetector) newDetectionJob(ctx context.Context) string {
	jobID, err := d.engine.queue.Record(ctx, models.JobSpeechDetection, d.rt.identity.UserID, models.JobCorrelation{
		SessionID: d.rt.sessionID,
		ClientID:  d.rt.identity.ClientID,
	})
	if err != nil {
		d.log.WithError(err).Warn("failed to record speech detection job")
		return ""
	}
	if err := d.engine.registry.Update(ctx, d.rt.sessionID, map[string]string{
		"speech_job_id": jobID,
	}); err != nil {
		d.log.WithError(err).Warn("failed to record speech job handle")
	}
	return jobID
}

// openConversation crosses the speech threshold: create or reuse the
// conversation, spawn its lifecycle job, and link the spawned job id back
// into this detection job's record for traceability.
func (d *speechDetector) openConversation(ctx context.Context, jobID string) *conversationJob {
	convID, err := d.engine.conversationID(ctx, d.rt, true)
	if err != nil || convID == "" {
		d.log.WithError(err).Error("failed to create conversation at speech threshold")
		return nil
	}

	convJobID, err := d.engine.queue.Record(ctx, models.JobConversation, d.rt.identity.UserID, models.JobCorrelation{
		SessionID:      d.rt.sessionID,
		ClientID:       d.rt.identity.ClientID,
		ConversationID: convID,
		ParentJobID:    jobID,
	})
	if err != nil {
		d.log.WithError(err).Warn("failed to record conversation job")
	}

	if jobID != "" && convJobID != "" {
		if err := d.engine.queue.LinkConversationJob(ctx, jobID, convJobID); err != nil {
			d.log.WithError(err).Warn("failed to link conversation job id")
		}
	}
	if jobID != "" {
		if err := d.engine.queue.Finish(ctx, jobID, models.ResultConversationCreated); err != nil {
			d.log.WithError(err).Warn("failed to finish speech detection job record")
		}
	}

	conv := newConversationJob(d.engine, d.rt, convJobID, convID)
	d.rt.wg.Add(1)
	go func() {
		defer d.rt.wg.Done()
		conv.run(ctx)
	}()

	d.log.WithField("conversation_id", convID).Info("speech threshold reached, conversation job spawned")
	return conv
}

// finish handles end-of-stream: close any open lifecycle job with the
// session's end cause, or record the no-speech result.
func (d *speechDetector) finish(ctx context.Context, jobID string, words int, providerFailed bool, conv *conversationJob) {
	if conv != nil {
		conv.Stop(d.rt.endCause())
		<-conv.Done()
		return
	}

	if jobID == "" {
		return
	}
	if providerFailed {
		if err := d.engine.queue.Finish(ctx, jobID, transcribe.ErrCodeConnection); err != nil {
			d.log.WithError(err).Warn("failed to finish speech detection job record")
		}
		return
	}
	if err := d.engine.queue.Finish(ctx, jobID, models.ResultNoSpeechDetected); err != nil {
		d.log.WithError(err).Warn("failed to finish speech detection job record")
	}
	d.log.WithField("words", words).Info("stream ended without reaching speech threshold")
}
