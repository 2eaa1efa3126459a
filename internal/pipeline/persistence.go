package pipeline

import (
	"context"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/models"
)

// persistenceJob consumes the session's ingress channel, buffers frames
// into fixed-duration chunks, compresses them, and writes them durably.
// It has no dependency on transcription: provider failures are invisible
// here, which is what guarantees audio is never lost to a transcription
// outage.
type persistenceJob struct {
	engine *Engine
	rt     *runtime
	log    *logrus.Entry

	encoder *zstd.Encoder

	buf          []byte
	chunkBytes   int
	bytesPerSec  float64
	writtenSec   float64
	nextIndex    int
	indexedConv  string
	pending      []*models.AudioChunk
	jobID        string
}

func newPersistenceJob(e *Engine, rt *runtime) *persistenceJob {
	bytesPerSec := float64(e.asrCfg.SampleRate * e.asrCfg.Channels * 2)
	chunkBytes := int(e.cfg.ChunkSeconds * bytesPerSec)
	if chunkBytes <= 0 {
		chunkBytes = 1 << 20
	}

	encoder, _ := zstd.NewWriter(nil)

	return &persistenceJob{
		engine:      e,
		rt:          rt,
		log:         logrus.WithFields(logrus.Fields{"component": "audio-persistence", "session_id": rt.sessionID}),
		encoder:     encoder,
		chunkBytes:  chunkBytes,
		bytesPerSec: bytesPerSec,
	}
}

func (j *persistenceJob) run(ctx context.Context) {
	jobID, err := j.engine.queue.Record(ctx, models.JobAudioPersistence, j.rt.identity.UserID, models.JobCorrelation{
		SessionID: j.rt.sessionID,
		ClientID:  j.rt.identity.ClientID,
	})
	if err != nil {
		j.log.WithError(err).Warn("failed to record persistence job")
	}
	j.jobID = jobID
	j.recordHandle(ctx)

	first := true
	for frame := range j.rt.persistCh {
		if first {
			first = false
			// Under always-persist the placeholder conversation exists
			// from the first frame, before any transcript, so concurrent
			// chunk writes always have somewhere to attach.
			if j.rt.alwaysPersist {
				if _, err := j.engine.conversationID(ctx, j.rt, true); err != nil {
					j.log.WithError(err).Error("failed to create placeholder conversation")
				}
			}
		}
		j.buf = append(j.buf, frame...)
		for len(j.buf) >= j.chunkBytes {
			j.writeChunk(ctx, j.buf[:j.chunkBytes])
			j.buf = j.buf[j.chunkBytes:]
		}
	}

	// End-of-stream marker observed and nothing pending: flush the partial
	// chunk before exiting.
	if len(j.buf) > 0 {
		j.writeChunk(ctx, j.buf)
		j.buf = nil
	}
	j.flushPending(ctx)

	if len(j.pending) > 0 {
		// A conversation may still be closing, or about to be created by a
		// final transcript fragment; wait for speech detection to settle
		// before deciding the buffered audio has no home.
		<-j.rt.detectorDone
		j.flushLate(ctx)
	}
	if len(j.pending) > 0 {
		j.log.WithField("dropped_chunks", len(j.pending)).Warn("session ended without a conversation, dropping buffered audio")
	}

	if j.jobID != "" {
		if err := j.engine.queue.Finish(ctx, j.jobID, ""); err != nil {
			j.log.WithError(err).Warn("failed to finish persistence job record")
		}
	}
	j.log.Info("audio persistence drained")
}

// recordHandle writes the job id into the session record once
func (j *persistenceJob) recordHandle(ctx context.Context) {
	if j.jobID == "" {
		return
	}
	if err := j.engine.registry.Update(ctx, j.rt.sessionID, map[string]string{
		"persistence_job_id": j.jobID,
	}); err != nil {
		j.log.WithError(err).Warn("failed to record persistence job handle")
	}
}

// writeChunk compresses one chunk and persists it. Under always-persist
// the first write creates the placeholder conversation if none exists
// yet; without the flag, chunks wait in memory until speech detection
// opens a conversation.
func (j *persistenceJob) writeChunk(ctx context.Context, raw []byte) {
	duration := float64(len(raw)) / j.bytesPerSec
	compressed := j.encoder.EncodeAll(raw, nil)

	chunk := &models.AudioChunk{
		Payload:        compressed,
		OriginalSize:   len(raw),
		CompressedSize: len(compressed),
		Duration:       duration,
		SampleRate:     j.engine.asrCfg.SampleRate,
		Channels:       j.engine.asrCfg.Channels,
		StartTime:      j.writtenSec,
		EndTime:        j.writtenSec + duration,
	}
	j.writtenSec += duration

	convID, err := j.engine.conversationID(ctx, j.rt, j.rt.alwaysPersist)
	if err != nil {
		j.log.WithError(err).Error("failed to resolve conversation for chunk")
	}
	if convID == "" {
		j.pending = append(j.pending, chunk)
		return
	}

	j.flushPending(ctx)
	j.append(ctx, convID, chunk)
}

// flushPending writes chunks buffered from before a conversation existed
func (j *persistenceJob) flushPending(ctx context.Context) {
	if len(j.pending) == 0 {
		return
	}
	convID, err := j.engine.conversationID(ctx, j.rt, false)
	if err != nil || convID == "" {
		return
	}
	for _, chunk := range j.pending {
		j.append(ctx, convID, chunk)
	}
	j.pending = nil
}

// flushLate attaches leftover buffered chunks to the session's last
// conversation, which has usually just closed. Chunk writes landing after
// close are fine; closure never waits on persistence.
func (j *persistenceJob) flushLate(ctx context.Context) {
	conv, err := j.engine.conversations.GetLatestBySession(ctx, j.rt.sessionID)
	if err != nil || conv == nil {
		return
	}
	for _, chunk := range j.pending {
		j.append(ctx, conv.ID, chunk)
	}
	j.pending = nil
}

// append writes one chunk with a bounded retry. Exhausted retries record
// an explicit gap marker so the hole in the sequence is observable, then
// the index advances; a bad chunk never aborts the job.
func (j *persistenceJob) append(ctx context.Context, convID string, chunk *models.AudioChunk) {
	if j.indexedConv != convID {
		next, err := j.engine.chunks.NextIndex(ctx, convID)
		if err != nil {
			j.log.WithError(err).Error("failed to read next chunk index")
			next = 0
		}
		j.nextIndex = next
		j.indexedConv = convID
	}

	chunk.ConversationID = convID
	chunk.ChunkIndex = j.nextIndex

	retries := j.engine.cfg.ChunkWriteRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if lastErr = j.engine.chunks.Append(ctx, chunk); lastErr == nil {
			j.nextIndex++
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}

	j.log.WithError(lastErr).WithFields(logrus.Fields{
		"conversation_id": convID,
		"chunk_index":     chunk.ChunkIndex,
	}).Error("chunk write retries exhausted, recording gap")

	gap := &models.AudioChunk{
		ConversationID: convID,
		ChunkIndex:     chunk.ChunkIndex,
		Duration:       chunk.Duration,
		SampleRate:     chunk.SampleRate,
		Channels:       chunk.Channels,
		StartTime:      chunk.StartTime,
		EndTime:        chunk.EndTime,
		Gap:            true,
	}
	if err := j.engine.chunks.Append(ctx, gap); err != nil {
		j.log.WithError(err).Error("failed to record chunk gap marker")
	}
	j.nextIndex++
}
