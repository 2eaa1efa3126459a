package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry is the single source of truth for live session state. It writes
// to a primary store (Redis) and degrades to an in-memory fallback when the
// primary fails mid-session. Session creation never uses the fallback: if
// the primary is unreachable at init time the session fails loudly and is
// never started.
type Registry struct {
	primary  Store
	fallback *MemoryStore
	log      *logrus.Entry
}

// NewRegistry creates a session registry backed by the given primary store
func NewRegistry(primary Store) *Registry {
	return &Registry{
		primary:  primary,
		fallback: NewMemoryStore(),
		log:      logrus.WithField("component", "session-registry"),
	}
}

// Init creates a session record. Fails hard if the primary store is down.
func (r *Registry) Init(ctx context.Context, rec *Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session id required")
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if err := r.primary.Init(ctx, rec.SessionID, rec.fields()); err != nil {
		return fmt.Errorf("init session %s: %w", rec.SessionID, err)
	}
	// Mirror into the fallback so degraded reads still see the record.
	_ = r.fallback.Init(ctx, rec.SessionID, rec.fields())
	return nil
}

// Get returns the current session record
func (r *Registry) Get(ctx context.Context, sessionID string) (*Record, error) {
	fields, err := r.primary.Fields(ctx, sessionID)
	if err == ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Warn("primary store read failed, using fallback")
		fields, err = r.fallback.Fields(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}
	return recordFromFields(sessionID, fields), nil
}

// Update merges the given fields into the session record. Mid-session
// store failures degrade to the in-memory fallback and are never fatal.
func (r *Registry) Update(ctx context.Context, sessionID string, fields map[string]string) error {
	if err := r.primary.Merge(ctx, sessionID, fields); err != nil {
		if err == ErrNotFound {
			return ErrNotFound
		}
		r.log.WithError(err).WithField("session_id", sessionID).Warn("primary store update failed, using fallback")
		return r.fallback.Merge(ctx, sessionID, fields)
	}
	_ = r.fallback.Merge(ctx, sessionID, fields)
	return nil
}

// SetStatus advances the session lifecycle status. Backward transitions
// are rejected silently; status only ever moves forward.
func (r *Registry) SetStatus(ctx context.Context, sessionID string, next Status) error {
	rec, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !rec.Status.Forward(next) {
		r.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"from":       rec.Status,
			"to":         next,
		}).Warn("ignoring backward status transition")
		return nil
	}
	return r.Update(ctx, sessionID, map[string]string{FieldStatus: string(next)})
}

// IncrChunks bumps the published-chunk counter and returns the new value.
// The counter is monotonic; it never decreases.
func (r *Registry) IncrChunks(ctx context.Context, sessionID string) (int64, error) {
	n, err := r.primary.IncrBy(ctx, sessionID, FieldChunksPublished, 1)
	if err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Warn("primary store incr failed, using fallback")
		return r.fallback.IncrBy(ctx, sessionID, FieldChunksPublished, 1)
	}
	_, _ = r.fallback.IncrBy(ctx, sessionID, FieldChunksPublished, 1)
	return n, nil
}

// MarkDisconnected flips the connectivity flag off
func (r *Registry) MarkDisconnected(ctx context.Context, sessionID string) error {
	return r.Update(ctx, sessionID, map[string]string{FieldConnected: strconv.FormatBool(false)})
}

// MarkStopRequested records that the client explicitly ended the stream.
// The flag distinguishes a clean stop from an abrupt transport disconnect;
// the conversation lifecycle job reads it to pick the end reason.
func (r *Registry) MarkStopRequested(ctx context.Context, sessionID string) error {
	return r.Update(ctx, sessionID, map[string]string{FieldStopRequested: strconv.FormatBool(true)})
}

// Finalize moves the session to complete and schedules garbage collection
// after the grace period.
func (r *Registry) Finalize(ctx context.Context, sessionID string, grace time.Duration) error {
	if err := r.SetStatus(ctx, sessionID, StatusComplete); err != nil {
		return err
	}
	if grace > 0 {
		if err := r.primary.Expire(ctx, sessionID, grace); err != nil {
			r.log.WithError(err).WithField("session_id", sessionID).Warn("failed to set session expiry")
		}
	}
	return nil
}

// WaitFor polls the session record until cond passes or the timeout
// elapses. Cross-job coordination is eventually consistent, so both the
// jobs themselves and operational tooling use this readiness primitive.
func (r *Registry) WaitFor(ctx context.Context, sessionID string, timeout time.Duration, cond func(*Record) bool) (*Record, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		rec, err := r.Get(ctx, sessionID)
		if err == nil && cond(rec) {
			return rec, nil
		}
		if err != nil && err != ErrNotFound {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("timed out waiting for session %s condition", sessionID)
		case <-tick.C:
		}
	}
}
