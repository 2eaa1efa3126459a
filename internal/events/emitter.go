package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Channel is the Redis Pub/Sub channel the plugin dispatcher subscribes to
const Channel = "chronicle.events"

// RedisEmitter publishes events on Redis Pub/Sub
type RedisEmitter struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedisEmitter creates a Redis-backed event emitter
func NewRedisEmitter(client *redis.Client) *RedisEmitter {
	return &RedisEmitter{
		client: client,
		log:    logrus.WithField("component", "events"),
	}
}

// Emit publishes one event. Failures are logged and dropped.
func (e *RedisEmitter) Emit(ctx context.Context, event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.log.WithError(err).WithField("event_type", event.Type).Error("failed to encode event")
		return
	}

	if err := e.client.Publish(ctx, Channel, payload).Err(); err != nil {
		e.log.WithError(err).WithField("event_type", event.Type).Warn("failed to publish event")
	}
}

// CaptureEmitter records events in memory; used by tests to observe what
// the pipeline emitted.
type CaptureEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewCaptureEmitter creates an in-memory event recorder
func NewCaptureEmitter() *CaptureEmitter {
	return &CaptureEmitter{}
}

// Emit records the event
func (e *CaptureEmitter) Emit(ctx context.Context, event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

// Events returns a snapshot of everything emitted so far
func (e *CaptureEmitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// ByType returns emitted events of one type
func (e *CaptureEmitter) ByType(t EventType) []Event {
	var out []Event
	for _, ev := range e.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
