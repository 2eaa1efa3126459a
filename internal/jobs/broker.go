package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker moves serialized tasks between the dispatcher and the worker
// pool. Queue state lives outside the process so workers can run anywhere.
type Broker interface {
	Push(ctx context.Context, payload []byte) error
	// Pop blocks up to timeout for the next task. A nil payload with nil
	// error means the wait timed out with nothing queued.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
}

const queueKey = "chronicle:jobs"

// RedisBroker is a Redis list-backed task broker
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a Redis-backed broker
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Push enqueues a task
func (b *RedisBroker) Push(ctx context.Context, payload []byte) error {
	return b.client.LPush(ctx, queueKey, payload).Err()
}

// Pop dequeues the next task, blocking up to timeout
func (b *RedisBroker) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BRPop(ctx, timeout, queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// MemoryBroker is an in-process broker used by tests
type MemoryBroker struct {
	mu    sync.Mutex
	tasks chan []byte
}

// NewMemoryBroker creates an in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{tasks: make(chan []byte, 256)}
}

// Push enqueues a task
func (b *MemoryBroker) Push(ctx context.Context, payload []byte) error {
	select {
	case b.tasks <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next task, blocking up to timeout
func (b *MemoryBroker) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case payload := <-b.tasks:
		return payload, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
