package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session record does not exist
var ErrNotFound = errors.New("session not found")

// Store is the backing key-value storage for session records. Updates are
// field-level merges; Get after Init is immediately consistent.
type Store interface {
	Init(ctx context.Context, sessionID string, fields map[string]string) error
	Merge(ctx context.Context, sessionID string, fields map[string]string) error
	Fields(ctx context.Context, sessionID string) (map[string]string, error)
	IncrBy(ctx context.Context, sessionID, field string, delta int64) (int64, error)
	Delete(ctx context.Context, sessionID string) error
	Expire(ctx context.Context, sessionID string, ttl time.Duration) error
}

const keyPrefix = "chronicle:session:"

// RedisStore keeps session records in Redis hashes
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(sessionID string) string {
	return keyPrefix + sessionID
}

// Init writes the full initial record. Redis HSET is synchronous, so a
// Get issued immediately after returns the new record.
func (s *RedisStore) Init(ctx context.Context, sessionID string, fields map[string]string) error {
	return s.client.HSet(ctx, s.key(sessionID), flatten(fields)...).Err()
}

// Merge updates only the given fields of an existing record
func (s *RedisStore) Merge(ctx context.Context, sessionID string, fields map[string]string) error {
	exists, err := s.client.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, s.key(sessionID), flatten(fields)...).Err()
}

// Fields returns all hash fields for a session
func (s *RedisStore) Fields(ctx context.Context, sessionID string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// IncrBy atomically increments a numeric field
func (s *RedisStore) IncrBy(ctx context.Context, sessionID, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, s.key(sessionID), field, delta).Result()
}

// Delete removes a session record
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

// Expire sets a TTL on the record, used for post-finalize garbage collection
func (s *RedisStore) Expire(ctx context.Context, sessionID string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.key(sessionID), ttl).Err()
}

func flatten(fields map[string]string) []interface{} {
	flat := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return flat
}

// MemoryStore is the in-process fallback used when Redis degrades
// mid-session, and the store tests run against.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string
}

// NewMemoryStore creates an in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]string)}
}

func (s *MemoryStore) Init(ctx context.Context, sessionID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		existing = make(map[string]string, len(fields))
		s.sessions[sessionID] = existing
	}
	for k, v := range fields {
		existing[k] = v
	}
	return nil
}

func (s *MemoryStore) Merge(ctx context.Context, sessionID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		existing[k] = v
	}
	return nil
}

func (s *MemoryStore) Fields(ctx context.Context, sessionID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make(map[string]string, len(existing))
	for k, v := range existing {
		copied[k] = v
	}
	return copied, nil
}

func (s *MemoryStore) IncrBy(ctx context.Context, sessionID, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	current, _ := strconv.ParseInt(existing[field], 10, 64)
	current += delta
	existing[field] = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, sessionID string, ttl time.Duration) error {
	// Memory fallback records die with the process; TTL is a no-op.
	return nil
}
