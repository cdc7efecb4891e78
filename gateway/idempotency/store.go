// Package idempotency maps caller-supplied idempotency keys to created
// task ids so a retried submission returns the original task instead of
// creating a duplicate.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "conduit:idempotency:"
	// TTL bounds replay: a key reused after expiry creates a new task.
	TTL = 1 * time.Hour
)

// Store remembers which task a submission key produced.
type Store interface {
	// Lookup returns the task id previously recorded under key.
	Lookup(ctx context.Context, key string) (taskID string, ok bool, err error)

	// Remember records key -> taskID. First writer wins; losing a write
	// race is benign because both writers created equivalent tasks.
	Remember(ctx context.Context, key, taskID string) error
}

// RedisStore shares replay state across instances.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	taskID, err := s.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return taskID, true, nil
}

func (s *RedisStore) Remember(ctx context.Context, key, taskID string) error {
	return s.client.SetNX(ctx, keyPrefix+key, taskID, TTL).Err()
}

// MemoryStore is the single-process variant for tests and dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	taskID     string
	recordedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if time.Since(e.recordedAt) > TTL {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.taskID, true, nil
}

func (s *MemoryStore) Remember(ctx context.Context, key, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		s.entries[key] = memoryEntry{taskID: taskID, recordedAt: time.Now()}
	}
	return nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
