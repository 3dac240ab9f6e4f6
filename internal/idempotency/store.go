// Package idempotency deduplicates repeated advance submissions that carry
// the same X-Idempotency-Key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/dealflow/internal/pipeline"
	"github.com/pitabwire/dealflow/model"
)

// Store provides deduplication for advance submissions.
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (result *pipeline.AdvanceResult, found bool, err error)

	// Reserve claims key for a submission about to run. It reports false
	// when the key is already reserved or holds a result. A reservation
	// lapses after ttl and is replaced by Store.
	Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error)

	// Release drops a reservation whose submission failed, so the client
	// can retry with the same key. Stored results are left alone.
	Release(ctx context.Context, key string) error

	// Store saves a result keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, inputHash string, result pipeline.AdvanceResult, ttl time.Duration) error
}

// entry is a stored result, or a reservation while Pending.
type entry struct {
	InputHash string                  `json:"input_hash"`
	Pending   bool                    `json:"pending,omitempty"`
	Result    *pipeline.AdvanceResult `json:"result,omitempty"`
}

// lookup resolves e against inputHash the same way for every store.
func (e entry) lookup(key, inputHash string) (*pipeline.AdvanceResult, bool, error) {
	switch {
	case e.InputHash != inputHash:
		return nil, true, conflict(key)
	case e.Pending:
		return nil, true, inFlight(key)
	}
	return e.Result, true, nil
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

func inFlight(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("a request with idempotency key %q is still being processed", key),
	)
}

// MemoryStore is an in-memory Store with TTL support. Suitable for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached result.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*pipeline.AdvanceResult, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.data.lookup(key, inputHash)
}

// Reserve claims key unless a live entry holds it.
func (s *MemoryStore) Reserve(_ context.Context, key string, inputHash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !s.now().After(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: s.now().Add(ttl),
	}
	return true, nil
}

// Release removes key if it is still only reserved.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// Store saves a result with TTL.
func (s *MemoryStore) Store(_ context.Context, key string, inputHash string, result pipeline.AdvanceResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Result: &result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*pipeline.AdvanceResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.lookup(key, inputHash)
}

// Reserve claims key with SET NX, so only one of several concurrent
// submissions wins.
func (s *RedisStore) Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency reservation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes key if it still holds a reservation.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get %q: %w", key, err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || !e.Pending {
		return nil
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Store saves a result in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key string, inputHash string, result pipeline.AdvanceResult, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: &result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping checks connectivity to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
