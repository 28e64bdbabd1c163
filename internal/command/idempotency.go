package command

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/haulflow/model"
)

// IdempotencyStore deduplicates retried move commands from mobile clients.
// Keys are built with FormatIdempotencyKey.
type IdempotencyStore interface {
	// Check looks up a previous result by key. A hit with a matching input
	// hash returns the cached result, or a nil result while the first
	// request is still running; a hit with a different hash returns a
	// CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (result *model.MoveResult, found bool, err error)

	// Reserve claims key for a request that is about to run. It reports
	// false when the key is already reserved or holds a result.
	Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error)

	// Store saves a result keyed by the idempotency key with a TTL,
	// replacing the reservation.
	Store(ctx context.Context, key string, inputHash string, result model.MoveResult, ttl time.Duration) error

	// Release drops a reservation whose request failed, so a retry can run.
	Release(ctx context.Context, key string) error
}

type idempotencyEntry struct {
	InputHash string            `json:"input_hash"`
	Pending   bool              `json:"pending,omitempty"`
	Result    *model.MoveResult `json:"result,omitempty"`
}

func (e idempotencyEntry) lookup(key, inputHash string) (*model.MoveResult, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}
	if e.Pending || e.Result == nil {
		return nil, true, nil
	}
	result := *e.Result
	result.Execution = result.Execution.Clone()
	return &result, true, nil
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a cached result.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (*model.MoveResult, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return entry.data.lookup(key, inputHash)
}

// Reserve claims key unless a live entry holds it.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string, inputHash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[key]; exists && time.Now().Before(entry.expiresAt) {
		return false, nil
	}
	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Pending: true},
		expiresAt: time.Now().Add(ttl),
	}
	return true, nil
}

// Store saves a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, result model.MoveResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result.Execution = result.Execution.Clone()
	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Result: &result},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Release drops the entry for key.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore. Entries are JSON
// blobs expired by Redis itself.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (*model.MoveResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return entry.lookup(key, inputHash)
}

// Reserve claims key with SET NX so only one request runs per key.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency reservation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes key.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Store saves a result in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, result model.MoveResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Result: &result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping checks connectivity when the underlying client supports it.
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatIdempotencyKey builds the idempotency key for a tenant's command.
func FormatIdempotencyKey(tenantID, commandID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", tenantID, commandID, key)
}

// hashInput returns a stable digest of a command's input.
func hashInput(parts ...any) string {
	data, _ := json.Marshal(parts)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
