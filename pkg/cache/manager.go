package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kordict/flashcard-pipeline/pkg/vocab"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles flashcard caching with a Redis backend.
type Manager struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewManager creates a cache manager. Entries stored via Put or the Store
// adapter expire after ttl.
func NewManager(redisClient *redis.Client, ttl time.Duration) (*Manager, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be > 0 (got %v)", ttl)
	}
	return &Manager{
		redis: redisClient,
		ttl:   ttl,
	}, nil
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	// Redis TTL and the entry's own expiry can drift; the entry wins.
	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
// Entries that are already expired are silently dropped.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Put stores a flashcard for an item using the manager's default TTL.
func (m *Manager) Put(ctx context.Context, item vocab.VocabularyItem, flashcard string) error {
	now := time.Now()
	return m.Set(ctx, Key{Term: item.Term, Pos: item.Pos}, &Entry{
		Term:      item.Term,
		Pos:       item.Pos,
		Flashcard: flashcard,
		CreatedAt: now,
		Expires:   now.Add(m.ttl),
	})
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Lookup returns a function suitable as the orchestrator's cache lookup.
// Backend errors are logged and reported as misses so a degraded Redis
// never blocks processing.
func (m *Manager) Lookup(logger zerolog.Logger) func(ctx context.Context, item vocab.VocabularyItem) (string, bool) {
	return func(ctx context.Context, item vocab.VocabularyItem) (string, bool) {
		entry, err := m.Get(ctx, Key{Term: item.Term, Pos: item.Pos})
		if err != nil {
			if !errors.Is(err, ErrCacheMiss) {
				logger.Warn().Err(err).Str("term", item.Term).Msg("Cache lookup failed")
			}
			return "", false
		}
		return entry.Flashcard, true
	}
}

// Store returns a function suitable as the orchestrator's cache store.
func (m *Manager) Store() func(ctx context.Context, item vocab.VocabularyItem, flashcard string) error {
	return func(ctx context.Context, item vocab.VocabularyItem, flashcard string) error {
		return m.Put(ctx, item, flashcard)
	}
}
