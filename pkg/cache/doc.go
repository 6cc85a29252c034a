// Package cache provides flashcard caching with a Redis backend.
//
// Cached flashcards short-circuit processing entirely: a hit consumes no
// rate limit token, makes no API call and spends no retry budget.
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache manager with a 24h TTL
//	manager, err := cache.NewManager(redisClient, 24*time.Hour)
//	if err != nil {
//		return err
//	}
//
//	// Look up a flashcard
//	entry, err := manager.Get(ctx, cache.Key{Term: "run", Pos: "verb"})
//	if err == cache.ErrCacheMiss {
//		// Generate via the API
//	}
//
// # Pipeline Wiring
//
//	cfg := pipeline.DefaultConfig()
//	cfg.CacheLookup = manager.Lookup(logger)
//	cfg.CacheStore = manager.Store()
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - flashcard_cache_hits_total - Cache hits
//   - flashcard_cache_misses_total - Cache misses
//   - flashcard_cache_errors_total{operation} - Cache operation errors
//
// Cache identity is the (term, part of speech) pair; homographs cache
// separately. Keys are hashed, so arbitrary terms are safe.
package cache
