// Package ratelimit implements a sharded token bucket limiter for calls to
// the flashcard API. Capacity and refill rate are split across shards to
// reduce lock contention under high concurrency; a request consults its
// primary shard and falls back to a secondary shard chosen by a second hash.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limiter operations.
var (
	rateLimitGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashcard_rate_limit_grants_total",
		Help: "Total tokens granted by shard outcome (primary, secondary, waited)",
	}, []string{"path"})

	rateLimitTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashcard_rate_limit_timeouts_total",
		Help: "Total acquisitions that timed out before a token was available",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashcard_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)

// ErrAcquireTimeout is returned when the caller's deadline elapses before a
// token becomes available.
var ErrAcquireTimeout = errors.New("rate limit token acquisition timed out")

// Config holds the rate limiter configuration.
type Config struct {
	// Rate is the sustained refill rate in tokens per second.
	Rate float64

	// Capacity is the total burst capacity across all shards.
	Capacity int

	// Shards is the number of independent buckets the capacity is split
	// into. 1 disables sharding.
	Shards int

	// TokenTTL bounds how long an issued token stays usable. Expired
	// unused tokens are reclaimed by the continuous refill.
	TokenTTL time.Duration
}

// DefaultConfig returns a limiter configuration suitable for a typical
// flashcard API allowance (10 req/s, small burst).
func DefaultConfig() Config {
	return Config{
		Rate:     10,
		Capacity: 20,
		Shards:   1,
		TokenTTL: time.Minute,
	}
}

// Limiter is a sharded token bucket. All shard mutation goes through the
// per-shard mutex; the limiter itself is immutable after construction.
type Limiter struct {
	shards []*shard
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a limiter. Invalid configuration fails here, never mid-batch.
func New(cfg Config, logger zerolog.Logger) (*Limiter, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("rate must be > 0 (got %g)", cfg.Rate)
	}
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1 (got %d)", cfg.Capacity)
	}
	if cfg.Shards < 1 {
		return nil, fmt.Errorf("shards must be >= 1 (got %d)", cfg.Shards)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Minute
	}

	// Every shard must hold at least one token of capacity.
	if cfg.Shards > cfg.Capacity {
		logger.Warn().
			Int("requested_shards", cfg.Shards).
			Int("capacity", cfg.Capacity).
			Msg("Shard count exceeds capacity, clamping")
		cfg.Shards = cfg.Capacity
	}

	now := time.Now
	l := &Limiter{
		cfg:    cfg,
		logger: logger,
		now:    now,
	}

	// Spread capacity and rate across shards; the remainder goes to the
	// first shards so the totals stay exact.
	baseCap := cfg.Capacity / cfg.Shards
	extraCap := cfg.Capacity % cfg.Shards
	shardRate := cfg.Rate / float64(cfg.Shards)

	l.shards = make([]*shard, cfg.Shards)
	for i := range l.shards {
		capacity := baseCap
		if i < extraCap {
			capacity++
		}
		l.shards[i] = newShard(i, float64(capacity), shardRate, now)
	}

	logger.Info().
		Float64("rate", cfg.Rate).
		Int("capacity", cfg.Capacity).
		Int("shards", cfg.Shards).
		Msg("Rate limiter initialized")

	return l, nil
}

// shardsFor returns the primary and secondary shard indices for a key using
// power-of-two-choices selection over two independent hashes.
func (l *Limiter) shardsFor(key string) (int, int) {
	n := len(l.shards)
	if n == 1 {
		return 0, 0
	}

	h1 := fnv.New32a()
	h1.Write([]byte(key))
	primary := int(h1.Sum32()) % n
	if primary < 0 {
		primary += n
	}

	h2 := fnv.New32a()
	h2.Write([]byte(key))
	h2.Write([]byte("#alt"))
	secondary := int(h2.Sum32()) % n
	if secondary < 0 {
		secondary += n
	}

	if secondary == primary {
		secondary = (primary + 1) % n
	}
	return primary, secondary
}

// Acquire blocks until a token is available or ctx expires, in which case
// it returns ErrAcquireTimeout. Only the calling goroutine blocks. Waiting
// is best-effort FIFO per shard; when both shards are empty the caller
// blocks on its primary shard.
func (l *Limiter) Acquire(ctx context.Context, key string) (*Token, error) {
	start := l.now()
	primary, secondary := l.shardsFor(key)

	// Grants taken after at least one blocking wait are labeled "waited"
	// regardless of the shard that finally served them.
	waited := false
	path := func(direct string) string {
		if waited {
			return "waited"
		}
		return direct
	}

	for {
		if tok := l.shards[primary].tryTake(); tok {
			return l.issue(primary, start, path("primary")), nil
		}
		if secondary != primary {
			if tok := l.shards[secondary].tryTake(); tok {
				return l.issue(secondary, start, path("secondary")), nil
			}
		}

		// Both shards empty: block on the primary shard until its next
		// token is due, then re-contend.
		wait := l.shards[primary].nextToken()
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			rateLimitTimeoutsTotal.Inc()
			l.logger.Warn().
				Str("key", key).
				Dur("waited", l.now().Sub(start)).
				Msg("Rate limit acquisition timed out")
			return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
		case <-timer.C:
			waited = true
		}
	}
}

// issue finalizes a grant: metrics, logging, token construction.
func (l *Limiter) issue(shardID int, start time.Time, path string) *Token {
	now := l.now()
	waited := now.Sub(start)

	rateLimitGrantsTotal.WithLabelValues(path).Inc()
	rateLimitWaitSeconds.Observe(waited.Seconds())

	l.logger.Debug().
		Int("shard", shardID).
		Str("path", path).
		Dur("waited", waited).
		Msg("Rate limit token granted")

	return &Token{
		shard:     l.shards[shardID],
		ShardID:   shardID,
		IssuedAt:  now,
		ExpiresAt: now.Add(l.cfg.TokenTTL),
		WaitTime:  waited,
		now:       l.now,
	}
}

// ShardGrants returns per-shard grant counts for balance inspection.
func (l *Limiter) ShardGrants() []uint64 {
	grants := make([]uint64, len(l.shards))
	for i, s := range l.shards {
		grants[i] = s.grants.Load()
	}
	return grants
}

// Available reports the total tokens currently held across all shards.
func (l *Limiter) Available() float64 {
	var total float64
	for _, s := range l.shards {
		total += s.available()
	}
	return total
}
