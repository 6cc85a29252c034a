package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// shard is one independent token bucket. Tokens refill continuously at
// rate per second and never exceed capacity.
type shard struct {
	id       int
	capacity float64
	rate     float64

	mu     sync.Mutex
	tokens float64
	last   time.Time

	grants atomic.Uint64

	now func() time.Time
}

func newShard(id int, capacity, rate float64, now func() time.Time) *shard {
	return &shard{
		id:       id,
		capacity: capacity,
		rate:     rate,
		tokens:   capacity, // buckets start full
		last:     now(),
		now:      now,
	}
}

// refillLocked credits tokens for the time elapsed since the last refill.
// Callers must hold s.mu.
func (s *shard) refillLocked() {
	now := s.now()
	elapsed := now.Sub(s.last).Seconds()
	if elapsed > 0 {
		s.tokens += elapsed * s.rate
		if s.tokens > s.capacity {
			s.tokens = s.capacity
		}
		s.last = now
	}
}

// tryTake consumes one token if available.
func (s *shard) tryTake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refillLocked()
	if s.tokens < 1 {
		return false
	}
	s.tokens--
	s.grants.Add(1)
	return true
}

// nextToken estimates how long until one full token is available.
func (s *shard) nextToken() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refillLocked()
	if s.tokens >= 1 {
		return 0
	}
	missing := 1 - s.tokens
	return time.Duration(missing / s.rate * float64(time.Second))
}

// refund returns an unused token to the bucket, capped at capacity.
func (s *shard) refund() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refillLocked()
	s.tokens++
	if s.tokens > s.capacity {
		s.tokens = s.capacity
	}
}

// available reports the current token count after refill.
func (s *shard) available() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refillLocked()
	return s.tokens
}
