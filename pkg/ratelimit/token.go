package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// Token errors.
var (
	// ErrTokenExpired is returned when a token is used past its TTL.
	ErrTokenExpired = errors.New("rate limit token expired")

	// ErrTokenConsumed is returned when a token is used twice.
	ErrTokenConsumed = errors.New("rate limit token already consumed")
)

// Token is a scarce, time-boxed permit. Ownership transfers to the caller
// on issuance; it is consumed on use. A token is never double-issued:
// expired unused tokens are reclaimed by the bucket's continuous refill.
type Token struct {
	ShardID   int
	IssuedAt  time.Time
	ExpiresAt time.Time
	WaitTime  time.Duration

	shard *shard
	now   func() time.Time

	mu       sync.Mutex
	consumed bool
}

// Use consumes the token. It fails if the token expired or was already
// consumed, signaling a caller bug.
func (t *Token) Use() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.consumed {
		return ErrTokenConsumed
	}
	if t.now().After(t.ExpiresAt) {
		t.consumed = true
		return ErrTokenExpired
	}
	t.consumed = true
	return nil
}

// Cancel refunds an unused, unexpired token to its shard. Safe to call
// after Use; it is a no-op then.
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.consumed {
		return
	}
	t.consumed = true
	if !t.now().After(t.ExpiresAt) {
		t.shard.refund()
	}
}
