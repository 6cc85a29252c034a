// Package collector accumulates per-item results keyed by original
// position and restores input order from results produced in arbitrary
// completion order.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kordict/flashcard-pipeline/pkg/vocab"
)

// Collector errors.
var (
	// ErrDuplicatePosition signals a caller bug: a second result for an
	// already recorded position. The first result is retained.
	ErrDuplicatePosition = errors.New("duplicate position")

	// ErrUnknownPosition signals a result for a position outside the
	// expected set.
	ErrUnknownPosition = errors.New("unknown position")

	// ErrCollectionTimeout is returned by Wait when the deadline elapses
	// before all expected positions have a result.
	ErrCollectionTimeout = errors.New("timed out waiting for results")

	// ErrIncomplete is returned by Drain while expected positions are
	// still missing results.
	ErrIncomplete = errors.New("collection incomplete")
)

// Collector gathers results for one batch. It is owned by exactly one
// orchestrator invocation; completion is signaled the instant the recorded
// count equals the expected total.
type Collector struct {
	mu       sync.Mutex
	expected map[int]struct{}
	results  map[int]vocab.ProcessingResult
	done     chan struct{}
	closed   bool
}

// New creates a collector expecting positions 0..n-1.
func New(n int) *Collector {
	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}
	c, _ := NewForPositions(positions)
	return c
}

// NewForPositions creates a collector for an arbitrary position set.
// Duplicate positions in the set are a hard error.
func NewForPositions(positions []int) (*Collector, error) {
	expected := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		if _, dup := expected[p]; dup {
			return nil, fmt.Errorf("%w: %d appears twice in expected set", ErrDuplicatePosition, p)
		}
		expected[p] = struct{}{}
	}

	c := &Collector{
		expected: expected,
		results:  make(map[int]vocab.ProcessingResult, len(positions)),
		done:     make(chan struct{}),
	}
	if len(positions) == 0 {
		close(c.done)
		c.closed = true
	}
	return c, nil
}

// Add records the result for a position. Idempotent per position: a second
// write is rejected and the stored result is unchanged.
func (c *Collector) Add(position int, result vocab.ProcessingResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.expected[position]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPosition, position)
	}
	if _, ok := c.results[position]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicatePosition, position)
	}

	c.results[position] = result
	if len(c.results) == len(c.expected) && !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Done returns a channel closed when every expected position has a result.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until all expected positions have results or ctx expires,
// in which case it returns ErrCollectionTimeout.
func (c *Collector) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCollectionTimeout, ctx.Err())
	}
}

// Collected reports how many positions have results so far.
func (c *Collector) Collected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// Pending returns the expected positions that have no result yet, sorted.
func (c *Collector) Pending() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pending []int
	for p := range c.expected {
		if _, ok := c.results[p]; !ok {
			pending = append(pending, p)
		}
	}
	sort.Ints(pending)
	return pending
}

// Drain returns the recorded results ordered by position. It fails with
// ErrIncomplete until every expected position has a result; before that,
// only Collected and Pending expose partial state.
func (c *Collector) Drain() ([]vocab.ProcessingResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		return nil, fmt.Errorf("%w: %d of %d positions recorded", ErrIncomplete, len(c.results), len(c.expected))
	}

	out := make([]vocab.ProcessingResult, 0, len(c.results))
	for _, r := range c.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}
