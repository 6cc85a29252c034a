// Package retry computes exponential backoff delays for failed flashcard
// API attempts. Delays carry uniform jitter in [0.5, 1.0] to avoid
// synchronized retry storms across concurrently failing items.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kordict/flashcard-pipeline/pkg/vocab"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashcard_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flashcard_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashcard_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// ErrExhausted is returned when all retry attempts are used up. It wraps
// the last transient error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy holds the retry configuration. The zero value is invalid; use
// DefaultPolicy or construct explicitly and call Validate.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// 1 disables retries; 0 is rejected by Validate.
	MaxAttempts int

	// InitialDelay is the pre-jitter delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the pre-jitter delay.
	MaxDelay time.Duration

	// Multiplier grows the delay each attempt (exponential base).
	Multiplier float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Validate rejects configurations that would misbehave mid-batch.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial_delay must be >= 0 (got %v)", p.InitialDelay)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max_delay (%v) must be >= initial_delay (%v)", p.MaxDelay, p.InitialDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1 (got %g)", p.Multiplier)
	}
	return nil
}

// baseDelay is the pre-jitter delay for a 1-based attempt number:
// min(initial * multiplier^(n-1), max).
func (p Policy) baseDelay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns the jittered backoff before re-attempting after the given
// 1-based attempt failed. The result lies in [0.5, 1.0] * baseDelay.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.baseDelay(attempt)
	return time.Duration(float64(base) * (0.5 + rand.Float64()*0.5))
}

// ShouldRetry reports whether the error from the given 1-based attempt
// warrants another try. Permanent errors never consume retry budget.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return vocab.Classify(err).Transient()
}

// Wait sleeps the jittered delay for the failed attempt, honoring context
// cancellation. Metrics are recorded per error class.
func (p Policy) Wait(ctx context.Context, attempt int, err error) error {
	class := string(vocab.Classify(err))
	delay := p.Delay(attempt)

	retriesTotal.WithLabelValues(class).Inc()
	retryBackoffSeconds.WithLabelValues(class).Observe(delay.Seconds())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Exhausted wraps the last error once all attempts are used, recording the
// exhaustion metric.
func (p Policy) Exhausted(lastErr error) error {
	retryExhaustedTotal.WithLabelValues(string(vocab.Classify(lastErr))).Inc()
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}
