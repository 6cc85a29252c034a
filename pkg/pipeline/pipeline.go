// Package pipeline orchestrates concurrent batch processing of vocabulary
// items through the rate limiter, circuit breaker and retry policy. Output
// is always total and input-ordered: every position gets exactly one
// terminal result, with unfinished positions filled in as timeout failures
// when the batch deadline expires.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/kordict/flashcard-pipeline/pkg/breaker"
	"github.com/kordict/flashcard-pipeline/pkg/collector"
	"github.com/kordict/flashcard-pipeline/pkg/progress"
	"github.com/kordict/flashcard-pipeline/pkg/ratelimit"
	"github.com/kordict/flashcard-pipeline/pkg/retry"
	"github.com/kordict/flashcard-pipeline/pkg/vocab"
)

// Prometheus metrics for batch orchestration.
var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashcard_batches_total",
		Help: "Total number of batches processed",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashcard_batch_duration_seconds",
		Help:    "Wall-clock duration of batch processing",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashcard_items_total",
		Help: "Total items processed by outcome",
	}, []string{"outcome"})

	itemDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashcard_item_duration_seconds",
		Help:    "Per-item processing duration including retries",
		Buckets: prometheus.DefBuckets,
	})
)

// ProcessFunc generates a flashcard for one vocabulary item. It is invoked
// under the rate limiter and circuit breaker and may be called multiple
// times for the same item across retries.
type ProcessFunc func(ctx context.Context, item vocab.VocabularyItem) (string, error)

// CacheLookupFunc checks for a previously generated flashcard. A true
// second return value short-circuits processing entirely: no token, no API
// call, no retry budget.
type CacheLookupFunc func(ctx context.Context, item vocab.VocabularyItem) (string, bool)

// CacheStoreFunc persists a freshly generated flashcard. Store failures are
// logged and otherwise ignored; the result is already terminal.
type CacheStoreFunc func(ctx context.Context, item vocab.VocabularyItem, flashcard string) error

// Config holds the orchestrator configuration.
type Config struct {
	// Concurrency is the fixed worker pool size per batch.
	Concurrency int

	// AcquireTimeout bounds how long one attempt waits for a rate limit
	// token before the attempt counts as a rate_limit failure.
	AcquireTimeout time.Duration

	// BatchTimeout bounds the whole batch. Positions without a terminal
	// result when it expires are recorded as timeout failures.
	BatchTimeout time.Duration

	// RateLimit configures the shared token bucket limiter. Ignored when
	// Limiter is set.
	RateLimit ratelimit.Config

	// Breaker configures the circuit breaker guarding the flashcard API.
	// Ignored when CircuitBreaker is set.
	Breaker breaker.Config

	// Retry is the backoff policy applied to transient failures.
	Retry retry.Policy

	// Limiter, when set, is used instead of building one from RateLimit.
	// Lets several orchestrators share one budget.
	Limiter *ratelimit.Limiter

	// CircuitBreaker, when set, is used instead of building one from
	// Breaker.
	CircuitBreaker *breaker.Breaker

	// CacheLookup and CacheStore wire an optional flashcard cache.
	CacheLookup CacheLookupFunc
	CacheStore  CacheStoreFunc

	// OnProgress, when set, receives a progress snapshot after every item
	// state change.
	OnProgress func(progress.Snapshot)
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    10,
		AcquireTimeout: 30 * time.Second,
		BatchTimeout:   5 * time.Minute,
		RateLimit:      ratelimit.DefaultConfig(),
		Breaker:        breaker.DefaultConfig("flashcard-api"),
		Retry:          retry.DefaultPolicy(),
	}
}

// Orchestrator drives batches of vocabulary items through a ProcessFunc
// with bounded concurrency. Safe for concurrent batches; the limiter and
// breaker are shared across them.
type Orchestrator struct {
	cfg     Config
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	policy  retry.Policy
	logger  zerolog.Logger
}

// New creates an orchestrator. Invalid configuration fails here rather than
// mid-batch.
func New(cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be >= 1 (got %d)", cfg.Concurrency)
	}
	if cfg.AcquireTimeout <= 0 {
		return nil, fmt.Errorf("acquire_timeout must be > 0 (got %v)", cfg.AcquireTimeout)
	}
	if cfg.BatchTimeout <= 0 {
		return nil, fmt.Errorf("batch_timeout must be > 0 (got %v)", cfg.BatchTimeout)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	lim := cfg.Limiter
	if lim == nil {
		var err error
		lim, err = ratelimit.New(cfg.RateLimit, logger)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	brk := cfg.CircuitBreaker
	if brk == nil {
		var err error
		brk, err = breaker.New(cfg.Breaker, logger)
		if err != nil {
			return nil, fmt.Errorf("circuit breaker: %w", err)
		}
	}

	return &Orchestrator{
		cfg:     cfg,
		limiter: lim,
		breaker: brk,
		policy:  cfg.Retry,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Breaker exposes the circuit breaker for manual isolation and reset.
func (o *Orchestrator) Breaker() *breaker.Breaker {
	return o.breaker
}

// Limiter exposes the shared rate limiter.
func (o *Orchestrator) Limiter() *ratelimit.Limiter {
	return o.limiter
}

// batchRun holds the per-batch collaborators shared between workers.
type batchRun struct {
	orch    *Orchestrator
	fn      ProcessFunc
	col     *collector.Collector
	tracker *progress.Tracker
}

// ProcessBatch processes items with bounded concurrency and returns one
// result per item, ordered by position. Duplicate positions in the input
// are a hard error. The returned slice is always total: positions that
// never finished before the batch timeout carry timeout failures.
func (o *Orchestrator) ProcessBatch(ctx context.Context, items []vocab.VocabularyItem, fn ProcessFunc) ([]vocab.ProcessingResult, error) {
	if fn == nil {
		return nil, fmt.Errorf("process func is required")
	}

	positions := make([]int, len(items))
	byPosition := make(map[int]vocab.VocabularyItem, len(items))
	for i, item := range items {
		positions[i] = item.Position
		byPosition[item.Position] = item
	}

	col, err := collector.NewForPositions(positions)
	if err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	run := &batchRun{
		orch:    o,
		fn:      fn,
		col:     col,
		tracker: progress.NewTracker(len(items)),
	}
	if o.cfg.OnProgress != nil {
		run.tracker.OnUpdate(o.cfg.OnProgress)
	}

	start := time.Now()
	o.logger.Info().
		Int("items", len(items)).
		Int("concurrency", o.cfg.Concurrency).
		Dur("batch_timeout", o.cfg.BatchTimeout).
		Msg("Starting batch")

	batchCtx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	defer cancel()

	jobs := make(chan vocab.VocabularyItem)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				run.record(run.processItem(batchCtx, item))
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, item := range items {
			select {
			case jobs <- item:
			case <-batchCtx.Done():
				return
			}
		}
	}()

	timedOut := false
	select {
	case <-col.Done():
	case <-batchCtx.Done():
		timedOut = true
		run.fillPending(byPosition)
	}
	cancel()
	wg.Wait()

	results, err := col.Drain()
	if err != nil {
		return nil, fmt.Errorf("drain results: %w", err)
	}
	elapsed := time.Since(start)
	snap := run.tracker.Snapshot()

	batchesTotal.Inc()
	batchDuration.Observe(elapsed.Seconds())

	o.logger.Info().
		Int("items", len(items)).
		Int("succeeded", snap.Completed).
		Int("failed", snap.Failed).
		Int("from_cache", snap.FromCache).
		Bool("timed_out", timedOut).
		Dur("elapsed", elapsed).
		Msg("Batch finished")

	return results, nil
}

// fillPending records a timeout failure for every position still missing a
// result. Races with in-flight workers are benign: the collector keeps the
// first write per position.
func (r *batchRun) fillPending(byPosition map[int]vocab.VocabularyItem) {
	for _, pos := range r.col.Pending() {
		item := byPosition[pos]
		failure := vocab.NewFailure(item, &vocab.ProcessError{
			Class:   vocab.ErrorClassTimeout,
			Message: "batch deadline exceeded before processing finished",
		}, 0, 0)
		if err := r.col.Add(pos, failure); err == nil {
			r.tracker.Complete(pos, false, false)
			itemsTotal.WithLabelValues("timeout").Inc()
		}
	}
}

// record stores a terminal result. A rejected write means another goroutine
// already recorded this position (batch-timeout fill racing a worker).
func (r *batchRun) record(res vocab.ProcessingResult) {
	if err := r.col.Add(res.Position, res); err != nil {
		if !errors.Is(err, collector.ErrDuplicatePosition) {
			r.orch.logger.Error().Err(err).
				Int("position", res.Position).
				Msg("Result rejected by collector")
		}
		return
	}
	r.tracker.Complete(res.Position, res.Success(), res.FromCache)

	switch {
	case res.FromCache:
		itemsTotal.WithLabelValues("cache_hit").Inc()
	case res.Success():
		itemsTotal.WithLabelValues("success").Inc()
	default:
		itemsTotal.WithLabelValues("failure").Inc()
	}
	itemDuration.Observe(res.Duration.Seconds())
}

// processItem drives one item to a terminal result: cache, then rate
// limiter, then the circuit-breaker-guarded call, retrying transient
// failures per the policy.
func (r *batchRun) processItem(ctx context.Context, item vocab.VocabularyItem) vocab.ProcessingResult {
	o := r.orch
	start := time.Now()
	r.tracker.Start(item.Position)

	if o.cfg.CacheLookup != nil {
		if card, ok := o.cfg.CacheLookup(ctx, item); ok {
			o.logger.Debug().Str("term", item.Term).Msg("Cache hit")
			res := vocab.NewSuccess(item, card, 0, time.Since(start))
			res.FromCache = true
			return res
		}
	}

	var lastErr error
	attempts := 0
	deferredOpenRetry := false

	for {
		// Open circuit: fail fast without consuming a token or retry
		// budget. One deferred re-attempt after the break duration, then
		// the item fails as circuit_open.
		if state := o.breaker.State(); state == breaker.StateOpen || state == breaker.StateIsolated {
			if state == breaker.StateIsolated || deferredOpenRetry {
				lastErr = &vocab.ProcessError{
					Class:   vocab.ErrorClassCircuitOpen,
					Message: fmt.Sprintf("circuit breaker %s", state),
					Err:     breaker.ErrOpen,
				}
				break
			}
			deferredOpenRetry = true
			if err := sleepCtx(ctx, o.breaker.RemainingBreak()); err != nil {
				lastErr = err
				break
			}
			continue
		}

		attempts++

		acquireCtx, cancelAcquire := context.WithTimeout(ctx, o.cfg.AcquireTimeout)
		token, err := o.limiter.Acquire(acquireCtx, item.Term)
		cancelAcquire()
		if err != nil {
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
			lastErr = &vocab.ProcessError{
				Class:   vocab.ErrorClassRateLimit,
				Message: "rate limit token acquisition timed out",
				Err:     err,
			}
			if !o.policy.ShouldRetry(lastErr, attempts) {
				lastErr = o.policy.Exhausted(lastErr)
				break
			}
			if werr := o.policy.Wait(ctx, attempts, lastErr); werr != nil {
				lastErr = werr
				break
			}
			continue
		}

		var card string
		err = o.breaker.Do(ctx, func(ctx context.Context) error {
			if uerr := token.Use(); uerr != nil {
				return uerr
			}
			c, perr := r.fn(ctx, item)
			if perr != nil {
				return perr
			}
			card = c
			return nil
		})

		if err == nil {
			r.storeCache(ctx, item, card)
			return vocab.NewSuccess(item, card, attempts, time.Since(start))
		}

		if errors.Is(err, breaker.ErrOpen) {
			// The circuit opened between the state check and the call.
			// Return the unused token and take the fail-fast path; this
			// attempt never reached the API, so it costs no budget.
			token.Cancel()
			attempts--
			continue
		}

		lastErr = err
		if !o.policy.ShouldRetry(err, attempts) {
			if attempts >= o.policy.MaxAttempts && vocab.Classify(err).Transient() {
				lastErr = o.policy.Exhausted(err)
			}
			break
		}
		if werr := o.policy.Wait(ctx, attempts, err); werr != nil {
			lastErr = werr
			break
		}
	}

	o.logger.Debug().
		Str("term", item.Term).
		Int("position", item.Position).
		Int("attempts", attempts).
		Str("error_class", string(vocab.Classify(lastErr))).
		Msg("Item failed")

	return vocab.NewFailure(item, lastErr, attempts, time.Since(start))
}

// storeCache persists a fresh flashcard, logging store failures.
func (r *batchRun) storeCache(ctx context.Context, item vocab.VocabularyItem, card string) {
	if r.orch.cfg.CacheStore == nil {
		return
	}
	if err := r.orch.cfg.CacheStore(ctx, item, card); err != nil {
		r.orch.logger.Warn().Err(err).Str("term", item.Term).Msg("Cache store failed")
	}
}

// sleepCtx sleeps for d, honoring context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
