// Package breaker implements a stateful circuit breaker guarding calls to
// the flashcard API. It tracks the failure ratio over a rolling sampling
// window and opens the circuit when the protected collaborator degrades,
// with a configurable break duration before recovery trials.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for circuit breaker operations.
var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flashcard_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open, 3=isolated)",
	}, []string{"name"})

	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashcard_breaker_transitions_total",
		Help: "Total circuit breaker state transitions by target state",
	}, []string{"name", "to"})

	breakerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashcard_breaker_rejections_total",
		Help: "Total calls rejected while the circuit was open or isolated",
	}, []string{"name"})
)

// ErrOpen is returned when the circuit rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state.
type State string

const (
	// StateClosed allows all calls. Normal operation.
	StateClosed State = "closed"

	// StateOpen rejects all calls until the break duration elapses.
	StateOpen State = "open"

	// StateHalfOpen lets trial calls through to check for recovery.
	StateHalfOpen State = "half_open"

	// StateIsolated rejects all calls until manually reset. Takes
	// precedence over automatic transitions.
	StateIsolated State = "isolated"
)

func (s State) gaugeValue() float64 {
	switch s {
	case StateClosed:
		return 0
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	case StateIsolated:
		return 3
	}
	return -1
}

// BreakDurationFunc computes how long the circuit stays open from the
// number of consecutive failures observed when it opened. Allows constant,
// linear, exponential or custom recovery pacing.
type BreakDurationFunc func(consecutiveFailures int) time.Duration

// Config holds the circuit breaker configuration.
type Config struct {
	// Name identifies the protected collaborator in logs and metrics.
	Name string

	// FailureThreshold is the failure ratio (0..1] that opens the circuit.
	FailureThreshold float64

	// MinThroughput is the minimum number of calls in the sampling window
	// before the ratio is evaluated.
	MinThroughput int

	// SamplingDuration is the rolling window over which the failure ratio
	// is computed.
	SamplingDuration time.Duration

	// BreakDuration is how long the circuit stays open before a recovery
	// trial. Ignored when BreakDurationFunc is set.
	BreakDuration time.Duration

	// BreakDurationFunc, when set, computes the break duration from the
	// consecutive-failure count.
	BreakDurationFunc BreakDurationFunc

	// HalfOpenSuccesses is the number of consecutive trial successes
	// required to close the circuit again.
	HalfOpenSuccesses int

	// EventLogSize bounds the in-memory event log. Oldest entries are
	// evicted first.
	EventLogSize int

	// Sink, when set, additionally receives every event (e.g. the
	// SQLite-backed store).
	Sink EventSink
}

// DefaultConfig returns a breaker configuration suitable for the flashcard
// API: open at 50% failures over 30s once 10 calls were seen.
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		FailureThreshold:  0.5,
		MinThroughput:     10,
		SamplingDuration:  30 * time.Second,
		BreakDuration:     30 * time.Second,
		HalfOpenSuccesses: 2,
		EventLogSize:      256,
	}
}

type callRecord struct {
	at      time.Time
	success bool
}

// Breaker is a circuit breaker for one protected collaborator. All state
// reads and writes are serialized under one mutex.
type Breaker struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	window              []callRecord
	openedAt            time.Time
	consecutiveFailures int
	trialSuccesses      int
	events              *eventLog
}

// New creates a circuit breaker. Invalid configuration fails here.
func New(cfg Config, logger zerolog.Logger) (*Breaker, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		return nil, fmt.Errorf("failure_threshold must be in (0, 1] (got %g)", cfg.FailureThreshold)
	}
	if cfg.MinThroughput < 1 {
		return nil, fmt.Errorf("min_throughput must be >= 1 (got %d)", cfg.MinThroughput)
	}
	if cfg.SamplingDuration <= 0 {
		return nil, fmt.Errorf("sampling_duration must be > 0 (got %v)", cfg.SamplingDuration)
	}
	if cfg.BreakDuration <= 0 && cfg.BreakDurationFunc == nil {
		return nil, fmt.Errorf("break_duration must be > 0 or break_duration_func set")
	}
	if cfg.HalfOpenSuccesses < 1 {
		return nil, fmt.Errorf("half_open_successes must be >= 1 (got %d)", cfg.HalfOpenSuccesses)
	}
	if cfg.EventLogSize <= 0 {
		cfg.EventLogSize = 256
	}

	b := &Breaker{
		cfg:    cfg,
		logger: logger.With().Str("breaker", cfg.Name).Logger(),
		now:    time.Now,
		state:  StateClosed,
		events: newEventLog(cfg.EventLogSize),
	}
	breakerState.WithLabelValues(cfg.Name).Set(StateClosed.gaugeValue())

	return b, nil
}

// Do executes fn through the circuit breaker. When the circuit is open or
// isolated it returns ErrOpen without invoking fn; otherwise fn's outcome
// is recorded and returned unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure(err)
	} else {
		b.recordSuccess()
	}
	return err
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Surface an elapsed break duration as half-open even before the next
	// call arrives.
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.breakDuration())) {
		b.transitionLocked(StateHalfOpen, nil)
	}
	return b.state
}

// BreakDuration reports the current break duration, accounting for the
// consecutive-failure count at open time.
func (b *Breaker) BreakDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.breakDuration()
}

// RemainingBreak reports how long until the open circuit admits a trial
// call. Zero when the circuit is not open.
func (b *Breaker) RemainingBreak() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.openedAt.Add(b.breakDuration()).Sub(b.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Isolate forces the circuit to reject all calls until Reset is called.
func (b *Breaker) Isolate() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateIsolated {
		return
	}
	b.logger.Warn().Msg("Circuit breaker manually isolated")
	b.transitionLocked(StateIsolated, nil)
}

// Reset manually closes the circuit and clears the sampling window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = b.window[:0]
	b.consecutiveFailures = 0
	b.trialSuccesses = 0
	b.logger.Info().Msg("Circuit breaker manually reset")
	b.transitionLocked(StateClosed, nil)
}

// Events returns a snapshot of the bounded event log, oldest first.
func (b *Breaker) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events.snapshot()
}

// allow decides whether the next call may proceed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateIsolated:
		breakerRejectionsTotal.WithLabelValues(b.cfg.Name).Inc()
		return fmt.Errorf("%w: %s is isolated", ErrOpen, b.cfg.Name)

	case StateOpen:
		if b.now().Before(b.openedAt.Add(b.breakDuration())) {
			breakerRejectionsTotal.WithLabelValues(b.cfg.Name).Inc()
			return fmt.Errorf("%w: %s", ErrOpen, b.cfg.Name)
		}
		b.transitionLocked(StateHalfOpen, nil)
		return nil

	default:
		return nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.window = append(b.window, callRecord{at: now, success: true})
	b.pruneLocked(now)
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.trialSuccesses++
		if b.trialSuccesses >= b.cfg.HalfOpenSuccesses {
			b.logger.Info().
				Int("trial_successes", b.trialSuccesses).
				Msg("Recovery trials succeeded, closing circuit")
			b.transitionLocked(StateClosed, nil)
		}
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.window = append(b.window, callRecord{at: now, success: false})
	b.pruneLocked(now)
	b.consecutiveFailures++
	b.events.append(Event{Time: now, Type: EventFailure, Err: err.Error()})
	b.emit(Event{Time: now, Type: EventFailure, Err: err.Error()})

	switch b.state {
	case StateHalfOpen:
		b.logger.Warn().Err(err).Msg("Trial call failed, reopening circuit")
		b.transitionLocked(StateOpen, err)

	case StateClosed:
		total, failed := b.countsLocked()
		if total >= b.cfg.MinThroughput && float64(failed)/float64(total) >= b.cfg.FailureThreshold {
			b.logger.Warn().
				Int("window_calls", total).
				Int("window_failures", failed).
				Float64("threshold", b.cfg.FailureThreshold).
				Msg("Failure ratio reached threshold, opening circuit")
			b.transitionLocked(StateOpen, err)
		}
	}
}

// transitionLocked moves to a new state, recording the event, metrics and
// sink notification. Callers must hold b.mu.
func (b *Breaker) transitionLocked(to State, cause error) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	now := b.now()
	switch to {
	case StateOpen:
		b.openedAt = now
		b.trialSuccesses = 0
	case StateHalfOpen:
		b.trialSuccesses = 0
	}

	ev := Event{Time: now, Type: EventStateChange, From: from, To: to}
	if cause != nil {
		ev.Err = cause.Error()
	}
	b.events.append(ev)
	b.emit(ev)

	breakerState.WithLabelValues(b.cfg.Name).Set(to.gaugeValue())
	breakerTransitionsTotal.WithLabelValues(b.cfg.Name, string(to)).Inc()

	b.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Int("consecutive_failures", b.consecutiveFailures).
		Msg("Circuit breaker state change")
}

// emit forwards an event to the configured sink, if any.
func (b *Breaker) emit(ev Event) {
	if b.cfg.Sink == nil {
		return
	}
	if err := b.cfg.Sink.Record(ev); err != nil {
		b.logger.Warn().Err(err).Msg("Event sink write failed")
	}
}

// breakDuration resolves the configured break duration for the current
// consecutive-failure count. Callers must hold b.mu.
func (b *Breaker) breakDuration() time.Duration {
	if b.cfg.BreakDurationFunc != nil {
		return b.cfg.BreakDurationFunc(b.consecutiveFailures)
	}
	return b.cfg.BreakDuration
}

// pruneLocked drops window records older than the sampling duration.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.SamplingDuration)
	i := 0
	for i < len(b.window) && !b.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) countsLocked() (total, failed int) {
	for _, r := range b.window {
		total++
		if !r.success {
			failed++
		}
	}
	return total, failed
}
