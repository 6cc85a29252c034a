package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kordict/flashcard-pipeline/pkg/breaker"
	"github.com/kordict/flashcard-pipeline/pkg/progress"
	"github.com/kordict/flashcard-pipeline/pkg/ratelimit"
	"github.com/kordict/flashcard-pipeline/pkg/retry"
	"github.com/kordict/flashcard-pipeline/pkg/vocab"
)

// testConfig returns a configuration with fast timings and a rate budget
// that never throttles the test workload.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 10
	cfg.AcquireTimeout = time.Second
	cfg.BatchTimeout = 10 * time.Second
	cfg.RateLimit = ratelimit.Config{Rate: 5000, Capacity: 200, Shards: 4, TokenTTL: time.Minute}
	cfg.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: 2 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
	// High enough that scattered transient failures never open the circuit.
	cfg.Breaker.MinThroughput = 20
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func makeItems(n int) []vocab.VocabularyItem {
	items := make([]vocab.VocabularyItem, n)
	for i := range items {
		items[i] = vocab.VocabularyItem{Position: i, Term: fmt.Sprintf("term-%03d", i)}
	}
	return items
}

// countingFunc wraps a ProcessFunc with a per-term invocation counter.
type countingFunc struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(item vocab.VocabularyItem, call int) (string, error)
}

func newCountingFunc(fn func(item vocab.VocabularyItem, call int) (string, error)) *countingFunc {
	return &countingFunc{calls: make(map[string]int), fn: fn}
}

func (c *countingFunc) process(_ context.Context, item vocab.VocabularyItem) (string, error) {
	c.mu.Lock()
	c.calls[item.Term]++
	call := c.calls[item.Term]
	c.mu.Unlock()
	return c.fn(item, call)
}

func (c *countingFunc) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func serverError() error {
	return &vocab.ProcessError{Class: vocab.ErrorClassServer, StatusCode: 500, Message: "upstream error"}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"zero acquire timeout", func(c *Config) { c.AcquireTimeout = 0 }},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }},
		{"bad retry policy", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"bad rate limit", func(c *Config) { c.RateLimit.Rate = 0 }},
		{"bad breaker", func(c *Config) { c.Breaker.FailureThreshold = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, zerolog.Nop()); err == nil {
				t.Error("expected configuration error, got nil")
			}
		})
	}
}

func TestProcessBatch_OrderedWithTransientFailures(t *testing.T) {
	// 50 items, 10% fail on the first attempt and succeed on retry.
	fn := newCountingFunc(func(item vocab.VocabularyItem, call int) (string, error) {
		if item.Position%10 == 0 && call == 1 {
			return "", serverError()
		}
		return item.Term + "\tcard", nil
	})

	o := newTestOrchestrator(t, testConfig())
	items := makeItems(50)

	results, err := o.ProcessBatch(context.Background(), items, fn.process)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}

	for i, r := range results {
		if r.Position != i {
			t.Fatalf("results[%d].Position = %d, want %d", i, r.Position, i)
		}
		if !r.Success() {
			t.Errorf("position %d failed: %v", i, r.Err)
		}
		wantAttempts := 1
		if i%10 == 0 {
			wantAttempts = 2
		}
		if r.Attempts != wantAttempts {
			t.Errorf("position %d attempts = %d, want %d", i, r.Attempts, wantAttempts)
		}
	}

	if got := fn.total(); got != 55 {
		t.Errorf("process invocations = %d, want 55 (50 items + 5 retries)", got)
	}
}

func TestProcessBatch_OrderPreservedAcrossConcurrency(t *testing.T) {
	for _, conc := range []int{1, 10, 50} {
		t.Run(fmt.Sprintf("concurrency_%d", conc), func(t *testing.T) {
			cfg := testConfig()
			cfg.Concurrency = conc
			o := newTestOrchestrator(t, cfg)

			items := makeItems(50)
			results, err := o.ProcessBatch(context.Background(), items, func(_ context.Context, item vocab.VocabularyItem) (string, error) {
				return item.Term + "\tcard", nil
			})
			if err != nil {
				t.Fatalf("ProcessBatch failed: %v", err)
			}
			if len(results) != len(items) {
				t.Fatalf("got %d results, want %d", len(results), len(items))
			}
			for i, r := range results {
				if r.Position != i {
					t.Fatalf("results[%d].Position = %d, want %d", i, r.Position, i)
				}
				if !r.Success() {
					t.Errorf("position %d failed: %v", i, r.Err)
				}
				if r.Flashcard != items[i].Term+"\tcard" {
					t.Errorf("position %d Flashcard = %q, want card for %q", i, r.Flashcard, items[i].Term)
				}
			}
		})
	}
}

func TestProcessBatch_PermanentFailureNotRetried(t *testing.T) {
	fn := newCountingFunc(func(item vocab.VocabularyItem, call int) (string, error) {
		if item.Position == 1 {
			return "", &vocab.ProcessError{Class: vocab.ErrorClassValidation, StatusCode: 400, Message: "bad term"}
		}
		return "card", nil
	})

	o := newTestOrchestrator(t, testConfig())
	results, err := o.ProcessBatch(context.Background(), makeItems(3), fn.process)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	r := results[1]
	if r.Success() {
		t.Fatal("validation failure reported as success")
	}
	if r.Class != vocab.ErrorClassValidation {
		t.Errorf("Class = %q, want validation", r.Class)
	}
	if r.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (permanent errors are not retried)", r.Attempts)
	}
	if errors.Is(r.Err, retry.ErrExhausted) {
		t.Error("permanent failure must not be wrapped as retry exhaustion")
	}
}

func TestProcessBatch_TransientExhaustion(t *testing.T) {
	fn := newCountingFunc(func(item vocab.VocabularyItem, call int) (string, error) {
		return "", serverError()
	})

	cfg := testConfig()
	// Keep the breaker closed so every attempt reaches the process func.
	cfg.Breaker.MinThroughput = 100
	o := newTestOrchestrator(t, cfg)

	results, err := o.ProcessBatch(context.Background(), makeItems(1), fn.process)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	r := results[0]
	if !errors.Is(r.Err, retry.ErrExhausted) {
		t.Errorf("Err = %v, want ErrExhausted wrapper", r.Err)
	}
	if r.Attempts != cfg.Retry.MaxAttempts {
		t.Errorf("Attempts = %d, want %d", r.Attempts, cfg.Retry.MaxAttempts)
	}
	if r.Class != vocab.ErrorClassServer {
		t.Errorf("Class = %q, want server (class of the last underlying error)", r.Class)
	}
}

func TestProcessBatch_IsolatedBreakerFailsFast(t *testing.T) {
	fn := newCountingFunc(func(item vocab.VocabularyItem, call int) (string, error) {
		return "card", nil
	})

	o := newTestOrchestrator(t, testConfig())
	o.Breaker().Isolate()

	results, err := o.ProcessBatch(context.Background(), makeItems(10), fn.process)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if got := fn.total(); got != 0 {
		t.Errorf("process invocations = %d, want 0 while isolated", got)
	}
	for i, r := range results {
		if r.Position != i {
			t.Fatalf("results[%d].Position = %d, want %d", i, r.Position, i)
		}
		if r.Success() {
			t.Errorf("position %d succeeded with an isolated circuit", i)
		}
		if r.Class != vocab.ErrorClassCircuitOpen {
			t.Errorf("position %d Class = %q, want circuit_open", i, r.Class)
		}
		if !errors.Is(r.Err, breaker.ErrOpen) {
			t.Errorf("position %d Err = %v, want wrapped breaker.ErrOpen", i, r.Err)
		}
	}
}

func TestProcessBatch_OpenBreakerStopsCalls(t *testing.T) {
	fn := newCountingFunc(func(item vocab.VocabularyItem, call int) (string, error) {
		return "", serverError()
	})

	cfg := testConfig()
	cfg.Concurrency = 2
	cfg.BatchTimeout = 300 * time.Millisecond
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.MinThroughput = 2
	cfg.Breaker.FailureThreshold = 0.5
	// Longer than the batch: once open, remaining items never reach the API.
	cfg.Breaker.BreakDuration = time.Hour
	o := newTestOrchestrator(t, cfg)

	const n = 20
	results, err := o.ProcessBatch(context.Background(), makeItems(n), fn.process)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if len(results) != n {
		t.Fatalf("got %d results, want %d (output must be total)", len(results), n)
	}
	for i, r := range results {
		if r.Position != i {
			t.Fatalf("results[%d].Position = %d, want %d", i, r.Position, i)
		}
		if r.Success() {
			t.Errorf("position %d succeeded against a failing upstream", i)
		}
	}

	if got := fn.total(); got >= n {
		t.Errorf("process invocations = %d, want < %d (open circuit must stop calls)", got, n)
	}
	if state := o.Breaker().State(); state != breaker.StateOpen {
		t.Errorf("breaker state = %s, want open", state)
	}
}

func TestProcessBatch_BatchTimeoutFillsPending(t *testing.T) {
	fn := newCountingFunc(func(item vocab.VocabularyItem, call int) (string, error) {
		return "card", nil
	})
	slow := func(ctx context.Context, item vocab.VocabularyItem) (string, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return fn.process(ctx, item)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	cfg := testConfig()
	cfg.Concurrency = 2
	cfg.BatchTimeout = 100 * time.Millisecond
	o := newTestOrchestrator(t, cfg)

	const n = 10
	results, err := o.ProcessBatch(context.Background(), makeItems(n), slow)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if len(results) != n {
		t.Fatalf("got %d results, want %d (timed-out positions must be filled)", len(results), n)
	}
	for i, r := range results {
		if r.Position != i {
			t.Fatalf("results[%d].Position = %d, want %d", i, r.Position, i)
		}
		if r.Success() {
			t.Errorf("position %d succeeded despite the batch timeout", i)
		}
		if r.Class != vocab.ErrorClassTimeout {
			t.Errorf("position %d Class = %q, want timeout", i, r.Class)
		}
	}
}

func TestProcessBatch_DuplicatePositions(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())

	items := []vocab.VocabularyItem{
		{Position: 0, Term: "a"},
		{Position: 0, Term: "b"},
	}
	_, err := o.ProcessBatch(context.Background(), items, func(context.Context, vocab.VocabularyItem) (string, error) {
		return "card", nil
	})
	if err == nil {
		t.Fatal("expected error for duplicate positions, got nil")
	}
}

func TestProcessBatch_EmptyBatch(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	results, err := o.ProcessBatch(context.Background(), nil, func(context.Context, vocab.VocabularyItem) (string, error) {
		return "card", nil
	})
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestProcessBatch_CacheShortCircuit(t *testing.T) {
	fn := newCountingFunc(func(item vocab.VocabularyItem, call int) (string, error) {
		return "fresh-card", nil
	})

	var storeMu sync.Mutex
	stored := make(map[string]string)

	cfg := testConfig()
	cfg.CacheLookup = func(_ context.Context, item vocab.VocabularyItem) (string, bool) {
		if item.Position < 3 {
			return "cached-card", true
		}
		return "", false
	}
	cfg.CacheStore = func(_ context.Context, item vocab.VocabularyItem, card string) error {
		storeMu.Lock()
		stored[item.Term] = card
		storeMu.Unlock()
		return nil
	}
	o := newTestOrchestrator(t, cfg)

	results, err := o.ProcessBatch(context.Background(), makeItems(6), fn.process)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	for i, r := range results {
		wantCache := i < 3
		if r.FromCache != wantCache {
			t.Errorf("position %d FromCache = %v, want %v", i, r.FromCache, wantCache)
		}
		if wantCache && r.Flashcard != "cached-card" {
			t.Errorf("position %d Flashcard = %q, want cached-card", i, r.Flashcard)
		}
		if wantCache && r.Attempts != 0 {
			t.Errorf("position %d Attempts = %d, want 0 for a cache hit", i, r.Attempts)
		}
	}

	if got := fn.total(); got != 3 {
		t.Errorf("process invocations = %d, want 3 (cache hits skip the API)", got)
	}

	storeMu.Lock()
	defer storeMu.Unlock()
	if len(stored) != 3 {
		t.Errorf("stored %d cards, want 3 (only fresh results are stored)", len(stored))
	}
	for term, card := range stored {
		if card != "fresh-card" {
			t.Errorf("stored[%q] = %q, want fresh-card", term, card)
		}
	}
}

func TestProcessBatch_ProgressCallback(t *testing.T) {
	var mu sync.Mutex
	var last struct {
		completed int
		failed    int
	}

	cfg := testConfig()
	cfg.OnProgress = func(s progress.Snapshot) {
		mu.Lock()
		if s.Completed > last.completed {
			last.completed = s.Completed
		}
		if s.Failed > last.failed {
			last.failed = s.Failed
		}
		mu.Unlock()
	}
	o := newTestOrchestrator(t, cfg)

	fn := func(_ context.Context, item vocab.VocabularyItem) (string, error) {
		if item.Position == 4 {
			return "", &vocab.ProcessError{Class: vocab.ErrorClassValidation, StatusCode: 400, Message: "bad term"}
		}
		return "card", nil
	}

	if _, err := o.ProcessBatch(context.Background(), makeItems(5), fn); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if last.completed != 4 || last.failed != 1 {
		t.Errorf("final progress = %d completed / %d failed, want 4/1", last.completed, last.failed)
	}
}

func TestProcessBatch_SharedLimiter(t *testing.T) {
	lim, err := ratelimit.New(ratelimit.Config{Rate: 5000, Capacity: 100, Shards: 2, TokenTTL: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("ratelimit.New failed: %v", err)
	}

	cfg := testConfig()
	cfg.Limiter = lim
	o := newTestOrchestrator(t, cfg)

	if o.Limiter() != lim {
		t.Error("orchestrator did not adopt the injected limiter")
	}

	results, err := o.ProcessBatch(context.Background(), makeItems(5), func(context.Context, vocab.VocabularyItem) (string, error) {
		return "card", nil
	})
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	for _, r := range results {
		if !r.Success() {
			t.Errorf("position %d failed: %v", r.Position, r.Err)
		}
	}

	granted := uint64(0)
	for _, g := range lim.ShardGrants() {
		granted += g
	}
	if granted != 5 {
		t.Errorf("shared limiter granted %d tokens, want 5", granted)
	}
}
