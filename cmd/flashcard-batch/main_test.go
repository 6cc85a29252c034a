package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kordict/flashcard-pipeline/pkg/pipeline"
	"github.com/kordict/flashcard-pipeline/pkg/vocab"
)

func TestParseItems(t *testing.T) {
	input := strings.Join([]string{
		"run\tverb",
		"",
		"# comment line",
		"walk",
		"  book \t noun ",
	}, "\n")

	items, err := parseItems(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseItems failed: %v", err)
	}

	want := []vocab.VocabularyItem{
		{Position: 0, Term: "run", Pos: "verb"},
		{Position: 1, Term: "walk"},
		{Position: 2, Term: "book", Pos: "noun"},
	}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, item := range items {
		if item != want[i] {
			t.Errorf("items[%d] = %+v, want %+v", i, item, want[i])
		}
	}
}

func TestParseItems_Empty(t *testing.T) {
	items, err := parseItems(strings.NewReader("\n# only comments\n\n"))
	if err != nil {
		t.Fatalf("parseItems failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CONCURRENCY", "4")
	t.Setenv("BATCH_TIMEOUT", "90s")
	t.Setenv("RATE_LIMIT", "2.5")
	t.Setenv("RATE_CAPACITY", "7")
	t.Setenv("RATE_SHARDS", "3")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_INITIAL_DELAY", "250ms")
	t.Setenv("RETRY_MAX_DELAY", "10s")
	t.Setenv("RETRY_MULTIPLIER", "3")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "0.25")
	t.Setenv("BREAKER_MIN_THROUGHPUT", "8")
	t.Setenv("BREAKER_SAMPLING_DURATION", "30s")
	t.Setenv("BREAKER_BREAK_DURATION", "45s")

	cfg := pipeline.DefaultConfig()
	applyEnvOverrides(&cfg)

	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.BatchTimeout != 90*time.Second {
		t.Errorf("BatchTimeout = %v, want 90s", cfg.BatchTimeout)
	}
	if cfg.RateLimit.Rate != 2.5 || cfg.RateLimit.Capacity != 7 || cfg.RateLimit.Shards != 3 {
		t.Errorf("RateLimit = %+v, want rate 2.5 / capacity 7 / shards 3", cfg.RateLimit)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialDelay != 250*time.Millisecond || cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("Retry delays = %v / %v, want 250ms / 10s", cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
	}
	if cfg.Retry.Multiplier != 3 {
		t.Errorf("Retry.Multiplier = %g, want 3", cfg.Retry.Multiplier)
	}
	if cfg.Breaker.FailureThreshold != 0.25 {
		t.Errorf("Breaker.FailureThreshold = %g, want 0.25", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.MinThroughput != 8 {
		t.Errorf("Breaker.MinThroughput = %d, want 8", cfg.Breaker.MinThroughput)
	}
	if cfg.Breaker.SamplingDuration != 30*time.Second || cfg.Breaker.BreakDuration != 45*time.Second {
		t.Errorf("Breaker durations = %v / %v, want 30s / 45s", cfg.Breaker.SamplingDuration, cfg.Breaker.BreakDuration)
	}
}

func TestApplyEnvOverrides_UnparseableKeepsDefault(t *testing.T) {
	t.Setenv("CONCURRENCY", "lots")
	t.Setenv("BREAKER_BREAK_DURATION", "soon")

	def := pipeline.DefaultConfig()
	cfg := pipeline.DefaultConfig()
	applyEnvOverrides(&cfg)

	if cfg.Concurrency != def.Concurrency {
		t.Errorf("Concurrency = %d, want default %d", cfg.Concurrency, def.Concurrency)
	}
	if cfg.Breaker.BreakDuration != def.Breaker.BreakDuration {
		t.Errorf("Breaker.BreakDuration = %v, want default %v", cfg.Breaker.BreakDuration, def.Breaker.BreakDuration)
	}
}

func TestWriteResult(t *testing.T) {
	var buf bytes.Buffer

	ok := vocab.NewSuccess(vocab.VocabularyItem{Position: 0, Term: "run"}, "run\tfront\nback", 1, 0)
	if err := writeResult(&buf, ok); err != nil {
		t.Fatalf("writeResult failed: %v", err)
	}
	if got := buf.String(); got != "run\tok\trun\tfront\\nback\n" {
		t.Errorf("success line = %q", got)
	}

	buf.Reset()
	failed := vocab.NewFailure(vocab.VocabularyItem{Position: 1, Term: "walk"}, &vocab.ProcessError{
		Class:      vocab.ErrorClassServer,
		StatusCode: 500,
		Message:    "upstream error",
	}, 3, 0)
	if err := writeResult(&buf, failed); err != nil {
		t.Fatalf("writeResult failed: %v", err)
	}
	line := buf.String()
	if !strings.HasPrefix(line, "walk\terror\tserver: ") {
		t.Errorf("failure line = %q, want walk/error/server prefix", line)
	}
	if strings.Count(line, "\n") != 1 || !strings.HasSuffix(line, "\n") {
		t.Errorf("failure line = %q, want exactly one trailing newline", line)
	}
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}
