// Command flashcard-batch processes a TSV file of vocabulary terms through
// the flashcard generation API and writes one result line per input term,
// in input order.
//
// Input format: one term per line, optionally followed by a tab and the
// part of speech. Output format: term, status (ok/error), flashcard or
// error message, tab-separated.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/kordict/flashcard-pipeline/pkg/breaker"
	"github.com/kordict/flashcard-pipeline/pkg/cache"
	"github.com/kordict/flashcard-pipeline/pkg/client"
	"github.com/kordict/flashcard-pipeline/pkg/logging"
	"github.com/kordict/flashcard-pipeline/pkg/pipeline"
	"github.com/kordict/flashcard-pipeline/pkg/progress"
	"github.com/kordict/flashcard-pipeline/pkg/vocab"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flashcard-batch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "") == "true",
		Output: os.Stderr,
	})

	apiURL := os.Getenv("FLASHCARD_API_URL")
	if apiURL == "" {
		return fmt.Errorf("FLASHCARD_API_URL is required")
	}

	inputPath := getEnv("INPUT", "-")
	outputPath := getEnv("OUTPUT", "-")

	// Observability endpoint. Optional: skipped when unset.
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", healthHandler)
		go func() {
			logger.Info().Str("addr", addr).Msg("Serving metrics")
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	apiClient, err := client.New(client.Config{
		BaseURL:   apiURL,
		APIKey:    os.Getenv("FLASHCARD_API_KEY"),
		UserAgent: getEnv("USER_AGENT", "flashcard-pipeline/1.0"),
		Timeout:   getEnvDuration("API_TIMEOUT", 30*time.Second),
	}, logger)
	if err != nil {
		return fmt.Errorf("create API client: %w", err)
	}

	cfg := pipeline.DefaultConfig()
	applyEnvOverrides(&cfg)

	// Optional Redis-backed flashcard cache.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("connect to Redis at %s: %w", redisURL, err)
		}
		defer redisClient.Close()

		manager, err := cache.NewManager(redisClient, getEnvDuration("CACHE_TTL", 24*time.Hour))
		if err != nil {
			return fmt.Errorf("create cache manager: %w", err)
		}
		cfg.CacheLookup = manager.Lookup(logger)
		cfg.CacheStore = manager.Store()
		logger.Info().Str("redis", redisURL).Msg("Flashcard cache enabled")
	}

	// Optional SQLite persistence for circuit breaker events.
	if dbPath := os.Getenv("BREAKER_EVENTS_DB"); dbPath != "" {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return fmt.Errorf("open breaker event db: %w", err)
		}
		defer db.Close()

		sink, err := breaker.NewSQLiteStore(db, cfg.Breaker.Name)
		if err != nil {
			return fmt.Errorf("create breaker event store: %w", err)
		}
		cfg.Breaker.Sink = sink
		logger.Info().Str("db", dbPath).Msg("Breaker event persistence enabled")
	}

	// Periodic progress reports, throttled to one per second. Callbacks
	// arrive concurrently from the worker pool.
	var reportMu sync.Mutex
	var lastReport time.Time
	cfg.OnProgress = func(s progress.Snapshot) {
		reportMu.Lock()
		if time.Since(lastReport) < time.Second && s.Remaining > 0 {
			reportMu.Unlock()
			return
		}
		lastReport = time.Now()
		reportMu.Unlock()
		logger.Info().
			Int("completed", s.Completed).
			Int("failed", s.Failed).
			Int("remaining", s.Remaining).
			Float64("percent", s.PercentDone).
			Dur("eta", s.ETA).
			Msg("Progress")
	}

	orch, err := pipeline.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	items, err := loadItems(inputPath)
	if err != nil {
		return fmt.Errorf("load input: %w", err)
	}
	if len(items) == 0 {
		logger.Warn().Msg("No input items")
		return nil
	}

	results, err := orch.ProcessBatch(context.Background(), items, apiClient.ProcessFunc())
	if err != nil {
		return fmt.Errorf("process batch: %w", err)
	}

	if err := writeResults(outputPath, results); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	failed := 0
	for _, r := range results {
		if !r.Success() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(results))
	}
	return nil
}

// applyEnvOverrides layers the tuning environment variables over the
// pipeline defaults: concurrency, rate limit, circuit breaker and retry.
// Unset or unparseable values keep the default.
func applyEnvOverrides(cfg *pipeline.Config) {
	cfg.Concurrency = getEnvInt("CONCURRENCY", cfg.Concurrency)
	cfg.BatchTimeout = getEnvDuration("BATCH_TIMEOUT", cfg.BatchTimeout)

	cfg.RateLimit.Rate = getEnvFloat("RATE_LIMIT", cfg.RateLimit.Rate)
	cfg.RateLimit.Capacity = getEnvInt("RATE_CAPACITY", cfg.RateLimit.Capacity)
	cfg.RateLimit.Shards = getEnvInt("RATE_SHARDS", cfg.RateLimit.Shards)

	cfg.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.InitialDelay = getEnvDuration("RETRY_INITIAL_DELAY", cfg.Retry.InitialDelay)
	cfg.Retry.MaxDelay = getEnvDuration("RETRY_MAX_DELAY", cfg.Retry.MaxDelay)
	cfg.Retry.Multiplier = getEnvFloat("RETRY_MULTIPLIER", cfg.Retry.Multiplier)

	cfg.Breaker.FailureThreshold = getEnvFloat("BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.MinThroughput = getEnvInt("BREAKER_MIN_THROUGHPUT", cfg.Breaker.MinThroughput)
	cfg.Breaker.SamplingDuration = getEnvDuration("BREAKER_SAMPLING_DURATION", cfg.Breaker.SamplingDuration)
	cfg.Breaker.BreakDuration = getEnvDuration("BREAKER_BREAK_DURATION", cfg.Breaker.BreakDuration)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// loadItems parses TSV input into vocabulary items. Positions are assigned
// from line order; blank lines and #-comments are skipped without
// consuming a position.
func loadItems(path string) ([]vocab.VocabularyItem, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return parseItems(r)
}

func parseItems(r io.Reader) ([]vocab.VocabularyItem, error) {
	var items []vocab.VocabularyItem
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		term, pos := line, ""
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			term = strings.TrimSpace(line[:i])
			pos = strings.TrimSpace(line[i+1:])
		}
		if term == "" {
			continue
		}

		items = append(items, vocab.VocabularyItem{
			Position: len(items),
			Term:     term,
			Pos:      pos,
		})
	}
	return items, scanner.Err()
}

// writeResults emits one TSV line per result, in input order.
func writeResults(path string, results []vocab.ProcessingResult) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	bw := bufio.NewWriter(w)
	for _, r := range results {
		if err := writeResult(bw, r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeResult(w io.Writer, r vocab.ProcessingResult) error {
	if r.Success() {
		_, err := fmt.Fprintf(w, "%s\tok\t%s\n", r.Term, sanitize(r.Flashcard))
		return err
	}
	_, err := fmt.Fprintf(w, "%s\terror\t%s: %s\n", r.Term, r.Class, sanitize(r.Err.Error()))
	return err
}

// sanitize keeps multi-line card content on one TSV line.
func sanitize(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
