// Package metrics provides the centralized Prometheus registry reference
// for the flashcard pipeline. All metrics are defined in their respective
// packages (pipeline, ratelimit, breaker, retry, cache, client) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - flashcard_rate_limit_grants_total{path} (Counter): Tokens granted by shard path (primary, secondary, waited)
//   - flashcard_rate_limit_timeouts_total (Counter): Acquisitions abandoned because the context expired
//   - flashcard_rate_limit_wait_seconds (Histogram): Time spent waiting for a token
//
// Circuit Breaker Metrics (pkg/breaker):
//   - flashcard_breaker_state{name} (Gauge): Current state (0=closed, 1=open, 2=half_open, 3=isolated)
//   - flashcard_breaker_transitions_total{name, to} (Counter): State transitions by target state
//   - flashcard_breaker_rejections_total{name} (Counter): Calls rejected while open or isolated
//
// Retry Metrics (pkg/retry):
//   - flashcard_retries_total{error_class} (Counter): Retry attempts by error class
//   - flashcard_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - flashcard_retry_exhausted_total{error_class} (Counter): Items that exhausted max retries
//
// Pipeline Metrics (pkg/pipeline):
//   - flashcard_batches_total (Counter): Batches processed
//   - flashcard_batch_duration_seconds (Histogram): Batch wall-clock duration
//   - flashcard_items_total{outcome} (Counter): Items by outcome (success, failure, cache_hit, timeout)
//   - flashcard_item_duration_seconds (Histogram): Per-item duration including retries
//
// Cache Metrics (pkg/cache):
//   - flashcard_cache_hits_total (Counter): Cache hits
//   - flashcard_cache_misses_total (Counter): Cache misses
//   - flashcard_cache_errors_total{operation} (Counter): Cache operation errors
//
// API Client Metrics (pkg/client):
//   - flashcard_api_requests_total{status} (Counter): API requests by HTTP status
//   - flashcard_api_request_duration_seconds (Histogram): API request duration
//   - flashcard_api_errors_total{class} (Counter): API errors by class
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(flashcard_cache_hits_total[5m])) /
//   (sum(rate(flashcard_cache_hits_total[5m])) + sum(rate(flashcard_cache_misses_total[5m])))
//
//   # Circuit Breaker Open
//   flashcard_breaker_state == 1
//
//   # Item Failure Rate
//   rate(flashcard_items_total{outcome="failure"}[5m])
//
//   # P95 API Latency
//   histogram_quantile(0.95, rate(flashcard_api_request_duration_seconds_bucket[5m]))
