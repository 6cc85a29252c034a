// Package client provides the HTTP client for the flashcard generation
// API. It is deliberately thin: rate limiting, circuit breaking and retry
// live in the pipeline; the client translates HTTP outcomes into the
// shared error taxonomy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/kordict/flashcard-pipeline/pkg/vocab"
)

// Prometheus metrics for flashcard API operations.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashcard_api_requests_total",
		Help: "Total flashcard API requests by status",
	}, []string{"status"})

	apiRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashcard_api_request_duration_seconds",
		Help:    "Flashcard API request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashcard_api_errors_total",
		Help: "Total flashcard API errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API endpoint root, e.g. "https://api.example.com".
	BaseURL string

	// APIKey authenticates requests. Sent as a bearer token.
	APIKey string

	// UserAgent identifies this client to the API.
	UserAgent string

	// Timeout bounds one HTTP round trip. The per-item budget across
	// retries is the pipeline's concern.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration for the given API.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		UserAgent: "flashcard-pipeline/1.0",
		Timeout:   30 * time.Second,
	}
}

// Client calls the flashcard generation API.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a flashcard API client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %v)", cfg.Timeout)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: logger.With().Str("component", "flashcard-client").Logger(),
	}, nil
}

// generateRequest is the POST /v1/flashcards payload.
type generateRequest struct {
	Term string `json:"term"`
	Pos  string `json:"pos,omitempty"`
}

// generateResponse is the successful response body.
type generateResponse struct {
	Flashcard string `json:"flashcard"`
}

// errorResponse is the API's error body. Message is optional.
type errorResponse struct {
	Message string `json:"message"`
}

// Generate requests a flashcard for one vocabulary item. Failures are
// returned as *vocab.ProcessError carrying the error class derived from
// the HTTP status.
func (c *Client) Generate(ctx context.Context, item vocab.VocabularyItem) (string, error) {
	start := time.Now()
	defer func() {
		apiRequestDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(generateRequest{Term: item.Term, Pos: item.Pos})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/flashcards", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	c.logger.Debug().Str("term", item.Term).Msg("Requesting flashcard")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		class := vocab.Classify(err)
		apiErrorsTotal.WithLabelValues(string(class)).Inc()
		apiRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Error().Err(err).Str("term", item.Term).Msg("Flashcard request failed")
		return "", &vocab.ProcessError{
			Class:   class,
			Message: "flashcard request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp, item)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		apiErrorsTotal.WithLabelValues(string(vocab.ErrorClassServer)).Inc()
		return "", &vocab.ProcessError{
			Class:      vocab.ErrorClassServer,
			StatusCode: resp.StatusCode,
			Message:    "malformed response body",
			Err:        err,
		}
	}
	if out.Flashcard == "" {
		apiErrorsTotal.WithLabelValues(string(vocab.ErrorClassServer)).Inc()
		return "", &vocab.ProcessError{
			Class:      vocab.ErrorClassServer,
			StatusCode: resp.StatusCode,
			Message:    "response carried no flashcard",
		}
	}

	return out.Flashcard, nil
}

// ProcessFunc adapts the client to the pipeline's processing signature.
func (c *Client) ProcessFunc() func(ctx context.Context, item vocab.VocabularyItem) (string, error) {
	return c.Generate
}

// statusError builds the classified error for a non-200 response.
func (c *Client) statusError(resp *http.Response, item vocab.VocabularyItem) error {
	class := vocab.ClassifyStatus(resp.StatusCode)
	apiErrorsTotal.WithLabelValues(string(class)).Inc()

	message := resp.Status
	var body errorResponse
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		if json.Unmarshal(data, &body) == nil && body.Message != "" {
			message = body.Message
		}
	}

	c.logger.Warn().
		Str("term", item.Term).
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("Flashcard API error")

	return &vocab.ProcessError{
		Class:      class,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}
