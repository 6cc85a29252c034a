package vocab

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass classifies a processing error for retry and observability.
type ErrorClass string

const (
	// ErrorClassNetwork represents connection and transport failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassRateLimit represents upstream throttling (429-equivalent)
	// and local rate limiter acquisition timeouts.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents upstream 5xx-equivalent failures.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassValidation represents permanent 4xx-equivalent failures
	// (malformed payload, rejected term). Never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassTimeout represents a deadline reached before the item
	// produced a terminal outcome.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCircuitOpen represents a call rejected because the circuit
	// breaker is open or isolated. Not retried through the normal policy;
	// the orchestrator schedules its own deferred re-attempt.
	ErrorClassCircuitOpen ErrorClass = "circuit_open"
)

// Transient reports whether errors of this class are eligible for retry.
func (c ErrorClass) Transient() bool {
	switch c {
	case ErrorClassNetwork, ErrorClassRateLimit, ErrorClassServer, ErrorClassTimeout:
		return true
	default:
		return false
	}
}

// ProcessError is a classified error from the external flashcard API.
type ProcessError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flashcard %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("flashcard %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Classify maps an arbitrary error to an ErrorClass. Unknown errors are
// treated as network failures so they stay retryable.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorClassTimeout
		}
		return ErrorClassNetwork
	}

	return ErrorClassNetwork
}

// ClassifyStatus maps an HTTP status code to an ErrorClass.
// Status codes below 400 carry no class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassValidation
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
