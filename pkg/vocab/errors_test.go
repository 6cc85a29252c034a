package vocab

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorClass_Transient(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected bool
	}{
		{ErrorClassNetwork, true},
		{ErrorClassRateLimit, true},
		{ErrorClassServer, true},
		{ErrorClassTimeout, true},
		{ErrorClassValidation, false},
		{ErrorClassCircuitOpen, false},
		{ErrorClass(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := tt.class.Transient(); got != tt.expected {
				t.Errorf("Transient() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "",
		},
		{
			name:     "process error keeps its class",
			err:      &ProcessError{Class: ErrorClassValidation, StatusCode: 400, Message: "bad term"},
			expected: ErrorClassValidation,
		},
		{
			name:     "wrapped process error",
			err:      fmt.Errorf("attempt 2: %w", &ProcessError{Class: ErrorClassServer, StatusCode: 503, Message: "unavailable"}),
			expected: ErrorClassServer,
		},
		{
			name:     "context deadline",
			err:      context.DeadlineExceeded,
			expected: ErrorClassTimeout,
		},
		{
			name:     "unknown error defaults to network",
			err:      errors.New("connection reset"),
			expected: ErrorClassNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorClass
	}{
		{200, ""},
		{304, ""},
		{400, ErrorClassValidation},
		{404, ErrorClassValidation},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := ClassifyStatus(tt.status); got != tt.expected {
				t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestProcessError_Unwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	pe := &ProcessError{Class: ErrorClassNetwork, Message: "request failed", Err: inner}

	if !errors.Is(pe, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestProcessingResult_Success(t *testing.T) {
	item := VocabularyItem{Position: 3, Term: "먹다", Pos: "verb"}

	ok := NewSuccess(item, "front\tback", 1, 0)
	if !ok.Success() {
		t.Error("NewSuccess result should report Success()")
	}
	if ok.Position != 3 || ok.Term != "먹다" {
		t.Errorf("result lost item identity: %+v", ok)
	}

	fail := NewFailure(item, &ProcessError{Class: ErrorClassServer, StatusCode: 500, Message: "boom"}, 3, 0)
	if fail.Success() {
		t.Error("NewFailure result should not report Success()")
	}
	if fail.Class != ErrorClassServer {
		t.Errorf("failure class = %q, want %q", fail.Class, ErrorClassServer)
	}
}
