// Package vocab defines the work item and result model shared by the
// batch processing pipeline, along with the error taxonomy used to decide
// retry and circuit breaker behavior.
package vocab

import (
	"time"
)

// VocabularyItem is a single unit of work. Position defines the output
// order and must be unique within a batch; it is assigned at ingestion and
// never reused.
type VocabularyItem struct {
	// Position is the zero-based index of the item in the input sequence.
	Position int `json:"position"`

	// Term is the vocabulary entry to generate a flashcard for.
	Term string `json:"term"`

	// Pos is the part of speech, used to disambiguate homographs.
	Pos string `json:"pos,omitempty"`
}

// ProcessingResult is the terminal outcome for exactly one position.
// Retries produce intermediate attempts, never additional results.
type ProcessingResult struct {
	Position  int           `json:"position"`
	Term      string        `json:"term"`
	Flashcard string        `json:"flashcard,omitempty"`
	Err       error         `json:"-"`
	Class     ErrorClass    `json:"error_class,omitempty"`
	FromCache bool          `json:"from_cache,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration_ms"`
}

// Success reports whether the item produced a flashcard.
func (r ProcessingResult) Success() bool {
	return r.Err == nil
}

// NewSuccess builds a successful result for an item.
func NewSuccess(item VocabularyItem, flashcard string, attempts int, d time.Duration) ProcessingResult {
	return ProcessingResult{
		Position:  item.Position,
		Term:      item.Term,
		Flashcard: flashcard,
		Attempts:  attempts,
		Duration:  d,
	}
}

// NewFailure builds a failed result for an item. The error class is
// derived from err via Classify.
func NewFailure(item VocabularyItem, err error, attempts int, d time.Duration) ProcessingResult {
	return ProcessingResult{
		Position: item.Position,
		Term:     item.Term,
		Err:      err,
		Class:    Classify(err),
		Attempts: attempts,
		Duration: d,
	}
}
