package cache

import (
	"time"
)

// Entry is a cached flashcard.
type Entry struct {
	// Term is the vocabulary entry the flashcard was generated for.
	Term string `json:"term"`

	// Pos is the part of speech.
	Pos string `json:"pos,omitempty"`

	// Flashcard is the generated card content.
	Flashcard string `json:"flashcard"`

	// CreatedAt is when the flashcard was generated.
	CreatedAt time.Time `json:"created_at"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`
}

// IsExpired returns true if the entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration. Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
