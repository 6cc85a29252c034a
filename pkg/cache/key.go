package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Key identifies one cached flashcard. Term and part of speech together
// are the cache identity; homographs with different parts of speech cache
// separately.
type Key struct {
	// Term is the vocabulary entry.
	Term string

	// Pos is the part of speech. Empty is a distinct identity from any
	// concrete value.
	Pos string
}

// String generates a deterministic Redis key. The term and part of speech
// are hashed so arbitrary user input can never collide with the key
// namespace separator.
//
// Format: flashcard:v1:<sha256 hex>
func (k Key) String() string {
	h := sha256.Sum256([]byte(k.Term + "\x00" + k.Pos))
	return fmt.Sprintf("flashcard:v1:%s", hex.EncodeToString(h[:]))
}
