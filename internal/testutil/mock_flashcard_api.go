// Package testutil provides testing utilities for the flashcard pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// TermBehavior scripts the mock API's behavior for one term.
type TermBehavior struct {
	// FailTimes makes the first N requests for the term fail with
	// FailStatus before succeeding.
	FailTimes  int
	FailStatus int

	// Status, when non-zero, is returned on every request for the term.
	// Takes precedence over FailTimes.
	Status int

	// Delay is applied before responding.
	Delay time.Duration

	// Flashcard overrides the default generated card on success.
	Flashcard string
}

// MockFlashcardAPI is a configurable mock flashcard generation server.
type MockFlashcardAPI struct {
	server *httptest.Server

	mu        sync.Mutex
	behaviors map[string]*TermBehavior
	seen      map[string]int
	total     int
}

// NewMockFlashcardAPI creates a mock server. Unscripted terms succeed with
// a generated card.
func NewMockFlashcardAPI() *MockFlashcardAPI {
	mock := &MockFlashcardAPI{
		behaviors: make(map[string]*TermBehavior),
		seen:      make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockFlashcardAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockFlashcardAPI) Close() {
	m.server.Close()
}

// Script sets the behavior for a term.
func (m *MockFlashcardAPI) Script(term string, b TermBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[term] = &b
}

// RequestCount returns the total number of generation requests served.
func (m *MockFlashcardAPI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// RequestsFor returns how many generation requests were made for a term.
func (m *MockFlashcardAPI) RequestsFor(term string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[term]
}

// Reset clears request counters, keeping scripted behaviors.
func (m *MockFlashcardAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = 0
	m.seen = make(map[string]int)
}

func (m *MockFlashcardAPI) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/flashcards" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req struct {
		Term string `json:"term"`
		Pos  string `json:"pos"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Term == "" {
		writeError(w, http.StatusBadRequest, "missing term")
		return
	}

	m.mu.Lock()
	m.total++
	m.seen[req.Term]++
	call := m.seen[req.Term]
	var behavior TermBehavior
	if b, ok := m.behaviors[req.Term]; ok {
		behavior = *b
	}
	m.mu.Unlock()

	if behavior.Delay > 0 {
		select {
		case <-time.After(behavior.Delay):
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case behavior.Status != 0:
		writeError(w, behavior.Status, http.StatusText(behavior.Status))
		return
	case behavior.FailTimes > 0 && call <= behavior.FailTimes:
		status := behavior.FailStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		writeError(w, status, http.StatusText(status))
		return
	}

	card := behavior.Flashcard
	if card == "" {
		card = fmt.Sprintf("%s\tdefinition of %s", req.Term, req.Term)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"flashcard": card})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
