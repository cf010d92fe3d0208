// Package session keeps best-effort conversation history per client session.
// The orchestration layer is not the conversation's system of record; turns
// are retained in memory with a per-session cap so chat agents can supply
// recent context to the model.
package session

import (
	"sync"
	"time"
)

// Turn is one appended conversation entry.
type Turn struct {
	SessionID   string    `json:"session_id"`
	TurnIndex   int       `json:"turn_index"`
	Role        string    `json:"role"` // "user" or "agent"
	Text        string    `json:"text"`
	Suggestions []string  `json:"suggestions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConversationStore persists conversation turns keyed by session.
type ConversationStore interface {
	Append(sessionID, role, text string, suggestions []string) Turn
	Recent(sessionID string, limit int) []Turn
	TurnCount(sessionID string) int
}

// InMemoryStore is a volatile ConversationStore keeping turns in a process
// local map. It is safe for concurrent access. Returned slices are copies to
// prevent external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	turns    map[string][]Turn
	maxTurns int
}

// NewInMemoryStore constructs an empty in-memory conversation store keeping
// at most maxTurns turns per session (0 means a default of 100).
func NewInMemoryStore(maxTurns int) *InMemoryStore {
	if maxTurns <= 0 {
		maxTurns = 100
	}
	return &InMemoryStore{turns: make(map[string][]Turn), maxTurns: maxTurns}
}

// Append adds a turn to the session's history, evicting the oldest turn once
// the cap is reached. The assigned turn index is monotone per session even
// across evictions.
func (s *InMemoryStore) Append(sessionID, role, text string, suggestions []string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.turns[sessionID]
	index := 0
	if n := len(history); n > 0 {
		index = history[n-1].TurnIndex + 1
	}
	turn := Turn{
		SessionID:   sessionID,
		TurnIndex:   index,
		Role:        role,
		Text:        text,
		Suggestions: append([]string(nil), suggestions...),
		CreatedAt:   time.Now().UTC(),
	}
	history = append(history, turn)
	if len(history) > s.maxTurns {
		history = history[len(history)-s.maxTurns:]
	}
	s.turns[sessionID] = history
	return turn
}

// Recent returns up to limit most recent turns in chronological order.
func (s *InMemoryStore) Recent(sessionID string, limit int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.turns[sessionID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Turn, len(history))
	copy(out, history)
	return out
}

// TurnCount returns the number of retained turns for the session.
func (s *InMemoryStore) TurnCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[sessionID])
}
