// ABOUTME: Thread-safe keyed store for shared context blobs published by instances.
// ABOUTME: Last writer wins; entries never expire here, expiry is a caller concern.

package contextstore

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry is one shared context blob tagged with its publisher and update time.
type Entry struct {
	Data           json.RawMessage `json:"data"`
	SourceInstance string          `json:"sourceInstance"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Store is a mutex-guarded key-value store of context entries.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty context store.
func New() *Store {
	return &Store{
		entries: make(map[string]Entry),
	}
}

// Put creates or overwrites the entry for the given context id.
func (s *Store) Put(contextID string, data json.RawMessage, sourceInstance string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[contextID] = Entry{
		Data:           data,
		SourceInstance: sourceInstance,
		UpdatedAt:      time.Now(),
	}
}

// Get returns the entry for the given context id.
func (s *Store) Get(contextID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[contextID]
	return e, ok
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
