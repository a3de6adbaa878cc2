package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry is a serialized snapshot together with its retrieval timestamp.
type Entry struct {
	Payload     json.RawMessage
	RetrievedAt time.Time
}

// Store is a durable, write-through key-value store keyed by query name.
//
// Absence of a key is not an error; Get reports it through the boolean
// return. Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) (Entry, bool, error)
	Set(key string, entry Entry) error
	Prune(olderThan time.Time) (int, error)
	Close() error
}

// Memory is an in-process Store used for tests and ephemeral deployments.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Get returns the stored entry for the key, if any.
func (m *Memory) Get(key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	return entry, ok, nil
}

// Set stores the entry, replacing any previous value for the key.
func (m *Memory) Set(key string, entry Entry) error {
	payload := make(json.RawMessage, len(entry.Payload))
	copy(payload, entry.Payload)
	entry.Payload = payload
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// Prune removes entries retrieved before the cutoff and reports how many.
func (m *Memory) Prune(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.entries {
		if entry.RetrievedAt.Before(olderThan) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
