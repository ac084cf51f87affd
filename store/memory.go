package store

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for single-node deployments and
// tests. All operations complete synchronously under one mutex.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string]string),
	}
}

// Exists reports whether any key matches the pattern.
func (m *MemoryStore) Exists(_ context.Context, pattern string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key := range m.hashes {
		if MatchGlob(pattern, key) {
			return true, nil
		}
	}
	return false, nil
}

// Keys returns all matching keys in lexicographic order.
func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.hashes {
		if MatchGlob(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// HSet writes hash fields at key, merging over any existing fields.
func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string, len(fields))
		m.hashes[key] = hash
	}
	maps.Copy(hash, fields)
	return nil
}

// HGetAll returns a copy of all fields at key, empty if absent.
func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(hash))
	maps.Copy(out, hash)
	return out, nil
}

// Delete removes all keys matching the pattern.
func (m *MemoryStore) Delete(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key := range m.hashes {
		if MatchGlob(pattern, key) {
			delete(m.hashes, key)
			count++
		}
	}
	return count, nil
}
