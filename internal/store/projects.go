// Package store holds the gateway's project storage: the mapping from
// project to its slow-hashed API key. The dashboard owns project CRUD; the
// gateway only reads.
package store

import (
	"context"
	"sync"
)

// ProjectKey is one project's identity plus its argon2id API-key hash.
type ProjectKey struct {
	ProjectID string
	KeyHash   string
}

// ProjectStore lists the key hashes the auth cache verifies against.
type ProjectStore interface {
	// ListKeyHashes returns every project's (id, key hash) pair.
	ListKeyHashes(ctx context.Context) ([]ProjectKey, error)
}

// MemoryProjectStore is an in-memory ProjectStore for tests and
// single-binary development mode.
type MemoryProjectStore struct {
	mu   sync.RWMutex
	keys []ProjectKey
}

// NewMemoryProjectStore seeds a store with the given projects.
func NewMemoryProjectStore(keys ...ProjectKey) *MemoryProjectStore {
	return &MemoryProjectStore{keys: keys}
}

// Add registers another project.
func (s *MemoryProjectStore) Add(key ProjectKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
}

func (s *MemoryProjectStore) ListKeyHashes(_ context.Context) ([]ProjectKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProjectKey, len(s.keys))
	copy(out, s.keys)
	return out, nil
}
