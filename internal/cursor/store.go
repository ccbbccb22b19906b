package cursor

import (
	"context"
	"sync"
)

// Store persists the per-listener watermark. Single writer per
// (source, subscription); the listener advances the cursor only after a full
// window succeeded.
type Store interface {
	// Read returns the last committed position. ok is false on first run.
	Read(ctx context.Context, source, subscription string) (position uint64, ok bool, err error)
	// Write commits a new position. Positions are monotonically increasing.
	Write(ctx context.Context, source, subscription string, position uint64) error
	Close() error
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]uint64)}
}

// Read returns the stored position for a listener.
func (s *MemoryStore) Read(ctx context.Context, source, subscription string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.cursors[source+"|"+subscription]
	return pos, ok, nil
}

// Write commits a position for a listener.
func (s *MemoryStore) Write(ctx context.Context, source, subscription string, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[source+"|"+subscription] = position
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
