package storage

import (
	"context"
	"sync"

	"chainwatch/pkg/models"
)

// Storage persists pipeline results. Upserts are keyed by the canonical
// event identity so at-least-once redelivery never produces duplicates.
type Storage interface {
	UpsertScoredEvent(ctx context.Context, scored *models.ScoredEvent) error
	RecordDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	Close() error
}

// MemoryStorage is an in-process Storage for tests.
type MemoryStorage struct {
	mu          sync.RWMutex
	scored      map[string]*models.ScoredEvent
	upserts     map[string]int
	deadLetters []*models.DeadLetter
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		scored:  make(map[string]*models.ScoredEvent),
		upserts: make(map[string]int),
	}
}

// UpsertScoredEvent stores the scored event, replacing any previous row with
// the same identity.
func (s *MemoryStorage) UpsertScoredEvent(ctx context.Context, scored *models.ScoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *scored
	s.scored[scored.ID()] = &cp
	s.upserts[scored.ID()]++
	return nil
}

// RecordDeadLetter appends a dead-letter record.
func (s *MemoryStorage) RecordDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dl
	s.deadLetters = append(s.deadLetters, &cp)
	return nil
}

// ScoredEvent returns the stored row for an identity, if any.
func (s *MemoryStorage) ScoredEvent(id string) (*models.ScoredEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scored, ok := s.scored[id]
	return scored, ok
}

// ScoredCount returns the number of distinct stored events.
func (s *MemoryStorage) ScoredCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scored)
}

// UpsertCount returns how many times an identity was written.
func (s *MemoryStorage) UpsertCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts[id]
}

// DeadLetters returns all recorded dead letters.
func (s *MemoryStorage) DeadLetters() []*models.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DeadLetter, len(s.deadLetters))
	copy(out, s.deadLetters)
	return out
}

// Close is a no-op.
func (s *MemoryStorage) Close() error { return nil }
