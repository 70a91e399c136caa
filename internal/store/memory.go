package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps visits in process memory
type MemoryStore struct {
	visits map[string]*Visit
	now    func() time.Time
	mu     sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visits: make(map[string]*Visit),
		now:    time.Now,
	}
}

// Put inserts or replaces a visit
func (s *MemoryStore) Put(v *Visit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := v.Clone()
	if c.Status == "" {
		c.Status = StatusNotStarted
	}
	s.visits[c.ID] = c
}

// GetVisit returns a copy of the visit
func (s *MemoryStore) GetVisit(_ context.Context, id string) (*Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.visits[id]
	if !ok {
		return nil, fmt.Errorf("get visit %s: %w", id, ErrVisitNotFound)
	}
	return v.Clone(), nil
}

// UpdateVisit applies a partial update and returns the stored result
func (s *MemoryStore) UpdateVisit(_ context.Context, id string, update VisitUpdate) (*Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.visits[id]
	if !ok {
		return nil, fmt.Errorf("update visit %s: %w", id, ErrVisitNotFound)
	}
	update.Apply(v)
	v.ModifiedAt = s.now().UTC()
	return v.Clone(), nil
}

// Count returns the number of stored visits
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.visits)
}
