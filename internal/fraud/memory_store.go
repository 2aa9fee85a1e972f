package fraud

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	checks []*Check
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends a completed check.
func (s *MemoryStore) Record(_ context.Context, check *Check) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *check
	cp.Flags = append([]Flag(nil), check.Flags...)
	s.checks = append(s.checks, &cp)
	return nil
}

// ListByUser returns the user's checks, most recent first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Check
	for i := len(s.checks) - 1; i >= 0; i-- {
		if s.checks[i].UserID != userID {
			continue
		}
		cp := *s.checks[i]
		cp.Flags = append([]Flag(nil), s.checks[i].Flags...)
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
