package recovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*PaymentTimeout // by id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*PaymentTimeout)}
}

func (s *MemoryStore) Create(_ context.Context, pt *PaymentTimeout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pt
	s.cases[pt.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByTransaction(_ context.Context, transactionID string) (*PaymentTimeout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pt := range s.cases {
		if pt.TransactionID == transactionID {
			cp := *pt
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(_ context.Context, pt *PaymentTimeout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[pt.ID]; !ok {
		return ErrNotFound
	}
	cp := *pt
	s.cases[pt.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*PaymentTimeout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PaymentTimeout
	for _, pt := range s.cases {
		if (pt.Status == TimeoutPending || pt.Status == TimeoutRetry) && !pt.NextAttempt.After(now) {
			cp := *pt
			out = append(out, &cp)
		}
	}
	sortByNextAttempt(out)
	return clip(out, limit), nil
}

func (s *MemoryStore) ListTimedOut(_ context.Context, limit int) ([]*PaymentTimeout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PaymentTimeout
	for _, pt := range s.cases {
		if pt.Status == TimeoutTimeout {
			cp := *pt
			out = append(out, &cp)
		}
	}
	sortByNextAttempt(out)
	return clip(out, limit), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*PaymentTimeout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PaymentTimeout, 0, len(s.cases))
	for _, pt := range s.cases {
		cp := *pt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return clip(out, limit), nil
}

func sortByNextAttempt(cases []*PaymentTimeout) {
	sort.Slice(cases, func(i, j int) bool {
		return cases[i].NextAttempt.Before(cases[j].NextAttempt)
	})
}

func clip(cases []*PaymentTimeout, limit int) []*PaymentTimeout {
	if limit > 0 && len(cases) > limit {
		return cases[:limit]
	}
	return cases
}
