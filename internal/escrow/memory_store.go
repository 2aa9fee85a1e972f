package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development. It
// enforces the same constraints as the Postgres store: one active
// transaction per book, and one confirmation per (transaction, role, action).
type MemoryStore struct {
	mu            sync.RWMutex
	transactions  map[string]*Transaction
	confirmations map[string][]*ConfirmationEvent // by transaction id
	refunds       map[string][]*RefundRequest     // by transaction id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions:  make(map[string]*Transaction),
		confirmations: make(map[string][]*ConfirmationEvent),
		refunds:       make(map[string][]*RefundRequest),
	}
}

func (s *MemoryStore) Create(_ context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.transactions {
		if existing.BookID == txn.BookID && existing.Status.Active() {
			return ErrBookConflict
		}
	}

	cp := *txn
	s.transactions[txn.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[txn.ID]; !ok {
		return ErrNotFound
	}
	cp := *txn
	s.transactions[txn.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, txn := range s.transactions {
		if txn.BorrowerID == userID || txn.LenderID == userID {
			cp := *txn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, txn := range s.transactions {
		if (txn.Status == StatusPending || txn.Status == StatusPaid) && txn.ExpiresAt.Before(before) {
			cp := *txn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendConfirmation(_ context.Context, ev *ConfirmationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.confirmations[ev.TransactionID] {
		if existing.Role == ev.Role && existing.Action == ev.Action {
			return ErrAlreadyConfirmed
		}
	}

	cp := *ev
	s.confirmations[ev.TransactionID] = append(s.confirmations[ev.TransactionID], &cp)
	return nil
}

func (s *MemoryStore) ListConfirmations(_ context.Context, transactionID string) ([]*ConfirmationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.confirmations[transactionID]
	out := make([]*ConfirmationEvent, len(events))
	for i, ev := range events {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) CreateRefund(_ context.Context, r *RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.refunds[r.TransactionID] = append(s.refunds[r.TransactionID], &cp)
	return nil
}

func (s *MemoryStore) UpdateRefund(_ context.Context, r *RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.refunds[r.TransactionID] {
		if existing.ID == r.ID {
			cp := *r
			s.refunds[r.TransactionID][i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListRefunds(_ context.Context, transactionID string) ([]*RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refunds := s.refunds[transactionID]
	out := make([]*RefundRequest, len(refunds))
	for i, r := range refunds {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}
