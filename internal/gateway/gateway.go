// Package gateway abstracts the external payment processor.
//
// The escrow service captures funds through a Processor when a transaction
// is initiated, refunds through it when a refund request resolves, and pays
// out to the lender on release. Production deployments plug in a real
// processor adapter; the Simulated implementation backs tests and local
// development with deterministic, scriptable outcomes.
package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/foliopay/foliopay/internal/idgen"
)

// ErrDeclined is returned when the processor refuses the operation.
var ErrDeclined = errors.New("payment declined by processor")

// Result is the processor's answer for a capture, refund or payout.
type Result struct {
	PaymentID string // processor-side reference, "pay_" prefixed
	Amount    int64  // cents actually moved
}

// Processor is the outbound payment port.
type Processor interface {
	// Capture charges the borrower and holds the funds.
	Capture(ctx context.Context, userID string, amount int64, method string) (*Result, error)
	// Refund returns previously captured funds to the borrower.
	Refund(ctx context.Context, paymentID string, amount int64) (*Result, error)
	// Payout releases held funds to the lender.
	Payout(ctx context.Context, userID string, amount int64) (*Result, error)
}

// Simulated is an in-process Processor. Every operation succeeds unless an
// outcome has been scripted for the user or payment id.
type Simulated struct {
	mu       sync.RWMutex
	failures map[string]error // keyed by userID or paymentID
	captured map[string]int64 // paymentID -> held amount
}

// NewSimulated creates a processor that approves everything.
func NewSimulated() *Simulated {
	return &Simulated{
		failures: make(map[string]error),
		captured: make(map[string]int64),
	}
}

// FailNext scripts an error for operations involving the given key
// (a user id for Capture/Payout, a payment id for Refund). The scripted
// outcome persists until cleared.
func (s *Simulated) FailNext(key string, err error) {
	s.mu.Lock()
	s.failures[key] = err
	s.mu.Unlock()
}

// Clear removes a scripted outcome.
func (s *Simulated) Clear(key string) {
	s.mu.Lock()
	delete(s.failures, key)
	s.mu.Unlock()
}

// Held returns the amount currently captured under a payment id.
func (s *Simulated) Held(paymentID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captured[paymentID]
}

func (s *Simulated) Capture(ctx context.Context, userID string, amount int64, _ string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failures[userID]; ok {
		return nil, err
	}
	id := idgen.WithPrefix("pay_")
	s.captured[id] = amount
	return &Result{PaymentID: id, Amount: amount}, nil
}

func (s *Simulated) Refund(ctx context.Context, paymentID string, amount int64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failures[paymentID]; ok {
		return nil, err
	}
	if held, ok := s.captured[paymentID]; ok {
		if amount > held {
			amount = held
		}
		s.captured[paymentID] = held - amount
	}
	return &Result{PaymentID: paymentID, Amount: amount}, nil
}

func (s *Simulated) Payout(ctx context.Context, userID string, amount int64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.failures[userID]; ok {
		return nil, err
	}
	return &Result{PaymentID: idgen.WithPrefix("pay_"), Amount: amount}, nil
}
