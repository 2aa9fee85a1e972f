// Package recovery reconciles stuck and expired escrow transactions.
//
// The scheduler runs three phases on a recurring cycle: expiring overdue
// pending/paid transactions, retrying failed payment captures with a
// per-payment-method backoff strategy, and escalating cases that stay
// unresolved through automatic, manual, and admin tiers. The escrow ledger
// remains the source of truth for business status; PaymentTimeout records
// are the scheduler's private bookkeeping.
package recovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/foliopay/foliopay/internal/retry"
)

// ErrNotFound is returned when no timeout record exists.
var ErrNotFound = errors.New("payment timeout not found")

// TimeoutStatus is the processing state of a recovery case.
type TimeoutStatus string

const (
	TimeoutPending    TimeoutStatus = "pending"    // opened, first retry not yet due
	TimeoutProcessing TimeoutStatus = "processing" // a retry attempt is in flight
	TimeoutRetry      TimeoutStatus = "retry"      // waiting for the next attempt
	TimeoutTimeout    TimeoutStatus = "timeout"    // retries exhausted, in escalation
	TimeoutFailed     TimeoutStatus = "failed"     // unrecoverable, needs a human
	TimeoutCancelled  TimeoutStatus = "cancelled"  // resolved, case closed
)

// EscalationLevel is the highest intervention tier reached so far.
type EscalationLevel string

const (
	EscalationNone      EscalationLevel = "none"
	EscalationAutomatic EscalationLevel = "automatic"
	EscalationManual    EscalationLevel = "manual"
	EscalationAdmin     EscalationLevel = "admin"
)

// rank orders tiers so escalation only ever moves forward.
func (l EscalationLevel) rank() int {
	switch l {
	case EscalationAutomatic:
		return 1
	case EscalationManual:
		return 2
	case EscalationAdmin:
		return 3
	default:
		return 0
	}
}

// PaymentTimeout is one recovery case, keyed to a single transaction.
type PaymentTimeout struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	PaymentMethod string `json:"paymentMethod"`

	Status       TimeoutStatus `json:"status"`
	MaxRetries   int           `json:"maxRetries"`
	CurrentRetry int           `json:"currentRetry"`

	EscalationLevel EscalationLevel `json:"escalationLevel"`

	LastAttempt *time.Time `json:"lastAttempt,omitempty"`
	NextAttempt time.Time  `json:"nextAttempt"`
	TimeoutAt   *time.Time `json:"timeoutAt,omitempty"` // when retries ran out

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists recovery cases.
type Store interface {
	Create(ctx context.Context, pt *PaymentTimeout) error
	GetByTransaction(ctx context.Context, transactionID string) (*PaymentTimeout, error)
	Update(ctx context.Context, pt *PaymentTimeout) error
	// ListDue returns pending/retry cases whose next attempt is due.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*PaymentTimeout, error)
	// ListTimedOut returns cases in the escalation pipeline.
	ListTimedOut(ctx context.Context, limit int) ([]*PaymentTimeout, error)
	List(ctx context.Context, limit int) ([]*PaymentTimeout, error)
}

// Strategy is the retry cadence family for a payment method.
type Strategy string

const (
	// StrategyImmediate retries on a fixed short delay with a generous
	// budget. Wallet payments fail transiently and recover fast.
	StrategyImmediate Strategy = "immediate"
	// StrategyExponential doubles the delay with jitter, capped. Card
	// processors throttle aggressive retries.
	StrategyExponential Strategy = "exponential"
	// StrategyFixed waits a long fixed interval with a small budget. Bank
	// transfers settle slowly; hammering them is pointless.
	StrategyFixed Strategy = "fixed"
)

// Policy is the concrete retry schedule for one case.
type Policy struct {
	Strategy   Strategy
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// PolicyFor maps a payment-method descriptor to its retry policy.
func PolicyFor(method string) Policy {
	switch categorize(method) {
	case "wallet":
		return Policy{Strategy: StrategyImmediate, MaxRetries: 8, BaseDelay: 5 * time.Second}
	case "bank":
		return Policy{Strategy: StrategyFixed, MaxRetries: 2, BaseDelay: 6 * time.Hour}
	default: // card and anything unknown
		return Policy{Strategy: StrategyExponential, MaxRetries: 5, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
	}
}

func categorize(method string) string {
	m := strings.ToLower(method)
	switch {
	case strings.Contains(m, "wallet"), strings.Contains(m, "paypal"), strings.Contains(m, "venmo"):
		return "wallet"
	case strings.Contains(m, "bank"), strings.Contains(m, "ach"), strings.Contains(m, "transfer"):
		return "bank"
	default:
		return "card"
	}
}

// NextDelay computes the wait before the given attempt (0-based).
func (p Policy) NextDelay(attempt int) time.Duration {
	switch p.Strategy {
	case StrategyExponential:
		return retry.Backoff(attempt, p.BaseDelay, p.MaxDelay)
	default:
		return p.BaseDelay
	}
}
