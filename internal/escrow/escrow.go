// Package escrow implements the rental payment escrow lifecycle.
//
// A transaction holds a borrower's payment until both parties confirm the
// physical book exchange. The confirmation event log is the authoritative
// record for idempotency; the boolean flags on the transaction are a
// projection derived from it. Status moves pending -> paid -> confirmed ->
// completed, with cancelled and refunded as terminal exits.
package escrow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/foliopay/foliopay/internal/fieldcrypt"
)

var (
	ErrNotFound         = errors.New("transaction not found")
	ErrForbidden        = errors.New("actor is not a party to this transaction")
	ErrInvalidState     = errors.New("transition not allowed in current status")
	ErrAlreadyConfirmed = errors.New("confirmation already recorded")
	ErrAmountMismatch   = errors.New("amounts do not add up")
	ErrBookConflict     = errors.New("book already has an active transaction")
	ErrSelfTransaction  = errors.New("borrower and lender are the same user")
	ErrFraudDeclined    = errors.New("payment declined by fraud screening")
	ErrGatewayFailure   = errors.New("payment capture failed")
)

// Status is the lifecycle state of an escrow transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

// Active reports whether the transaction still holds the book.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusPaid || s == StatusConfirmed
}

// Transaction is one rental hold. Amounts are in cents;
// TotalAmount = RentalFee + SecurityDeposit. PlatformFee is charged on top
// and never part of TotalAmount.
type Transaction struct {
	ID         string `json:"id"`
	BookID     string `json:"bookId"`
	BorrowerID string `json:"borrowerId"`
	LenderID   string `json:"lenderId"`

	TotalAmount     int64 `json:"totalAmount"`
	RentalFee       int64 `json:"rentalFee"`
	SecurityDeposit int64 `json:"securityDeposit"`
	PlatformFee     int64 `json:"platformFee,omitempty"`

	Status            Status `json:"status"`
	LenderConfirmed   bool   `json:"lenderConfirmed"`
	BorrowerConfirmed bool   `json:"borrowerConfirmed"`

	PaymentMethod    string           `json:"paymentMethod"`
	PaymentID        string           `json:"paymentId,omitempty"`
	EncryptedPayment *fieldcrypt.Blob `json:"encryptedPayment,omitempty"`

	// Country the payment originated from, uppercased ISO code; feeds the
	// borrower's known-locations set on later fraud screenings.
	Country string `json:"country,omitempty"`

	RefundReason string `json:"refundReason,omitempty"`
	Notes        string `json:"notes,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RefundedAt  *time.Time `json:"refundedAt,omitempty"`
}

// AppendNote adds a line to the transaction's free-text audit notes.
// Notes only ever grow.
func (t *Transaction) AppendNote(note string) {
	if t.Notes == "" {
		t.Notes = note
		return
	}
	t.Notes = t.Notes + "\n" + note
}

// Role identifies which side of the rental an actor is on.
type Role string

const (
	RoleLender   Role = "lender"
	RoleBorrower Role = "borrower"
)

// Action is one confirmation step in the exchange.
type Action string

const (
	ActionLent     Action = "lent"     // lender handed the book over
	ActionBorrowed Action = "borrowed" // borrower received the book
	ActionReturned Action = "returned" // borrower gave the book back
	ActionReceived Action = "received" // lender got the book back
)

// RoleFor returns the only role allowed to record the action.
func (a Action) RoleFor() (Role, bool) {
	switch a {
	case ActionLent, ActionReceived:
		return RoleLender, true
	case ActionBorrowed, ActionReturned:
		return RoleBorrower, true
	default:
		return "", false
	}
}

// handover actions drive paid -> confirmed; return actions drive
// confirmed -> completed.
func (a Action) handoverLeg() bool {
	return a == ActionLent || a == ActionBorrowed
}

// ConfirmationEvent is one append-only audit entry. Events are never
// mutated or deleted; at most one exists per (transaction, role, action).
type ConfirmationEvent struct {
	ID                string    `json:"id"`
	TransactionID     string    `json:"transactionId"`
	Role              Role      `json:"role"`
	Action            Action    `json:"action"`
	ActorID           string    `json:"actorId"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	PhotoURL          string    `json:"photoUrl,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// RefundStatus is the processing state of a refund request.
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
)

// RefundRequest records one refund decision and its breakdown.
type RefundRequest struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transactionId"`
	Mode          RefundMode   `json:"mode"`
	Reason        string       `json:"reason"`
	FeeRefund     int64        `json:"feeRefund"`
	DepositRefund int64        `json:"depositRefund"`
	PlatformFee   int64        `json:"platformFeeRefund"`
	Total         int64        `json:"total"`
	Status        RefundStatus `json:"status"`
	Reference     string       `json:"reference,omitempty"` // gateway payment id
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Store is the durable ledger for transactions, confirmation events and
// refund requests. Implementations enforce the one-active-transaction-per-
// book rule on Create and the (transaction, role, action) uniqueness rule
// on AppendConfirmation.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)

	AppendConfirmation(ctx context.Context, ev *ConfirmationEvent) error
	ListConfirmations(ctx context.Context, transactionID string) ([]*ConfirmationEvent, error)

	CreateRefund(ctx context.Context, r *RefundRequest) error
	UpdateRefund(ctx context.Context, r *RefundRequest) error
	ListRefunds(ctx context.Context, transactionID string) ([]*RefundRequest, error)
}

// deriveFlags recomputes the confirmation flag projection from the event
// log. Handover events count while the exchange is underway; once the
// return leg starts (a "returned" event exists) the flags track the return
// actions instead.
func deriveFlags(events []*ConfirmationEvent) (lender, borrower bool, returnLeg bool) {
	var lent, borrowed, returned, received bool
	for _, ev := range events {
		switch ev.Action {
		case ActionLent:
			lent = true
		case ActionBorrowed:
			borrowed = true
		case ActionReturned:
			returned = true
		case ActionReceived:
			received = true
		}
	}
	if returned || received {
		return received, returned, true
	}
	return lent, borrowed, false
}

// normalizeReason trims and collapses whitespace in caller-supplied reasons.
func normalizeReason(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
