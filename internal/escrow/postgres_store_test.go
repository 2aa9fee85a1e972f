//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foliopay/foliopay/internal/fieldcrypt"
	"github.com/foliopay/foliopay/internal/idgen"
	"github.com/foliopay/foliopay/internal/testutil"
)

func seedTransaction(bookID string) *Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Transaction{
		ID:              idgen.WithPrefix("txn_"),
		BookID:          bookID,
		BorrowerID:      "user_borrower1",
		LenderID:        "user_lender1",
		TotalAmount:     2_500,
		RentalFee:       2_000,
		SecurityDeposit: 500,
		Status:          StatusPending,
		PaymentMethod:   "card",
		Country:         "US",
		CreatedAt:       now,
		ExpiresAt:       now.Add(24 * time.Hour),
	}
}

func TestPostgresTransactionRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := seedTransaction("book_dune001")
	txn.EncryptedPayment = &fieldcrypt.Blob{
		Ciphertext: "deadbeef",
		IV:         "00112233445566778899aabb",
		AuthTag:    "ffeeddcc",
		Algorithm:  "aes-256-gcm",
		KeyID:      "abcdef0123456789",
		CreatedAt:  txn.CreatedAt,
		ExpiresAt:  txn.ExpiresAt,
	}

	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TotalAmount != 2_500 || got.Status != StatusPending || got.Country != "US" {
		t.Errorf("got %+v", got)
	}
	if got.EncryptedPayment == nil || got.EncryptedPayment.Ciphertext != "deadbeef" {
		t.Errorf("encrypted payment not round-tripped: %+v", got.EncryptedPayment)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.Status = StatusPaid
	got.PaymentID = "pay_abcd1234"
	got.ConfirmedAt = &now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err = store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Status != StatusPaid || got.PaymentID != "pay_abcd1234" || got.ConfirmedAt == nil {
		t.Errorf("update not persisted: %+v", got)
	}
}

func TestPostgresActiveBookConflict(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, seedTransaction("book_dune001")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, seedTransaction("book_dune001")); !errors.Is(err, ErrBookConflict) {
		t.Fatalf("second active transaction = %v, want ErrBookConflict", err)
	}

	// A different book is fine.
	if err := store.Create(ctx, seedTransaction("book_leaves02")); err != nil {
		t.Fatalf("different book: %v", err)
	}
}

func TestPostgresConfirmationUniqueness(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := seedTransaction("book_dune001")
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev := &ConfirmationEvent{
		ID:            idgen.WithPrefix("evt_"),
		TransactionID: txn.ID,
		Role:          RoleLender,
		Action:        ActionLent,
		ActorID:       txn.LenderID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.AppendConfirmation(ctx, ev); err != nil {
		t.Fatalf("AppendConfirmation: %v", err)
	}

	dup := *ev
	dup.ID = idgen.WithPrefix("evt_")
	if err := store.AppendConfirmation(ctx, &dup); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("duplicate event = %v, want ErrAlreadyConfirmed", err)
	}

	events, err := store.ListConfirmations(ctx, txn.ID)
	if err != nil {
		t.Fatalf("ListConfirmations: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestPostgresListExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	stale := seedTransaction("book_dune001")
	stale.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create stale: %v", err)
	}
	fresh := seedTransaction("book_leaves02")
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	expired, err := store.ListExpired(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Errorf("expired = %+v, want only the stale transaction", expired)
	}
}

func TestPostgresRefundLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := seedTransaction("book_dune001")
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	r := &RefundRequest{
		ID:            idgen.WithPrefix("rfd_"),
		TransactionID: txn.ID,
		Mode:          RefundFull,
		Reason:        "timeout",
		FeeRefund:     2_000,
		DepositRefund: 500,
		Total:         2_500,
		Status:        RefundPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateRefund(ctx, r); err != nil {
		t.Fatalf("CreateRefund: %v", err)
	}

	r.Status = RefundCompleted
	r.Reference = "pay_refund01"
	r.UpdatedAt = time.Now().UTC()
	if err := store.UpdateRefund(ctx, r); err != nil {
		t.Fatalf("UpdateRefund: %v", err)
	}

	refunds, err := store.ListRefunds(ctx, txn.ID)
	if err != nil {
		t.Fatalf("ListRefunds: %v", err)
	}
	if len(refunds) != 1 || refunds[0].Status != RefundCompleted || refunds[0].Reference != "pay_refund01" {
		t.Errorf("refunds = %+v", refunds)
	}
}
