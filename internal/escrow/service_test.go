package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foliopay/foliopay/internal/fieldcrypt"
	"github.com/foliopay/foliopay/internal/fraud"
	"github.com/foliopay/foliopay/internal/gateway"
)

const testMasterKey = "5f8a2c91d4e6b73a0f1c5d9e8b4a6372c1d0e9f8a7b65443210fedcba9876543"

// stubGate returns a fixed verdict without consulting any rules.
type stubGate struct {
	recommendation fraud.Recommendation
}

func (g stubGate) Assess(context.Context, fraud.PaymentContext, fraud.UserHistory) *fraud.Check {
	return &fraud.Check{
		ID:             "chk_stubstubstubstubstubstub",
		Recommendation: g.recommendation,
	}
}

// countingProcessor wraps the simulated gateway and records calls.
type countingProcessor struct {
	mu       sync.Mutex
	inner    *gateway.Simulated
	payouts  []int64
	refunds  []int64
	captures int
}

func newCountingProcessor() *countingProcessor {
	return &countingProcessor{inner: gateway.NewSimulated()}
}

func (p *countingProcessor) Capture(ctx context.Context, userID string, amount int64, method string) (*gateway.Result, error) {
	p.mu.Lock()
	p.captures++
	p.mu.Unlock()
	return p.inner.Capture(ctx, userID, amount, method)
}

func (p *countingProcessor) Refund(ctx context.Context, paymentID string, amount int64) (*gateway.Result, error) {
	res, err := p.inner.Refund(ctx, paymentID, amount)
	if err == nil {
		p.mu.Lock()
		p.refunds = append(p.refunds, res.Amount)
		p.mu.Unlock()
	}
	return res, err
}

func (p *countingProcessor) Payout(ctx context.Context, userID string, amount int64) (*gateway.Result, error) {
	res, err := p.inner.Payout(ctx, userID, amount)
	if err == nil {
		p.mu.Lock()
		p.payouts = append(p.payouts, amount)
		p.mu.Unlock()
	}
	return res, err
}

func (p *countingProcessor) payoutCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payouts)
}

type testEnv struct {
	service *Service
	store   *MemoryStore
	gateway *countingProcessor
}

func newTestEnv(t *testing.T, opts ...ServiceOption) *testEnv {
	t.Helper()

	cipher, err := fieldcrypt.New(testMasterKey, "test-secret")
	if err != nil {
		t.Fatalf("fieldcrypt.New: %v", err)
	}

	store := NewMemoryStore()
	gw := newCountingProcessor()
	svc := NewService(store, gw, cipher, stubGate{recommendation: fraud.RecommendApprove}, opts...)

	return &testEnv{service: svc, store: store, gateway: gw}
}

func rentalRequest() InitiateRequest {
	return InitiateRequest{
		BookID:          "book_dune001",
		BorrowerID:      "user_borrower1",
		LenderID:        "user_lender1",
		TotalAmount:     2_500,
		RentalFee:       2_000,
		SecurityDeposit: 500,
		PaymentMethod:   "card",
		PaymentDetails:  `{"last4":"4242"}`,
	}
}

func TestInitiateHappyPath(t *testing.T) {
	env := newTestEnv(t)

	txn, err := env.service.Initiate(context.Background(), rentalRequest())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if txn.Status != StatusPaid {
		t.Errorf("status = %s, want paid", txn.Status)
	}
	if txn.PaymentID == "" {
		t.Error("payment id not set after capture")
	}
	if txn.EncryptedPayment == nil {
		t.Error("payment details not encrypted")
	}
	if txn.ExpiresAt.Sub(txn.CreatedAt) != DefaultWindow {
		t.Errorf("expiry window = %v, want %v", txn.ExpiresAt.Sub(txn.CreatedAt), DefaultWindow)
	}
	if env.gateway.inner.Held(txn.PaymentID) != 2_500 {
		t.Errorf("held = %d, want 2500", env.gateway.inner.Held(txn.PaymentID))
	}
}

func TestInitiateSelfTransaction(t *testing.T) {
	env := newTestEnv(t)

	req := rentalRequest()
	req.LenderID = req.BorrowerID
	if _, err := env.service.Initiate(context.Background(), req); !errors.Is(err, ErrSelfTransaction) {
		t.Errorf("Initiate = %v, want ErrSelfTransaction", err)
	}
}

func TestInitiateAmountMismatch(t *testing.T) {
	env := newTestEnv(t)

	req := rentalRequest()
	req.TotalAmount = 2_600 // fee + deposit is 2500, off by more than epsilon
	if _, err := env.service.Initiate(context.Background(), req); !errors.Is(err, ErrAmountMismatch) {
		t.Errorf("Initiate = %v, want ErrAmountMismatch", err)
	}

	// Within the one-cent epsilon is accepted.
	req.TotalAmount = 2_501
	if _, err := env.service.Initiate(context.Background(), req); err != nil {
		t.Errorf("Initiate within epsilon: %v", err)
	}
}

func TestInitiateBookConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.Initiate(ctx, rentalRequest()); err != nil {
		t.Fatalf("first Initiate: %v", err)
	}

	req := rentalRequest()
	req.BorrowerID = "user_borrower2"
	if _, err := env.service.Initiate(ctx, req); !errors.Is(err, ErrBookConflict) {
		t.Errorf("second Initiate = %v, want ErrBookConflict", err)
	}
}

func TestInitiateFraudDecline(t *testing.T) {
	env := newTestEnv(t)
	env.service.gate = stubGate{recommendation: fraud.RecommendDecline}

	if _, err := env.service.Initiate(context.Background(), rentalRequest()); !errors.Is(err, ErrFraudDeclined) {
		t.Errorf("Initiate = %v, want ErrFraudDeclined", err)
	}
	if env.gateway.captures != 0 {
		t.Error("declined attempt must not reach the gateway")
	}
}

func TestInitiateFraudReviewHoldsPending(t *testing.T) {
	env := newTestEnv(t)
	env.service.gate = stubGate{recommendation: fraud.RecommendReview}

	txn, err := env.service.Initiate(context.Background(), rentalRequest())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if txn.Status != StatusPending {
		t.Errorf("status = %s, want pending while under review", txn.Status)
	}
	if env.gateway.captures != 0 {
		t.Error("reviewed attempt must not be captured")
	}
	if txn.Notes == "" {
		t.Error("review hold should be noted")
	}
}

func TestInitiateCaptureFailureStaysPending(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.inner.FailNext("user_borrower1", gateway.ErrDeclined)

	txn, err := env.service.Initiate(context.Background(), rentalRequest())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if txn.Status != StatusPending {
		t.Errorf("status = %s, want pending after capture failure", txn.Status)
	}
	if txn.Notes == "" {
		t.Error("capture failure should be noted")
	}

	// Retry succeeds once the gateway recovers.
	env.gateway.inner.Clear("user_borrower1")
	captured, err := env.service.RetryCapture(context.Background(), txn.ID)
	if err != nil || !captured {
		t.Fatalf("RetryCapture = (%v, %v), want (true, nil)", captured, err)
	}
	got, _ := env.store.Get(context.Background(), txn.ID)
	if got.Status != StatusPaid {
		t.Errorf("status after retry = %s, want paid", got.Status)
	}
}

func TestDualConfirmationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, err := env.service.Initiate(ctx, rentalRequest())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Lender confirms the handover first; nothing releases yet.
	res, err := env.service.Confirm(ctx, txn.ID, "user_lender1", ActionLent, ConfirmMeta{})
	if err != nil {
		t.Fatalf("Confirm lent: %v", err)
	}
	if res.Status != StatusPaid || !res.LenderConfirmed || res.BorrowerConfirmed {
		t.Errorf("after lent: %+v", res)
	}
	if env.gateway.payoutCount() != 0 {
		t.Error("payout before both confirmations")
	}

	// Borrower completes the handover: confirmed, fee released to lender.
	res, err = env.service.Confirm(ctx, txn.ID, "user_borrower1", ActionBorrowed, ConfirmMeta{})
	if err != nil {
		t.Fatalf("Confirm borrowed: %v", err)
	}
	if res.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", res.Status)
	}
	if !res.LenderConfirmed || !res.BorrowerConfirmed {
		t.Error("handover flags must stay set until a return is recorded")
	}

	got, _ := env.store.Get(ctx, txn.ID)
	if got.ConfirmedAt == nil {
		t.Fatal("confirmedAt not set")
	}
	if !got.LenderConfirmed || !got.BorrowerConfirmed {
		t.Error("confirmation flags must persist through the confirmed state")
	}
	if env.gateway.payoutCount() != 1 || env.gateway.payouts[0] != 2_000 {
		t.Errorf("payouts = %v, want one of 2000", env.gateway.payouts)
	}

	// Return leg: borrower returns, lender receives, deposit refunds. The
	// first return event flips the flag projection over to the return
	// actions.
	res, err = env.service.Confirm(ctx, txn.ID, "user_borrower1", ActionReturned, ConfirmMeta{})
	if err != nil {
		t.Fatalf("Confirm returned: %v", err)
	}
	if res.LenderConfirmed || !res.BorrowerConfirmed {
		t.Errorf("after returned: %+v, want only the borrower flag", res)
	}
	res, err = env.service.Confirm(ctx, txn.ID, "user_lender1", ActionReceived, ConfirmMeta{})
	if err != nil {
		t.Fatalf("Confirm received: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}

	got, _ = env.store.Get(ctx, txn.ID)
	if got.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	if len(env.gateway.refunds) != 1 || env.gateway.refunds[0] != 500 {
		t.Errorf("refunds = %v, want one of 500", env.gateway.refunds)
	}
}

// recordingGate captures the history the service assembled for each attempt.
type recordingGate struct {
	mu    sync.Mutex
	hists []fraud.UserHistory
}

func (g *recordingGate) Assess(_ context.Context, _ fraud.PaymentContext, hist fraud.UserHistory) *fraud.Check {
	g.mu.Lock()
	g.hists = append(g.hists, hist)
	g.mu.Unlock()
	return &fraud.Check{
		ID:             "chk_gategategategategategat",
		Recommendation: fraud.RecommendApprove,
	}
}

func TestInitiateHistoryCarriesKnownLocations(t *testing.T) {
	env := newTestEnv(t)
	gate := &recordingGate{}
	env.service.gate = gate
	ctx := context.Background()

	req := rentalRequest()
	req.Country = "us"
	if _, err := env.service.Initiate(ctx, req); err != nil {
		t.Fatalf("first Initiate: %v", err)
	}

	second := rentalRequest()
	second.BookID = "book_leaves02"
	second.Country = "DE"
	if _, err := env.service.Initiate(ctx, second); err != nil {
		t.Fatalf("second Initiate: %v", err)
	}

	if len(gate.hists) != 2 {
		t.Fatalf("assessments = %d, want 2", len(gate.hists))
	}
	if len(gate.hists[0].KnownLocations) != 0 {
		t.Errorf("first history locations = %v, want none", gate.hists[0].KnownLocations)
	}
	if got := gate.hists[1].KnownLocations; len(got) != 1 || got[0] != "US" {
		t.Errorf("second history locations = %v, want [US]", got)
	}
}

func TestDuplicateConfirmationRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, _ := env.service.Initiate(ctx, rentalRequest())
	if _, err := env.service.Confirm(ctx, txn.ID, "user_lender1", ActionLent, ConfirmMeta{}); err != nil {
		t.Fatalf("first Confirm: %v", err)
	}

	before, _ := env.store.Get(ctx, txn.ID)
	_, err := env.service.Confirm(ctx, txn.ID, "user_lender1", ActionLent, ConfirmMeta{})
	if !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("duplicate Confirm = %v, want ErrAlreadyConfirmed", err)
	}

	after, _ := env.store.Get(ctx, txn.ID)
	if *before != *after {
		t.Error("duplicate confirmation mutated the transaction")
	}
}

func TestConfirmWrongRoleForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, _ := env.service.Initiate(ctx, rentalRequest())

	// "borrowed" is a borrower-only action.
	_, err := env.service.Confirm(ctx, txn.ID, "user_lender1", ActionBorrowed, ConfirmMeta{})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("Confirm = %v, want ErrForbidden", err)
	}

	events, _ := env.store.ListConfirmations(ctx, txn.ID)
	if len(events) != 0 {
		t.Error("forbidden confirmation must not write an event")
	}
}

func TestConfirmStrangerForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, _ := env.service.Initiate(ctx, rentalRequest())
	if _, err := env.service.Confirm(ctx, txn.ID, "user_stranger1", ActionLent, ConfirmMeta{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("Confirm = %v, want ErrForbidden", err)
	}
}

func TestConfirmUnknownTransaction(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Confirm(context.Background(), "txn_missing000000000000000", "user_lender1", ActionLent, ConfirmMeta{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Confirm = %v, want ErrNotFound", err)
	}
}

func TestConfirmReturnLegRequiresConfirmed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, _ := env.service.Initiate(ctx, rentalRequest())
	_, err := env.service.Confirm(ctx, txn.ID, "user_borrower1", ActionReturned, ConfirmMeta{})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Confirm returned while paid = %v, want ErrInvalidState", err)
	}
}

func TestConcurrentConfirmationsFireReleaseOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, _ := env.service.Initiate(ctx, rentalRequest())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = env.service.Confirm(ctx, txn.ID, "user_lender1", ActionLent, ConfirmMeta{})
	}()
	go func() {
		defer wg.Done()
		_, _ = env.service.Confirm(ctx, txn.ID, "user_borrower1", ActionBorrowed, ConfirmMeta{})
	}()
	wg.Wait()

	got, _ := env.store.Get(ctx, txn.ID)
	if got.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
	if got.ConfirmedAt == nil {
		t.Error("confirmedAt not set")
	}
	if env.gateway.payoutCount() != 1 {
		t.Errorf("payouts = %d, want exactly 1", env.gateway.payoutCount())
	}
}

func TestRequestRefundFullMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := rentalRequest()
	req.PlatformFee = 200
	txn, _ := env.service.Initiate(ctx, req)

	refund, err := env.service.RequestRefund(ctx, txn.ID, "user_borrower1", RefundFull, "changed my mind")
	if err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}

	if refund.FeeRefund != 2_000 || refund.DepositRefund != 500 || refund.PlatformFee != 100 {
		t.Errorf("breakdown = %+v", refund)
	}
	if refund.Status != RefundCompleted {
		t.Errorf("refund status = %s, want completed", refund.Status)
	}

	got, _ := env.store.Get(ctx, txn.ID)
	if got.Status != StatusRefunded || got.RefundedAt == nil {
		t.Errorf("transaction = %s refundedAt=%v, want refunded", got.Status, got.RefundedAt)
	}
	if got.RefundReason != "changed my mind" {
		t.Errorf("refund reason = %q", got.RefundReason)
	}
}

func TestRequestRefundTerminalRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, _ := env.service.Initiate(ctx, rentalRequest())
	if _, err := env.service.RequestRefund(ctx, txn.ID, "user_borrower1", RefundFull, "x"); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if _, err := env.service.RequestRefund(ctx, txn.ID, "user_borrower1", RefundFull, "x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second refund = %v, want ErrInvalidState", err)
	}
}

func TestRequestRefundStrangerForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, _ := env.service.Initiate(ctx, rentalRequest())
	if _, err := env.service.RequestRefund(ctx, txn.ID, "user_stranger1", RefundFull, "x"); !errors.Is(err, ErrForbidden) {
		t.Errorf("RequestRefund = %v, want ErrForbidden", err)
	}
}

func TestReleaseFundsStandardSplit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, _ := env.service.Initiate(ctx, rentalRequest())

	result, err := env.service.ReleaseFunds(ctx, txn.ID, "user_lender1", ReleaseRequest{Type: "complete"})
	if err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if len(result.Releases) != 2 {
		t.Fatalf("releases = %+v, want 2", result.Releases)
	}
	if result.Releases[0].Amount+result.Releases[1].Amount != txn.TotalAmount {
		t.Error("split must sum to the total")
	}
}

func TestReleaseFundsCustomSplitOverTotal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, _ := env.service.Initiate(ctx, rentalRequest())
	_, err := env.service.ReleaseFunds(ctx, txn.ID, "user_lender1", ReleaseRequest{
		Type: "complete", LenderAmount: 2_000, BorrowerAmount: 1_000,
	})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Errorf("ReleaseFunds = %v, want ErrAmountMismatch", err)
	}
}

func TestExpireCancelsAndOpensTimeoutRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	env.service.now = func() time.Time { return base }

	txn, err := env.service.Initiate(ctx, rentalRequest())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// 25 hours later the sweep finds it unconfirmed.
	env.service.now = func() time.Time { return base.Add(25 * time.Hour) }

	refund, cancelled, err := env.service.Expire(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if !cancelled {
		t.Fatal("Expire did not cancel")
	}
	if refund.Reason != "timeout" || refund.Mode != RefundFull {
		t.Errorf("refund = %+v, want full-mode timeout", refund)
	}
	if refund.Total != 2_500 {
		t.Errorf("refund total = %d, want 2500", refund.Total)
	}

	got, _ := env.store.Get(ctx, txn.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// A second sweep is a no-op.
	_, cancelled, err = env.service.Expire(ctx, txn.ID)
	if err != nil || cancelled {
		t.Errorf("second Expire = (%v, %v), want no-op", cancelled, err)
	}
	refunds, _ := env.store.ListRefunds(ctx, txn.ID)
	if len(refunds) != 1 {
		t.Errorf("refund requests = %d, want 1", len(refunds))
	}
}

func TestConfirmAfterExpiryRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	env.service.now = func() time.Time { return base }
	txn, _ := env.service.Initiate(ctx, rentalRequest())

	env.service.now = func() time.Time { return base.Add(25 * time.Hour) }
	_, err := env.service.Confirm(ctx, txn.ID, "user_lender1", ActionLent, ConfirmMeta{})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Confirm after expiry = %v, want ErrInvalidState", err)
	}

	got, _ := env.store.Get(ctx, txn.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled by reactive expiry", got.Status)
	}
}

func TestGetAppliesReactiveExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	env.service.now = func() time.Time { return base }
	txn, _ := env.service.Initiate(ctx, rentalRequest())

	env.service.now = func() time.Time { return base.Add(25 * time.Hour) }
	got, err := env.service.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled on read", got.Status)
	}
}
