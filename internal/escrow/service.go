package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foliopay/foliopay/internal/fieldcrypt"
	"github.com/foliopay/foliopay/internal/fraud"
	"github.com/foliopay/foliopay/internal/gateway"
	"github.com/foliopay/foliopay/internal/idgen"
	"github.com/foliopay/foliopay/internal/logging"
	"github.com/foliopay/foliopay/internal/metrics"
	"github.com/foliopay/foliopay/internal/syncutil"
)

// FraudGate screens a payment attempt before a transaction is admitted.
type FraudGate interface {
	Assess(ctx context.Context, pctx fraud.PaymentContext, hist fraud.UserHistory) *fraud.Check
}

// TimeoutOpener lets the service hand capture failures to the recovery
// scheduler without depending on it.
type TimeoutOpener interface {
	OpenCaptureFailure(ctx context.Context, transactionID, paymentMethod string) error
}

// DefaultWindow is the escrow expiry window applied when none is configured.
const DefaultWindow = 24 * time.Hour

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithWindow sets the escrow expiry window.
func WithWindow(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithAmountEpsilon sets the tolerance, in cents, for the
// total = fee + deposit check.
func WithAmountEpsilon(cents int64) ServiceOption {
	return func(s *Service) { s.epsilon = cents }
}

// WithTimeoutOpener wires the recovery scheduler's capture-failure intake.
func WithTimeoutOpener(o TimeoutOpener) ServiceOption {
	return func(s *Service) { s.timeouts = o }
}

// SetTimeoutOpener wires the recovery scheduler after construction. The
// scheduler needs the service and the service needs the scheduler, so one
// side has to be bound late. Call before serving traffic.
func (s *Service) SetTimeoutOpener(o TimeoutOpener) {
	s.timeouts = o
}

// WithClock overrides the time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service is the escrow state machine. All transitions for a given
// transaction are serialized through a sharded per-transaction lock, so the
// completion trigger fires exactly once even under concurrent confirmations,
// and an expiry sweep cannot race a confirmation.
type Service struct {
	store    Store
	gateway  gateway.Processor
	cipher   *fieldcrypt.Cipher
	gate     FraudGate
	timeouts TimeoutOpener
	locks    *syncutil.ShardedMutex
	window   time.Duration
	epsilon  int64
	now      func() time.Time
}

// NewService creates the escrow state machine.
func NewService(store Store, gw gateway.Processor, cipher *fieldcrypt.Cipher, gate FraudGate, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		gateway: gw,
		cipher:  cipher,
		gate:    gate,
		locks:   syncutil.NewShardedMutex(),
		window:  DefaultWindow,
		epsilon: 1,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateRequest is a validated hold request. Amounts are cents.
type InitiateRequest struct {
	BookID     string
	BorrowerID string
	LenderID   string

	TotalAmount     int64
	RentalFee       int64
	SecurityDeposit int64
	PlatformFee     int64

	PaymentMethod  string
	PaymentDetails string // sensitive; encrypted before persisting

	// Fraud screening context.
	IPAddress         string
	Country           string
	DeviceFingerprint string
	UserAgent         string
	AccountCreatedAt  time.Time
}

// Initiate screens the attempt, creates the ledger entry, and captures the
// payment. A "review" verdict suspends the transaction in pending for manual
// handling; a "decline" aborts before any ledger write. A capture failure
// leaves the transaction pending and opens a recovery case rather than
// failing the request.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Transaction, error) {
	if req.BorrowerID == req.LenderID {
		return nil, ErrSelfTransaction
	}
	if diff := req.TotalAmount - (req.RentalFee + req.SecurityDeposit); diff > s.epsilon || diff < -s.epsilon {
		return nil, ErrAmountMismatch
	}

	logger := logging.FromContext(ctx)
	now := s.now().UTC()

	check := s.gate.Assess(ctx, fraud.PaymentContext{
		UserID:            req.BorrowerID,
		Amount:            req.TotalAmount + req.PlatformFee,
		PaymentMethod:     req.PaymentMethod,
		IPAddress:         req.IPAddress,
		Country:           req.Country,
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         req.UserAgent,
		Timestamp:         now,
	}, s.buildHistory(ctx, req.BorrowerID, req.AccountCreatedAt))

	if check.Recommendation == fraud.RecommendDecline {
		logger.Warn("escrow declined by fraud screening",
			"borrower_id", req.BorrowerID, "check_id", check.ID, "score", check.Score)
		return nil, ErrFraudDeclined
	}

	txn := &Transaction{
		ID:              idgen.WithPrefix("txn_"),
		BookID:          req.BookID,
		BorrowerID:      req.BorrowerID,
		LenderID:        req.LenderID,
		TotalAmount:     req.TotalAmount,
		RentalFee:       req.RentalFee,
		SecurityDeposit: req.SecurityDeposit,
		PlatformFee:     req.PlatformFee,
		Status:          StatusPending,
		PaymentMethod:   req.PaymentMethod,
		Country:         strings.ToUpper(req.Country),
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.window),
	}

	if req.PaymentDetails != "" {
		blob, err := s.cipher.Encrypt([]byte(req.PaymentDetails), fieldcrypt.Context{
			TransactionID: txn.ID,
			UserID:        txn.BorrowerID,
		})
		if err != nil {
			return nil, fmt.Errorf("encrypt payment details: %w", err)
		}
		txn.EncryptedPayment = blob
	}

	if check.Recommendation == fraud.RecommendReview {
		txn.AppendNote(fmt.Sprintf("held for manual review after fraud check %s (score %.2f)", check.ID, check.Score))
	}

	if err := s.store.Create(ctx, txn); err != nil {
		return nil, err
	}
	metrics.EscrowCreatedTotal.Inc()

	if check.Recommendation == fraud.RecommendReview {
		logger.Info("escrow held for review",
			"transaction_id", txn.ID, "check_id", check.ID, "score", check.Score)
		return txn, nil
	}

	s.capture(ctx, txn)
	if err := s.store.Update(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// capture charges the borrower through the gateway and advances pending to
// paid. On failure the transaction stays pending and a recovery case is
// opened; the caller still gets an accepted transaction.
func (s *Service) capture(ctx context.Context, txn *Transaction) {
	res, err := s.gateway.Capture(ctx, txn.BorrowerID, txn.TotalAmount+txn.PlatformFee, txn.PaymentMethod)
	if err == nil {
		txn.PaymentID = res.PaymentID
		txn.Status = StatusPaid
		return
	}

	logger := logging.FromContext(ctx)
	logger.Warn("payment capture failed", "transaction_id", txn.ID, "error", err)
	txn.AppendNote("payment capture failed: " + err.Error())

	if s.timeouts != nil {
		if terr := s.timeouts.OpenCaptureFailure(ctx, txn.ID, txn.PaymentMethod); terr != nil {
			logger.Error("open capture-failure recovery case", "transaction_id", txn.ID, "error", terr)
		}
	}
}

// buildHistory assembles the borrower's rolling history from the ledger.
// Countries seen on prior rentals form the user's known-locations set.
func (s *Service) buildHistory(ctx context.Context, userID string, accountCreatedAt time.Time) fraud.UserHistory {
	hist := fraud.UserHistory{AccountCreatedAt: accountCreatedAt}

	txns, err := s.store.ListByUser(ctx, userID, 50)
	if err != nil {
		logging.FromContext(ctx).Warn("load user history", "user_id", userID, "error", err)
		return hist
	}

	var sum int64
	countries := make(map[string]struct{})
	for _, t := range txns {
		if t.BorrowerID != userID {
			continue
		}
		hist.Recent = append(hist.Recent, fraud.RecentTransaction{
			Amount:    t.TotalAmount,
			CreatedAt: t.CreatedAt,
		})
		sum += t.TotalAmount
		if t.Status == StatusRefunded || t.Status == StatusCancelled {
			hist.SuspiciousCount++
		}
		if t.Country != "" {
			if _, ok := countries[t.Country]; !ok {
				countries[t.Country] = struct{}{}
				hist.KnownLocations = append(hist.KnownLocations, t.Country)
			}
		}
	}
	if n := len(hist.Recent); n > 0 {
		hist.AverageAmount = sum / int64(n)
	}
	return hist
}

// ConfirmMeta is the optional audit payload attached to a confirmation.
type ConfirmMeta struct {
	IPAddress         string
	DeviceFingerprint string
	PhotoURL          string
	Notes             string
}

// ConfirmResult reflects the transaction after a confirmation landed.
type ConfirmResult struct {
	Status            Status `json:"status"`
	LenderConfirmed   bool   `json:"lenderConfirmed"`
	BorrowerConfirmed bool   `json:"borrowerConfirmed"`
}

// Confirm records one confirmation action. The event log write is the
// idempotency point: a duplicate (transaction, role, action) fails with
// ErrAlreadyConfirmed before any transaction mutation. When both handover
// confirmations are present for the first time the transaction becomes
// confirmed, confirmedAt is set exactly once, and the rental fee is released
// to the lender. When both return confirmations are present the deposit is
// refunded to the borrower and the transaction completes.
func (s *Service) Confirm(ctx context.Context, transactionID, actorID string, action Action, meta ConfirmMeta) (*ConfirmResult, error) {
	role, ok := action.RoleFor()
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidState, action)
	}

	unlock := s.locks.Lock(transactionID)
	defer unlock()

	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	var required string
	if role == RoleLender {
		required = txn.LenderID
	} else {
		required = txn.BorrowerID
	}
	if actorID != required {
		return nil, ErrForbidden
	}

	if s.expiredLocked(ctx, txn) {
		return nil, fmt.Errorf("%w: transaction expired", ErrInvalidState)
	}

	if action.handoverLeg() {
		if txn.Status != StatusPaid {
			return nil, fmt.Errorf("%w: %s requires status paid, have %s", ErrInvalidState, action, txn.Status)
		}
	} else if txn.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: %s requires status confirmed, have %s", ErrInvalidState, action, txn.Status)
	}

	ev := &ConfirmationEvent{
		ID:                idgen.WithPrefix("evt_"),
		TransactionID:     txn.ID,
		Role:              role,
		Action:            action,
		ActorID:           actorID,
		IPAddress:         meta.IPAddress,
		DeviceFingerprint: meta.DeviceFingerprint,
		PhotoURL:          meta.PhotoURL,
		Notes:             meta.Notes,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.store.AppendConfirmation(ctx, ev); err != nil {
		return nil, err
	}
	metrics.ConfirmationsTotal.WithLabelValues(string(role), string(action)).Inc()

	events, err := s.store.ListConfirmations(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	lender, borrower, returnLeg := deriveFlags(events)
	txn.LenderConfirmed = lender
	txn.BorrowerConfirmed = borrower

	logger := logging.FromContext(ctx)

	if !returnLeg && lender && borrower && txn.ConfirmedAt == nil {
		now := s.now().UTC()
		txn.ConfirmedAt = &now
		txn.Status = StatusConfirmed
		// Both parties vouched for the handover: the rental fee moves to the
		// lender now, the deposit stays held until the book comes back. The
		// flags stay set until the first return event flips the projection.
		if _, perr := s.gateway.Payout(ctx, txn.LenderID, txn.RentalFee); perr != nil {
			logger.Error("rental fee payout failed", "transaction_id", txn.ID, "error", perr)
			txn.AppendNote("rental fee payout failed: " + perr.Error())
		}
		logger.Info("exchange confirmed", "transaction_id", txn.ID)
	}

	if returnLeg && lender && borrower && txn.Status == StatusConfirmed && txn.CompletedAt == nil {
		now := s.now().UTC()
		txn.CompletedAt = &now
		txn.Status = StatusCompleted
		if txn.PaymentID != "" {
			if _, rerr := s.gateway.Refund(ctx, txn.PaymentID, txn.SecurityDeposit); rerr != nil {
				logger.Error("deposit refund failed", "transaction_id", txn.ID, "error", rerr)
				txn.AppendNote("deposit refund failed: " + rerr.Error())
			}
		}
		metrics.EscrowCompletedTotal.Inc()
		metrics.EscrowDuration.Observe(now.Sub(txn.CreatedAt).Seconds())
		logger.Info("escrow completed", "transaction_id", txn.ID)
	}

	if err := s.store.Update(ctx, txn); err != nil {
		return nil, err
	}

	return &ConfirmResult{
		Status:            txn.Status,
		LenderConfirmed:   txn.LenderConfirmed,
		BorrowerConfirmed: txn.BorrowerConfirmed,
	}, nil
}

// ReleaseRequest selects how an explicit release resolves the hold.
type ReleaseRequest struct {
	Type string // "complete" pays out, "refund" returns funds
	Mode RefundMode

	// Optional custom split for Type "complete"; both zero means the
	// standard split (rental fee to lender, deposit back to borrower).
	LenderAmount   int64
	BorrowerAmount int64
}

// Release is one leg of a release split.
type Release struct {
	Recipient string `json:"recipient"` // "lender" or "borrower"
	UserID    string `json:"userId"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// ReleaseResult is the outcome of an explicit release.
type ReleaseResult struct {
	Status   Status    `json:"status"`
	Releases []Release `json:"releases"`
}

// ReleaseFunds resolves a paid or confirmed transaction by explicit
// admin/system action, either paying out or refunding.
func (s *Service) ReleaseFunds(ctx context.Context, transactionID, actorID string, req ReleaseRequest) (*ReleaseResult, error) {
	unlock := s.locks.Lock(transactionID)
	defer unlock()

	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !s.isParty(txn, actorID) {
		return nil, ErrForbidden
	}
	if txn.Status != StatusPaid && txn.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: release requires paid or confirmed, have %s", ErrInvalidState, txn.Status)
	}

	switch req.Type {
	case "refund":
		mode := req.Mode
		if mode == "" {
			mode = RefundFull
		}
		refund, err := s.refundLocked(ctx, txn, mode, "released as refund")
		if err != nil {
			return nil, err
		}
		return &ReleaseResult{
			Status: txn.Status,
			Releases: []Release{{
				Recipient: "borrower",
				UserID:    txn.BorrowerID,
				Amount:    refund.Total,
				Reference: refund.ID,
			}},
		}, nil

	case "complete", "":
		lenderAmt, borrowerAmt := req.LenderAmount, req.BorrowerAmount
		if lenderAmt == 0 && borrowerAmt == 0 {
			lenderAmt, borrowerAmt = txn.RentalFee, txn.SecurityDeposit
		}
		if lenderAmt+borrowerAmt > txn.TotalAmount {
			return nil, ErrAmountMismatch
		}

		var releases []Release
		if lenderAmt > 0 {
			res, perr := s.gateway.Payout(ctx, txn.LenderID, lenderAmt)
			if perr != nil {
				return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, perr)
			}
			releases = append(releases, Release{Recipient: "lender", UserID: txn.LenderID, Amount: lenderAmt, Reference: res.PaymentID})
		}
		if borrowerAmt > 0 && txn.PaymentID != "" {
			res, rerr := s.gateway.Refund(ctx, txn.PaymentID, borrowerAmt)
			if rerr != nil {
				return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, rerr)
			}
			releases = append(releases, Release{Recipient: "borrower", UserID: txn.BorrowerID, Amount: borrowerAmt, Reference: res.PaymentID})
		}

		now := s.now().UTC()
		txn.CompletedAt = &now
		txn.Status = StatusCompleted
		txn.AppendNote("released by " + actorID)
		if err := s.store.Update(ctx, txn); err != nil {
			return nil, err
		}
		metrics.EscrowCompletedTotal.Inc()
		metrics.EscrowDuration.Observe(now.Sub(txn.CreatedAt).Seconds())

		return &ReleaseResult{Status: txn.Status, Releases: releases}, nil

	default:
		return nil, fmt.Errorf("%w: unknown release type %q", ErrInvalidState, req.Type)
	}
}

// RequestRefund resolves an active transaction into refunded using one of
// the four deterministic split modes.
func (s *Service) RequestRefund(ctx context.Context, transactionID, actorID string, mode RefundMode, reason string) (*RefundRequest, error) {
	if !ValidRefundMode(mode) {
		return nil, fmt.Errorf("%w: unknown refund mode %q", ErrInvalidState, mode)
	}

	unlock := s.locks.Lock(transactionID)
	defer unlock()

	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !s.isParty(txn, actorID) {
		return nil, ErrForbidden
	}
	if !txn.Status.Active() {
		return nil, fmt.Errorf("%w: refund requires an active transaction, have %s", ErrInvalidState, txn.Status)
	}

	return s.refundLocked(ctx, txn, mode, normalizeReason(reason))
}

// refundLocked computes the split, runs the gateway refund, and moves the
// transaction to refunded. Caller holds the transaction lock.
func (s *Service) refundLocked(ctx context.Context, txn *Transaction, mode RefundMode, reason string) (*RefundRequest, error) {
	breakdown, err := ComputeRefund(txn, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	now := s.now().UTC()
	refund := &RefundRequest{
		ID:            idgen.WithPrefix("rfd_"),
		TransactionID: txn.ID,
		Mode:          mode,
		Reason:        reason,
		FeeRefund:     breakdown.FeeRefund,
		DepositRefund: breakdown.DepositRefund,
		PlatformFee:   breakdown.PlatformFee,
		Total:         breakdown.Total(),
		Status:        RefundPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)

	if txn.PaymentID != "" && refund.Total > 0 {
		res, rerr := s.gateway.Refund(ctx, txn.PaymentID, refund.Total)
		if rerr != nil {
			refund.Status = RefundFailed
			refund.UpdatedAt = s.now().UTC()
			if uerr := s.store.UpdateRefund(ctx, refund); uerr != nil {
				logger.Error("update refund request", "refund_id", refund.ID, "error", uerr)
			}
			txn.AppendNote("refund failed: " + rerr.Error())
			if uerr := s.store.Update(ctx, txn); uerr != nil {
				logger.Error("update transaction", "transaction_id", txn.ID, "error", uerr)
			}
			return refund, fmt.Errorf("%w: %v", ErrGatewayFailure, rerr)
		}
		refund.Reference = res.PaymentID
	}

	refund.Status = RefundCompleted
	refund.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRefund(ctx, refund); err != nil {
		return nil, err
	}

	txn.Status = StatusRefunded
	txn.RefundedAt = &now
	txn.RefundReason = reason
	if err := s.store.Update(ctx, txn); err != nil {
		return nil, err
	}
	metrics.EscrowRefundedTotal.WithLabelValues(string(mode)).Inc()
	logger.Info("escrow refunded",
		"transaction_id", txn.ID, "mode", mode, "total", refund.Total)

	return refund, nil
}

// Get returns a transaction, applying the expiry deadline reactively: an
// expired pending/paid transaction is cancelled on read.
func (s *Service) Get(ctx context.Context, transactionID string) (*Transaction, error) {
	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if (txn.Status == StatusPending || txn.Status == StatusPaid) && s.now().UTC().After(txn.ExpiresAt) {
		if _, _, err := s.Expire(ctx, transactionID); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, transactionID)
	}
	return txn, nil
}

// ListByUser returns the transactions the user participates in.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Confirmations returns the audit event log for a transaction.
func (s *Service) Confirmations(ctx context.Context, transactionID string) ([]*ConfirmationEvent, error) {
	return s.store.ListConfirmations(ctx, transactionID)
}

// ListExpired exposes the expiry index to the recovery scheduler.
func (s *Service) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	return s.store.ListExpired(ctx, before, limit)
}

// Expire cancels a pending/paid transaction whose deadline has passed and
// opens a full-mode timeout refund. It holds the same per-transaction lock
// as Confirm, so a transaction being confirmed at the instant it expires
// resolves to exactly one outcome. Returns (refund, true) when the
// transaction was cancelled by this call.
func (s *Service) Expire(ctx context.Context, transactionID string) (*RefundRequest, bool, error) {
	unlock := s.locks.Lock(transactionID)
	defer unlock()

	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	if txn.Status != StatusPending && txn.Status != StatusPaid {
		return nil, false, nil
	}
	if !s.now().UTC().After(txn.ExpiresAt) {
		return nil, false, nil
	}

	refund, err := s.cancelLocked(ctx, txn, "timeout")
	if err != nil {
		return nil, false, err
	}
	return refund, true, nil
}

// Cancel cancels a pending or paid transaction by system action, opening a
// full refund with the given reason. Unlike Expire it does not require the
// deadline to have passed; the recovery scheduler uses it to resolve
// exhausted capture retries. Returns false when the transaction is no longer
// cancellable.
func (s *Service) Cancel(ctx context.Context, transactionID, reason string) (*RefundRequest, bool, error) {
	unlock := s.locks.Lock(transactionID)
	defer unlock()

	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	if txn.Status != StatusPending && txn.Status != StatusPaid {
		return nil, false, nil
	}

	refund, err := s.cancelLocked(ctx, txn, reason)
	if err != nil {
		return nil, false, err
	}
	return refund, true, nil
}

// expiredLocked applies the reactive deadline check while the caller holds
// the lock. Returns true when the transaction was just cancelled.
func (s *Service) expiredLocked(ctx context.Context, txn *Transaction) bool {
	if txn.Status != StatusPending && txn.Status != StatusPaid {
		return false
	}
	if !s.now().UTC().After(txn.ExpiresAt) {
		return false
	}
	if _, err := s.cancelLocked(ctx, txn, "timeout"); err != nil {
		logging.FromContext(ctx).Error("cancel expired transaction",
			"transaction_id", txn.ID, "error", err)
	}
	return true
}

// cancelLocked cancels the transaction and opens a full refund request with
// the given reason. Caller holds the transaction lock.
func (s *Service) cancelLocked(ctx context.Context, txn *Transaction, reason string) (*RefundRequest, error) {
	breakdown, err := ComputeRefund(txn, RefundFull)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	refund := &RefundRequest{
		ID:            idgen.WithPrefix("rfd_"),
		TransactionID: txn.ID,
		Mode:          RefundFull,
		Reason:        reason,
		FeeRefund:     breakdown.FeeRefund,
		DepositRefund: breakdown.DepositRefund,
		PlatformFee:   breakdown.PlatformFee,
		Total:         breakdown.Total(),
		Status:        RefundPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)

	if txn.PaymentID != "" && refund.Total > 0 {
		if res, rerr := s.gateway.Refund(ctx, txn.PaymentID, refund.Total); rerr != nil {
			refund.Status = RefundFailed
			txn.AppendNote("timeout refund failed: " + rerr.Error())
			logger.Error("timeout refund failed", "transaction_id", txn.ID, "error", rerr)
		} else {
			refund.Status = RefundCompleted
			refund.Reference = res.PaymentID
		}
	} else {
		refund.Status = RefundCompleted
	}
	refund.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRefund(ctx, refund); err != nil {
		return nil, err
	}

	txn.Status = StatusCancelled
	txn.RefundReason = reason
	txn.AppendNote("cancelled: " + reason)
	if err := s.store.Update(ctx, txn); err != nil {
		return nil, err
	}
	metrics.EscrowCancelledTotal.WithLabelValues(reason).Inc()
	logger.Info("escrow cancelled", "transaction_id", txn.ID, "reason", reason)

	return refund, nil
}

// RetryCapture re-attempts the payment capture for a pending transaction.
// The stored payment blob is decrypted and verified first; a blob that fails
// verification flags the transaction for manual review instead of retrying.
func (s *Service) RetryCapture(ctx context.Context, transactionID string) (bool, error) {
	unlock := s.locks.Lock(transactionID)
	defer unlock()

	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return false, err
	}
	if txn.Status != StatusPending {
		return false, fmt.Errorf("%w: capture retry requires pending, have %s", ErrInvalidState, txn.Status)
	}
	if s.expiredLocked(ctx, txn) {
		return false, fmt.Errorf("%w: transaction expired", ErrInvalidState)
	}

	if txn.EncryptedPayment != nil {
		_, derr := s.cipher.Decrypt(txn.EncryptedPayment, fieldcrypt.Context{
			TransactionID: txn.ID,
			UserID:        txn.BorrowerID,
		})
		if errors.Is(derr, fieldcrypt.ErrIntegrity) || errors.Is(derr, fieldcrypt.ErrExpired) {
			txn.AppendNote("payment details failed verification; flagged for manual review")
			if uerr := s.store.Update(ctx, txn); uerr != nil {
				return false, uerr
			}
			return false, derr
		}
		if derr != nil {
			return false, derr
		}
	}

	res, cerr := s.gateway.Capture(ctx, txn.BorrowerID, txn.TotalAmount+txn.PlatformFee, txn.PaymentMethod)
	if cerr != nil {
		return false, fmt.Errorf("%w: %v", ErrGatewayFailure, cerr)
	}

	txn.PaymentID = res.PaymentID
	txn.Status = StatusPaid
	txn.AppendNote("payment captured on retry")
	if err := s.store.Update(ctx, txn); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) isParty(txn *Transaction, actorID string) bool {
	return actorID == txn.LenderID || actorID == txn.BorrowerID
}
