package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foliopay/foliopay/internal/escrow"
	"github.com/foliopay/foliopay/internal/fieldcrypt"
	"github.com/foliopay/foliopay/internal/idgen"
	"github.com/foliopay/foliopay/internal/logging"
	"github.com/foliopay/foliopay/internal/metrics"
	"github.com/foliopay/foliopay/internal/notify"
)

// Escalation tier time thresholds, measured from when retries ran out.
const (
	manualThreshold = 24 * time.Hour
	adminThreshold  = 72 * time.Hour
)

// sweepBatch bounds how many transactions one cycle processes.
const sweepBatch = 100

// Scheduler drives the three recovery phases. It holds no mutable state of
// its own; everything lives in the escrow ledger and the timeout store, so
// multiple cycles are safe to run back to back.
type Scheduler struct {
	escrow   *escrow.Service
	store    Store
	notifier notify.Notifier

	autoRefundLimit int64 // cents; automatic tier refunds at or below this
	now             func() time.Time
}

// NewScheduler creates the recovery scheduler.
func NewScheduler(esc *escrow.Service, store Store, notifier notify.Notifier, autoRefundLimit int64) *Scheduler {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Scheduler{
		escrow:          esc,
		store:           store,
		notifier:        notifier,
		autoRefundLimit: autoRefundLimit,
		now:             time.Now,
	}
}

// OpenCaptureFailure opens a recovery case for a transaction whose payment
// capture failed. Idempotent per transaction.
func (s *Scheduler) OpenCaptureFailure(ctx context.Context, transactionID, paymentMethod string) error {
	if _, err := s.store.GetByTransaction(ctx, transactionID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	policy := PolicyFor(paymentMethod)
	now := s.now().UTC()

	pt := &PaymentTimeout{
		ID:              idgen.WithPrefix("pt_"),
		TransactionID:   transactionID,
		PaymentMethod:   paymentMethod,
		Status:          TimeoutPending,
		MaxRetries:      policy.MaxRetries,
		EscalationLevel: EscalationNone,
		NextAttempt:     now.Add(policy.NextDelay(0)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, pt); err != nil {
		return fmt.Errorf("create recovery case: %w", err)
	}

	logging.FromContext(ctx).Info("recovery case opened",
		"transaction_id", transactionID,
		"strategy", policy.Strategy,
		"next_attempt", pt.NextAttempt,
	)
	return nil
}

// SweepOutcome is one transaction's result within a cycle.
type SweepOutcome struct {
	TransactionID string `json:"transactionId"`
	Outcome       string `json:"outcome"`
	RefundID      string `json:"refundId,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// CycleResult aggregates one full scheduler cycle.
type CycleResult struct {
	ProcessedCount int            `json:"processedCount"`
	Results        []SweepOutcome `json:"results"`
}

// RunCycle executes all three phases: expiry sweep, capture retries, and
// escalations.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{}

	expired, err := s.SweepExpired(ctx)
	if err != nil {
		return result, err
	}
	result.Results = append(result.Results, expired...)

	retried, err := s.ProcessRetries(ctx)
	if err != nil {
		return result, err
	}
	result.Results = append(result.Results, retried...)

	escalated, err := s.Escalate(ctx)
	if err != nil {
		return result, err
	}
	result.Results = append(result.Results, escalated...)

	result.ProcessedCount = len(result.Results)
	return result, nil
}

// SweepExpired cancels pending/paid transactions past their deadline and
// opens timeout refunds. The escrow service holds the per-transaction lock,
// so a transaction being confirmed at this instant resolves to exactly one
// outcome, and a second sweep of the same transaction is a no-op.
func (s *Scheduler) SweepExpired(ctx context.Context) ([]SweepOutcome, error) {
	now := s.now().UTC()
	txns, err := s.escrow.ListExpired(ctx, now, sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list expired transactions: %w", err)
	}

	logger := logging.FromContext(ctx)
	var out []SweepOutcome

	for _, txn := range txns {
		refund, cancelled, err := s.escrow.Expire(ctx, txn.ID)
		switch {
		case err != nil:
			logger.Error("expire transaction", "transaction_id", txn.ID, "error", err)
			metrics.SweepProcessedTotal.WithLabelValues("error").Inc()
			out = append(out, SweepOutcome{TransactionID: txn.ID, Outcome: "error", Detail: err.Error()})
		case cancelled:
			metrics.SweepProcessedTotal.WithLabelValues("cancelled").Inc()
			out = append(out, SweepOutcome{TransactionID: txn.ID, Outcome: "cancelled", RefundID: refund.ID})
		default:
			// Resolved by a confirmation or another sweep in the meantime.
			metrics.SweepProcessedTotal.WithLabelValues("skipped").Inc()
			out = append(out, SweepOutcome{TransactionID: txn.ID, Outcome: "skipped"})
		}
	}
	return out, nil
}

// ProcessRetries re-attempts payment captures whose next attempt is due.
// Success closes the case; a retriable failure schedules the next attempt
// per the method's policy; an exhausted budget moves the case into the
// escalation pipeline.
func (s *Scheduler) ProcessRetries(ctx context.Context) ([]SweepOutcome, error) {
	now := s.now().UTC()
	due, err := s.store.ListDue(ctx, now, sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}

	logger := logging.FromContext(ctx)
	var out []SweepOutcome

	for _, pt := range due {
		pt.Status = TimeoutProcessing
		attempt := now
		pt.LastAttempt = &attempt
		pt.UpdatedAt = now
		if err := s.store.Update(ctx, pt); err != nil {
			logger.Error("mark retry in flight", "case_id", pt.ID, "error", err)
			continue
		}

		policy := PolicyFor(pt.PaymentMethod)
		metrics.RetryAttemptsTotal.WithLabelValues(string(policy.Strategy)).Inc()

		captured, cerr := s.escrow.RetryCapture(ctx, pt.TransactionID)
		outcome := s.resolveRetry(ctx, pt, policy, captured, cerr)
		pt.UpdatedAt = s.now().UTC()
		if err := s.store.Update(ctx, pt); err != nil {
			logger.Error("update recovery case", "case_id", pt.ID, "error", err)
		}
		out = append(out, outcome)
	}
	return out, nil
}

// resolveRetry decides the case's next state after one capture attempt.
func (s *Scheduler) resolveRetry(ctx context.Context, pt *PaymentTimeout, policy Policy, captured bool, cerr error) SweepOutcome {
	logger := logging.FromContext(ctx)
	now := s.now().UTC()

	switch {
	case captured:
		pt.Status = TimeoutCancelled
		logger.Info("capture retry succeeded", "transaction_id", pt.TransactionID, "attempt", pt.CurrentRetry+1)
		return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "captured"}

	case errors.Is(cerr, fieldcrypt.ErrIntegrity) || errors.Is(cerr, fieldcrypt.ErrExpired):
		// The payment blob is unusable; retrying cannot help.
		pt.Status = TimeoutFailed
		logger.Error("payment blob failed verification", "transaction_id", pt.TransactionID, "error", cerr)
		return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "failed", Detail: "payment details unverifiable"}

	case errors.Is(cerr, escrow.ErrInvalidState):
		// Transaction moved on (confirmed, cancelled, expired) without us.
		pt.Status = TimeoutCancelled
		return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "resolved"}

	default:
		pt.CurrentRetry++
		if pt.CurrentRetry >= pt.MaxRetries {
			pt.Status = TimeoutTimeout
			pt.TimeoutAt = &now
			logger.Warn("capture retries exhausted",
				"transaction_id", pt.TransactionID, "retries", pt.CurrentRetry)
			return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "exhausted"}
		}
		pt.Status = TimeoutRetry
		pt.NextAttempt = now.Add(policy.NextDelay(pt.CurrentRetry))
		return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "rescheduled", Detail: pt.NextAttempt.Format(time.RFC3339)}
	}
}

// Escalate advances timed-out cases through the intervention ladder based on
// wall-clock time since retries ran out. The level only moves forward, and
// each tier's action fires at most once per case.
func (s *Scheduler) Escalate(ctx context.Context) ([]SweepOutcome, error) {
	cases, err := s.store.ListTimedOut(ctx, sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list timed-out cases: %w", err)
	}

	logger := logging.FromContext(ctx)
	var out []SweepOutcome

	for _, pt := range cases {
		if pt.TimeoutAt == nil {
			continue
		}
		elapsed := s.now().UTC().Sub(*pt.TimeoutAt)
		target := tierFor(elapsed)
		if target.rank() <= pt.EscalationLevel.rank() {
			continue
		}

		outcome, closed := s.applyTier(ctx, pt, target)
		pt.EscalationLevel = target
		if closed {
			pt.Status = TimeoutCancelled
		}
		pt.UpdatedAt = s.now().UTC()
		if err := s.store.Update(ctx, pt); err != nil {
			logger.Error("update escalated case", "case_id", pt.ID, "error", err)
			continue
		}
		metrics.EscalationsTotal.WithLabelValues(string(target)).Inc()
		out = append(out, outcome)
	}
	return out, nil
}

func tierFor(elapsed time.Duration) EscalationLevel {
	switch {
	case elapsed > adminThreshold:
		return EscalationAdmin
	case elapsed > manualThreshold:
		return EscalationManual
	default:
		return EscalationAutomatic
	}
}

// applyTier performs the tier's action and reports whether the case closed.
func (s *Scheduler) applyTier(ctx context.Context, pt *PaymentTimeout, tier EscalationLevel) (SweepOutcome, bool) {
	logger := logging.FromContext(ctx)

	switch tier {
	case EscalationAutomatic:
		txn, err := s.escrow.Get(ctx, pt.TransactionID)
		if err != nil {
			logger.Error("load transaction for escalation", "transaction_id", pt.TransactionID, "error", err)
			return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "escalation_error", Detail: err.Error()}, false
		}
		if !txn.Status.Active() {
			// Already cancelled, refunded, or completed elsewhere; nothing
			// left to intervene on.
			logger.Info("recovery case resolved outside the scheduler",
				"transaction_id", pt.TransactionID, "status", txn.Status)
			return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "resolved"}, true
		}
		msg := "capture retries exhausted; amount above auto-refund limit"
		if txn.TotalAmount <= s.autoRefundLimit {
			refund, cancelled, err := s.escrow.Cancel(ctx, pt.TransactionID, "capture retries exhausted")
			if err == nil && cancelled {
				logger.Info("auto-refund issued", "transaction_id", pt.TransactionID, "refund_id", refund.ID)
				return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "auto_refunded", RefundID: refund.ID}, true
			}
			if err != nil {
				logger.Error("auto-refund failed", "transaction_id", pt.TransactionID, "error", err)
			}
			msg = "capture retries exhausted; automatic refund failed"
		}
		s.send(ctx, notify.Event{
			Type:          notify.TypeManualReview,
			TransactionID: pt.TransactionID,
			Level:         string(EscalationAutomatic),
			Amount:        txn.TotalAmount,
			Message:       msg,
			CreatedAt:     s.now().UTC(),
		})
		return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "manual_review_opened"}, false

	case EscalationManual:
		s.send(ctx, notify.Event{
			Type:          notify.TypeAdminAlert,
			TransactionID: pt.TransactionID,
			Level:         string(EscalationManual),
			Message:       "recovery case unresolved for over 24 hours",
			CreatedAt:     s.now().UTC(),
		})
		return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "admins_notified"}, false

	default: // EscalationAdmin
		s.send(ctx, notify.Event{
			Type:          notify.TypeAdminTicket,
			TransactionID: pt.TransactionID,
			Level:         string(EscalationAdmin),
			Message:       "recovery case unresolved for over 72 hours; ticket opened",
			CreatedAt:     s.now().UTC(),
		})
		return SweepOutcome{TransactionID: pt.TransactionID, Outcome: "ticket_opened"}, false
	}
}

func (s *Scheduler) send(ctx context.Context, ev notify.Event) {
	if err := s.notifier.Notify(ctx, ev); err != nil {
		logging.FromContext(ctx).Error("deliver escalation notification",
			"transaction_id", ev.TransactionID, "type", ev.Type, "error", err)
	}
}

// Timeouts lists recovery cases for the admin surface.
func (s *Scheduler) Timeouts(ctx context.Context, limit int) ([]*PaymentTimeout, error) {
	return s.store.List(ctx, limit)
}
