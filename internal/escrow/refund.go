package escrow

import (
	"fmt"

	"github.com/foliopay/foliopay/internal/money"
)

// RefundMode selects the deterministic refund split. Mode selection is
// always an explicit caller input; the service never infers it.
type RefundMode string

const (
	// RefundFull returns the whole rental fee and deposit plus half of any
	// platform fee. Used for cancellations before the exchange and timeouts.
	RefundFull RefundMode = "full"
	// RefundPartial returns half the rental fee and the whole deposit.
	RefundPartial RefundMode = "partial"
	// RefundSecurityOnly returns only the deposit.
	RefundSecurityOnly RefundMode = "security_only"
	// RefundDamageDeduction returns the deposit minus a damage deduction of
	// half the deposit, capped.
	RefundDamageDeduction RefundMode = "damage_deduction"
)

// damageDeductionCap bounds the damage deduction at $20.00.
const damageDeductionCap = 2_000

// ValidRefundMode reports whether the mode is one of the four known splits.
func ValidRefundMode(m RefundMode) bool {
	switch m {
	case RefundFull, RefundPartial, RefundSecurityOnly, RefundDamageDeduction:
		return true
	}
	return false
}

// RefundBreakdown is the computed split for one refund.
type RefundBreakdown struct {
	FeeRefund     int64
	DepositRefund int64
	PlatformFee   int64
}

// Total is the amount actually returned to the borrower plus the platform
// fee share.
func (b RefundBreakdown) Total() int64 {
	return b.FeeRefund + b.DepositRefund + b.PlatformFee
}

// ComputeRefund derives the refund split purely from the transaction's
// stored amounts. It never consults external state, so the same transaction
// and mode always produce the same split.
func ComputeRefund(txn *Transaction, mode RefundMode) (RefundBreakdown, error) {
	switch mode {
	case RefundFull:
		return RefundBreakdown{
			FeeRefund:     txn.RentalFee,
			DepositRefund: txn.SecurityDeposit,
			PlatformFee:   money.Half(txn.PlatformFee),
		}, nil
	case RefundPartial:
		return RefundBreakdown{
			FeeRefund:     money.Half(txn.RentalFee),
			DepositRefund: txn.SecurityDeposit,
		}, nil
	case RefundSecurityOnly:
		return RefundBreakdown{
			DepositRefund: txn.SecurityDeposit,
		}, nil
	case RefundDamageDeduction:
		deduction := money.Min(money.Half(txn.SecurityDeposit), damageDeductionCap)
		return RefundBreakdown{
			DepositRefund: txn.SecurityDeposit - deduction,
		}, nil
	default:
		return RefundBreakdown{}, fmt.Errorf("unknown refund mode %q", mode)
	}
}
