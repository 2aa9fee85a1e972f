package escrow

import "testing"

func TestComputeRefundModes(t *testing.T) {
	txn := &Transaction{
		TotalAmount:     2_500,
		RentalFee:       2_000,
		SecurityDeposit: 500,
		PlatformFee:     200,
	}

	cases := []struct {
		mode        RefundMode
		wantFee     int64
		wantDeposit int64
		wantPlat    int64
	}{
		{RefundFull, 2_000, 500, 100},
		{RefundPartial, 1_000, 500, 0},
		{RefundSecurityOnly, 0, 500, 0},
		{RefundDamageDeduction, 0, 250, 0}, // half the deposit deducted, under the cap
	}

	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			got, err := ComputeRefund(txn, tc.mode)
			if err != nil {
				t.Fatalf("ComputeRefund: %v", err)
			}
			if got.FeeRefund != tc.wantFee || got.DepositRefund != tc.wantDeposit || got.PlatformFee != tc.wantPlat {
				t.Errorf("got %+v, want fee=%d deposit=%d platform=%d", got, tc.wantFee, tc.wantDeposit, tc.wantPlat)
			}
			if got.Total() > txn.TotalAmount+txn.PlatformFee {
				t.Errorf("refund total %d exceeds amounts held", got.Total())
			}
		})
	}
}

func TestComputeRefundDamageCap(t *testing.T) {
	// Half of a $100 deposit would be $50; the deduction caps at $20.
	txn := &Transaction{SecurityDeposit: 10_000}

	got, err := ComputeRefund(txn, RefundDamageDeduction)
	if err != nil {
		t.Fatalf("ComputeRefund: %v", err)
	}
	if got.DepositRefund != 8_000 {
		t.Errorf("deposit refund = %d, want 8000", got.DepositRefund)
	}
}

func TestComputeRefundUnknownMode(t *testing.T) {
	if _, err := ComputeRefund(&Transaction{}, "half_and_half"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestComputeRefundDeterministic(t *testing.T) {
	txn := &Transaction{RentalFee: 1_233, SecurityDeposit: 767, TotalAmount: 2_000, PlatformFee: 99}
	first, _ := ComputeRefund(txn, RefundPartial)
	second, _ := ComputeRefund(txn, RefundPartial)
	if first != second {
		t.Errorf("split not deterministic: %+v vs %+v", first, second)
	}
}

func TestValidRefundMode(t *testing.T) {
	for _, m := range []RefundMode{RefundFull, RefundPartial, RefundSecurityOnly, RefundDamageDeduction} {
		if !ValidRefundMode(m) {
			t.Errorf("ValidRefundMode(%q) = false", m)
		}
	}
	if ValidRefundMode("keep_everything") {
		t.Error("ValidRefundMode accepted an unknown mode")
	}
}
