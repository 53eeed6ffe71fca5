package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/masaref/treasury_backend/utils"
)

func TestFormatVoucherNumber(t *testing.T) {
	cases := []struct {
		kind      VoucherKind
		subUnitId int
		seq       int64
		want      string
	}{
		{VoucherKindPayment, 3, 1, "PV-3-1"},
		{VoucherKindReceipt, 3, 1, "RV-3-1"},
		{VoucherKindPayment, 12, 407, "PV-12-407"},
	}
	for _, tc := range cases {
		if got := formatVoucherNumber(tc.kind, tc.subUnitId, tc.seq); got != tc.want {
			t.Errorf("formatVoucherNumber(%s, %d, %d) = %s, want %s", tc.kind, tc.subUnitId, tc.seq, got, tc.want)
		}
	}
}

func TestTreasuryTypeOverdraftPolicy(t *testing.T) {
	// only exchange accounts may go negative
	forbidden := []TreasuryType{TreasuryTypeCash, TreasuryTypeBank, TreasuryTypeWallet}
	for _, tt := range forbidden {
		if tt.AllowsOverdraft() {
			t.Errorf("%s must forbid overdraft", tt)
		}
	}
	if !TreasuryTypeExchange.AllowsOverdraft() {
		t.Error("exchange must allow overdraft")
	}
}

func TestTreasuryMovementTypeIsInflow(t *testing.T) {
	inflows := []TreasuryMovementType{
		TreasuryMovementTypeReceipt,
		TreasuryMovementTypeTransferIn,
		TreasuryMovementTypeOpening,
	}
	for _, mt := range inflows {
		if !mt.IsInflow() {
			t.Errorf("%s must be an inflow", mt)
		}
	}
	outflows := []TreasuryMovementType{
		TreasuryMovementTypePayment,
		TreasuryMovementTypeTransferOut,
	}
	for _, mt := range outflows {
		if mt.IsInflow() {
			t.Errorf("%s must be an outflow", mt)
		}
	}
}

func TestEnumValidation(t *testing.T) {
	if TreasuryType("piggybank").IsValid() {
		t.Error("unknown treasury type must be invalid")
	}
	if VoucherKind("refund").IsValid() {
		t.Error("unknown voucher kind must be invalid")
	}
	if CounterpartyType("robot").IsValid() {
		t.Error("unknown counterparty type must be invalid")
	}
}

func TestWrapTransferErrorPassesTaxonomyThrough(t *testing.T) {
	for _, sentinel := range []error{
		utils.ErrorInvalidInput,
		utils.ErrorInsufficientBalance,
		utils.ErrorInvalidState,
	} {
		wrapped := wrapTransferError(fmt.Errorf("%w: detail", sentinel))
		if !errors.Is(wrapped, sentinel) {
			t.Errorf("expected %v to pass through, got %v", sentinel, wrapped)
		}
		if errors.Is(wrapped, utils.ErrorTransactionFailed) {
			t.Errorf("%v must not be remapped to TransactionFailed", sentinel)
		}
	}

	plain := wrapTransferError(errors.New("deadlock found when trying to get lock"))
	if !errors.Is(plain, utils.ErrorTransactionFailed) {
		t.Errorf("infrastructure errors must map to TransactionFailed, got %v", plain)
	}
}
