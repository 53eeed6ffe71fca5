package workflow

import (
	"testing"
	"time"

	"github.com/masaref/treasury_backend/models"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the matching
// semantics on in-memory vouchers:
// - greedy one-to-one assignment, closest date wins, earliest creation breaks ties
// - candidates outside the tolerance window are never proposed
// - the result is deterministic regardless of input order
//
// Full DB integration tests live in the models package and require docker.

func day(n int) time.Time {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func paymentVoucher(id int, intermediaryId int, amount int64, voucherDate time.Time) *models.Voucher {
	return &models.Voucher{
		ID:                    id,
		Kind:                  models.VoucherKindPayment,
		Status:                models.VoucherStatusConfirmed,
		Amount:                decimal.NewFromInt(amount),
		Currency:              "USD",
		CounterpartyType:      models.CounterpartyTypeIntermediary,
		IntermediaryAccountId: intermediaryId,
		VoucherDate:           voucherDate,
		CreatedAt:             voucherDate,
	}
}

func receiptVoucher(id int, intermediaryId int, amount int64, voucherDate time.Time) *models.Voucher {
	v := paymentVoucher(id, intermediaryId, amount, voucherDate)
	v.Kind = models.VoucherKindReceipt
	return v
}

func TestMatchVouchersPairsSameIntermediaryAndAmount(t *testing.T) {
	payments := []*models.Voucher{paymentVoucher(1, 10, 200, day(1))}
	receipts := []*models.Voucher{
		receiptVoucher(2, 10, 200, day(2)),
		receiptVoucher(3, 10, 500, day(2)),
		receiptVoucher(4, 11, 200, day(2)),
	}

	proposals := matchVouchers(payments, receipts, 3)
	if len(proposals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(proposals))
	}
	if proposals[0].Payment.ID != 1 || proposals[0].Receipt.ID != 2 {
		t.Fatalf("expected pair (1,2), got (%d,%d)", proposals[0].Payment.ID, proposals[0].Receipt.ID)
	}
	if proposals[0].Confidence != models.MatchConfidenceHigh {
		t.Fatalf("expected high confidence for a 1-day distance, got %s", proposals[0].Confidence)
	}
}

func TestMatchVouchersRespectsToleranceWindow(t *testing.T) {
	payments := []*models.Voucher{paymentVoucher(1, 10, 200, day(0))}
	receipts := []*models.Voucher{receiptVoucher(2, 10, 200, day(5))}

	if proposals := matchVouchers(payments, receipts, 3); len(proposals) != 0 {
		t.Fatalf("expected no proposals outside the tolerance window, got %d", len(proposals))
	}
	// widening the window makes the same pair eligible, at low confidence
	proposals := matchVouchers(payments, receipts, 7)
	if len(proposals) != 1 {
		t.Fatalf("expected 1 proposal with a 7-day window, got %d", len(proposals))
	}
	if proposals[0].Confidence != models.MatchConfidenceLow {
		t.Fatalf("expected low confidence for a 5-day distance, got %s", proposals[0].Confidence)
	}
}

func TestMatchVouchersPicksClosestDate(t *testing.T) {
	payments := []*models.Voucher{paymentVoucher(1, 10, 200, day(3))}
	receipts := []*models.Voucher{
		receiptVoucher(2, 10, 200, day(0)),
		receiptVoucher(3, 10, 200, day(4)),
	}

	proposals := matchVouchers(payments, receipts, 3)
	if len(proposals) != 1 || proposals[0].Receipt.ID != 3 {
		t.Fatalf("expected the 1-day-away receipt 3 to win, got %+v", proposals)
	}
}

func TestMatchVouchersTieBreaksByCreationTime(t *testing.T) {
	payments := []*models.Voucher{paymentVoucher(1, 10, 200, day(2))}
	older := receiptVoucher(2, 10, 200, day(3))
	older.CreatedAt = day(3).Add(1 * time.Hour)
	newer := receiptVoucher(3, 10, 200, day(1))
	newer.CreatedAt = day(3).Add(2 * time.Hour)

	// both receipts are exactly one day away; the earlier-created one wins
	proposals := matchVouchers(payments, []*models.Voucher{newer, older}, 3)
	if len(proposals) != 1 || proposals[0].Receipt.ID != 2 {
		t.Fatalf("expected tie-break on creation time to pick receipt 2, got %+v", proposals)
	}
}

func TestMatchVouchersGreedyOneToOne(t *testing.T) {
	payments := []*models.Voucher{
		paymentVoucher(1, 10, 200, day(0)),
		paymentVoucher(2, 10, 200, day(1)),
	}
	receipts := []*models.Voucher{receiptVoucher(3, 10, 200, day(1))}

	// the earliest payment consumes the only receipt; the second stays open
	proposals := matchVouchers(payments, receipts, 3)
	if len(proposals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(proposals))
	}
	if proposals[0].Payment.ID != 1 {
		t.Fatalf("expected earliest payment 1 to consume the receipt, got %d", proposals[0].Payment.ID)
	}
}

func TestMatchVouchersDeterministicAcrossInputOrder(t *testing.T) {
	payments := []*models.Voucher{
		paymentVoucher(1, 10, 200, day(0)),
		paymentVoucher(2, 10, 300, day(1)),
		paymentVoucher(3, 10, 200, day(2)),
	}
	receipts := []*models.Voucher{
		receiptVoucher(4, 10, 200, day(1)),
		receiptVoucher(5, 10, 300, day(1)),
		receiptVoucher(6, 10, 200, day(3)),
	}

	first := matchVouchers(payments, receipts, 3)

	reversedPayments := []*models.Voucher{payments[2], payments[1], payments[0]}
	reversedReceipts := []*models.Voucher{receipts[2], receipts[1], receipts[0]}
	second := matchVouchers(reversedPayments, reversedReceipts, 3)

	if len(first) != len(second) {
		t.Fatalf("proposal count differs across input order: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Payment.ID != second[i].Payment.ID || first[i].Receipt.ID != second[i].Receipt.ID {
			t.Fatalf("proposal %d differs across input order: (%d,%d) vs (%d,%d)",
				i, first[i].Payment.ID, first[i].Receipt.ID, second[i].Payment.ID, second[i].Receipt.ID)
		}
	}
}

func TestGradeConfidence(t *testing.T) {
	cases := []struct {
		distance time.Duration
		want     models.MatchConfidence
	}{
		{0, models.MatchConfidenceHigh},
		{24 * time.Hour, models.MatchConfidenceHigh},
		{48 * time.Hour, models.MatchConfidenceMedium},
		{72 * time.Hour, models.MatchConfidenceMedium},
		{96 * time.Hour, models.MatchConfidenceLow},
	}
	for _, tc := range cases {
		if got := gradeConfidence(tc.distance); got != tc.want {
			t.Errorf("gradeConfidence(%s) = %s, want %s", tc.distance, got, tc.want)
		}
	}
}

func TestLoadReconcileConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("RECONCILE_TOLERANCE_DAYS", "")
	t.Setenv("RECONCILE_REMATCH_REJECTED", "")
	cfg := LoadReconcileConfig()
	if cfg.ToleranceDays != 3 || !cfg.RematchRejected {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	t.Setenv("RECONCILE_TOLERANCE_DAYS", "7")
	t.Setenv("RECONCILE_REMATCH_REJECTED", "false")
	cfg = LoadReconcileConfig()
	if cfg.ToleranceDays != 7 || cfg.RematchRejected {
		t.Fatalf("env override not applied: %+v", cfg)
	}

	t.Setenv("RECONCILE_TOLERANCE_DAYS", "not-a-number")
	cfg = LoadReconcileConfig()
	if cfg.ToleranceDays != 3 {
		t.Fatalf("invalid env should fall back to default, got %d", cfg.ToleranceDays)
	}
}
