package workflow

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/masaref/treasury_backend/config"
	"github.com/masaref/treasury_backend/models"
	"github.com/masaref/treasury_backend/utils"
)

// ReconcileConfig controls the auto-match scan.
// RematchRejected decides whether vouchers freed by a rejected proposal may be
// proposed again; default keeps them eligible.
type ReconcileConfig struct {
	ToleranceDays   int
	RematchRejected bool
}

func LoadReconcileConfig() ReconcileConfig {
	cfg := ReconcileConfig{
		ToleranceDays:   3,
		RematchRejected: true,
	}
	if v := os.Getenv("RECONCILE_TOLERANCE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ToleranceDays = n
		}
	}
	if v := os.Getenv("RECONCILE_REMATCH_REJECTED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RematchRejected = b
		}
	}
	return cfg
}

type matchProposal struct {
	Payment    *models.Voucher
	Receipt    *models.Voucher
	Confidence models.MatchConfidence
}

func gradeConfidence(distance time.Duration) models.MatchConfidence {
	if distance <= 24*time.Hour {
		return models.MatchConfidenceHigh
	}
	if distance <= 72*time.Hour {
		return models.MatchConfidenceMedium
	}
	return models.MatchConfidenceLow
}

func dateDistance(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}

// matchVouchers pairs payment vouchers with receipt vouchers recorded through
// the same intermediary for the same amount within the tolerance window.
// Greedy one-to-one: payments are walked in ascending date order, each takes
// the closest-dated free receipt, ties broken by earliest creation time.
// Input order does not matter; the result is deterministic, so re-running the
// scan over unchanged vouchers proposes the same pairs.
func matchVouchers(payments []*models.Voucher, receipts []*models.Voucher, toleranceDays int) []matchProposal {
	tolerance := time.Duration(toleranceDays) * 24 * time.Hour

	sortedPayments := make([]*models.Voucher, len(payments))
	copy(sortedPayments, payments)
	sort.SliceStable(sortedPayments, func(i, j int) bool {
		if !sortedPayments[i].VoucherDate.Equal(sortedPayments[j].VoucherDate) {
			return sortedPayments[i].VoucherDate.Before(sortedPayments[j].VoucherDate)
		}
		return sortedPayments[i].ID < sortedPayments[j].ID
	})

	consumed := make(map[int]bool, len(receipts))
	proposals := make([]matchProposal, 0)

	for _, payment := range sortedPayments {
		var best *models.Voucher
		var bestDistance time.Duration
		for _, receipt := range receipts {
			if consumed[receipt.ID] {
				continue
			}
			if receipt.IntermediaryAccountId != payment.IntermediaryAccountId {
				continue
			}
			if !receipt.Amount.Equal(payment.Amount) || receipt.Currency != payment.Currency {
				continue
			}
			distance := dateDistance(payment.VoucherDate, receipt.VoucherDate)
			if distance > tolerance {
				continue
			}
			if best == nil || distance < bestDistance ||
				(distance == bestDistance && receipt.CreatedAt.Before(best.CreatedAt)) {
				best = receipt
				bestDistance = distance
			}
		}
		if best == nil {
			continue
		}
		consumed[best.ID] = true
		proposals = append(proposals, matchProposal{
			Payment:    payment,
			Receipt:    best,
			Confidence: gradeConfidence(bestDistance),
		})
	}

	return proposals
}

// AutoReconcile scans one sub unit's open intermediary vouchers and persists a
// proposed Reconciliation per matched pair. The scan itself holds no row locks;
// each proposal is re-validated when confirmed.
func AutoReconcile(ctx context.Context, subUnitId int) ([]*models.Reconciliation, error) {
	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// single scanner per business, other instances wait their turn
	release, err := utils.BusinessLock(ctx, businessId, "reconcile", "reconcileWorkflow.go", "AutoReconcile")
	if err != nil {
		return nil, err
	}
	defer release()

	cfg := LoadReconcileConfig()

	vouchers, err := models.GetReconcilableVouchers(ctx, subUnitId, cfg.RematchRejected)
	if err != nil {
		config.LogError(logger, "reconcileWorkflow.go", "AutoReconcile", "Querying reconcilable vouchers", subUnitId, err)
		return nil, err
	}

	payments := make([]*models.Voucher, 0, len(vouchers))
	receipts := make([]*models.Voucher, 0, len(vouchers))
	for _, voucher := range vouchers {
		if voucher.Kind == models.VoucherKindPayment {
			payments = append(payments, voucher)
		} else {
			receipts = append(receipts, voucher)
		}
	}

	proposals := matchVouchers(payments, receipts, cfg.ToleranceDays)

	reconciliations := make([]*models.Reconciliation, 0, len(proposals))
	for _, proposal := range proposals {
		reconciliation, err := models.CreateReconciliation(ctx, &models.NewReconciliation{
			SubUnitId:        subUnitId,
			PaymentVoucherId: proposal.Payment.ID,
			ReceiptVoucherId: proposal.Receipt.ID,
			MatchConfidence:  proposal.Confidence,
		})
		if err != nil {
			config.LogError(logger, "reconcileWorkflow.go", "AutoReconcile", "Creating proposed reconciliation", proposal, err)
			return nil, err
		}
		reconciliations = append(reconciliations, reconciliation)
	}

	return reconciliations, nil
}
