package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/masaref/treasury_backend/config"
	"github.com/masaref/treasury_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reconciliation pairs one payment voucher with one receipt voucher believed to
// be the two sides of the same cash movement through an intermediary.
type Reconciliation struct {
	ID                    int                  `gorm:"primary_key" json:"id"`
	BusinessId            string               `gorm:"index;not null" json:"business_id"`
	SubUnitId             int                  `gorm:"index;not null" json:"sub_unit_id"`
	IntermediaryAccountId int                  `gorm:"index;not null" json:"intermediary_account_id"`
	PaymentVoucherId      int                  `gorm:"index;not null" json:"payment_voucher_id"`
	ReceiptVoucherId      int                  `gorm:"index;not null" json:"receipt_voucher_id"`
	Amount                decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency              string               `gorm:"size:3;not null" json:"currency"`
	MatchConfidence       MatchConfidence      `gorm:"not null;type:enum('high','medium','low');" json:"match_confidence"`
	Status                ReconciliationStatus `gorm:"index;not null;type:enum('proposed','confirmed','rejected');default:'proposed'" json:"status"`
	ConfirmedAt           *time.Time           `json:"confirmed_at"`
	RejectedAt            *time.Time           `json:"rejected_at"`
	CreatedAt             time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r Reconciliation) GetBusinessId() string {
	return r.BusinessId
}

type NewReconciliation struct {
	SubUnitId        int             `json:"sub_unit_id" binding:"required"`
	PaymentVoucherId int             `json:"payment_voucher_id" binding:"required"`
	ReceiptVoucherId int             `json:"receipt_voucher_id" binding:"required"`
	MatchConfidence  MatchConfidence `json:"match_confidence" binding:"required"`
}

type ReconciliationFilter struct {
	SubUnitId             *int
	IntermediaryAccountId *int
	Status                *ReconciliationStatus
}

// CreateReconciliation persists a proposed pairing. Both vouchers must be
// confirmed, unreconciled, intermediary-typed, on the same intermediary and
// for the same amount.
func CreateReconciliation(ctx context.Context, input *NewReconciliation) (*Reconciliation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	payment, err := utils.FetchModel[Voucher](ctx, businessId, input.PaymentVoucherId)
	if err != nil {
		return nil, fmt.Errorf("%w: payment voucher not found", utils.ErrorInvalidInput)
	}
	receipt, err := utils.FetchModel[Voucher](ctx, businessId, input.ReceiptVoucherId)
	if err != nil {
		return nil, fmt.Errorf("%w: receipt voucher not found", utils.ErrorInvalidInput)
	}

	if payment.Kind != VoucherKindPayment || receipt.Kind != VoucherKindReceipt {
		return nil, fmt.Errorf("%w: reconciliation needs one payment and one receipt voucher", utils.ErrorInvalidInput)
	}
	if payment.Status != VoucherStatusConfirmed || receipt.Status != VoucherStatusConfirmed {
		return nil, fmt.Errorf("%w: both vouchers must be confirmed", utils.ErrorInvalidInput)
	}
	if payment.CounterpartyType != CounterpartyTypeIntermediary || receipt.CounterpartyType != CounterpartyTypeIntermediary {
		return nil, fmt.Errorf("%w: both vouchers must be intermediary vouchers", utils.ErrorInvalidInput)
	}
	if payment.IntermediaryAccountId != receipt.IntermediaryAccountId {
		return nil, fmt.Errorf("%w: vouchers belong to different intermediaries", utils.ErrorInvalidInput)
	}
	if !payment.Amount.Equal(receipt.Amount) || payment.Currency != receipt.Currency {
		return nil, fmt.Errorf("%w: voucher amounts do not match", utils.ErrorInvalidInput)
	}
	if (payment.IsReconciled != nil && *payment.IsReconciled) ||
		(receipt.IsReconciled != nil && *receipt.IsReconciled) {
		return nil, fmt.Errorf("%w: voucher already reconciled", utils.ErrorAlreadyReconciled)
	}

	reconciliation := Reconciliation{
		BusinessId:            businessId,
		SubUnitId:             input.SubUnitId,
		IntermediaryAccountId: payment.IntermediaryAccountId,
		PaymentVoucherId:      payment.ID,
		ReceiptVoucherId:      receipt.ID,
		Amount:                payment.Amount,
		Currency:              payment.Currency,
		MatchConfidence:       input.MatchConfidence,
		Status:                ReconciliationStatusProposed,
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&reconciliation).Error; err != nil {
		return nil, err
	}

	return &reconciliation, nil
}

// ConfirmReconciliation stamps both vouchers reconciled. The voucher rows are
// locked and re-checked inside the transaction so a proposal racing a
// concurrent confirmation fails with AlreadyReconciled and changes nothing.
func ConfirmReconciliation(ctx context.Context, id int) (*Reconciliation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	var reconciliation Reconciliation
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&reconciliation, id).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	if reconciliation.Status != ReconciliationStatusProposed {
		tx.Rollback()
		return nil, fmt.Errorf("%w: reconciliation is %s", utils.ErrorInvalidState, reconciliation.Status)
	}

	var vouchers []*Voucher
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id IN ?", businessId,
			[]int{reconciliation.PaymentVoucherId, reconciliation.ReceiptVoucherId}).
		Order("id").
		Find(&vouchers).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if len(vouchers) != 2 {
		tx.Rollback()
		return nil, fmt.Errorf("%w: reconciliation vouchers missing", utils.ErrorInvalidState)
	}

	for _, voucher := range vouchers {
		if voucher.IsReconciled != nil && *voucher.IsReconciled {
			tx.Rollback()
			return nil, fmt.Errorf("%w: voucher %s", utils.ErrorAlreadyReconciled, voucher.VoucherNumber)
		}
	}

	now := time.Now().UTC()
	for _, voucher := range vouchers {
		reconciledWith := reconciliation.ReceiptVoucherId
		if voucher.ID == reconciliation.ReceiptVoucherId {
			reconciledWith = reconciliation.PaymentVoucherId
		}
		if err := tx.WithContext(ctx).Model(voucher).Updates(map[string]interface{}{
			"IsReconciled":   true,
			"ReconciledWith": reconciledWith,
			"ReconciledAt":   now,
		}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.WithContext(ctx).Model(&reconciliation).Updates(map[string]interface{}{
		"Status":      ReconciliationStatusConfirmed,
		"ConfirmedAt": now,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	reconciliation.Status = ReconciliationStatusConfirmed
	reconciliation.ConfirmedAt = &now

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &reconciliation, nil
}

// RejectReconciliation is terminal for the proposal; the vouchers stay
// unreconciled and may be matched again by a later scan.
func RejectReconciliation(ctx context.Context, id int) (*Reconciliation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	var reconciliation Reconciliation
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&reconciliation, id).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	if reconciliation.Status != ReconciliationStatusProposed {
		tx.Rollback()
		return nil, fmt.Errorf("%w: reconciliation is %s", utils.ErrorInvalidState, reconciliation.Status)
	}

	now := time.Now().UTC()
	if err := tx.WithContext(ctx).Model(&reconciliation).Updates(map[string]interface{}{
		"Status":     ReconciliationStatusRejected,
		"RejectedAt": now,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	reconciliation.Status = ReconciliationStatusRejected
	reconciliation.RejectedAt = &now

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &reconciliation, nil
}

func GetReconciliation(ctx context.Context, id int) (*Reconciliation, error) {

	return GetResource[Reconciliation](ctx, id)
}

func GetReconciliations(ctx context.Context, filter *ReconciliationFilter) ([]*Reconciliation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*Reconciliation

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter != nil {
		if filter.SubUnitId != nil && *filter.SubUnitId > 0 {
			dbCtx = dbCtx.Where("sub_unit_id = ?", *filter.SubUnitId)
		}
		if filter.IntermediaryAccountId != nil && *filter.IntermediaryAccountId > 0 {
			dbCtx = dbCtx.Where("intermediary_account_id = ?", *filter.IntermediaryAccountId)
		}
		if filter.Status != nil && len(*filter.Status) > 0 {
			dbCtx = dbCtx.Where("status = ?", *filter.Status)
		}
	}
	// db query
	err := dbCtx.Order("id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
