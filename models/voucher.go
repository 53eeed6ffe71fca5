package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/masaref/treasury_backend/config"
	"github.com/masaref/treasury_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Voucher struct {
	ID                    int              `gorm:"primary_key" json:"id"`
	BusinessId            string           `gorm:"index;not null;uniqueIndex:ux_vouchers_number" json:"business_id"`
	SubUnitId             int              `gorm:"index;not null" json:"sub_unit_id"`
	TreasuryId            int              `gorm:"index;not null" json:"treasury_id"`
	VoucherNumber         string           `gorm:"size:50;not null;uniqueIndex:ux_vouchers_number" json:"voucher_number"`
	SequenceNo            int64            `gorm:"index;not null" json:"sequence_no"`
	Kind                  VoucherKind      `gorm:"index;not null;type:enum('receipt','payment');" json:"kind"`
	Status                VoucherStatus    `gorm:"index;not null;type:enum('draft','confirmed','cancelled');default:'draft'" json:"status"`
	Amount                decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency              string           `gorm:"size:3;not null" json:"currency"`
	CounterpartyType      CounterpartyType `gorm:"not null;type:enum('person','entity','intermediary','other');" json:"counterparty_type"`
	CounterpartyName      string           `gorm:"size:255" json:"counterparty_name"`
	IntermediaryAccountId int              `gorm:"index;default:0" json:"intermediary_account_id"`
	IsReconciled          *bool            `gorm:"not null;default:false" json:"is_reconciled"`
	ReconciledWith        int              `gorm:"default:0" json:"reconciled_with"`
	ReconciledAt          *time.Time       `json:"reconciled_at"`
	VoucherDate           time.Time        `gorm:"index;not null" json:"voucher_date"`
	Description           string           `gorm:"type:text" json:"description"`
	ConfirmedAt           *time.Time       `json:"confirmed_at"`
	CreatedAt             time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (v Voucher) GetBusinessId() string {
	return v.BusinessId
}

type NewVoucher struct {
	SubUnitId             int              `json:"sub_unit_id" binding:"required"`
	TreasuryId            int              `json:"treasury_id" binding:"required"`
	Kind                  VoucherKind      `json:"kind" binding:"required"`
	Amount                decimal.Decimal  `json:"amount"`
	CounterpartyType      CounterpartyType `json:"counterparty_type" binding:"required"`
	CounterpartyName      string           `json:"counterparty_name"`
	IntermediaryAccountId int              `json:"intermediary_account_id"`
	VoucherDate           time.Time        `json:"voucher_date" binding:"required"`
	Description           string           `json:"description"`
	Confirm               *bool            `json:"confirm"`
}

// VoucherFilter narrows GetVouchers. Nil fields are ignored.
type VoucherFilter struct {
	SubUnitId    *int
	TreasuryId   *int
	Kind         *VoucherKind
	Status       *VoucherStatus
	IsReconciled *bool
	FromDate     *time.Time
	ToDate       *time.Time
}

func voucherPrefix(kind VoucherKind) string {
	if kind == VoucherKindReceipt {
		return "RV"
	}
	return "PV"
}

func formatVoucherNumber(kind VoucherKind, subUnitId int, seq int64) string {
	return fmt.Sprintf("%s-%d-%d", voucherPrefix(kind), subUnitId, seq)
}

func (input *NewVoucher) validate(ctx context.Context, businessId string) (*Treasury, error) {
	if !input.Kind.IsValid() {
		return nil, fmt.Errorf("%w: invalid voucher kind", utils.ErrorInvalidInput)
	}
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", utils.ErrorInvalidInput)
	}
	if !input.CounterpartyType.IsValid() {
		return nil, fmt.Errorf("%w: invalid counterparty type", utils.ErrorInvalidInput)
	}

	// counterparty variant rules
	if input.CounterpartyType == CounterpartyTypeIntermediary {
		if input.IntermediaryAccountId <= 0 {
			return nil, fmt.Errorf("%w: intermediary account id is required", utils.ErrorInvalidInput)
		}
		if err := utils.ValidateResourceId[IntermediaryAccount](ctx, businessId, input.IntermediaryAccountId); err != nil {
			return nil, fmt.Errorf("%w: intermediary account not found", utils.ErrorInvalidInput)
		}
	} else {
		if len(strings.TrimSpace(input.CounterpartyName)) == 0 {
			return nil, fmt.Errorf("%w: counterparty name is required", utils.ErrorInvalidInput)
		}
	}

	if err := utils.ValidateResourceId[SubUnit](ctx, businessId, input.SubUnitId); err != nil {
		return nil, fmt.Errorf("%w: sub unit not found", utils.ErrorInvalidInput)
	}

	treasury, err := utils.FetchModel[Treasury](ctx, businessId, input.TreasuryId)
	if err != nil {
		return nil, fmt.Errorf("%w: treasury not found", utils.ErrorInvalidInput)
	}
	if treasury.IsActive == nil || !*treasury.IsActive {
		return nil, fmt.Errorf("%w: treasury is inactive", utils.ErrorInvalidInput)
	}
	if treasury.SubUnitId != input.SubUnitId {
		return nil, fmt.Errorf("%w: treasury does not belong to the sub unit", utils.ErrorInvalidInput)
	}

	return treasury, nil
}

func CreateVoucher(ctx context.Context, input *NewVoucher) (*Voucher, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	treasury, err := input.validate(ctx, businessId)
	if err != nil {
		return nil, err
	}

	seq, err := utils.GetSequence[Voucher](ctx, businessId,
		fmt.Sprintf("%d-%s", input.SubUnitId, input.Kind),
		"sub_unit_id = ? AND kind = ?", input.SubUnitId, input.Kind)
	if err != nil {
		return nil, err
	}

	voucher := Voucher{
		BusinessId:            businessId,
		SubUnitId:             input.SubUnitId,
		TreasuryId:            input.TreasuryId,
		VoucherNumber:         formatVoucherNumber(input.Kind, input.SubUnitId, seq),
		SequenceNo:            seq,
		Kind:                  input.Kind,
		Status:                VoucherStatusDraft,
		Amount:                input.Amount,
		Currency:              treasury.Currency,
		CounterpartyType:      input.CounterpartyType,
		CounterpartyName:      input.CounterpartyName,
		IntermediaryAccountId: input.IntermediaryAccountId,
		IsReconciled:          utils.NewFalse(),
		VoucherDate:           input.VoucherDate,
		Description:           input.Description,
	}

	db := config.GetDB()
	// db action
	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&voucher).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if input.Confirm != nil && *input.Confirm {
		locked, err := lockTreasuries(tx, ctx, businessId, voucher.TreasuryId)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		movementType := TreasuryMovementTypeReceipt
		if voucher.Kind == VoucherKindPayment {
			movementType = TreasuryMovementTypePayment
		}
		if err := confirmVoucherInTx(tx, ctx, &voucher, locked[voucher.TreasuryId], movementType); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &voucher, nil
}

// confirmVoucherInTx flips a draft voucher to confirmed and applies its balance
// effect in the same unit of work. The treasury row must already be locked.
func confirmVoucherInTx(tx *gorm.DB, ctx context.Context, voucher *Voucher, treasury *Treasury, movementType TreasuryMovementType) error {
	if voucher.Status != VoucherStatusDraft {
		return fmt.Errorf("%w: voucher %s is %s", utils.ErrorInvalidState, voucher.VoucherNumber, voucher.Status)
	}

	if err := applyTreasuryMovement(tx, ctx, treasury, movementType, voucher.Amount, voucher.ID, voucher.VoucherDate); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := tx.WithContext(ctx).Model(voucher).Updates(map[string]interface{}{
		"Status":      VoucherStatusConfirmed,
		"ConfirmedAt": now,
	}).Error; err != nil {
		return err
	}
	voucher.Status = VoucherStatusConfirmed
	voucher.ConfirmedAt = &now
	return nil
}

func ConfirmVoucher(ctx context.Context, id int) (*Voucher, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	// lock the voucher row so a concurrent confirm waits here and then
	// fails the draft re-check instead of double-applying the movement
	var voucher Voucher
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&voucher, id).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	locked, err := lockTreasuries(tx, ctx, businessId, voucher.TreasuryId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	movementType := TreasuryMovementTypeReceipt
	if voucher.Kind == VoucherKindPayment {
		movementType = TreasuryMovementTypePayment
	}
	if err := confirmVoucherInTx(tx, ctx, &voucher, locked[voucher.TreasuryId], movementType); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &voucher, nil
}

func CancelVoucher(ctx context.Context, id int) (*Voucher, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	var voucher Voucher
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&voucher, id).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	if voucher.Status != VoucherStatusDraft {
		tx.Rollback()
		return nil, fmt.Errorf("%w: voucher %s is %s", utils.ErrorInvalidState, voucher.VoucherNumber, voucher.Status)
	}

	if err := tx.WithContext(ctx).Model(&voucher).
		UpdateColumn("status", VoucherStatusCancelled).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	voucher.Status = VoucherStatusCancelled

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &voucher, nil
}

func GetVoucher(ctx context.Context, id int) (*Voucher, error) {

	return GetResource[Voucher](ctx, id)
}

func GetVouchers(ctx context.Context, filter *VoucherFilter) ([]*Voucher, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*Voucher

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter != nil {
		if filter.SubUnitId != nil && *filter.SubUnitId > 0 {
			dbCtx = dbCtx.Where("sub_unit_id = ?", *filter.SubUnitId)
		}
		if filter.TreasuryId != nil && *filter.TreasuryId > 0 {
			dbCtx = dbCtx.Where("treasury_id = ?", *filter.TreasuryId)
		}
		if filter.Kind != nil && len(*filter.Kind) > 0 {
			dbCtx = dbCtx.Where("kind = ?", *filter.Kind)
		}
		if filter.Status != nil && len(*filter.Status) > 0 {
			dbCtx = dbCtx.Where("status = ?", *filter.Status)
		}
		if filter.IsReconciled != nil {
			dbCtx = dbCtx.Where("is_reconciled = ?", *filter.IsReconciled)
		}
		if filter.FromDate != nil {
			dbCtx = dbCtx.Where("voucher_date >= ?", *filter.FromDate)
		}
		if filter.ToDate != nil {
			dbCtx = dbCtx.Where("voucher_date <= ?", *filter.ToDate)
		}
	}
	// db query
	err := dbCtx.Order("voucher_date, id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetReconcilableVouchers returns confirmed, unreconciled intermediary vouchers
// of one sub unit that are not already tied up in an open reconciliation.
// Rejected proposals free their vouchers again unless rematchRejected is false.
func GetReconcilableVouchers(ctx context.Context, subUnitId int, rematchRejected bool) ([]*Voucher, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateResourceId[SubUnit](ctx, businessId, subUnitId); err != nil {
		return nil, fmt.Errorf("%w: sub unit not found", utils.ErrorInvalidInput)
	}

	blockedStatuses := []ReconciliationStatus{ReconciliationStatusProposed, ReconciliationStatusConfirmed}
	if !rematchRejected {
		blockedStatuses = append(blockedStatuses, ReconciliationStatusRejected)
	}

	db := config.GetDB()
	blocked := db.Model(&Reconciliation{}).
		Select("payment_voucher_id").
		Where("business_id = ? AND status IN ?", businessId, blockedStatuses)
	blockedReceipts := db.Model(&Reconciliation{}).
		Select("receipt_voucher_id").
		Where("business_id = ? AND status IN ?", businessId, blockedStatuses)

	var results []*Voucher
	err := db.WithContext(ctx).
		Where("business_id = ? AND sub_unit_id = ?", businessId, subUnitId).
		Where("status = ? AND counterparty_type = ? AND is_reconciled = ?",
			VoucherStatusConfirmed, CounterpartyTypeIntermediary, false).
		Where("id NOT IN (?) AND id NOT IN (?)", blocked, blockedReceipts).
		Order("voucher_date, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
