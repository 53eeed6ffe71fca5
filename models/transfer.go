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
)

// Transfer moves money between two treasuries as one confirmed payment voucher
// on the source and one confirmed receipt voucher on the destination. Rows are
// immutable once written; reversing a transfer means posting a compensating one.
type Transfer struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"index;not null" json:"business_id"`
	TransferNumber   string          `gorm:"index;size:50;not null" json:"transfer_number"`
	SequenceNo       int64           `gorm:"index;not null" json:"sequence_no"`
	FromSubUnitId    int             `gorm:"index;not null" json:"from_sub_unit_id"`
	ToSubUnitId      int             `gorm:"index;not null" json:"to_sub_unit_id"`
	FromTreasuryId   int             `gorm:"index;not null" json:"from_treasury_id"`
	ToTreasuryId     int             `gorm:"index;not null" json:"to_treasury_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency         string          `gorm:"size:3;not null" json:"currency"`
	PaymentVoucherId int             `gorm:"index;not null" json:"payment_voucher_id"`
	ReceiptVoucherId int             `gorm:"index;not null" json:"receipt_voucher_id"`
	Description      string          `gorm:"type:text" json:"description"`
	TransferDate     time.Time       `gorm:"index;not null" json:"transfer_date"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (t Transfer) GetBusinessId() string {
	return t.BusinessId
}

type NewTransfer struct {
	FromSubUnitId  int             `json:"from_sub_unit_id" binding:"required"`
	ToSubUnitId    int             `json:"to_sub_unit_id" binding:"required"`
	FromTreasuryId int             `json:"from_treasury_id" binding:"required"`
	ToTreasuryId   int             `json:"to_treasury_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	TransferDate   time.Time       `json:"transfer_date" binding:"required"`
}

type TransferFilter struct {
	SubUnitId  *int
	TreasuryId *int
	FromDate   *time.Time
	ToDate     *time.Time
}

func (input *NewTransfer) validate(ctx context.Context, businessId string) (*Treasury, *Treasury, error) {
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, nil, fmt.Errorf("%w: amount must be positive", utils.ErrorInvalidInput)
	}
	if input.FromTreasuryId == input.ToTreasuryId {
		return nil, nil, fmt.Errorf("%w: cannot transfer a treasury to itself", utils.ErrorInvalidInput)
	}

	fromTreasury, err := utils.FetchModel[Treasury](ctx, businessId, input.FromTreasuryId)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: from treasury not found", utils.ErrorInvalidInput)
	}
	toTreasury, err := utils.FetchModel[Treasury](ctx, businessId, input.ToTreasuryId)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: to treasury not found", utils.ErrorInvalidInput)
	}

	if fromTreasury.SubUnitId != input.FromSubUnitId {
		return nil, nil, fmt.Errorf("%w: from treasury does not belong to the from sub unit", utils.ErrorInvalidInput)
	}
	if toTreasury.SubUnitId != input.ToSubUnitId {
		return nil, nil, fmt.Errorf("%w: to treasury does not belong to the to sub unit", utils.ErrorInvalidInput)
	}
	if fromTreasury.IsActive == nil || !*fromTreasury.IsActive {
		return nil, nil, fmt.Errorf("%w: from treasury is inactive", utils.ErrorInvalidInput)
	}
	if toTreasury.IsActive == nil || !*toTreasury.IsActive {
		return nil, nil, fmt.Errorf("%w: to treasury is inactive", utils.ErrorInvalidInput)
	}
	if fromTreasury.Currency != toTreasury.Currency {
		return nil, nil, fmt.Errorf("%w: treasuries hold different currencies", utils.ErrorInvalidInput)
	}

	return fromTreasury, toTreasury, nil
}

// taxonomy errors pass through, anything else mid-transaction becomes TransactionFailed
func wrapTransferError(err error) error {
	for _, sentinel := range []error{
		utils.ErrorInvalidInput,
		utils.ErrorInsufficientBalance,
		utils.ErrorInvalidState,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %s", utils.ErrorTransactionFailed, err.Error())
}

func CreateTransfer(ctx context.Context, input *NewTransfer) (*Transfer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	fromTreasury, _, err := input.validate(ctx, businessId)
	if err != nil {
		return nil, err
	}

	// early balance check before any row is written; re-checked under lock
	if !fromTreasury.TreasuryType.AllowsOverdraft() &&
		fromTreasury.CurrentBalance.Sub(input.Amount).IsNegative() {
		return nil, fmt.Errorf("%w: treasury %s balance %s cannot cover %s",
			utils.ErrorInsufficientBalance, fromTreasury.Code,
			fromTreasury.CurrentBalance.String(), input.Amount.String())
	}

	fromSubUnit, err := utils.FetchModel[SubUnit](ctx, businessId, input.FromSubUnitId)
	if err != nil {
		return nil, fmt.Errorf("%w: from sub unit not found", utils.ErrorInvalidInput)
	}
	toSubUnit, err := utils.FetchModel[SubUnit](ctx, businessId, input.ToSubUnitId)
	if err != nil {
		return nil, fmt.Errorf("%w: to sub unit not found", utils.ErrorInvalidInput)
	}

	paymentSeq, err := utils.GetSequence[Voucher](ctx, businessId,
		fmt.Sprintf("%d-%s", input.FromSubUnitId, VoucherKindPayment),
		"sub_unit_id = ? AND kind = ?", input.FromSubUnitId, VoucherKindPayment)
	if err != nil {
		return nil, err
	}
	receiptSeq, err := utils.GetSequence[Voucher](ctx, businessId,
		fmt.Sprintf("%d-%s", input.ToSubUnitId, VoucherKindReceipt),
		"sub_unit_id = ? AND kind = ?", input.ToSubUnitId, VoucherKindReceipt)
	if err != nil {
		return nil, err
	}
	transferSeq, err := utils.GetSequence[Transfer](ctx, businessId,
		fmt.Sprint(input.FromSubUnitId),
		"from_sub_unit_id = ?", input.FromSubUnitId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, wrapTransferError(tx.Error)
	}

	if err := acquirePostingLock(tx, businessId); err != nil {
		tx.Rollback()
		return nil, wrapTransferError(err)
	}

	transfer, err := postTransfer(tx, ctx, businessId, input, fromSubUnit, toSubUnit, paymentSeq, receiptSeq, transferSeq)
	// GET_LOCK is session-scoped, not tx-scoped: RELEASE_LOCK must run while
	// the tx still owns its connection, or the pooled connection goes back
	// holding the lock and blocks the next posting for this business.
	releasePostingLock(tx, businessId)
	if err != nil {
		tx.Rollback()
		return nil, wrapTransferError(err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, wrapTransferError(err)
	}

	return transfer, nil
}

// postTransfer writes both vouchers and the transfer row on an open tx.
// The caller owns rollback/commit and the posting lock.
func postTransfer(tx *gorm.DB, ctx context.Context, businessId string, input *NewTransfer,
	fromSubUnit *SubUnit, toSubUnit *SubUnit, paymentSeq int64, receiptSeq int64, transferSeq int64) (*Transfer, error) {

	locked, err := lockTreasuries(tx, ctx, businessId, input.FromTreasuryId, input.ToTreasuryId)
	if err != nil {
		return nil, err
	}
	fromTreasury := locked[input.FromTreasuryId]
	toTreasury := locked[input.ToTreasuryId]

	paymentVoucher := Voucher{
		BusinessId:       businessId,
		SubUnitId:        input.FromSubUnitId,
		TreasuryId:       input.FromTreasuryId,
		VoucherNumber:    formatVoucherNumber(VoucherKindPayment, input.FromSubUnitId, paymentSeq),
		SequenceNo:       paymentSeq,
		Kind:             VoucherKindPayment,
		Status:           VoucherStatusDraft,
		Amount:           input.Amount,
		Currency:         fromTreasury.Currency,
		CounterpartyType: CounterpartyTypeEntity,
		CounterpartyName: toSubUnit.Name,
		IsReconciled:     utils.NewFalse(),
		VoucherDate:      input.TransferDate,
		Description:      input.Description,
	}
	if err := tx.WithContext(ctx).Create(&paymentVoucher).Error; err != nil {
		return nil, err
	}
	if err := confirmVoucherInTx(tx, ctx, &paymentVoucher, fromTreasury, TreasuryMovementTypeTransferOut); err != nil {
		return nil, err
	}

	receiptVoucher := Voucher{
		BusinessId:       businessId,
		SubUnitId:        input.ToSubUnitId,
		TreasuryId:       input.ToTreasuryId,
		VoucherNumber:    formatVoucherNumber(VoucherKindReceipt, input.ToSubUnitId, receiptSeq),
		SequenceNo:       receiptSeq,
		Kind:             VoucherKindReceipt,
		Status:           VoucherStatusDraft,
		Amount:           input.Amount,
		Currency:         toTreasury.Currency,
		CounterpartyType: CounterpartyTypeEntity,
		CounterpartyName: fromSubUnit.Name,
		IsReconciled:     utils.NewFalse(),
		VoucherDate:      input.TransferDate,
		Description:      input.Description,
	}
	if err := tx.WithContext(ctx).Create(&receiptVoucher).Error; err != nil {
		return nil, err
	}
	if err := confirmVoucherInTx(tx, ctx, &receiptVoucher, toTreasury, TreasuryMovementTypeTransferIn); err != nil {
		return nil, err
	}

	transfer := Transfer{
		BusinessId:       businessId,
		TransferNumber:   fmt.Sprintf("TR-%d-%d", input.FromSubUnitId, transferSeq),
		SequenceNo:       transferSeq,
		FromSubUnitId:    input.FromSubUnitId,
		ToSubUnitId:      input.ToSubUnitId,
		FromTreasuryId:   input.FromTreasuryId,
		ToTreasuryId:     input.ToTreasuryId,
		Amount:           input.Amount,
		Currency:         fromTreasury.Currency,
		PaymentVoucherId: paymentVoucher.ID,
		ReceiptVoucherId: receiptVoucher.ID,
		Description:      input.Description,
		TransferDate:     input.TransferDate,
	}
	if err := tx.WithContext(ctx).Create(&transfer).Error; err != nil {
		return nil, err
	}

	return &transfer, nil
}

func GetTransfer(ctx context.Context, id int) (*Transfer, error) {

	return GetResource[Transfer](ctx, id)
}

func GetTransfers(ctx context.Context, filter *TransferFilter) ([]*Transfer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*Transfer

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter != nil {
		if filter.SubUnitId != nil && *filter.SubUnitId > 0 {
			dbCtx = dbCtx.Where("from_sub_unit_id = ? OR to_sub_unit_id = ?", *filter.SubUnitId, *filter.SubUnitId)
		}
		if filter.TreasuryId != nil && *filter.TreasuryId > 0 {
			dbCtx = dbCtx.Where("from_treasury_id = ? OR to_treasury_id = ?", *filter.TreasuryId, *filter.TreasuryId)
		}
		if filter.FromDate != nil {
			dbCtx = dbCtx.Where("transfer_date >= ?", *filter.FromDate)
		}
		if filter.ToDate != nil {
			dbCtx = dbCtx.Where("transfer_date <= ?", *filter.ToDate)
		}
	}
	// db query
	err := dbCtx.Order("transfer_date, id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
