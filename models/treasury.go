package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/masaref/treasury_backend/config"
	"github.com/masaref/treasury_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Treasury struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"index;not null" json:"business_id"`
	SubUnitId      int             `gorm:"index;not null" json:"sub_unit_id"`
	Code           string          `gorm:"index;size:20;not null" json:"code" binding:"required"`
	Name           string          `gorm:"index;size:100;not null" json:"name" binding:"required"`
	TreasuryType   TreasuryType    `gorm:"not null;type:enum('cash','bank','wallet','exchange');" json:"treasury_type"`
	Currency       string          `gorm:"size:3;not null" json:"currency"`
	BankName       string          `gorm:"size:100" json:"bank_name"`
	AccountNumber  string          `gorm:"size:100" json:"account_number"`
	Iban           string          `gorm:"size:34" json:"iban"`
	SwiftCode      string          `gorm:"size:11" json:"swift_code"`
	WalletProvider string          `gorm:"size:100" json:"wallet_provider"`
	WalletNumber   string          `gorm:"size:100" json:"wallet_number"`
	OpeningBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_balance"`
	CurrentBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_balance"`
	IsActive       *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t Treasury) GetBusinessId() string {
	return t.BusinessId
}

type NewTreasury struct {
	SubUnitId      int             `json:"sub_unit_id" binding:"required"`
	Code           string          `json:"code" binding:"required"`
	Name           string          `json:"name" binding:"required"`
	TreasuryType   TreasuryType    `json:"treasury_type" binding:"required"`
	Currency       string          `json:"currency" binding:"required"`
	BankName       string          `json:"bank_name"`
	AccountNumber  string          `json:"account_number"`
	Iban           string          `json:"iban"`
	SwiftCode      string          `json:"swift_code"`
	WalletProvider string          `json:"wallet_provider"`
	WalletNumber   string          `json:"wallet_number"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// validate input for both create & update. (id = 0 for create)

func (input *NewTreasury) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Treasury](ctx, businessId, id); err != nil {
			return err
		}
	}
	if !input.TreasuryType.IsValid() {
		return fmt.Errorf("%w: invalid treasury type", utils.ErrorInvalidInput)
	}
	if len(strings.TrimSpace(input.Currency)) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", utils.ErrorInvalidInput)
	}
	if err := utils.ValidateResourceId[SubUnit](ctx, businessId, input.SubUnitId); err != nil {
		return fmt.Errorf("%w: sub unit not found", utils.ErrorInvalidInput)
	}
	// code
	if err := utils.ValidateUnique[Treasury](ctx, businessId, "code", input.Code, id); err != nil {
		return fmt.Errorf("%w: %s", utils.ErrorInvalidInput, err.Error())
	}
	// type-specific attributes
	switch input.TreasuryType {
	case TreasuryTypeBank:
		if len(strings.TrimSpace(input.BankName)) == 0 {
			return fmt.Errorf("%w: bank name is required for bank treasuries", utils.ErrorInvalidInput)
		}
		if len(strings.TrimSpace(input.AccountNumber)) == 0 && len(strings.TrimSpace(input.Iban)) == 0 {
			return fmt.Errorf("%w: account number or iban is required for bank treasuries", utils.ErrorInvalidInput)
		}
	case TreasuryTypeWallet:
		if len(strings.TrimSpace(input.WalletProvider)) == 0 {
			return fmt.Errorf("%w: wallet provider is required for wallet treasuries", utils.ErrorInvalidInput)
		}
		if len(strings.TrimSpace(input.WalletNumber)) == 0 {
			return fmt.Errorf("%w: wallet number is required for wallet treasuries", utils.ErrorInvalidInput)
		}
	}
	return nil
}

func CreateTreasury(ctx context.Context, input *NewTreasury) (*Treasury, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	treasury := Treasury{
		BusinessId:     businessId,
		SubUnitId:      input.SubUnitId,
		Code:           strings.ToUpper(strings.TrimSpace(input.Code)),
		Name:           input.Name,
		TreasuryType:   input.TreasuryType,
		Currency:       strings.ToUpper(strings.TrimSpace(input.Currency)),
		BankName:       input.BankName,
		AccountNumber:  input.AccountNumber,
		Iban:           input.Iban,
		SwiftCode:      input.SwiftCode,
		WalletProvider: input.WalletProvider,
		WalletNumber:   input.WalletNumber,
		OpeningBalance: input.OpeningBalance,
		CurrentBalance: input.OpeningBalance,
		IsActive:       utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&treasury).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// record the opening balance as the first movement so the statement is complete
	if !treasury.OpeningBalance.IsZero() {
		movement := TreasuryMovement{
			BusinessId:    businessId,
			TreasuryId:    treasury.ID,
			MovementType:  TreasuryMovementTypeOpening,
			Amount:        treasury.OpeningBalance,
			BalanceBefore: decimal.Zero,
			BalanceAfter:  treasury.OpeningBalance,
			MovementDate:  time.Now().UTC(),
		}
		if err := tx.WithContext(ctx).Create(&movement).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if err := utils.ClearRedisList[Treasury](businessId); err != nil {
		return nil, err
	}

	return &treasury, nil
}

func UpdateTreasury(ctx context.Context, id int, input *NewTreasury) (*Treasury, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	treasury, err := utils.FetchModel[Treasury](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// type and currency are frozen once movements exist
	if input.TreasuryType != treasury.TreasuryType ||
		!strings.EqualFold(input.Currency, treasury.Currency) {
		count, err := utils.ResourceCountWhere[TreasuryMovement](ctx, businessId, "treasury_id = ?", id)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, fmt.Errorf("%w: cannot change type or currency of a treasury with movements", utils.ErrorInvalidInput)
		}
	}

	// balance fields are never externally settable
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&treasury).Updates(map[string]interface{}{
		"SubUnitId":      input.SubUnitId,
		"Code":           strings.ToUpper(strings.TrimSpace(input.Code)),
		"Name":           input.Name,
		"TreasuryType":   input.TreasuryType,
		"Currency":       strings.ToUpper(strings.TrimSpace(input.Currency)),
		"BankName":       input.BankName,
		"AccountNumber":  input.AccountNumber,
		"Iban":           input.Iban,
		"SwiftCode":      input.SwiftCode,
		"WalletProvider": input.WalletProvider,
		"WalletNumber":   input.WalletNumber,
	}).Error
	if err != nil {
		return nil, err
	}

	if err := utils.ClearRedisList[Treasury](businessId); err != nil {
		return nil, err
	}

	return treasury, nil
}

// DeleteTreasury refuses when voucher or transfer history references the
// treasury; otherwise it deactivates. Rows are never removed, the movement
// audit trail stays intact.
func DeleteTreasury(ctx context.Context, id int) (*Treasury, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if _, err := utils.FetchModel[Treasury](ctx, businessId, id); err != nil {
		return nil, err
	}

	// check if the treasury is used
	count, err := utils.ResourceCountWhere[Voucher](ctx, businessId, "treasury_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: treasury has vouchers", utils.ErrorReferentialIntegrity)
	}
	count, err = utils.ResourceCountWhere[Transfer](ctx, businessId, "from_treasury_id = ? OR to_treasury_id = ?", id, id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: treasury has transfers", utils.ErrorReferentialIntegrity)
	}

	return ToggleActiveModel[Treasury](ctx, businessId, id, false)
}

func GetTreasury(ctx context.Context, id int) (*Treasury, error) {

	return GetResource[Treasury](ctx, id)
}

func GetTreasuries(ctx context.Context, subUnitId *int, treasuryType *TreasuryType, name *string) ([]*Treasury, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*Treasury

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if subUnitId != nil && *subUnitId > 0 {
		dbCtx = dbCtx.Where("sub_unit_id = ?", *subUnitId)
	}
	if treasuryType != nil && len(*treasuryType) > 0 {
		dbCtx = dbCtx.Where("treasury_type = ?", *treasuryType)
	}
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	// db query
	err := dbCtx.Order("code").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func ToggleActiveTreasury(ctx context.Context, id int, isActive bool) (*Treasury, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return ToggleActiveModel[Treasury](ctx, businessId, id, isActive)
}

// lockTreasuries fetches the given treasuries FOR UPDATE in ascending-id order
// so concurrent transfers in opposite directions cannot deadlock.
func lockTreasuries(tx *gorm.DB, ctx context.Context, businessId string, ids ...int) (map[int]*Treasury, error) {
	sorted := make([]int, len(ids))
	copy(sorted, ids)
	sort.Ints(sorted)

	locked := make(map[int]*Treasury, len(sorted))
	for _, id := range sorted {
		if _, ok := locked[id]; ok {
			continue
		}
		var treasury Treasury
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND id = ?", businessId, id).
			First(&treasury).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: treasury %d not found", utils.ErrorInvalidInput, id)
			}
			return nil, err
		}
		locked[id] = &treasury
	}
	return locked, nil
}

// applyTreasuryMovement is the single balance-mutation entrypoint. It must run
// inside the caller's transaction, on a treasury row already locked FOR UPDATE,
// and in the same unit of work as the voucher status change it accompanies.
func applyTreasuryMovement(tx *gorm.DB, ctx context.Context, treasury *Treasury, movementType TreasuryMovementType, amount decimal.Decimal, voucherId int, movementDate time.Time) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: movement amount must be positive", utils.ErrorInvalidInput)
	}

	balanceBefore := treasury.CurrentBalance
	var balanceAfter decimal.Decimal
	if movementType.IsInflow() {
		balanceAfter = balanceBefore.Add(amount)
	} else {
		balanceAfter = balanceBefore.Sub(amount)
		if balanceAfter.IsNegative() && !treasury.TreasuryType.AllowsOverdraft() {
			return fmt.Errorf("%w: treasury %s balance %s cannot cover %s",
				utils.ErrorInsufficientBalance, treasury.Code, balanceBefore.String(), amount.String())
		}
	}

	if err := tx.WithContext(ctx).Model(&Treasury{}).
		Where("id = ?", treasury.ID).
		UpdateColumn("current_balance", balanceAfter).Error; err != nil {
		return err
	}
	treasury.CurrentBalance = balanceAfter

	movement := TreasuryMovement{
		BusinessId:    treasury.BusinessId,
		TreasuryId:    treasury.ID,
		VoucherId:     voucherId,
		MovementType:  movementType,
		Amount:        amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		MovementDate:  movementDate,
	}
	if err := tx.WithContext(ctx).Create(&movement).Error; err != nil {
		return err
	}

	return nil
}
