package models

import (
	"context"
	"errors"
	"time"

	"github.com/masaref/treasury_backend/config"
	"github.com/masaref/treasury_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TreasuryMovement is the append-only audit trail behind every balance change.
// Rows are written by applyTreasuryMovement only, never directly.
type TreasuryMovement struct {
	ID            int                  `gorm:"primary_key" json:"id"`
	BusinessId    string               `gorm:"index;not null" json:"business_id"`
	TreasuryId    int                  `gorm:"index;not null" json:"treasury_id"`
	VoucherId     int                  `gorm:"index" json:"voucher_id"`
	MovementType  TreasuryMovementType `gorm:"not null;type:enum('receipt','payment','transfer_in','transfer_out','opening');" json:"movement_type"`
	Amount        decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"amount"`
	BalanceBefore decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"balance_before"`
	BalanceAfter  decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"balance_after"`
	MovementDate  time.Time            `gorm:"index;not null" json:"movement_date"`
	CreatedAt     time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

func (m TreasuryMovement) GetBusinessId() string {
	return m.BusinessId
}

type TreasuryStatement struct {
	Treasury       *Treasury           `json:"treasury"`
	OpeningBalance decimal.Decimal     `json:"opening_balance"`
	ClosingBalance decimal.Decimal     `json:"closing_balance"`
	Movements      []*TreasuryMovement `json:"movements"`
}

type TreasuryStats struct {
	TreasuryId    int             `json:"treasury_id"`
	TotalIn       decimal.Decimal `json:"total_in"`
	TotalOut      decimal.Decimal `json:"total_out"`
	MovementCount int64           `json:"movement_count"`
}

func GetTreasuryMovements(ctx context.Context, treasuryId int, fromDate *time.Time, toDate *time.Time) ([]*TreasuryMovement, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateResourceId[Treasury](ctx, businessId, treasuryId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var results []*TreasuryMovement

	dbCtx := db.WithContext(ctx).
		Where("business_id = ? AND treasury_id = ?", businessId, treasuryId)
	if fromDate != nil {
		dbCtx = dbCtx.Where("movement_date >= ?", *fromDate)
	}
	if toDate != nil {
		dbCtx = dbCtx.Where("movement_date <= ?", *toDate)
	}
	// db query
	err := dbCtx.Order("movement_date, id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetTreasuryStatement returns the movement rows for a period together with the
// balance brought forward. The opening figure is read off the last movement
// before the period, so the statement runs without replaying history.
func GetTreasuryStatement(ctx context.Context, treasuryId int, fromDate *time.Time, toDate *time.Time) (*TreasuryStatement, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	treasury, err := utils.FetchModel[Treasury](ctx, businessId, treasuryId)
	if err != nil {
		return nil, err
	}

	movements, err := GetTreasuryMovements(ctx, treasuryId, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	opening := decimal.Zero
	if fromDate != nil {
		db := config.GetDB()
		var prior TreasuryMovement
		err := db.WithContext(ctx).
			Where("business_id = ? AND treasury_id = ? AND movement_date < ?", businessId, treasuryId, *fromDate).
			Order("movement_date DESC, id DESC").Limit(1).
			First(&prior).Error
		if err == nil {
			opening = prior.BalanceAfter
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	closing := opening
	if len(movements) > 0 {
		closing = movements[len(movements)-1].BalanceAfter
	} else if fromDate == nil {
		closing = treasury.CurrentBalance
	}

	statement := &TreasuryStatement{
		Treasury:       treasury,
		OpeningBalance: opening,
		ClosingBalance: closing,
		Movements:      movements,
	}
	return statement, nil
}

func GetTreasuryStats(ctx context.Context, subUnitId *int, fromDate *time.Time, toDate *time.Time) ([]*TreasuryStats, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	stats := make([]*TreasuryStats, 0)

	dbCtx := db.WithContext(ctx).Model(&TreasuryMovement{}).
		Select(`treasury_movements.treasury_id AS treasury_id,
			SUM(CASE WHEN treasury_movements.movement_type IN ('receipt', 'transfer_in', 'opening') THEN treasury_movements.amount ELSE 0 END) AS total_in,
			SUM(CASE WHEN treasury_movements.movement_type IN ('payment', 'transfer_out') THEN treasury_movements.amount ELSE 0 END) AS total_out,
			COUNT(*) AS movement_count`).
		Joins("JOIN treasuries ON treasuries.id = treasury_movements.treasury_id").
		Where("treasury_movements.business_id = ?", businessId)
	if subUnitId != nil && *subUnitId > 0 {
		dbCtx = dbCtx.Where("treasuries.sub_unit_id = ?", *subUnitId)
	}
	if fromDate != nil {
		dbCtx = dbCtx.Where("treasury_movements.movement_date >= ?", *fromDate)
	}
	if toDate != nil {
		dbCtx = dbCtx.Where("treasury_movements.movement_date <= ?", *toDate)
	}
	err := dbCtx.Group("treasury_movements.treasury_id").
		Order("treasury_movements.treasury_id").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}
