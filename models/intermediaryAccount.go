package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/masaref/treasury_backend/config"
	"github.com/masaref/treasury_backend/utils"
)

// IntermediaryAccount is an external settlement party (hawala office, payment
// processor, correspondent) that both receipt and payment vouchers can point at.
type IntermediaryAccount struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"index;not null" json:"business_id"`
	Name          string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Provider      string    `gorm:"size:100" json:"provider"`
	AccountNumber string    `gorm:"size:100" json:"account_number"`
	Phone         string    `gorm:"size:20" json:"phone"`
	Notes         string    `gorm:"type:text" json:"notes"`
	IsActive      *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ia IntermediaryAccount) GetBusinessId() string {
	return ia.BusinessId
}

type NewIntermediaryAccount struct {
	Name          string `json:"name" binding:"required"`
	Provider      string `json:"provider"`
	AccountNumber string `json:"account_number"`
	Phone         string `json:"phone"`
	Notes         string `json:"notes"`
}

func (input *NewIntermediaryAccount) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[IntermediaryAccount](ctx, businessId, id); err != nil {
			return err
		}
	}
	if len(strings.TrimSpace(input.Name)) == 0 {
		return fmt.Errorf("%w: name is required", utils.ErrorInvalidInput)
	}
	if err := utils.ValidateUnique[IntermediaryAccount](ctx, businessId, "name", input.Name, id); err != nil {
		return fmt.Errorf("%w: %s", utils.ErrorInvalidInput, err.Error())
	}
	return nil
}

func CreateIntermediaryAccount(ctx context.Context, input *NewIntermediaryAccount) (*IntermediaryAccount, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	account := IntermediaryAccount{
		BusinessId:    businessId,
		Name:          input.Name,
		Provider:      input.Provider,
		AccountNumber: input.AccountNumber,
		Phone:         input.Phone,
		Notes:         input.Notes,
		IsActive:      utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&account).Error
	if err != nil {
		return nil, err
	}

	if err := utils.ClearRedisList[IntermediaryAccount](businessId); err != nil {
		return nil, err
	}

	return &account, nil
}

func UpdateIntermediaryAccount(ctx context.Context, id int, input *NewIntermediaryAccount) (*IntermediaryAccount, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	account, err := utils.FetchModel[IntermediaryAccount](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&account).Updates(map[string]interface{}{
		"Name":          input.Name,
		"Provider":      input.Provider,
		"AccountNumber": input.AccountNumber,
		"Phone":         input.Phone,
		"Notes":         input.Notes,
	}).Error
	if err != nil {
		return nil, err
	}

	if err := utils.ClearRedisList[IntermediaryAccount](businessId); err != nil {
		return nil, err
	}

	return account, nil
}

func DeleteIntermediaryAccount(ctx context.Context, id int) (*IntermediaryAccount, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	result, err := utils.FetchModel[IntermediaryAccount](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// check if the account is referenced
	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&Voucher{}).
		Where("business_id = ? AND intermediary_account_id = ?", businessId, id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: intermediary account has vouchers", utils.ErrorReferentialIntegrity)
	}

	// db action
	err = db.WithContext(ctx).Delete(&result).Error
	if err != nil {
		return nil, err
	}

	if err := utils.ClearRedisList[IntermediaryAccount](businessId); err != nil {
		return nil, err
	}

	return result, nil
}

func GetIntermediaryAccount(ctx context.Context, id int) (*IntermediaryAccount, error) {

	return GetResource[IntermediaryAccount](ctx, id)
}

func GetIntermediaryAccounts(ctx context.Context, name *string) ([]*IntermediaryAccount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// unfiltered list is cached; mutations clear it
	if name == nil || len(*name) == 0 {
		return ListAllResource[IntermediaryAccount, IntermediaryAccount](ctx, "name")
	}

	db := config.GetDB()
	var results []*IntermediaryAccount

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	// db query
	err := dbCtx.Order("name").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func ToggleActiveIntermediaryAccount(ctx context.Context, id int, isActive bool) (*IntermediaryAccount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return ToggleActiveModel[IntermediaryAccount](ctx, businessId, id, isActive)
}
