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

type SubUnit struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	Name       string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Code       string    `gorm:"size:20;not null" json:"code" binding:"required"`
	Phone      string    `gorm:"size:20" json:"phone"`
	Address    string    `gorm:"type:text" json:"address"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s SubUnit) GetBusinessId() string {
	return s.BusinessId
}

type NewSubUnit struct {
	Name    string `json:"name" binding:"required"`
	Code    string `json:"code" binding:"required"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// validate input for both create & update. (id = 0 for create)

func (input *NewSubUnit) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[SubUnit](ctx, businessId, id); err != nil {
			return err
		}
	}
	// name
	if err := utils.ValidateUnique[SubUnit](ctx, businessId, "name", input.Name, id); err != nil {
		return fmt.Errorf("%w: %s", utils.ErrorInvalidInput, err.Error())
	}
	// code
	if len(strings.TrimSpace(input.Code)) == 0 {
		return fmt.Errorf("%w: code is required", utils.ErrorInvalidInput)
	}
	if err := utils.ValidateUnique[SubUnit](ctx, businessId, "code", input.Code, id); err != nil {
		return fmt.Errorf("%w: %s", utils.ErrorInvalidInput, err.Error())
	}
	return nil
}

func CreateSubUnit(ctx context.Context, input *NewSubUnit) (*SubUnit, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	subUnit := SubUnit{
		BusinessId: businessId,
		Name:       input.Name,
		Code:       strings.ToUpper(strings.TrimSpace(input.Code)),
		Phone:      input.Phone,
		Address:    input.Address,
		IsActive:   utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&subUnit).Error
	if err != nil {
		return nil, err
	}

	if err := utils.ClearRedisList[SubUnit](businessId); err != nil {
		return nil, err
	}

	return &subUnit, nil
}

func UpdateSubUnit(ctx context.Context, id int, input *NewSubUnit) (*SubUnit, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	subUnit, err := utils.FetchModel[SubUnit](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&subUnit).Updates(map[string]interface{}{
		"Name":    input.Name,
		"Code":    strings.ToUpper(strings.TrimSpace(input.Code)),
		"Phone":   input.Phone,
		"Address": input.Address,
	}).Error
	if err != nil {
		return nil, err
	}

	if err := utils.ClearRedisList[SubUnit](businessId); err != nil {
		return nil, err
	}

	return subUnit, nil
}

func DeleteSubUnit(ctx context.Context, id int) (*SubUnit, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	result, err := utils.FetchModel[SubUnit](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// check if the sub unit is used
	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&Treasury{}).
		Where("business_id = ? AND sub_unit_id = ?", businessId, id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: sub unit has treasuries", utils.ErrorReferentialIntegrity)
	}
	if err := db.WithContext(ctx).Model(&Voucher{}).
		Where("business_id = ? AND sub_unit_id = ?", businessId, id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: sub unit has vouchers", utils.ErrorReferentialIntegrity)
	}

	// db action
	err = db.WithContext(ctx).Delete(&result).Error
	if err != nil {
		return nil, err
	}

	if err := utils.ClearRedisList[SubUnit](businessId); err != nil {
		return nil, err
	}

	return result, nil
}

func GetSubUnit(ctx context.Context, id int) (*SubUnit, error) {

	return GetResource[SubUnit](ctx, id)
}

func GetSubUnits(ctx context.Context, name *string) ([]*SubUnit, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// unfiltered list is cached; mutations clear it
	if name == nil || len(*name) == 0 {
		return ListAllResource[SubUnit, SubUnit](ctx, "name")
	}

	db := config.GetDB()
	var results []*SubUnit

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

func ToggleActiveSubUnit(ctx context.Context, id int, isActive bool) (*SubUnit, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return ToggleActiveModel[SubUnit](ctx, businessId, id, isActive)
}
