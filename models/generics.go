package models

import (
	"context"
	"errors"

	"github.com/masaref/treasury_backend/config"
	"github.com/masaref/treasury_backend/utils"
)

type Resource interface {
	GetBusinessId() string
}

// fetch using ctx's business_id in WHERE
// (may return RecordNotFound error)
func GetResource[T Resource](ctx context.Context, id int, associations ...string) (*T, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[T](ctx, businessId, id, associations...)
}

// list all resources, redis or db, cache result
func ListAllResource[ModelT any, AllModelT any](ctx context.Context, orders ...string) ([]*AllModelT, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// first try redis cache
	results, err := utils.RetrieveRedisList[AllModelT](businessId)
	if err != nil {
		return nil, err
	}
	// if not exists in redis
	if results == nil {
		// fetch from db
		db := config.GetDB()
		var model ModelT
		dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
		for _, order := range orders {
			dbCtx.Order(order)
		}
		// db query
		if err = dbCtx.Model(&model).Find(&results).Error; err != nil {
			return nil, err
		}

		// caching the result
		if err := utils.StoreRedisList[AllModelT](results, businessId); err != nil {
			return nil, err
		}
	}

	return results, nil
}

func ToggleActiveModel[T any](ctx context.Context, businessId string, id int, isActive bool) (*T, error) {

	var result *T
	db := config.GetDB()

	// fetch model before updating
	err := db.WithContext(ctx).Where("business_id = ?", businessId).First(&result, id).Error
	if err != nil {
		return nil, err
	}

	// update db
	tx := db.Begin()
	Tx := tx.WithContext(ctx).Model(&result).
		UpdateColumn("IsActive", isActive)
	if Tx.Error != nil {
		tx.Rollback()
		return nil, Tx.Error
	}

	// clear cache
	if err := utils.ClearRedisList[T](businessId); err != nil {
		tx.Rollback()
		return nil, err
	}

	return result, tx.Commit().Error
}
