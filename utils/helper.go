package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/masaref/treasury_backend/config"
	"github.com/shopspring/decimal"
)

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["error"] = err.Error()
		return errorResponse
	}

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			// if not exists in map, append it, otherwise do nothing
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}

	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}

	return dec, nil
}

// BusinessLock obtains a distributed lock for the business and returns its
// release func. Callers must defer release().
func BusinessLock(ctx context.Context, businessId string, lockType string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when Redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", businessId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, businessId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for businessID", businessId, err)
		return nil, errors.New("could not obtain lock for businessID")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for businessID", businessId, err)
		return nil, err
	}
	return func() {
		_ = lock.Release(ctx)
	}, nil
}
