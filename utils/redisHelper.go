package utils

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/masaref/treasury_backend/config"
)

var mutex sync.Mutex

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

/* Redis */

// store list of models, obj should be a pointer
func StoreRedisList[T any](obj any, businessId string) error {
	key := GetTypeName[T]() + "s:" + businessId
	return config.SetRedisObject(key, &obj, GetCacheLifespan())
}

// retrieve cached list of models; ok=false when absent
func RetrieveRedisList[T any](businessId string) ([]*T, error) {
	key := GetTypeName[T]() + "s:" + businessId
	var results []*T
	exists, err := config.GetRedisObject(key, &results)
	if err != nil || !exists {
		return nil, err
	}
	return results, nil
}

func ClearRedisList[T any](businessId string) error {
	return config.RemoveRedisKey(GetTypeName[T]() + "s:" + businessId)
}

// GetSequence returns the next sequence number for T within a scope (e.g. one
// sub-unit and voucher kind). Redis counter first; on a fresh counter the max
// sequence_no already in the db seeds it. The uniqueness re-check guards
// against a stale counter after a redis flush.
func GetSequence[T any](ctx context.Context, businessId string, scopeKey string, scopeCond string, scopeArgs ...interface{}) (int64, error) {
	// lock
	var model T
	mutex.Lock()
	defer mutex.Unlock()
	cacheKey := businessId + "-" + scopeKey + "-" + strings.ToLower(GetTypeName[T]()) + "_seq"
	var seqNo int64
	var err error
	db := config.GetDB()

	for {
		seqNo, err = config.GetRedisCounter(ctx, cacheKey)
		if err != nil {
			return 0, err
		}
		// if not found in redis, get from db
		if seqNo <= 1 {
			// get max seq no from db
			var dbSeq *int64
			if err := db.WithContext(ctx).Model(&model).Select("max(sequence_no)").
				Where("business_id = ?", businessId).
				Where(scopeCond, scopeArgs...).
				Scan(&dbSeq).Error; err != nil {
				return 0, err
			}
			// in case db has no records yet
			if dbSeq == nil {
				seqNo = 0
			} else {
				seqNo = *dbSeq
			}
			seqNo++
			if err := config.SetRedisObject(cacheKey, &seqNo, 0); err != nil {
				return 0, err
			}
		}
		// check if sequence number exists in db
		cond := fmt.Sprintf("%s AND sequence_no = ?", scopeCond)
		args := append(append([]interface{}{}, scopeArgs...), seqNo)
		count, err := ResourceCountWhere[T](ctx, businessId, cond, args...)
		if err != nil {
			return 0, err
		}
		if count == 0 {
			break
		}
	}
	return seqNo, nil
}
