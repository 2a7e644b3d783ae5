package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-dispatch/core"
)

const merchantCacheKeyPrefix = "go-dispatch::merchant::v1"

// CachedMerchantStore caches merchant rows as stored, credential envelope
// included. Decrypted credentials never pass through it. Writes invalidate
// the cached row.
type CachedMerchantStore struct {
	base  core.MerchantStore
	cache repositorycache.CacheService
}

func NewCachedMerchantStore(base core.MerchantStore, cacheService repositorycache.CacheService) (*CachedMerchantStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base merchant store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: merchant cache service is required")
	}
	return &CachedMerchantStore{base: base, cache: cacheService}, nil
}

// MerchantCacheKey returns go-dispatch::merchant::v1::<store_id> with the
// store id URL-path escaped.
func MerchantCacheKey(storeID string) (string, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return "", fmt.Errorf("sqlstore: merchant store id is required")
	}
	return merchantCacheKeyPrefix + "::" + url.PathEscape(storeID), nil
}

func (s *CachedMerchantStore) GetMerchant(ctx context.Context, storeID string) (core.Merchant, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Merchant{}, fmt.Errorf("sqlstore: cached merchant store is not configured")
	}
	cacheKey, err := MerchantCacheKey(storeID)
	if err != nil {
		return core.Merchant{}, err
	}
	merchant, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Merchant, error) {
		fetched, fetchErr := s.base.GetMerchant(ctx, storeID)
		if fetchErr != nil {
			return core.Merchant{}, fetchErr
		}
		return cloneMerchant(fetched), nil
	})
	if err != nil {
		return core.Merchant{}, err
	}
	return cloneMerchant(merchant), nil
}

func (s *CachedMerchantStore) SaveMerchant(ctx context.Context, merchant core.Merchant) (core.Merchant, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Merchant{}, fmt.Errorf("sqlstore: cached merchant store is not configured")
	}
	saved, err := s.base.SaveMerchant(ctx, merchant)
	if err != nil {
		return core.Merchant{}, err
	}
	if err := s.invalidate(ctx, saved.StoreID); err != nil {
		return core.Merchant{}, err
	}
	return saved, nil
}

func (s *CachedMerchantStore) SwapCredentials(ctx context.Context, storeID string, expected []byte, next []byte, keyRef string) (bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return false, fmt.Errorf("sqlstore: cached merchant store is not configured")
	}
	swapped, err := s.base.SwapCredentials(ctx, storeID, expected, next, keyRef)
	if err != nil {
		return false, err
	}
	// A lost swap also invalidates: the cached blob is the stale one.
	if err := s.invalidate(ctx, storeID); err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *CachedMerchantStore) invalidate(ctx context.Context, storeID string) error {
	cacheKey, err := MerchantCacheKey(storeID)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneMerchant(merchant core.Merchant) core.Merchant {
	cloned := merchant
	cloned.EncryptedCredentials = append([]byte(nil), merchant.EncryptedCredentials...)
	if merchant.Capabilities.AutoDispatch != nil {
		value := *merchant.Capabilities.AutoDispatch
		cloned.Capabilities.AutoDispatch = &value
	}
	return cloned
}
