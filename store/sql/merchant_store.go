package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-dispatch/core"
)

// MerchantStore persists merchants with their credential envelope as an
// opaque blob. It never sees plaintext credentials.
type MerchantStore struct {
	db   *bun.DB
	repo repository.Repository[*merchantRecord]
}

func NewMerchantStore(db *bun.DB) (*MerchantStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*merchantRecord](db, merchantHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid merchant repository wiring: %w", err)
		}
	}
	return &MerchantStore{db: db, repo: repo}, nil
}

func (s *MerchantStore) GetMerchant(ctx context.Context, storeID string) (core.Merchant, error) {
	if s == nil || s.db == nil {
		return core.Merchant{}, fmt.Errorf("sqlstore: merchant store is not configured")
	}
	storeID = strings.TrimSpace(storeID)
	record := &merchantRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.store_id = ?", storeID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Merchant{}, core.RecordNotFound("merchant", storeID)
		}
		return core.Merchant{}, err
	}
	return record.toDomain(), nil
}

func (s *MerchantStore) SaveMerchant(ctx context.Context, merchant core.Merchant) (core.Merchant, error) {
	if s == nil || s.db == nil {
		return core.Merchant{}, fmt.Errorf("sqlstore: merchant store is not configured")
	}
	if strings.TrimSpace(merchant.StoreID) == "" {
		return core.Merchant{}, core.BadInput("merchant store id is required")
	}
	record := newMerchantRecord(merchant, uuid.NewString(), time.Now().UTC())
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (store_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("encrypted_credentials = EXCLUDED.encrypted_credentials").
		Set("key_ref = EXCLUDED.key_ref").
		Set("active = EXCLUDED.active").
		Set("require_signature = EXCLUDED.require_signature").
		Set("auto_dispatch = EXCLUDED.auto_dispatch").
		Set("pickup_address = EXCLUDED.pickup_address").
		Set("pickup_phone = EXCLUDED.pickup_phone").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.Merchant{}, err
	}
	return s.GetMerchant(ctx, record.StoreID)
}

// SwapCredentials is a compare-and-swap on the credential blob.
func (s *MerchantStore) SwapCredentials(
	ctx context.Context,
	storeID string,
	expected []byte,
	next []byte,
	keyRef string,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: merchant store is not configured")
	}
	res, err := s.db.NewUpdate().
		Model((*merchantRecord)(nil)).
		Set("encrypted_credentials = ?", next).
		Set("key_ref = ?", strings.TrimSpace(keyRef)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("store_id = ?", strings.TrimSpace(storeID)).
		Where("encrypted_credentials = ?", expected).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}

// ListMerchants returns merchants ordered by store id.
func (s *MerchantStore) ListMerchants(ctx context.Context, activeOnly bool) ([]core.Merchant, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: merchant store is not configured")
	}
	selectors := []repository.SelectCriteria{repository.OrderBy("store_id ASC")}
	if activeOnly {
		selectors = append(selectors, repository.SelectBy("active", "=", true))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Merchant, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
