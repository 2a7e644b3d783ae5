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

type OrderStore struct {
	db   *bun.DB
	repo repository.Repository[*orderRecord]
}

func NewOrderStore(db *bun.DB) (*OrderStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*orderRecord](db, orderHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid order repository wiring: %w", err)
		}
	}
	return &OrderStore{db: db, repo: repo}, nil
}

func (s *OrderStore) GetOrder(ctx context.Context, storeID string, platformOrderID string) (core.Order, error) {
	if s == nil || s.db == nil {
		return core.Order{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	storeID = strings.TrimSpace(storeID)
	platformOrderID = strings.TrimSpace(platformOrderID)
	record := &orderRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.store_id = ?", storeID).
		Where("?TableAlias.platform_order_id = ?", platformOrderID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Order{}, core.RecordNotFound("order", core.ExternalDeliveryID(storeID, platformOrderID))
		}
		return core.Order{}, err
	}
	return record.toDomain(), nil
}

// SaveOrder upserts on (store_id, platform_order_id). created_at of an
// existing row is preserved.
func (s *OrderStore) SaveOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if s == nil || s.db == nil {
		return core.Order{}, fmt.Errorf("sqlstore: order store is not configured")
	}
	if strings.TrimSpace(order.StoreID) == "" || strings.TrimSpace(order.PlatformOrderID) == "" {
		return core.Order{}, core.BadInput("order store id and platform order id are required")
	}
	if !order.Status.Valid() {
		return core.Order{}, core.BadInput("order status " + string(order.Status) + " is invalid")
	}
	record := newOrderRecord(order, uuid.NewString(), time.Now().UTC())
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (store_id, platform_order_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("fulfillment_type = EXCLUDED.fulfillment_type").
		Set("promised_time = EXCLUDED.promised_time").
		Set("customer_name = EXCLUDED.customer_name").
		Set("dropoff_address = EXCLUDED.dropoff_address").
		Set("dropoff_phone = EXCLUDED.dropoff_phone").
		Set("total_cents = EXCLUDED.total_cents").
		Set("raw_data = EXCLUDED.raw_data").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.Order{}, err
	}
	return s.GetOrder(ctx, record.StoreID, record.PlatformOrderID)
}

func (s *OrderStore) ListOrders(ctx context.Context, filter core.OrderFilter) ([]core.Order, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: order store is not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(limit, max(filter.Offset, 0)),
	}
	if storeID := strings.TrimSpace(filter.StoreID); storeID != "" {
		selectors = append(selectors, repository.SelectBy("store_id", "=", storeID))
	}
	if filter.Status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(filter.Status)))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Order, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
