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

type DeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*deliveryRecord]
	now  func() time.Time
}

func NewDeliveryStore(db *bun.DB) (*DeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deliveryRecord](db, deliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid delivery repository wiring: %w", err)
		}
	}
	return &DeliveryStore{
		db:   db,
		repo: repo,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *DeliveryStore) CreateDelivery(ctx context.Context, delivery core.Delivery) (core.Delivery, bool, error) {
	if s == nil || s.db == nil {
		return core.Delivery{}, false, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	if strings.TrimSpace(delivery.ExternalDeliveryID) == "" {
		return core.Delivery{}, false, core.BadInput("external delivery id is required")
	}
	record := newDeliveryRecord(delivery, uuid.NewString(), s.now())
	res, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (external_delivery_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.Delivery{}, false, err
	}
	if affected(res) > 0 {
		return record.toDomain(), true, nil
	}
	existing, err := s.GetDelivery(ctx, record.ExternalDeliveryID)
	return existing, false, err
}

func (s *DeliveryStore) GetDelivery(ctx context.Context, externalDeliveryID string) (core.Delivery, error) {
	return s.getBy(ctx, "external_delivery_id", externalDeliveryID)
}

func (s *DeliveryStore) GetDeliveryByCourierID(ctx context.Context, courierDeliveryID string) (core.Delivery, error) {
	return s.getBy(ctx, "courier_delivery_id", courierDeliveryID)
}

func (s *DeliveryStore) getBy(ctx context.Context, column string, value string) (core.Delivery, error) {
	if s == nil || s.db == nil {
		return core.Delivery{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	value = strings.TrimSpace(value)
	record := &deliveryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Delivery{}, core.RecordNotFound("delivery", value)
		}
		return core.Delivery{}, err
	}
	return record.toDomain(), nil
}

// SaveDelivery writes the mutable columns of an existing delivery.
// dispatched_at is only ever set through MarkDispatched and is never
// cleared here.
func (s *DeliveryStore) SaveDelivery(ctx context.Context, delivery core.Delivery) (core.Delivery, error) {
	if s == nil || s.db == nil {
		return core.Delivery{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	record := newDeliveryRecord(delivery, "", s.now())
	res, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("status = ?", record.Status).
		Set("courier_delivery_id = COALESCE(?, courier_delivery_id)", record.CourierDeliveryID).
		Set("dispatch_due_at = ?", record.DispatchDueAt).
		Set("dispatch_attempts = ?", record.DispatchAttempts).
		Set("last_error = ?", record.LastError).
		Set("tracking_url = ?", record.TrackingURL).
		Set("updated_at = ?", s.now()).
		Where("external_delivery_id = ?", record.ExternalDeliveryID).
		Exec(ctx)
	if err != nil {
		return core.Delivery{}, err
	}
	if affected(res) == 0 {
		return core.Delivery{}, core.RecordNotFound("delivery", record.ExternalDeliveryID)
	}
	return s.GetDelivery(ctx, record.ExternalDeliveryID)
}

// SetDispatchDue records the trigger time of an undispatched delivery.
func (s *DeliveryStore) SetDispatchDue(ctx context.Context, externalDeliveryID string, dueAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery store is not configured")
	}
	externalDeliveryID = strings.TrimSpace(externalDeliveryID)
	res, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("dispatch_due_at = ?", dueAt.UTC()).
		Set("updated_at = ?", s.now()).
		Where("external_delivery_id = ?", externalDeliveryID).
		Where("dispatched_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		if _, err := s.GetDelivery(ctx, externalDeliveryID); err != nil {
			return err
		}
	}
	return nil
}

// MarkDispatched is the single write that flips a delivery to dispatched.
// It reports false when another fire already won.
func (s *DeliveryStore) MarkDispatched(
	ctx context.Context,
	externalDeliveryID string,
	courierDeliveryID string,
	status core.DeliveryStatus,
	at time.Time,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	var courierID *string
	if trimmed := strings.TrimSpace(courierDeliveryID); trimmed != "" {
		courierID = &trimmed
	}
	res, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("courier_delivery_id = ?", courierID).
		Set("status = ?", string(status)).
		Set("dispatched_at = ?", at.UTC()).
		Set("last_error = ?", "").
		Set("updated_at = ?", s.now()).
		Where("external_delivery_id = ?", strings.TrimSpace(externalDeliveryID)).
		Where("dispatched_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res) > 0, nil
}

func (s *DeliveryStore) RecordDispatchFailure(ctx context.Context, externalDeliveryID string, attempts int, cause error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery store is not configured")
	}
	lastError := errorText(cause)
	if lastError == "" {
		lastError = "dispatch failed"
	}
	_, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("dispatch_attempts = ?", attempts).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", s.now()).
		Where("external_delivery_id = ?", strings.TrimSpace(externalDeliveryID)).
		Where("dispatched_at IS NULL").
		Exec(ctx)
	return err
}

// ListPendingDispatch returns undispatched, scheduled deliveries that have
// not failed, earliest due first. Failed dispatches wait for an explicit
// redispatch.
func (s *DeliveryStore) ListPendingDispatch(ctx context.Context, filter core.DispatchFilter) ([]core.Delivery, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.SelectBy("status", "=", string(core.DeliveryStatusPending)),
		repository.SelectBy("last_error", "=", ""),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.dispatched_at IS NULL").
				Where("?TableAlias.dispatch_due_at IS NOT NULL")
		}),
		repository.OrderBy("dispatch_due_at ASC"),
	}
	if filter.DueBefore != nil {
		selectors = append(selectors, repository.SelectByTimetz("dispatch_due_at", "<=", filter.DueBefore.UTC()))
	}
	if filter.Limit > 0 {
		selectors = append(selectors, repository.SelectPaginate(filter.Limit, 0))
	}
	return s.list(ctx, selectors)
}

// ListDispatchFailures returns undispatched deliveries whose last dispatch
// attempt failed, most recent first.
func (s *DeliveryStore) ListDispatchFailures(ctx context.Context, limit int) ([]core.Delivery, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, []repository.SelectCriteria{
		repository.SelectBy("status", "=", string(core.DeliveryStatusPending)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.dispatched_at IS NULL").
				Where("?TableAlias.last_error <> ''")
		}),
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(limit, 0),
	})
}

func (s *DeliveryStore) list(ctx context.Context, selectors []repository.SelectCriteria) ([]core.Delivery, error) {
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Delivery, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
