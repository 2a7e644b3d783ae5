package query

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

const (
	defaultAlertLimit = 50
	defaultStallAfter = 5 * time.Minute
)

type EventLister interface {
	ListByStatus(ctx context.Context, status core.EventStatus, filter core.EventFilter) ([]core.WebhookEvent, error)
}

type DeliveryReader interface {
	GetDelivery(ctx context.Context, externalDeliveryID string) (core.Delivery, error)
	ListPendingDispatch(ctx context.Context, filter core.DispatchFilter) ([]core.Delivery, error)
	ListDispatchFailures(ctx context.Context, limit int) ([]core.Delivery, error)
}

// OrderSnapshot is an order with its delivery. Delivery is nil for orders
// that never became delivery-eligible.
type OrderSnapshot struct {
	Order    core.Order
	Delivery *core.Delivery
}

type DispatchAlerts struct {
	FailedEvents      []core.WebhookEvent
	FailedDispatches  []core.Delivery
	StalledDispatches []core.Delivery
}

func (a DispatchAlerts) Empty() bool {
	return len(a.FailedEvents) == 0 && len(a.FailedDispatches) == 0 && len(a.StalledDispatches) == 0
}

type ListEventsQuery struct {
	events EventLister
}

func NewListEventsQuery(events EventLister) *ListEventsQuery {
	return &ListEventsQuery{events: events}
}

func (q *ListEventsQuery) Query(ctx context.Context, msg ListEventsMessage) ([]core.WebhookEvent, error) {
	if q == nil || q.events == nil {
		return nil, queryDependencyError("query: event lister is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.events.ListByStatus(ctx, msg.Status, msg.Filter)
}

type GetOrderSnapshotQuery struct {
	orders     core.OrderStore
	deliveries DeliveryReader
}

func NewGetOrderSnapshotQuery(orders core.OrderStore, deliveries DeliveryReader) *GetOrderSnapshotQuery {
	return &GetOrderSnapshotQuery{orders: orders, deliveries: deliveries}
}

func (q *GetOrderSnapshotQuery) Query(ctx context.Context, msg GetOrderSnapshotMessage) (OrderSnapshot, error) {
	if q == nil || q.orders == nil || q.deliveries == nil {
		return OrderSnapshot{}, queryDependencyError("query: order and delivery readers are required")
	}
	if err := msg.Validate(); err != nil {
		return OrderSnapshot{}, err
	}
	storeID := strings.TrimSpace(msg.StoreID)
	orderID := strings.TrimSpace(msg.PlatformOrderID)
	order, err := q.orders.GetOrder(ctx, storeID, orderID)
	if err != nil {
		return OrderSnapshot{}, err
	}
	snapshot := OrderSnapshot{Order: order}
	delivery, err := q.deliveries.GetDelivery(ctx, core.ExternalDeliveryID(storeID, orderID))
	switch {
	case err == nil:
		snapshot.Delivery = &delivery
	case core.IsNotFound(err):
	default:
		return OrderSnapshot{}, err
	}
	return snapshot, nil
}

type ListDispatchAlertsQuery struct {
	events     EventLister
	deliveries DeliveryReader
	now        func() time.Time
}

func NewListDispatchAlertsQuery(events EventLister, deliveries DeliveryReader) *ListDispatchAlertsQuery {
	return &ListDispatchAlertsQuery{
		events:     events,
		deliveries: deliveries,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (q *ListDispatchAlertsQuery) Query(ctx context.Context, msg ListDispatchAlertsMessage) (DispatchAlerts, error) {
	if q == nil || q.events == nil || q.deliveries == nil {
		return DispatchAlerts{}, queryDependencyError("query: event and delivery readers are required")
	}
	if err := msg.Validate(); err != nil {
		return DispatchAlerts{}, err
	}
	limit := msg.Limit
	if limit == 0 {
		limit = defaultAlertLimit
	}
	stallAfter := msg.StallAfter
	if stallAfter == 0 {
		stallAfter = defaultStallAfter
	}

	failedEvents, err := q.events.ListByStatus(ctx, core.EventStatusFailed, core.EventFilter{Limit: limit})
	if err != nil {
		return DispatchAlerts{}, err
	}
	failedDispatches, err := q.deliveries.ListDispatchFailures(ctx, limit)
	if err != nil {
		return DispatchAlerts{}, err
	}
	stalledBefore := q.now().Add(-stallAfter)
	stalled, err := q.deliveries.ListPendingDispatch(ctx, core.DispatchFilter{DueBefore: &stalledBefore, Limit: limit})
	if err != nil {
		return DispatchAlerts{}, err
	}
	return DispatchAlerts{
		FailedEvents:      failedEvents,
		FailedDispatches:  failedDispatches,
		StalledDispatches: stalled,
	}, nil
}
