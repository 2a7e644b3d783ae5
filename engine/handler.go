package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/lifecycle"
	"github.com/goliatone/go-dispatch/locks"
	"github.com/goliatone/go-dispatch/retry"
	"github.com/goliatone/go-dispatch/scheduler"
	"github.com/goliatone/go-dispatch/webhooks"
)

type MerchantLookup interface {
	Lookup(ctx context.Context, storeID string) (core.Merchant, error)
}

// DispatchScheduler is the slice of scheduler.Scheduler the handler drives.
type DispatchScheduler interface {
	ScheduleDispatch(ctx context.Context, delivery core.Delivery, promised time.Time, leadBuffer time.Duration) (time.Time, error)
	Cancel(ctx context.Context, externalDeliveryID string)
}

type CourierCanceller interface {
	CancelDelivery(ctx context.Context, storeID string, externalID string) error
}

type StatusPusher interface {
	UpdateOrderStatus(ctx context.Context, storeID string, orderID string, status core.OrderStatus) error
}

type Dependencies struct {
	Orders     core.OrderStore
	Deliveries core.DeliveryStore
	Merchants  MerchantLookup
	Scheduler  DispatchScheduler
	Courier    CourierCanceller
	Platform   StatusPusher
	Locker     locks.KeyLocker
}

// Handler applies logged events. It is safe for concurrent use; work on one
// order or delivery is serialized through the key locker.
type Handler struct {
	deps                Dependencies
	leadBuffer          time.Duration
	autoDispatchDefault bool
	observer            *core.Observer
	now                 func() time.Time
}

var _ retry.Handler = (*Handler)(nil)

func NewHandler(cfg core.DispatchConfig, deps Dependencies, observer *core.Observer) *Handler {
	if deps.Locker == nil {
		deps.Locker = locks.NewMemoryKeyLocker()
	}
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	return &Handler{
		deps:                deps,
		leadBuffer:          cfg.LeadBuffer,
		autoDispatchDefault: cfg.AutoDispatchDefault,
		observer:            observer,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (h *Handler) Handle(ctx context.Context, event core.WebhookEvent) error {
	if h == nil || h.deps.Orders == nil || h.deps.Deliveries == nil {
		return fmt.Errorf("engine: handler is not configured")
	}
	switch event.Source {
	case core.EventSourcePlatform:
		parsed, err := webhooks.ParsePlatformEvent(event.Payload)
		if err != nil {
			return err
		}
		return h.handlePlatform(ctx, event, parsed)
	case core.EventSourceCourier:
		parsed, err := webhooks.ParseCourierEvent(event.Payload)
		if err != nil {
			return err
		}
		return h.handleCourier(ctx, event, parsed)
	default:
		return core.MalformedPayload("unknown event source " + string(event.Source))
	}
}

func (h *Handler) handlePlatform(ctx context.Context, event core.WebhookEvent, parsed webhooks.PlatformEvent) error {
	merchant, err := h.lookupMerchant(ctx, parsed.StoreID)
	if err != nil {
		return err
	}
	incoming := parsed.Order
	unlock, err := h.deps.Locker.Lock(ctx, locks.OrderKey(parsed.StoreID, incoming.PlatformOrderID))
	if err != nil {
		return err
	}
	defer unlock()

	order, changed, err := h.upsertOrder(ctx, parsed)
	if err != nil {
		return err
	}
	fields := map[string]any{
		"event_id":          event.ID,
		"store_id":          order.StoreID,
		"platform_order_id": order.PlatformOrderID,
		"order_status":      string(order.Status),
		"changed":           changed,
	}

	if order.Status == core.OrderStatusCancelled {
		return h.cancelOrderDelivery(ctx, order, fields)
	}
	if !order.DeliveryEligible() || order.PromisedTime == nil {
		h.observer.Log(ctx, "debug", "platform event applied", fields)
		return nil
	}
	if !merchant.Capabilities.AutoDispatchEnabled(h.autoDispatchDefault) {
		fields["auto_dispatch"] = false
		h.observer.Log(ctx, "info", "auto dispatch disabled, delivery not created", fields)
		return nil
	}
	return h.ensureDelivery(ctx, order, fields)
}

// upsertOrder creates the order or applies the incoming status when it moves
// the order forward. Stale statuses leave the stored status untouched.
func (h *Handler) upsertOrder(ctx context.Context, parsed webhooks.PlatformEvent) (core.Order, bool, error) {
	incoming := parsed.Order
	now := h.now()
	existing, err := h.deps.Orders.GetOrder(ctx, parsed.StoreID, incoming.PlatformOrderID)
	if err != nil && !core.IsNotFound(err) {
		return core.Order{}, false, err
	}
	if err != nil {
		saved, saveErr := h.deps.Orders.SaveOrder(ctx, core.Order{
			StoreID:         parsed.StoreID,
			PlatformOrderID: incoming.PlatformOrderID,
			Status:          incoming.Status,
			FulfillmentType: incoming.FulfillmentType,
			PromisedTime:    incoming.PromisedTime,
			CustomerName:    incoming.CustomerName,
			DropoffAddress:  incoming.DropoffAddress,
			DropoffPhone:    incoming.DropoffPhone,
			TotalCents:      incoming.TotalCents,
			RawData:         parsed.Raw,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		return saved, true, saveErr
	}

	order := existing
	changed := false
	switch lifecycle.DecideOrder(existing.Status, incoming.Status) {
	case lifecycle.Apply:
		if err := order.TransitionTo(incoming.Status, now); err != nil {
			return core.Order{}, false, core.InvalidTransition(err)
		}
		changed = true
	case lifecycle.Stale:
		h.observer.Log(ctx, "info", "stale order status ignored", map[string]any{
			"store_id":          order.StoreID,
			"platform_order_id": order.PlatformOrderID,
			"current":           string(existing.Status),
			"incoming":          string(incoming.Status),
		})
		return existing, false, nil
	}
	if order.Status.Terminal() && !changed {
		return existing, false, nil
	}
	if mergeOrderDetails(&order, incoming) {
		changed = true
	}
	if !changed {
		return existing, false, nil
	}
	order.RawData = parsed.Raw
	order.UpdatedAt = now
	saved, err := h.deps.Orders.SaveOrder(ctx, order)
	return saved, true, err
}

func mergeOrderDetails(order *core.Order, incoming webhooks.PlatformOrder) bool {
	changed := false
	if incoming.PromisedTime != nil && (order.PromisedTime == nil || !order.PromisedTime.Equal(*incoming.PromisedTime)) {
		promised := *incoming.PromisedTime
		order.PromisedTime = &promised
		changed = true
	}
	for _, field := range []struct {
		target *string
		value  string
	}{
		{&order.CustomerName, incoming.CustomerName},
		{&order.DropoffAddress, incoming.DropoffAddress},
		{&order.DropoffPhone, incoming.DropoffPhone},
	} {
		if field.value != "" && *field.target != field.value {
			*field.target = field.value
			changed = true
		}
	}
	if incoming.TotalCents != 0 && order.TotalCents != incoming.TotalCents {
		order.TotalCents = incoming.TotalCents
		changed = true
	}
	return changed
}

// ensureDelivery creates the delivery row once per order and (re)schedules
// it while undispatched. Replays find the existing row.
func (h *Handler) ensureDelivery(ctx context.Context, order core.Order, fields map[string]any) error {
	now := h.now()
	delivery, created, err := h.deps.Deliveries.CreateDelivery(ctx, core.Delivery{
		ExternalDeliveryID: core.ExternalDeliveryID(order.StoreID, order.PlatformOrderID),
		StoreID:            order.StoreID,
		PlatformOrderID:    order.PlatformOrderID,
		Status:             core.DeliveryStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		return err
	}
	fields["external_delivery_id"] = delivery.ExternalDeliveryID
	fields["delivery_created"] = created
	if delivery.Dispatched() || delivery.Status.Terminal() || h.deps.Scheduler == nil {
		h.observer.Log(ctx, "info", "platform event applied", fields)
		return nil
	}

	due := order.PromisedTime.UTC().Add(-h.effectiveLeadBuffer())
	if delivery.DispatchDueAt != nil && delivery.DispatchDueAt.Equal(due) {
		h.observer.Log(ctx, "info", "platform event applied", fields)
		return nil
	}
	scheduled, err := h.deps.Scheduler.ScheduleDispatch(ctx, delivery, *order.PromisedTime, h.leadBuffer)
	if err != nil {
		return err
	}
	fields["dispatch_due_at"] = scheduled.Format(time.RFC3339)
	h.observer.Log(ctx, "info", "platform event applied", fields)
	return nil
}

// CancelDispatch is the operator cancel for one delivery. It disarms the
// timer, cancels at the courier when the delivery was already dispatched
// and marks the row cancelled. Cancelling a terminal delivery is a no-op.
func (h *Handler) CancelDispatch(ctx context.Context, externalDeliveryID string) (core.Delivery, error) {
	if h == nil || h.deps.Deliveries == nil {
		return core.Delivery{}, fmt.Errorf("engine: handler is not configured")
	}
	externalDeliveryID = strings.TrimSpace(externalDeliveryID)
	delivery, err := h.cancelDelivery(ctx, externalDeliveryID)
	if err != nil {
		return core.Delivery{}, err
	}
	h.observer.Log(ctx, "info", "dispatch cancelled by operator", map[string]any{
		"external_delivery_id": externalDeliveryID,
		"store_id":             delivery.StoreID,
		"status":               string(delivery.Status),
	})
	return delivery, nil
}

func (h *Handler) cancelOrderDelivery(ctx context.Context, order core.Order, fields map[string]any) error {
	externalID := core.ExternalDeliveryID(order.StoreID, order.PlatformOrderID)
	delivery, err := h.cancelDelivery(ctx, externalID)
	if err != nil {
		if core.IsNotFound(err) {
			h.observer.Log(ctx, "info", "order cancelled", fields)
			return nil
		}
		return err
	}
	fields["external_delivery_id"] = externalID
	fields["courier_cancelled"] = delivery.Dispatched()
	h.observer.Log(ctx, "info", "order cancelled, delivery cancelled", fields)
	return nil
}

// cancelDelivery disarms the dispatch timer and, when the courier already
// holds the delivery, cancels it there. The courier cancel is idempotent, so
// a retried event repeats it safely.
func (h *Handler) cancelDelivery(ctx context.Context, externalID string) (core.Delivery, error) {
	if h.deps.Scheduler != nil {
		h.deps.Scheduler.Cancel(ctx, externalID)
	}
	unlock, err := h.deps.Locker.Lock(ctx, locks.DeliveryKey(externalID))
	if err != nil {
		return core.Delivery{}, err
	}
	defer unlock()

	delivery, err := h.deps.Deliveries.GetDelivery(ctx, externalID)
	if err != nil {
		return core.Delivery{}, err
	}
	if delivery.Status.Terminal() {
		return delivery, nil
	}
	if delivery.Dispatched() {
		if h.deps.Courier == nil {
			return core.Delivery{}, fmt.Errorf("engine: courier client is required to cancel dispatched delivery %s", externalID)
		}
		if err := h.deps.Courier.CancelDelivery(ctx, delivery.StoreID, externalID); err != nil {
			return core.Delivery{}, err
		}
	}
	if err := delivery.TransitionTo(core.DeliveryStatusCancelled, h.now()); err != nil {
		return core.Delivery{}, core.InvalidTransition(err)
	}
	return h.deps.Deliveries.SaveDelivery(ctx, delivery)
}

func (h *Handler) handleCourier(ctx context.Context, event core.WebhookEvent, parsed webhooks.CourierEvent) error {
	fields := map[string]any{
		"event_id":             event.ID,
		"external_delivery_id": parsed.ExternalDeliveryID,
		"courier_delivery_id":  parsed.CourierDeliveryID,
		"courier_status":       parsed.RawStatus,
	}
	if !parsed.Known {
		h.observer.Log(ctx, "warn", "unknown courier status ignored", fields)
		return nil
	}

	delivery, applied, err := h.applyCourierStatus(ctx, parsed)
	if err != nil {
		return err
	}
	fields["store_id"] = delivery.StoreID
	fields["delivery_status"] = string(delivery.Status)
	fields["delivery_changed"] = applied

	// The order follows the courier status even when the delivery already
	// holds it, as after a dispatch that recorded the create response.
	mapped, ok := lifecycle.OrderStatusForDelivery(parsed.Status)
	if !ok {
		h.observer.Log(ctx, "info", "courier status applied", fields)
		return nil
	}
	order, moved, err := h.propagateToOrder(ctx, delivery, mapped)
	if err != nil {
		return err
	}
	fields["order_status"] = string(order.Status)
	fields["order_changed"] = moved
	h.observer.Log(ctx, "info", "courier status applied", fields)
	if moved {
		h.pushStatus(ctx, order)
	}
	return nil
}

// applyCourierStatus locks on the external delivery id, resolved from the
// courier id when the event carries only that, so it serializes with
// dispatch, cancel and every other event for the delivery.
func (h *Handler) applyCourierStatus(ctx context.Context, parsed webhooks.CourierEvent) (core.Delivery, bool, error) {
	found, err := h.findDelivery(ctx, parsed)
	if err != nil {
		return core.Delivery{}, false, err
	}
	unlock, err := h.deps.Locker.Lock(ctx, locks.DeliveryKey(found.ExternalDeliveryID))
	if err != nil {
		return core.Delivery{}, false, err
	}
	defer unlock()

	delivery, err := h.deps.Deliveries.GetDelivery(ctx, found.ExternalDeliveryID)
	if err != nil {
		return core.Delivery{}, false, err
	}
	updated := delivery
	applied := false
	switch lifecycle.DecideDelivery(delivery.Status, parsed.Status) {
	case lifecycle.Apply:
		if err := updated.TransitionTo(parsed.Status, h.now()); err != nil {
			return core.Delivery{}, false, core.InvalidTransition(err)
		}
		applied = true
	case lifecycle.Stale:
		return delivery, false, nil
	}
	detailsChanged := false
	if parsed.CourierDeliveryID != "" && updated.CourierDeliveryID == "" {
		updated.CourierDeliveryID = parsed.CourierDeliveryID
		detailsChanged = true
	}
	if parsed.TrackingURL != "" && updated.TrackingURL != parsed.TrackingURL {
		updated.TrackingURL = parsed.TrackingURL
		detailsChanged = true
	}
	if !applied && !detailsChanged {
		return delivery, false, nil
	}
	updated.UpdatedAt = h.now()
	saved, err := h.deps.Deliveries.SaveDelivery(ctx, updated)
	if err != nil {
		return core.Delivery{}, false, err
	}
	return saved, applied, nil
}

func (h *Handler) findDelivery(ctx context.Context, parsed webhooks.CourierEvent) (core.Delivery, error) {
	if parsed.ExternalDeliveryID != "" {
		delivery, err := h.deps.Deliveries.GetDelivery(ctx, parsed.ExternalDeliveryID)
		if err == nil || !core.IsNotFound(err) || parsed.CourierDeliveryID == "" {
			return delivery, err
		}
	}
	return h.deps.Deliveries.GetDeliveryByCourierID(ctx, parsed.CourierDeliveryID)
}

// propagateToOrder moves the order along with the delivery. It runs after
// the delivery lock is released so that order and delivery locks are never
// taken in conflicting order.
func (h *Handler) propagateToOrder(ctx context.Context, delivery core.Delivery, mapped core.OrderStatus) (core.Order, bool, error) {
	unlock, err := h.deps.Locker.Lock(ctx, locks.OrderKey(delivery.StoreID, delivery.PlatformOrderID))
	if err != nil {
		return core.Order{}, false, err
	}
	defer unlock()

	order, err := h.deps.Orders.GetOrder(ctx, delivery.StoreID, delivery.PlatformOrderID)
	if err != nil {
		return core.Order{}, false, err
	}
	if lifecycle.DecideOrder(order.Status, mapped) != lifecycle.Apply {
		return order, false, nil
	}
	if err := order.TransitionTo(mapped, h.now()); err != nil {
		return core.Order{}, false, core.InvalidTransition(err)
	}
	saved, err := h.deps.Orders.SaveOrder(ctx, order)
	if err != nil {
		return core.Order{}, false, err
	}
	return saved, true, nil
}

// pushStatus mirrors an order status change to the platform. Failures are
// logged and never fail the event.
func (h *Handler) pushStatus(ctx context.Context, order core.Order) {
	if h.deps.Platform == nil {
		return
	}
	if err := h.deps.Platform.UpdateOrderStatus(ctx, order.StoreID, order.PlatformOrderID, order.Status); err != nil {
		h.observer.Log(ctx, "warn", "platform status push failed", map[string]any{
			"store_id":          order.StoreID,
			"platform_order_id": order.PlatformOrderID,
			"order_status":      string(order.Status),
			"error":             err.Error(),
		})
	}
}

func (h *Handler) lookupMerchant(ctx context.Context, storeID string) (core.Merchant, error) {
	storeID = strings.TrimSpace(storeID)
	if h.deps.Merchants == nil {
		return core.Merchant{StoreID: storeID, Active: true}, nil
	}
	return h.deps.Merchants.Lookup(ctx, storeID)
}

func (h *Handler) effectiveLeadBuffer() time.Duration {
	if h.leadBuffer > 0 {
		return h.leadBuffer
	}
	return scheduler.DefaultLeadBuffer
}
