package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/locks"
)

var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type memoryStores struct {
	mu         sync.Mutex
	orders     map[string]core.Order
	deliveries map[string]core.Delivery
	orderSaves int
}

func newMemoryStores() *memoryStores {
	return &memoryStores{orders: map[string]core.Order{}, deliveries: map[string]core.Delivery{}}
}

func (m *memoryStores) GetOrder(_ context.Context, storeID string, orderID string) (core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[storeID+"/"+orderID]
	if !ok {
		return core.Order{}, core.RecordNotFound("order", orderID)
	}
	return order, nil
}

func (m *memoryStores) SaveOrder(_ context.Context, order core.Order) (core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderSaves++
	m.orders[order.StoreID+"/"+order.PlatformOrderID] = order
	return order, nil
}

func (m *memoryStores) ListOrders(context.Context, core.OrderFilter) ([]core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Order, 0, len(m.orders))
	for _, order := range m.orders {
		out = append(out, order)
	}
	return out, nil
}

func (m *memoryStores) CreateDelivery(_ context.Context, delivery core.Delivery) (core.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.deliveries[delivery.ExternalDeliveryID]; ok {
		return existing, false, nil
	}
	m.deliveries[delivery.ExternalDeliveryID] = delivery
	return delivery, true, nil
}

func (m *memoryStores) GetDelivery(_ context.Context, id string) (core.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delivery, ok := m.deliveries[id]
	if !ok {
		return core.Delivery{}, core.RecordNotFound("delivery", id)
	}
	return delivery, nil
}

func (m *memoryStores) GetDeliveryByCourierID(_ context.Context, courierID string) (core.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, delivery := range m.deliveries {
		if delivery.CourierDeliveryID == courierID {
			return delivery, nil
		}
	}
	return core.Delivery{}, core.RecordNotFound("delivery", courierID)
}

func (m *memoryStores) SaveDelivery(_ context.Context, delivery core.Delivery) (core.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[delivery.ExternalDeliveryID] = delivery
	return delivery, nil
}

func (m *memoryStores) SetDispatchDue(_ context.Context, id string, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delivery := m.deliveries[id]
	delivery.DispatchDueAt = &due
	m.deliveries[id] = delivery
	return nil
}

func (m *memoryStores) MarkDispatched(_ context.Context, id string, courierID string, status core.DeliveryStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delivery := m.deliveries[id]
	if delivery.DispatchedAt != nil {
		return false, nil
	}
	delivery.CourierDeliveryID = courierID
	delivery.Status = status
	delivery.DispatchedAt = &at
	m.deliveries[id] = delivery
	return true, nil
}

func (m *memoryStores) RecordDispatchFailure(context.Context, string, int, error) error { return nil }

func (m *memoryStores) ListPendingDispatch(context.Context, core.DispatchFilter) ([]core.Delivery, error) {
	return nil, nil
}

func (m *memoryStores) ListDispatchFailures(context.Context, int) ([]core.Delivery, error) {
	return nil, nil
}

// stubScheduler persists the due time like the real scheduler but never fires.
type stubScheduler struct {
	mu        sync.Mutex
	store     *memoryStores
	scheduled []string
	cancelled []string
}

func (s *stubScheduler) ScheduleDispatch(ctx context.Context, delivery core.Delivery, promised time.Time, leadBuffer time.Duration) (time.Time, error) {
	if leadBuffer <= 0 {
		leadBuffer = 30 * time.Minute
	}
	due := promised.Add(-leadBuffer)
	if err := s.store.SetDispatchDue(ctx, delivery.ExternalDeliveryID, due); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	s.scheduled = append(s.scheduled, delivery.ExternalDeliveryID)
	s.mu.Unlock()
	return due, nil
}

func (s *stubScheduler) Cancel(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
}

type stubCourier struct {
	cancels []string
	err     error
}

func (s *stubCourier) CancelDelivery(_ context.Context, _ string, externalID string) error {
	s.cancels = append(s.cancels, externalID)
	return s.err
}

type stubPlatform struct {
	pushed []core.OrderStatus
	err    error
}

func (s *stubPlatform) UpdateOrderStatus(_ context.Context, _ string, _ string, status core.OrderStatus) error {
	s.pushed = append(s.pushed, status)
	return s.err
}

type stubMerchants struct {
	merchants map[string]core.Merchant
}

func (s stubMerchants) Lookup(_ context.Context, storeID string) (core.Merchant, error) {
	merchant, ok := s.merchants[storeID]
	if !ok {
		return core.Merchant{}, core.TenantNotFound(storeID)
	}
	return merchant, nil
}

type handlerFixture struct {
	handler   *Handler
	stores    *memoryStores
	scheduler *stubScheduler
	courier   *stubCourier
	platform  *stubPlatform
}

func newHandlerFixture(autoDispatch *bool) handlerFixture {
	stores := newMemoryStores()
	sched := &stubScheduler{store: stores}
	courier := &stubCourier{}
	platform := &stubPlatform{}
	merchants := stubMerchants{merchants: map[string]core.Merchant{
		"S1": {StoreID: "S1", Active: true, Capabilities: core.Capabilities{AutoDispatch: autoDispatch}},
	}}
	handler := NewHandler(core.DispatchConfig{LeadBuffer: 30 * time.Minute, AutoDispatchDefault: true}, Dependencies{
		Orders:     stores,
		Deliveries: stores,
		Merchants:  merchants,
		Scheduler:  sched,
		Courier:    courier,
		Platform:   platform,
	}, nil)
	handler.now = func() time.Time { return baseTime }
	return handlerFixture{handler: handler, stores: stores, scheduler: sched, courier: courier, platform: platform}
}

func platformEvent(id string, body string) core.WebhookEvent {
	return core.WebhookEvent{ID: id, Source: core.EventSourcePlatform, Payload: []byte(body), Status: core.EventStatusProcessing}
}

func courierEvent(id string, body string) core.WebhookEvent {
	return core.WebhookEvent{ID: id, Source: core.EventSourceCourier, Payload: []byte(body), Status: core.EventStatusProcessing}
}

func orderCreatedBody(promised time.Time) string {
	return fmt.Sprintf(
		`{"event_type":"order.created","store_id":"S1","order":{"id":"O1","fulfillment_type":"delivery","promised_time":%q,"dropoff_address":"9 Customer Ave"}}`,
		promised.Format(time.RFC3339),
	)
}

func TestHandler_OrderCreatedSchedulesDelivery(t *testing.T) {
	fx := newHandlerFixture(nil)
	promised := baseTime.Add(60 * time.Minute)

	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(promised))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	order, err := fx.stores.GetOrder(context.Background(), "S1", "O1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != core.OrderStatusPending || order.FulfillmentType != core.FulfillmentDelivery {
		t.Fatalf("unexpected order %#v", order)
	}
	delivery, err := fx.stores.GetDelivery(context.Background(), "S1:O1")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if delivery.DispatchDueAt == nil || !delivery.DispatchDueAt.Equal(baseTime.Add(30*time.Minute)) {
		t.Fatalf("expected delivery due at T+30m, got %v", delivery.DispatchDueAt)
	}
}

func TestHandler_ReplaysAreIdempotent(t *testing.T) {
	fx := newHandlerFixture(nil)
	body := orderCreatedBody(baseTime.Add(60 * time.Minute))

	for i := 0; i < 5; i++ {
		if err := fx.handler.Handle(context.Background(), platformEvent(fmt.Sprintf("e%d", i), body)); err != nil {
			t.Fatalf("handle replay %d: %v", i, err)
		}
	}
	if len(fx.stores.orders) != 1 || len(fx.stores.deliveries) != 1 {
		t.Fatalf("expected one order and one delivery, got %d and %d", len(fx.stores.orders), len(fx.stores.deliveries))
	}
	if len(fx.scheduler.scheduled) != 1 {
		t.Fatalf("expected a single schedule, got %d", len(fx.scheduler.scheduled))
	}
	if fx.stores.orderSaves != 1 {
		t.Fatalf("expected replays not to rewrite the order, got %d saves", fx.stores.orderSaves)
	}
}

func TestHandler_PromisedTimeChangeReschedules(t *testing.T) {
	fx := newHandlerFixture(nil)
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(60*time.Minute)))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := fx.handler.Handle(context.Background(), platformEvent("e2", orderCreatedBody(baseTime.Add(90*time.Minute)))); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	delivery, _ := fx.stores.GetDelivery(context.Background(), "S1:O1")
	if !delivery.DispatchDueAt.Equal(baseTime.Add(60 * time.Minute)) {
		t.Fatalf("expected due time to follow the promise, got %v", delivery.DispatchDueAt)
	}
}

func TestHandler_AutoDispatchDisabledSkipsDelivery(t *testing.T) {
	disabled := false
	fx := newHandlerFixture(&disabled)
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(fx.stores.orders) != 1 || len(fx.stores.deliveries) != 0 {
		t.Fatalf("expected order without delivery")
	}
}

func TestHandler_PickupOrderHasNoDelivery(t *testing.T) {
	fx := newHandlerFixture(nil)
	body := `{"event_type":"order.created","store_id":"S1","platform_order_id":"O9","fulfillment_type":"pickup"}`
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", body)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(fx.stores.deliveries) != 0 {
		t.Fatalf("expected no delivery for pickup order")
	}
}

func TestHandler_UnknownTenantIsTerminal(t *testing.T) {
	fx := newHandlerFixture(nil)
	body := `{"event_type":"order.created","store_id":"S404","platform_order_id":"O1"}`
	err := fx.handler.Handle(context.Background(), platformEvent("e1", body))
	if !core.HasTextCode(err, core.ErrorTenantNotFound) || !core.IsTerminal(err) {
		t.Fatalf("expected terminal tenant error, got %v", err)
	}
}

func TestHandler_StaleStatusIsIgnored(t *testing.T) {
	fx := newHandlerFixture(nil)
	ready := `{"event_type":"order.updated","store_id":"S1","platform_order_id":"O1","status":"ready"}`
	confirmed := `{"event_type":"order.updated","store_id":"S1","platform_order_id":"O1","status":"confirmed"}`
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", ready)); err != nil {
		t.Fatalf("handle ready: %v", err)
	}
	if err := fx.handler.Handle(context.Background(), platformEvent("e2", confirmed)); err != nil {
		t.Fatalf("expected stale event to succeed, got %v", err)
	}
	order, _ := fx.stores.GetOrder(context.Background(), "S1", "O1")
	if order.Status != core.OrderStatusReady {
		t.Fatalf("expected order to stay ready, got %s", order.Status)
	}
}

func TestHandler_CourierPickedUpMovesOrderOutForDelivery(t *testing.T) {
	fx := newHandlerFixture(nil)
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle order: %v", err)
	}
	_, _ = fx.stores.MarkDispatched(context.Background(), "S1:O1", "D-1", core.DeliveryStatusAccepted, baseTime)

	body := `{"event_type":"delivery.status_changed","external_delivery_id":"S1:O1","status":"picked_up","tracking_url":"https://t.example/D-1"}`
	if err := fx.handler.Handle(context.Background(), courierEvent("e2", body)); err != nil {
		t.Fatalf("handle courier: %v", err)
	}
	order, _ := fx.stores.GetOrder(context.Background(), "S1", "O1")
	if order.Status != core.OrderStatusOutForDelivery {
		t.Fatalf("expected out_for_delivery, got %s", order.Status)
	}
	delivery, _ := fx.stores.GetDelivery(context.Background(), "S1:O1")
	if delivery.Status != core.DeliveryStatusPickedUp || delivery.TrackingURL == "" {
		t.Fatalf("unexpected delivery %#v", delivery)
	}
	if len(fx.platform.pushed) != 1 || fx.platform.pushed[0] != core.OrderStatusOutForDelivery {
		t.Fatalf("expected status pushed to platform, got %v", fx.platform.pushed)
	}
}

func TestHandler_StatusPushFailureDoesNotFailEvent(t *testing.T) {
	fx := newHandlerFixture(nil)
	fx.platform.err = errors.New("platform down")
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle order: %v", err)
	}
	body := `{"external_delivery_id":"S1:O1","status":"dasher_confirmed"}`
	if err := fx.handler.Handle(context.Background(), courierEvent("e2", body)); err != nil {
		t.Fatalf("expected push failure to be swallowed, got %v", err)
	}
	order, _ := fx.stores.GetOrder(context.Background(), "S1", "O1")
	if order.Status != core.OrderStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", order.Status)
	}
}

func TestHandler_UnknownCourierStatusLeavesOrderUnchanged(t *testing.T) {
	fx := newHandlerFixture(nil)
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle order: %v", err)
	}
	body := `{"external_delivery_id":"S1:O1","status":"teleported"}`
	if err := fx.handler.Handle(context.Background(), courierEvent("e2", body)); err != nil {
		t.Fatalf("expected unknown status to be ignored, got %v", err)
	}
	order, _ := fx.stores.GetOrder(context.Background(), "S1", "O1")
	delivery, _ := fx.stores.GetDelivery(context.Background(), "S1:O1")
	if order.Status != core.OrderStatusPending || delivery.Status != core.DeliveryStatusPending {
		t.Fatalf("expected no change, got order %s delivery %s", order.Status, delivery.Status)
	}
}

func TestHandler_CancellationCancelsDispatchedDelivery(t *testing.T) {
	fx := newHandlerFixture(nil)
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle order: %v", err)
	}
	_, _ = fx.stores.MarkDispatched(context.Background(), "S1:O1", "D-1", core.DeliveryStatusAccepted, baseTime)

	body := `{"event_type":"order.cancelled","store_id":"S1","platform_order_id":"O1"}`
	if err := fx.handler.Handle(context.Background(), platformEvent("e2", body)); err != nil {
		t.Fatalf("handle cancel: %v", err)
	}
	if len(fx.scheduler.cancelled) != 1 || len(fx.courier.cancels) != 1 {
		t.Fatalf("expected timer and courier cancellation, got %v %v", fx.scheduler.cancelled, fx.courier.cancels)
	}
	delivery, _ := fx.stores.GetDelivery(context.Background(), "S1:O1")
	if delivery.Status != core.DeliveryStatusCancelled {
		t.Fatalf("expected cancelled delivery, got %s", delivery.Status)
	}

	// Replaying the cancellation is a no-op.
	if err := fx.handler.Handle(context.Background(), platformEvent("e3", body)); err != nil {
		t.Fatalf("replay cancel: %v", err)
	}
	if len(fx.courier.cancels) != 1 {
		t.Fatalf("expected no second courier cancel, got %d", len(fx.courier.cancels))
	}
}

func TestHandler_CancellationBeforeDispatchSkipsCourier(t *testing.T) {
	fx := newHandlerFixture(nil)
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle order: %v", err)
	}
	body := `{"event_type":"order.cancelled","store_id":"S1","platform_order_id":"O1"}`
	if err := fx.handler.Handle(context.Background(), platformEvent("e2", body)); err != nil {
		t.Fatalf("handle cancel: %v", err)
	}
	if len(fx.courier.cancels) != 0 {
		t.Fatalf("expected no courier call for undispatched delivery")
	}
	delivery, _ := fx.stores.GetDelivery(context.Background(), "S1:O1")
	if delivery.Status != core.DeliveryStatusCancelled {
		t.Fatalf("expected cancelled delivery, got %s", delivery.Status)
	}
}

func TestHandler_CourierCancelFailureIsRetryable(t *testing.T) {
	fx := newHandlerFixture(nil)
	fx.courier.err = core.TransientUpstream(errors.New("timeout"), 0, "cancel timed out")
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle order: %v", err)
	}
	_, _ = fx.stores.MarkDispatched(context.Background(), "S1:O1", "D-1", core.DeliveryStatusAccepted, baseTime)

	body := `{"event_type":"order.cancelled","store_id":"S1","platform_order_id":"O1"}`
	err := fx.handler.Handle(context.Background(), platformEvent("e2", body))
	if !core.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	delivery, _ := fx.stores.GetDelivery(context.Background(), "S1:O1")
	if delivery.Status == core.DeliveryStatusCancelled {
		t.Fatalf("expected delivery to stay open until the courier confirms")
	}
}

func TestHandler_CancelDispatchByOperator(t *testing.T) {
	fx := newHandlerFixture(nil)
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle order: %v", err)
	}
	_, _ = fx.stores.MarkDispatched(context.Background(), "S1:O1", "D-1", core.DeliveryStatusAccepted, baseTime)

	delivery, err := fx.handler.CancelDispatch(context.Background(), " S1:O1 ")
	if err != nil {
		t.Fatalf("cancel dispatch: %v", err)
	}
	if delivery.Status != core.DeliveryStatusCancelled {
		t.Fatalf("expected cancelled delivery, got %s", delivery.Status)
	}
	if len(fx.courier.cancels) != 1 || len(fx.scheduler.cancelled) != 1 {
		t.Fatalf("expected courier and timer cancellation, got %v %v", fx.courier.cancels, fx.scheduler.cancelled)
	}

	if _, err := fx.handler.CancelDispatch(context.Background(), "S1:O1"); err != nil {
		t.Fatalf("expected repeated cancel to be a no-op, got %v", err)
	}
	if len(fx.courier.cancels) != 1 {
		t.Fatalf("expected no second courier cancel, got %d", len(fx.courier.cancels))
	}

	if _, err := fx.handler.CancelDispatch(context.Background(), "S1:missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found for unknown delivery, got %v", err)
	}
}

func TestHandler_CourierAcceptedConfirmsOrderAfterDispatch(t *testing.T) {
	fx := newHandlerFixture(nil)
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle order: %v", err)
	}
	// The dispatch already stored the courier's create response as accepted.
	_, _ = fx.stores.MarkDispatched(context.Background(), "S1:O1", "D-1", core.DeliveryStatusAccepted, baseTime)

	body := `{"event_type":"delivery.status_changed","external_delivery_id":"S1:O1","status":"accepted"}`
	if err := fx.handler.Handle(context.Background(), courierEvent("e2", body)); err != nil {
		t.Fatalf("handle courier: %v", err)
	}
	order, _ := fx.stores.GetOrder(context.Background(), "S1", "O1")
	if order.Status != core.OrderStatusConfirmed {
		t.Fatalf("expected accepted to confirm the order, got %s", order.Status)
	}
	if len(fx.platform.pushed) != 1 || fx.platform.pushed[0] != core.OrderStatusConfirmed {
		t.Fatalf("expected confirmed pushed to platform, got %v", fx.platform.pushed)
	}

	// A replay of the same webhook leaves the order alone.
	if err := fx.handler.Handle(context.Background(), courierEvent("e3", body)); err != nil {
		t.Fatalf("handle replay: %v", err)
	}
	if len(fx.platform.pushed) != 1 {
		t.Fatalf("expected no second push, got %v", fx.platform.pushed)
	}
}

type recordingLocker struct {
	mu   sync.Mutex
	keys []string
}

func (l *recordingLocker) Lock(_ context.Context, key string) (locks.Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return func() {}, nil
}

func TestHandler_CourierIDOnlyEventLocksExternalDelivery(t *testing.T) {
	fx := newHandlerFixture(nil)
	locker := &recordingLocker{}
	fx.handler.deps.Locker = locker
	if err := fx.handler.Handle(context.Background(), platformEvent("e1", orderCreatedBody(baseTime.Add(time.Hour)))); err != nil {
		t.Fatalf("handle order: %v", err)
	}
	_, _ = fx.stores.MarkDispatched(context.Background(), "S1:O1", "D-7", core.DeliveryStatusAccepted, baseTime)

	locker.keys = nil
	body := `{"event_type":"delivery.status_changed","courier_delivery_id":"D-7","status":"picked_up"}`
	if err := fx.handler.Handle(context.Background(), courierEvent("e2", body)); err != nil {
		t.Fatalf("handle courier: %v", err)
	}
	if len(locker.keys) == 0 || locker.keys[0] != locks.DeliveryKey("S1:O1") {
		t.Fatalf("expected the delivery lock on the external id, got %v", locker.keys)
	}
	delivery, _ := fx.stores.GetDelivery(context.Background(), "S1:O1")
	if delivery.Status != core.DeliveryStatusPickedUp {
		t.Fatalf("expected picked_up, got %s", delivery.Status)
	}
}
