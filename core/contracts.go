package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type RecordEventInput struct {
	Source     EventSource
	EventType  string
	StoreID    string
	DedupeKey  string
	Payload    []byte
	ReceivedAt time.Time
}

type EventFilter struct {
	Source    EventSource
	StoreID   string
	EventType string
	Since     *time.Time
	Limit     int
	Offset    int
}

// EventStore is the durable webhook reliability log.
type EventStore interface {
	// Record persists a pending event. When the dedupe key already exists the
	// stored event is returned with created=false.
	Record(ctx context.Context, in RecordEventInput) (event WebhookEvent, created bool, err error)
	Get(ctx context.Context, id string) (WebhookEvent, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	RecordAttempt(ctx context.Context, id string, attempt int, cause error, nextAttemptAt *time.Time) error
	ListByStatus(ctx context.Context, status EventStatus, filter EventFilter) ([]WebhookEvent, error)
	Requeue(ctx context.Context, id string) error
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]WebhookEvent, error)
	PruneTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

type OrderFilter struct {
	StoreID string
	Status  OrderStatus
	Limit   int
	Offset  int
}

type OrderStore interface {
	GetOrder(ctx context.Context, storeID string, platformOrderID string) (Order, error)
	// SaveOrder upserts keyed by (store_id, platform_order_id).
	SaveOrder(ctx context.Context, order Order) (Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
}

type DispatchFilter struct {
	DueBefore *time.Time
	Limit     int
}

type DeliveryStore interface {
	// CreateDelivery inserts when absent. An existing row keyed by
	// external_delivery_id is returned unchanged with created=false.
	CreateDelivery(ctx context.Context, delivery Delivery) (stored Delivery, created bool, err error)
	GetDelivery(ctx context.Context, externalDeliveryID string) (Delivery, error)
	GetDeliveryByCourierID(ctx context.Context, courierDeliveryID string) (Delivery, error)
	SaveDelivery(ctx context.Context, delivery Delivery) (Delivery, error)
	SetDispatchDue(ctx context.Context, externalDeliveryID string, dueAt time.Time) error
	// MarkDispatched only applies to rows without dispatched_at.
	MarkDispatched(ctx context.Context, externalDeliveryID string, courierDeliveryID string, status DeliveryStatus, at time.Time) (bool, error)
	RecordDispatchFailure(ctx context.Context, externalDeliveryID string, attempts int, cause error) error
	ListPendingDispatch(ctx context.Context, filter DispatchFilter) ([]Delivery, error)
	ListDispatchFailures(ctx context.Context, limit int) ([]Delivery, error)
}

type MerchantStore interface {
	GetMerchant(ctx context.Context, storeID string) (Merchant, error)
	SaveMerchant(ctx context.Context, merchant Merchant) (Merchant, error)
	// SwapCredentials replaces the stored credential blob only when it still
	// equals expected.
	SwapCredentials(ctx context.Context, storeID string, expected []byte, next []byte, keyRef string) (bool, error)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
