package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:dispatch_webhook_events,alias:we"`

	ID            string     `bun:"id,pk"`
	Source        string     `bun:"source,notnull"`
	EventType     string     `bun:"event_type,notnull"`
	StoreID       string     `bun:"store_id,notnull"`
	DedupeKey     string     `bun:"dedupe_key,notnull"`
	Payload       []byte     `bun:"payload,notnull"`
	Status        string     `bun:"status,notnull"`
	AttemptCount  int        `bun:"attempt_count,notnull"`
	LastError     string     `bun:"last_error,notnull"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type merchantRecord struct {
	bun.BaseModel `bun:"table:dispatch_merchants,alias:dm"`

	ID                   string    `bun:"id,pk"`
	StoreID              string    `bun:"store_id,notnull"`
	Name                 string    `bun:"name,notnull"`
	EncryptedCredentials []byte    `bun:"encrypted_credentials,notnull"`
	KeyRef               string    `bun:"key_ref,notnull"`
	Active               bool      `bun:"active,notnull"`
	RequireSignature     bool      `bun:"require_signature,notnull"`
	AutoDispatch         *bool     `bun:"auto_dispatch"`
	PickupAddress        string    `bun:"pickup_address,notnull"`
	PickupPhone          string    `bun:"pickup_phone,notnull"`
	CreatedAt            time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type orderRecord struct {
	bun.BaseModel `bun:"table:dispatch_orders,alias:ord"`

	ID              string         `bun:"id,pk"`
	StoreID         string         `bun:"store_id,notnull"`
	PlatformOrderID string         `bun:"platform_order_id,notnull"`
	Status          string         `bun:"status,notnull"`
	FulfillmentType string         `bun:"fulfillment_type,notnull"`
	PromisedTime    *time.Time     `bun:"promised_time,nullzero"`
	CustomerName    string         `bun:"customer_name,notnull"`
	DropoffAddress  string         `bun:"dropoff_address,notnull"`
	DropoffPhone    string         `bun:"dropoff_phone,notnull"`
	TotalCents      int64          `bun:"total_cents,notnull"`
	RawData         map[string]any `bun:"raw_data,type:jsonb,notnull"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deliveryRecord struct {
	bun.BaseModel `bun:"table:dispatch_deliveries,alias:dd"`

	ID                 string     `bun:"id,pk"`
	ExternalDeliveryID string     `bun:"external_delivery_id,notnull"`
	StoreID            string     `bun:"store_id,notnull"`
	PlatformOrderID    string     `bun:"platform_order_id,notnull"`
	CourierDeliveryID  *string    `bun:"courier_delivery_id"`
	Status             string     `bun:"status,notnull"`
	DispatchDueAt      *time.Time `bun:"dispatch_due_at,nullzero"`
	DispatchedAt       *time.Time `bun:"dispatched_at,nullzero"`
	DispatchAttempts   int        `bun:"dispatch_attempts,notnull"`
	LastError          string     `bun:"last_error,notnull"`
	TrackingURL        string     `bun:"tracking_url,notnull"`
	CreatedAt          time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt          time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:dispatch_rate_limit_state,alias:rls"`

	ID             string     `bun:"id,pk"`
	Destination    string     `bun:"destination,notnull"`
	StoreID        string     `bun:"store_id,notnull"`
	Limit          int        `bun:"quota_limit,notnull"`
	Remaining      int        `bun:"remaining,notnull"`
	ResetAt        *time.Time `bun:"reset_at,nullzero"`
	RetryAfter     *int       `bun:"retry_after_seconds"`
	ThrottledUntil *time.Time `bun:"throttled_until,nullzero"`
	LastStatus     int        `bun:"last_status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
