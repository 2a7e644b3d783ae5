package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidEventStatusTransition    = errors.New("core: invalid event status transition")
	ErrInvalidOrderStatusTransition    = errors.New("core: invalid order status transition")
	ErrInvalidDeliveryStatusTransition = errors.New("core: invalid delivery status transition")
)

type EventSource string

const (
	EventSourcePlatform EventSource = "platform"
	EventSourceCourier  EventSource = "courier"
)

func (s EventSource) Valid() bool {
	return s == EventSourcePlatform || s == EventSourceCourier
}

// ParseEventSource accepts the canonical names plus the long form used in
// operational tooling ("ordering-platform").
func ParseEventSource(value string) (EventSource, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "platform", "ordering-platform", "ordering_platform":
		return EventSourcePlatform, nil
	case "courier":
		return EventSourceCourier, nil
	default:
		return "", fmt.Errorf("core: unknown event source %q", value)
	}
}

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusSucceeded  EventStatus = "succeeded"
	EventStatusFailed     EventStatus = "failed"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusProcessing, EventStatusSucceeded, EventStatusFailed:
		return true
	default:
		return false
	}
}

func (s EventStatus) Terminal() bool {
	return s == EventStatusSucceeded || s == EventStatusFailed
}

type WebhookEvent struct {
	ID            string
	Source        EventSource
	EventType     string
	StoreID       string
	DedupeKey     string
	Payload       []byte
	Status        EventStatus
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EventTransitionAllowed reports whether the event may move from current to
// next. failed -> pending is only reachable through an explicit requeue and is
// checked separately.
func EventTransitionAllowed(current, next EventStatus) bool {
	allowed := map[EventStatus]map[EventStatus]struct{}{
		EventStatusPending: {
			EventStatusProcessing: {},
			EventStatusFailed:     {},
		},
		EventStatusProcessing: {
			EventStatusSucceeded: {},
			EventStatusFailed:    {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusReady          OrderStatus = "ready"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:        0,
	OrderStatusConfirmed:      1,
	OrderStatusPreparing:      2,
	OrderStatusReady:          3,
	OrderStatusOutForDelivery: 4,
	OrderStatusDelivered:      5,
}

func (s OrderStatus) Valid() bool {
	if s == OrderStatusCancelled {
		return true
	}
	_, ok := orderStatusRank[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// OrderTransitionAllowed permits forward moves along the main track (skips
// included) and cancellation from any non-terminal state.
func OrderTransitionAllowed(current, next OrderStatus) bool {
	if !current.Valid() || !next.Valid() || current.Terminal() {
		return false
	}
	if next == OrderStatusCancelled {
		return true
	}
	return orderStatusRank[next] > orderStatusRank[current]
}

type FulfillmentType string

const (
	FulfillmentPickup   FulfillmentType = "pickup"
	FulfillmentDelivery FulfillmentType = "delivery"
)

type Order struct {
	StoreID         string
	PlatformOrderID string
	Status          OrderStatus
	FulfillmentType FulfillmentType
	PromisedTime    *time.Time
	CustomerName    string
	DropoffAddress  string
	DropoffPhone    string
	TotalCents      int64
	RawData         map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (o *Order) TransitionTo(status OrderStatus, now time.Time) error {
	if o == nil {
		return nil
	}
	if o.Status == status {
		return nil
	}
	if !OrderTransitionAllowed(o.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidOrderStatusTransition, o.Status, status)
	}
	o.Status = status
	o.UpdatedAt = now
	return nil
}

// DeliveryEligible reports whether the order should get a courier delivery.
func (o Order) DeliveryEligible() bool {
	return o.FulfillmentType == FulfillmentDelivery && !o.Status.Terminal()
}

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusAccepted  DeliveryStatus = "accepted"
	DeliveryStatusPickedUp  DeliveryStatus = "picked_up"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

var deliveryStatusRank = map[DeliveryStatus]int{
	DeliveryStatusPending:   0,
	DeliveryStatusAccepted:  1,
	DeliveryStatusPickedUp:  2,
	DeliveryStatusDelivered: 3,
}

func (s DeliveryStatus) Valid() bool {
	if s == DeliveryStatusCancelled || s == DeliveryStatusFailed {
		return true
	}
	_, ok := deliveryStatusRank[s]
	return ok
}

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusCancelled || s == DeliveryStatusFailed
}

func DeliveryTransitionAllowed(current, next DeliveryStatus) bool {
	if !current.Valid() || !next.Valid() || current.Terminal() {
		return false
	}
	if next == DeliveryStatusCancelled || next == DeliveryStatusFailed {
		return true
	}
	return deliveryStatusRank[next] > deliveryStatusRank[current]
}

type Delivery struct {
	ExternalDeliveryID string
	StoreID            string
	PlatformOrderID    string
	CourierDeliveryID  string
	Status             DeliveryStatus
	DispatchDueAt      *time.Time
	DispatchedAt       *time.Time
	DispatchAttempts   int
	LastError          string
	TrackingURL        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (d *Delivery) TransitionTo(status DeliveryStatus, now time.Time) error {
	if d == nil {
		return nil
	}
	if d.Status == status {
		return nil
	}
	if !DeliveryTransitionAllowed(d.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidDeliveryStatusTransition, d.Status, status)
	}
	d.Status = status
	d.UpdatedAt = now
	return nil
}

func (d Delivery) Dispatched() bool {
	return d.DispatchedAt != nil
}

// ExternalDeliveryID derives the courier idempotency key from the order key.
func ExternalDeliveryID(storeID, platformOrderID string) string {
	return strings.TrimSpace(storeID) + ":" + strings.TrimSpace(platformOrderID)
}

// SplitExternalDeliveryID is the inverse of ExternalDeliveryID. Order ids may
// contain ':' so only the first separator is significant.
func SplitExternalDeliveryID(externalID string) (storeID string, platformOrderID string, ok bool) {
	storeID, platformOrderID, ok = strings.Cut(strings.TrimSpace(externalID), ":")
	if !ok || storeID == "" || platformOrderID == "" {
		return "", "", false
	}
	return storeID, platformOrderID, true
}

type Capabilities struct {
	RequireSignature bool
	// AutoDispatch is nil when the merchant defers to the deployment default.
	AutoDispatch *bool
}

func (c Capabilities) AutoDispatchEnabled(fallback bool) bool {
	if c.AutoDispatch == nil {
		return fallback
	}
	return *c.AutoDispatch
}

type Merchant struct {
	StoreID              string
	Name                 string
	EncryptedCredentials []byte
	KeyRef               string
	Active               bool
	Capabilities         Capabilities
	PickupAddress        string
	PickupPhone          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Credentials struct {
	PlatformClientID     string     `json:"platform_client_id,omitempty"`
	PlatformClientSecret string     `json:"platform_client_secret,omitempty"`
	PlatformAccessToken  string     `json:"platform_access_token,omitempty"`
	PlatformTokenExpiry  *time.Time `json:"platform_token_expiry,omitempty"`
	CourierDeveloperID   string     `json:"courier_developer_id,omitempty"`
	CourierKeyID         string     `json:"courier_key_id,omitempty"`
	CourierSigningSecret string     `json:"courier_signing_secret,omitempty"`
	WebhookSecret        string     `json:"webhook_secret,omitempty"`
}

func (c Credentials) PlatformTokenExpired(now time.Time) bool {
	if strings.TrimSpace(c.PlatformAccessToken) == "" {
		return true
	}
	if c.PlatformTokenExpiry == nil {
		return false
	}
	return !now.Before(c.PlatformTokenExpiry.UTC())
}
