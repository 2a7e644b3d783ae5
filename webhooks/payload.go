package webhooks

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/lifecycle"
)

type PlatformOrder struct {
	PlatformOrderID string
	Status          core.OrderStatus
	FulfillmentType core.FulfillmentType
	PromisedTime    *time.Time
	CustomerName    string
	DropoffAddress  string
	DropoffPhone    string
	TotalCents      int64
}

// PlatformEvent is the normalized form of an ordering platform webhook.
type PlatformEvent struct {
	EventType string
	StoreID   string
	Order     PlatformOrder
	Raw       map[string]any
}

// CourierEvent is the normalized form of a courier status webhook. Known is
// false when the courier status is outside the mapped vocabulary.
type CourierEvent struct {
	EventType          string
	StoreID            string
	ExternalDeliveryID string
	CourierDeliveryID  string
	RawStatus          string
	Status             core.DeliveryStatus
	Known              bool
	TrackingURL        string
}

type wireOrder struct {
	ID              string     `json:"id"`
	PlatformOrderID string     `json:"platform_order_id"`
	Status          string     `json:"status"`
	FulfillmentType string     `json:"fulfillment_type"`
	PromisedTime    *time.Time `json:"promised_time"`
	CustomerName    string     `json:"customer_name"`
	DropoffAddress  string     `json:"dropoff_address"`
	DropoffPhone    string     `json:"dropoff_phone"`
	TotalCents      int64      `json:"total_cents"`
}

type wirePlatformEvent struct {
	EventType       string     `json:"event_type"`
	Type            string     `json:"type"`
	StoreID         string     `json:"store_id"`
	MerchantID      string     `json:"merchant_id"`
	Order           *wireOrder `json:"order"`
	PlatformOrderID string     `json:"platform_order_id"`
	Status          string     `json:"status"`
	FulfillmentType string     `json:"fulfillment_type"`
	PromisedTime    *time.Time `json:"promised_time"`
	CustomerName    string     `json:"customer_name"`
	DropoffAddress  string     `json:"dropoff_address"`
	DropoffPhone    string     `json:"dropoff_phone"`
	TotalCents      int64      `json:"total_cents"`
}

type wireCourierDelivery struct {
	ExternalDeliveryID string `json:"external_delivery_id"`
	CourierDeliveryID  string `json:"courier_delivery_id"`
	ID                 string `json:"id"`
	Status             string `json:"status"`
	TrackingURL        string `json:"tracking_url"`
}

type wireCourierEvent struct {
	EventType          string               `json:"event_type"`
	EventName          string               `json:"event_name"`
	ExternalDeliveryID string               `json:"external_delivery_id"`
	CourierDeliveryID  string               `json:"courier_delivery_id"`
	Status             string               `json:"status"`
	DeliveryStatus     string               `json:"delivery_status"`
	TrackingURL        string               `json:"tracking_url"`
	Delivery           *wireCourierDelivery `json:"delivery"`
}

// PlatformTenantID returns the store id carried by a platform body without
// validating the rest of it.
func PlatformTenantID(body []byte) (string, error) {
	wire := wirePlatformEvent{}
	if err := json.Unmarshal(body, &wire); err != nil {
		return "", core.MalformedPayload("payload is not valid JSON")
	}
	storeID := firstNonEmpty(wire.StoreID, wire.MerchantID)
	if storeID == "" {
		return "", core.MalformedPayload("store_id is required")
	}
	return storeID, nil
}

func ParsePlatformEvent(body []byte) (PlatformEvent, error) {
	wire := wirePlatformEvent{}
	if err := json.Unmarshal(body, &wire); err != nil {
		return PlatformEvent{}, core.MalformedPayload("payload is not valid JSON")
	}
	raw := map[string]any{}
	_ = json.Unmarshal(body, &raw)

	event := PlatformEvent{
		EventType: strings.ToLower(firstNonEmpty(wire.EventType, wire.Type)),
		StoreID:   firstNonEmpty(wire.StoreID, wire.MerchantID),
		Raw:       raw,
	}
	if event.StoreID == "" {
		return PlatformEvent{}, core.MalformedPayload("store_id is required")
	}
	if event.EventType == "" {
		return PlatformEvent{}, core.MalformedPayload("event_type is required")
	}

	order := wire.Order
	if order == nil {
		order = &wireOrder{}
	}
	orderID := firstNonEmpty(order.PlatformOrderID, order.ID, wire.PlatformOrderID)
	if orderID == "" {
		return PlatformEvent{}, core.MalformedPayload("platform_order_id is required")
	}

	status, err := platformStatus(event.EventType, firstNonEmpty(order.Status, wire.Status))
	if err != nil {
		return PlatformEvent{}, err
	}
	fulfillment := core.FulfillmentPickup
	if rawType := firstNonEmpty(order.FulfillmentType, wire.FulfillmentType); rawType != "" {
		parsed, ok := lifecycle.ParseFulfillmentType(rawType)
		if !ok {
			return PlatformEvent{}, core.MalformedPayload("fulfillment_type " + rawType + " is not supported")
		}
		fulfillment = parsed
	}

	promised := order.PromisedTime
	if promised == nil {
		promised = wire.PromisedTime
	}
	if promised != nil {
		utc := promised.UTC()
		promised = &utc
	}
	if fulfillment == core.FulfillmentDelivery && status != core.OrderStatusCancelled && promised == nil {
		return PlatformEvent{}, core.MalformedPayload("promised_time is required for delivery orders")
	}

	totalCents := order.TotalCents
	if totalCents == 0 {
		totalCents = wire.TotalCents
	}
	event.Order = PlatformOrder{
		PlatformOrderID: orderID,
		Status:          status,
		FulfillmentType: fulfillment,
		PromisedTime:    promised,
		CustomerName:    firstNonEmpty(order.CustomerName, wire.CustomerName),
		DropoffAddress:  firstNonEmpty(order.DropoffAddress, wire.DropoffAddress),
		DropoffPhone:    firstNonEmpty(order.DropoffPhone, wire.DropoffPhone),
		TotalCents:      totalCents,
	}
	return event, nil
}

// platformStatus prefers an explicit status and falls back to the verb of
// the event type ("order.cancelled" -> cancelled, "order.created" -> pending).
func platformStatus(eventType string, rawStatus string) (core.OrderStatus, error) {
	if rawStatus != "" {
		status, ok := lifecycle.ParsePlatformStatus(rawStatus)
		if !ok {
			return "", core.MalformedPayload("order status " + rawStatus + " is not supported")
		}
		return status, nil
	}
	verb := eventType
	if _, after, found := strings.Cut(eventType, "."); found {
		verb = after
	}
	if status, ok := lifecycle.ParsePlatformStatus(verb); ok {
		return status, nil
	}
	return "", core.MalformedPayload("order status is required for event " + eventType)
}

// CourierTenantID returns the delivery key a courier body is addressed to.
func CourierTenantID(body []byte) (string, error) {
	event, err := ParseCourierEvent(body)
	if err != nil {
		return "", err
	}
	return firstNonEmpty(event.ExternalDeliveryID, event.CourierDeliveryID), nil
}

func ParseCourierEvent(body []byte) (CourierEvent, error) {
	wire := wireCourierEvent{}
	if err := json.Unmarshal(body, &wire); err != nil {
		return CourierEvent{}, core.MalformedPayload("payload is not valid JSON")
	}
	nested := wire.Delivery
	if nested == nil {
		nested = &wireCourierDelivery{}
	}
	event := CourierEvent{
		EventType:          strings.ToLower(firstNonEmpty(wire.EventType, wire.EventName)),
		ExternalDeliveryID: firstNonEmpty(wire.ExternalDeliveryID, nested.ExternalDeliveryID),
		CourierDeliveryID:  firstNonEmpty(wire.CourierDeliveryID, nested.CourierDeliveryID, nested.ID),
		RawStatus:          strings.ToLower(firstNonEmpty(wire.Status, wire.DeliveryStatus, nested.Status)),
		TrackingURL:        firstNonEmpty(wire.TrackingURL, nested.TrackingURL),
	}
	if event.ExternalDeliveryID == "" && event.CourierDeliveryID == "" {
		return CourierEvent{}, core.MalformedPayload("external_delivery_id or courier_delivery_id is required")
	}
	if event.EventType == "" {
		event.EventType = "delivery.status_changed"
	}
	if event.RawStatus == "" {
		// Some courier events carry the status only in the event name.
		if _, after, found := strings.Cut(event.EventType, "."); found {
			event.RawStatus = after
		}
	}
	event.Status, event.Known = lifecycle.ParseCourierStatus(event.RawStatus)
	if storeID, _, ok := core.SplitExternalDeliveryID(event.ExternalDeliveryID); ok {
		event.StoreID = storeID
	}
	return event, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
