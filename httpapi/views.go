package httpapi

import (
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/query"
)

type eventView struct {
	ID            string     `json:"id"`
	Source        string     `json:"source"`
	EventType     string     `json:"event_type"`
	StoreID       string     `json:"store_id"`
	DedupeKey     string     `json:"dedupe_key"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type orderView struct {
	StoreID         string     `json:"store_id"`
	PlatformOrderID string     `json:"platform_order_id"`
	Status          string     `json:"status"`
	FulfillmentType string     `json:"fulfillment_type"`
	PromisedTime    *time.Time `json:"promised_time,omitempty"`
	CustomerName    string     `json:"customer_name,omitempty"`
	DropoffAddress  string     `json:"dropoff_address,omitempty"`
	TotalCents      int64      `json:"total_cents"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type deliveryView struct {
	ExternalDeliveryID string     `json:"external_delivery_id"`
	StoreID            string     `json:"store_id"`
	PlatformOrderID    string     `json:"platform_order_id"`
	CourierDeliveryID  string     `json:"courier_delivery_id,omitempty"`
	Status             string     `json:"status"`
	DispatchDueAt      *time.Time `json:"dispatch_due_at,omitempty"`
	DispatchedAt       *time.Time `json:"dispatched_at,omitempty"`
	DispatchAttempts   int        `json:"dispatch_attempts"`
	LastError          string     `json:"last_error,omitempty"`
	TrackingURL        string     `json:"tracking_url,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type snapshotView struct {
	Order    orderView     `json:"order"`
	Delivery *deliveryView `json:"delivery"`
}

type alertsView struct {
	FailedEvents      []eventView    `json:"failed_events"`
	FailedDispatches  []deliveryView `json:"failed_dispatches"`
	StalledDispatches []deliveryView `json:"stalled_dispatches"`
}

func toEventView(event core.WebhookEvent) eventView {
	return eventView{
		ID:            event.ID,
		Source:        string(event.Source),
		EventType:     event.EventType,
		StoreID:       event.StoreID,
		DedupeKey:     event.DedupeKey,
		Status:        string(event.Status),
		Attempts:      event.Attempts,
		LastError:     event.LastError,
		NextAttemptAt: event.NextAttemptAt,
		CreatedAt:     event.CreatedAt,
		UpdatedAt:     event.UpdatedAt,
	}
}

func toEventViews(events []core.WebhookEvent) []eventView {
	out := make([]eventView, 0, len(events))
	for _, event := range events {
		out = append(out, toEventView(event))
	}
	return out
}

func toDeliveryView(delivery core.Delivery) deliveryView {
	return deliveryView{
		ExternalDeliveryID: delivery.ExternalDeliveryID,
		StoreID:            delivery.StoreID,
		PlatformOrderID:    delivery.PlatformOrderID,
		CourierDeliveryID:  delivery.CourierDeliveryID,
		Status:             string(delivery.Status),
		DispatchDueAt:      delivery.DispatchDueAt,
		DispatchedAt:       delivery.DispatchedAt,
		DispatchAttempts:   delivery.DispatchAttempts,
		LastError:          delivery.LastError,
		TrackingURL:        delivery.TrackingURL,
		UpdatedAt:          delivery.UpdatedAt,
	}
}

func toDeliveryViews(deliveries []core.Delivery) []deliveryView {
	out := make([]deliveryView, 0, len(deliveries))
	for _, delivery := range deliveries {
		out = append(out, toDeliveryView(delivery))
	}
	return out
}

func toSnapshotView(snapshot query.OrderSnapshot) snapshotView {
	order := snapshot.Order
	view := snapshotView{Order: orderView{
		StoreID:         order.StoreID,
		PlatformOrderID: order.PlatformOrderID,
		Status:          string(order.Status),
		FulfillmentType: string(order.FulfillmentType),
		PromisedTime:    order.PromisedTime,
		CustomerName:    order.CustomerName,
		DropoffAddress:  order.DropoffAddress,
		TotalCents:      order.TotalCents,
		UpdatedAt:       order.UpdatedAt,
	}}
	if snapshot.Delivery != nil {
		delivery := toDeliveryView(*snapshot.Delivery)
		view.Delivery = &delivery
	}
	return view
}

func toAlertsView(alerts query.DispatchAlerts) alertsView {
	return alertsView{
		FailedEvents:      toEventViews(alerts.FailedEvents),
		FailedDispatches:  toDeliveryViews(alerts.FailedDispatches),
		StalledDispatches: toDeliveryViews(alerts.StalledDispatches),
	}
}
