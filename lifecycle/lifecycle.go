// Package lifecycle translates external status vocabularies into the order
// and delivery state machines and back-propagates courier progress to
// orders.
package lifecycle

import (
	"strings"

	"github.com/goliatone/go-dispatch/core"
)

// courierAliases folds the courier network's wire vocabulary into the
// delivery state machine.
var courierAliases = map[string]core.DeliveryStatus{
	"pending":            core.DeliveryStatusPending,
	"created":            core.DeliveryStatusAccepted,
	"accepted":           core.DeliveryStatusAccepted,
	"confirmed":          core.DeliveryStatusAccepted,
	"dasher_confirmed":   core.DeliveryStatusAccepted,
	"enroute_to_pickup":  core.DeliveryStatusAccepted,
	"arrived_at_pickup":  core.DeliveryStatusAccepted,
	"picked_up":          core.DeliveryStatusPickedUp,
	"dasher_picked_up":   core.DeliveryStatusPickedUp,
	"enroute_to_dropoff": core.DeliveryStatusPickedUp,
	"arrived_at_dropoff": core.DeliveryStatusPickedUp,
	"delivered":          core.DeliveryStatusDelivered,
	"dasher_dropped_off": core.DeliveryStatusDelivered,
	"cancelled":          core.DeliveryStatusCancelled,
	"canceled":           core.DeliveryStatusCancelled,
	"delivery_cancelled": core.DeliveryStatusCancelled,
	"failed":             core.DeliveryStatusFailed,
	"returned":           core.DeliveryStatusFailed,
	"delivery_attempted": core.DeliveryStatusFailed,
}

var platformAliases = map[string]core.OrderStatus{
	"new":              core.OrderStatusPending,
	"pending":          core.OrderStatusPending,
	"created":          core.OrderStatusPending,
	"placed":           core.OrderStatusPending,
	"accepted":         core.OrderStatusConfirmed,
	"confirmed":        core.OrderStatusConfirmed,
	"preparing":        core.OrderStatusPreparing,
	"in_preparation":   core.OrderStatusPreparing,
	"ready":            core.OrderStatusReady,
	"ready_for_pickup": core.OrderStatusReady,
	"out_for_delivery": core.OrderStatusOutForDelivery,
	"dispatched":       core.OrderStatusOutForDelivery,
	"delivered":        core.OrderStatusDelivered,
	"completed":        core.OrderStatusDelivered,
	"fulfilled":        core.OrderStatusDelivered,
	"cancelled":        core.OrderStatusCancelled,
	"canceled":         core.OrderStatusCancelled,
	"rejected":         core.OrderStatusCancelled,
}

// courierToOrder is the fixed back-propagation table. accepted maps to
// confirmed, never preparing.
var courierToOrder = map[core.DeliveryStatus]core.OrderStatus{
	core.DeliveryStatusAccepted:  core.OrderStatusConfirmed,
	core.DeliveryStatusPickedUp:  core.OrderStatusOutForDelivery,
	core.DeliveryStatusDelivered: core.OrderStatusDelivered,
	core.DeliveryStatusCancelled: core.OrderStatusCancelled,
	core.DeliveryStatusFailed:    core.OrderStatusCancelled,
}

// ParseCourierStatus normalizes a courier wire status. ok is false for
// statuses outside the known vocabulary.
func ParseCourierStatus(value string) (core.DeliveryStatus, bool) {
	status, ok := courierAliases[normalize(value)]
	return status, ok
}

// ParsePlatformStatus normalizes a platform wire status.
func ParsePlatformStatus(value string) (core.OrderStatus, bool) {
	status, ok := platformAliases[normalize(value)]
	return status, ok
}

// OrderStatusForDelivery returns the order status implied by a delivery
// status. pending has no order counterpart.
func OrderStatusForDelivery(status core.DeliveryStatus) (core.OrderStatus, bool) {
	mapped, ok := courierToOrder[status]
	return mapped, ok
}

// OrderStatusForCourier combines parsing and mapping for a raw courier status.
func OrderStatusForCourier(value string) (core.OrderStatus, bool) {
	status, ok := ParseCourierStatus(value)
	if !ok {
		return "", false
	}
	return OrderStatusForDelivery(status)
}

func ParseFulfillmentType(value string) (core.FulfillmentType, bool) {
	switch normalize(value) {
	case "delivery", "deliver", "courier":
		return core.FulfillmentDelivery, true
	case "pickup", "collection", "takeaway", "take_away":
		return core.FulfillmentPickup, true
	default:
		return "", false
	}
}

// Decision is the outcome of applying an incoming status to a stored one.
type Decision int

const (
	// Apply means the transition is legal and should be persisted.
	Apply Decision = iota
	// Unchanged means the incoming status equals the stored one.
	Unchanged
	// Stale means the incoming status is behind or conflicts with a terminal
	// stored status; it is ignored rather than failed.
	Stale
)

func DecideOrder(current, next core.OrderStatus) Decision {
	if current == next {
		return Unchanged
	}
	if core.OrderTransitionAllowed(current, next) {
		return Apply
	}
	return Stale
}

func DecideDelivery(current, next core.DeliveryStatus) Decision {
	if current == next {
		return Unchanged
	}
	if core.DeliveryTransitionAllowed(current, next) {
		return Apply
	}
	return Stale
}

func normalize(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.ReplaceAll(value, "-", "_")
	value = strings.ReplaceAll(value, " ", "_")
	return value
}
