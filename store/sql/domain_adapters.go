package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

func (r *webhookEventRecord) toDomain() core.WebhookEvent {
	if r == nil {
		return core.WebhookEvent{}
	}
	return core.WebhookEvent{
		ID:            r.ID,
		Source:        core.EventSource(r.Source),
		EventType:     r.EventType,
		StoreID:       r.StoreID,
		DedupeKey:     r.DedupeKey,
		Payload:       append([]byte(nil), r.Payload...),
		Status:        core.EventStatus(r.Status),
		Attempts:      r.AttemptCount,
		LastError:     r.LastError,
		NextAttemptAt: copyTimePointer(r.NextAttemptAt),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func newMerchantRecord(merchant core.Merchant, id string, now time.Time) *merchantRecord {
	record := &merchantRecord{
		ID:                   id,
		StoreID:              strings.TrimSpace(merchant.StoreID),
		Name:                 strings.TrimSpace(merchant.Name),
		EncryptedCredentials: append([]byte(nil), merchant.EncryptedCredentials...),
		KeyRef:               strings.TrimSpace(merchant.KeyRef),
		Active:               merchant.Active,
		RequireSignature:     merchant.Capabilities.RequireSignature,
		PickupAddress:        strings.TrimSpace(merchant.PickupAddress),
		PickupPhone:          strings.TrimSpace(merchant.PickupPhone),
		CreatedAt:            merchant.CreatedAt.UTC(),
		UpdatedAt:            now,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if merchant.Capabilities.AutoDispatch != nil {
		value := *merchant.Capabilities.AutoDispatch
		record.AutoDispatch = &value
	}
	return record
}

func (r *merchantRecord) toDomain() core.Merchant {
	if r == nil {
		return core.Merchant{}
	}
	merchant := core.Merchant{
		StoreID:              r.StoreID,
		Name:                 r.Name,
		EncryptedCredentials: append([]byte(nil), r.EncryptedCredentials...),
		KeyRef:               r.KeyRef,
		Active:               r.Active,
		Capabilities:         core.Capabilities{RequireSignature: r.RequireSignature},
		PickupAddress:        r.PickupAddress,
		PickupPhone:          r.PickupPhone,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
	if r.AutoDispatch != nil {
		value := *r.AutoDispatch
		merchant.Capabilities.AutoDispatch = &value
	}
	return merchant
}

func newOrderRecord(order core.Order, id string, now time.Time) *orderRecord {
	record := &orderRecord{
		ID:              id,
		StoreID:         strings.TrimSpace(order.StoreID),
		PlatformOrderID: strings.TrimSpace(order.PlatformOrderID),
		Status:          string(order.Status),
		FulfillmentType: string(order.FulfillmentType),
		PromisedTime:    copyTimePointer(order.PromisedTime),
		CustomerName:    order.CustomerName,
		DropoffAddress:  order.DropoffAddress,
		DropoffPhone:    order.DropoffPhone,
		TotalCents:      order.TotalCents,
		RawData:         copyAnyMap(order.RawData),
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	return record
}

func (r *orderRecord) toDomain() core.Order {
	if r == nil {
		return core.Order{}
	}
	return core.Order{
		StoreID:         r.StoreID,
		PlatformOrderID: r.PlatformOrderID,
		Status:          core.OrderStatus(r.Status),
		FulfillmentType: core.FulfillmentType(r.FulfillmentType),
		PromisedTime:    copyTimePointer(r.PromisedTime),
		CustomerName:    r.CustomerName,
		DropoffAddress:  r.DropoffAddress,
		DropoffPhone:    r.DropoffPhone,
		TotalCents:      r.TotalCents,
		RawData:         copyAnyMap(r.RawData),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func newDeliveryRecord(delivery core.Delivery, id string, now time.Time) *deliveryRecord {
	record := &deliveryRecord{
		ID:                 id,
		ExternalDeliveryID: strings.TrimSpace(delivery.ExternalDeliveryID),
		StoreID:            strings.TrimSpace(delivery.StoreID),
		PlatformOrderID:    strings.TrimSpace(delivery.PlatformOrderID),
		Status:             string(delivery.Status),
		DispatchDueAt:      copyTimePointer(delivery.DispatchDueAt),
		DispatchedAt:       copyTimePointer(delivery.DispatchedAt),
		DispatchAttempts:   delivery.DispatchAttempts,
		LastError:          delivery.LastError,
		TrackingURL:        delivery.TrackingURL,
		CreatedAt:          delivery.CreatedAt.UTC(),
		UpdatedAt:          delivery.UpdatedAt.UTC(),
	}
	if courierID := strings.TrimSpace(delivery.CourierDeliveryID); courierID != "" {
		record.CourierDeliveryID = &courierID
	}
	if record.Status == "" {
		record.Status = string(core.DeliveryStatusPending)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	return record
}

func (r *deliveryRecord) toDomain() core.Delivery {
	if r == nil {
		return core.Delivery{}
	}
	delivery := core.Delivery{
		ExternalDeliveryID: r.ExternalDeliveryID,
		StoreID:            r.StoreID,
		PlatformOrderID:    r.PlatformOrderID,
		Status:             core.DeliveryStatus(r.Status),
		DispatchDueAt:      copyTimePointer(r.DispatchDueAt),
		DispatchedAt:       copyTimePointer(r.DispatchedAt),
		DispatchAttempts:   r.DispatchAttempts,
		LastError:          r.LastError,
		TrackingURL:        r.TrackingURL,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if r.CourierDeliveryID != nil {
		delivery.CourierDeliveryID = *r.CourierDeliveryID
	}
	return delivery
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
