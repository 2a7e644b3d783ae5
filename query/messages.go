package query

import (
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

const (
	TypeListEvents         = "dispatch.query.event.list"
	TypeGetOrderSnapshot   = "dispatch.query.order.snapshot"
	TypeListDispatchAlerts = "dispatch.query.alert.list"

	MaxPageSize = 500
)

// ListEventsMessage lists the reliability log. An empty Status lists every
// status.
type ListEventsMessage struct {
	Status core.EventStatus
	Filter core.EventFilter
}

func (ListEventsMessage) Type() string { return TypeListEvents }

func (m ListEventsMessage) Validate() error {
	if m.Status != "" && !m.Status.Valid() {
		return queryValidationError("status", "unknown event status "+string(m.Status))
	}
	if m.Filter.Source != "" && !m.Filter.Source.Valid() {
		return queryValidationError("source", "unknown event source "+string(m.Filter.Source))
	}
	if m.Filter.Limit < 0 || m.Filter.Limit > MaxPageSize {
		return queryValidationError("limit", "limit must be between 0 and 500")
	}
	if m.Filter.Offset < 0 {
		return queryValidationError("offset", "offset must be >= 0")
	}
	return nil
}

type GetOrderSnapshotMessage struct {
	StoreID         string
	PlatformOrderID string
}

func (GetOrderSnapshotMessage) Type() string { return TypeGetOrderSnapshot }

func (m GetOrderSnapshotMessage) Validate() error {
	if strings.TrimSpace(m.StoreID) == "" {
		return queryValidationError("store_id", "store id is required")
	}
	if strings.TrimSpace(m.PlatformOrderID) == "" {
		return queryValidationError("order_id", "order id is required")
	}
	return nil
}

// ListDispatchAlertsMessage collects what needs an operator: failed events,
// deliveries whose dispatch failed and deliveries overdue by more than
// StallAfter.
type ListDispatchAlertsMessage struct {
	Limit      int
	StallAfter time.Duration
}

func (ListDispatchAlertsMessage) Type() string { return TypeListDispatchAlerts }

func (m ListDispatchAlertsMessage) Validate() error {
	if m.Limit < 0 || m.Limit > MaxPageSize {
		return queryValidationError("limit", "limit must be between 0 and 500")
	}
	if m.StallAfter < 0 {
		return queryValidationError("stall_after", "stall_after must be >= 0")
	}
	return nil
}
