package command

import (
	"strings"
	"time"
)

const (
	TypeRetryEvent         = "dispatch.command.event.retry"
	TypePruneEvents        = "dispatch.command.event.prune"
	TypeCancelDispatch     = "dispatch.command.delivery.cancel"
	TypeRedispatchDelivery = "dispatch.command.delivery.redispatch"
)

// RetryEventMessage moves a failed event back to pending.
type RetryEventMessage struct {
	EventID string
}

func (RetryEventMessage) Type() string { return TypeRetryEvent }

func (m RetryEventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return commandValidationError("event_id", "event id is required")
	}
	return nil
}

// PruneEventsMessage deletes terminal events last updated before Before, or
// before now minus Retention when Before is zero.
type PruneEventsMessage struct {
	Before    time.Time
	Retention time.Duration
}

func (PruneEventsMessage) Type() string { return TypePruneEvents }

func (m PruneEventsMessage) Validate() error {
	if m.Before.IsZero() && m.Retention <= 0 {
		return commandValidationError("retention", "a cutoff or a positive retention is required")
	}
	return nil
}

type CancelDispatchMessage struct {
	ExternalDeliveryID string
}

func (CancelDispatchMessage) Type() string { return TypeCancelDispatch }

func (m CancelDispatchMessage) Validate() error {
	return validateExternalDeliveryID(m.ExternalDeliveryID)
}

// RedispatchDeliveryMessage fires a delivery whose dispatch failed.
type RedispatchDeliveryMessage struct {
	ExternalDeliveryID string
}

func (RedispatchDeliveryMessage) Type() string { return TypeRedispatchDelivery }

func (m RedispatchDeliveryMessage) Validate() error {
	return validateExternalDeliveryID(m.ExternalDeliveryID)
}

func validateExternalDeliveryID(id string) error {
	if strings.TrimSpace(id) == "" {
		return commandValidationError("external_delivery_id", "external delivery id is required")
	}
	return nil
}
