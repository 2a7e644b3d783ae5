package command

import (
	"context"
	"strings"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-dispatch/core"
)

// EventLog is the slice of core.EventStore the event commands use.
type EventLog interface {
	Get(ctx context.Context, id string) (core.WebhookEvent, error)
	Requeue(ctx context.Context, id string) error
	PruneTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

// EventEnqueuer hands a requeued event straight to the worker pool.
// engine.Pool satisfies it.
type EventEnqueuer interface {
	Enqueue(event core.WebhookEvent) bool
}

// ReplayPublisher puts a requeued event on the job queue.
// gojob.Publisher satisfies it.
type ReplayPublisher interface {
	PublishReplay(ctx context.Context, eventID string) error
}

type DispatchCanceller interface {
	CancelDispatch(ctx context.Context, externalDeliveryID string) (core.Delivery, error)
}

type DispatchFirer interface {
	Fire(ctx context.Context, externalDeliveryID string) error
}

type DeliveryReader interface {
	GetDelivery(ctx context.Context, externalDeliveryID string) (core.Delivery, error)
}

// RetryEventResult reports the requeued event and whether it was handed to
// the job queue or the pool directly. Events that are not enqueued are picked up by the next
// ledger poll.
type RetryEventResult struct {
	Event    core.WebhookEvent
	Enqueued bool
}

type PruneEventsResult struct {
	Before  time.Time
	Removed int
}

type RetryEventCommand struct {
	events   EventLog
	enqueuer EventEnqueuer
	replays  ReplayPublisher
}

func NewRetryEventCommand(events EventLog, enqueuer EventEnqueuer) *RetryEventCommand {
	return &RetryEventCommand{events: events, enqueuer: enqueuer}
}

// WithReplayPublisher routes requeued events through the job queue. The pool
// enqueuer is used when publishing fails.
func (c *RetryEventCommand) WithReplayPublisher(replays ReplayPublisher) *RetryEventCommand {
	c.replays = replays
	return c
}

func (c *RetryEventCommand) Execute(ctx context.Context, msg RetryEventMessage) error {
	if c == nil || c.events == nil {
		return commandDependencyError("command: event log is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	eventID := strings.TrimSpace(msg.EventID)
	if err := c.events.Requeue(ctx, eventID); err != nil {
		return err
	}
	event, err := c.events.Get(ctx, eventID)
	if err != nil {
		return err
	}
	result := RetryEventResult{Event: event}
	if c.replays != nil {
		result.Enqueued = c.replays.PublishReplay(ctx, eventID) == nil
	}
	if !result.Enqueued && c.enqueuer != nil {
		result.Enqueued = c.enqueuer.Enqueue(event)
	}
	storeResult(ctx, result)
	return nil
}

type PruneEventsCommand struct {
	events EventLog
	now    func() time.Time
}

func NewPruneEventsCommand(events EventLog) *PruneEventsCommand {
	return &PruneEventsCommand{
		events: events,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (c *PruneEventsCommand) Execute(ctx context.Context, msg PruneEventsMessage) error {
	if c == nil || c.events == nil {
		return commandDependencyError("command: event log is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	before := msg.Before.UTC()
	if msg.Before.IsZero() {
		before = c.now().Add(-msg.Retention)
	}
	removed, err := c.events.PruneTerminal(ctx, before)
	if err != nil {
		return err
	}
	storeResult(ctx, PruneEventsResult{Before: before, Removed: removed})
	return nil
}

type CancelDispatchCommand struct {
	canceller DispatchCanceller
}

func NewCancelDispatchCommand(canceller DispatchCanceller) *CancelDispatchCommand {
	return &CancelDispatchCommand{canceller: canceller}
}

func (c *CancelDispatchCommand) Execute(ctx context.Context, msg CancelDispatchMessage) error {
	if c == nil || c.canceller == nil {
		return commandDependencyError("command: dispatch canceller is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	delivery, err := c.canceller.CancelDispatch(ctx, strings.TrimSpace(msg.ExternalDeliveryID))
	if err != nil {
		return err
	}
	storeResult(ctx, delivery)
	return nil
}

// RedispatchDeliveryCommand fires an undispatched delivery now. A dispatched
// or terminal delivery is refused.
type RedispatchDeliveryCommand struct {
	deliveries DeliveryReader
	firer      DispatchFirer
}

func NewRedispatchDeliveryCommand(deliveries DeliveryReader, firer DispatchFirer) *RedispatchDeliveryCommand {
	return &RedispatchDeliveryCommand{deliveries: deliveries, firer: firer}
}

func (c *RedispatchDeliveryCommand) Execute(ctx context.Context, msg RedispatchDeliveryMessage) error {
	if c == nil || c.deliveries == nil || c.firer == nil {
		return commandDependencyError("command: deliveries and dispatch scheduler are required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	externalID := strings.TrimSpace(msg.ExternalDeliveryID)
	delivery, err := c.deliveries.GetDelivery(ctx, externalID)
	if err != nil {
		return err
	}
	if delivery.Dispatched() || delivery.Status.Terminal() {
		return core.InvalidTransition(core.ErrInvalidDeliveryStatusTransition).
			WithMetadata(map[string]any{
				"external_delivery_id": externalID,
				"status":               string(delivery.Status),
				"dispatched":           delivery.Dispatched(),
			})
	}
	if err := c.firer.Fire(ctx, externalID); err != nil {
		return err
	}
	delivery, err = c.deliveries.GetDelivery(ctx, externalID)
	if err != nil {
		return err
	}
	storeResult(ctx, delivery)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
