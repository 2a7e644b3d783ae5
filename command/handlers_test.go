package command

import (
	"context"
	"errors"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-dispatch/core"
)

type stubEventLog struct {
	events      map[string]core.WebhookEvent
	requeued    []string
	pruneBefore time.Time
	pruned      int
}

func (s *stubEventLog) Get(_ context.Context, id string) (core.WebhookEvent, error) {
	event, ok := s.events[id]
	if !ok {
		return core.WebhookEvent{}, core.EventNotFound(id)
	}
	return event, nil
}

func (s *stubEventLog) Requeue(_ context.Context, id string) error {
	event, ok := s.events[id]
	if !ok {
		return core.EventNotFound(id)
	}
	if event.Status != core.EventStatusFailed {
		return core.InvalidTransition(core.ErrInvalidEventStatusTransition)
	}
	event.Status = core.EventStatusPending
	event.Attempts = 0
	s.events[id] = event
	s.requeued = append(s.requeued, id)
	return nil
}

func (s *stubEventLog) PruneTerminal(_ context.Context, olderThan time.Time) (int, error) {
	s.pruneBefore = olderThan
	return s.pruned, nil
}

type stubEnqueuer struct {
	accept bool
	got    []core.WebhookEvent
}

func (s *stubEnqueuer) Enqueue(event core.WebhookEvent) bool {
	s.got = append(s.got, event)
	return s.accept
}

type stubDispatch struct {
	deliveries map[string]core.Delivery
	fired      []string
	fireErr    error
	cancelled  []string
}

func (s *stubDispatch) GetDelivery(_ context.Context, id string) (core.Delivery, error) {
	delivery, ok := s.deliveries[id]
	if !ok {
		return core.Delivery{}, core.RecordNotFound("delivery", id)
	}
	return delivery, nil
}

func (s *stubDispatch) Fire(_ context.Context, id string) error {
	s.fired = append(s.fired, id)
	if s.fireErr != nil {
		return s.fireErr
	}
	delivery := s.deliveries[id]
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	delivery.DispatchedAt = &now
	delivery.CourierDeliveryID = "D-1"
	delivery.LastError = ""
	s.deliveries[id] = delivery
	return nil
}

func (s *stubDispatch) CancelDispatch(_ context.Context, id string) (core.Delivery, error) {
	delivery, ok := s.deliveries[id]
	if !ok {
		return core.Delivery{}, core.RecordNotFound("delivery", id)
	}
	s.cancelled = append(s.cancelled, id)
	delivery.Status = core.DeliveryStatusCancelled
	s.deliveries[id] = delivery
	return delivery, nil
}

func TestRetryEventCommand_RequeuesAndEnqueues(t *testing.T) {
	events := &stubEventLog{events: map[string]core.WebhookEvent{
		"evt_1": {ID: "evt_1", Status: core.EventStatusFailed, Attempts: 5},
	}}
	enqueuer := &stubEnqueuer{accept: true}
	cmd := NewRetryEventCommand(events, enqueuer)

	collector := gocmd.NewResult[RetryEventResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := cmd.Execute(ctx, RetryEventMessage{EventID: " evt_1 "}); err != nil {
		t.Fatalf("execute retry: %v", err)
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.Event.Status != core.EventStatusPending || result.Event.Attempts != 0 {
		t.Fatalf("expected requeued event, got %+v", result.Event)
	}
	if !result.Enqueued || len(enqueuer.got) != 1 {
		t.Fatalf("expected event handed to the pool")
	}
}

type stubReplayPublisher struct {
	err       error
	published []string
}

func (s *stubReplayPublisher) PublishReplay(_ context.Context, eventID string) error {
	s.published = append(s.published, eventID)
	return s.err
}

func TestRetryEventCommand_PublishesReplayToJobQueue(t *testing.T) {
	events := &stubEventLog{events: map[string]core.WebhookEvent{
		"evt_1": {ID: "evt_1", Status: core.EventStatusFailed, Attempts: 5},
	}}
	enqueuer := &stubEnqueuer{accept: true}
	replays := &stubReplayPublisher{}
	cmd := NewRetryEventCommand(events, enqueuer).WithReplayPublisher(replays)

	collector := gocmd.NewResult[RetryEventResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := cmd.Execute(ctx, RetryEventMessage{EventID: "evt_1"}); err != nil {
		t.Fatalf("execute retry: %v", err)
	}
	result, _ := collector.Load()
	if !result.Enqueued || len(replays.published) != 1 || replays.published[0] != "evt_1" {
		t.Fatalf("expected replay published to the job queue, got %+v %v", result, replays.published)
	}
	if len(enqueuer.got) != 0 {
		t.Fatalf("expected the pool to be skipped when the queue accepts the replay")
	}
}

func TestRetryEventCommand_FallsBackToPoolWhenPublishFails(t *testing.T) {
	events := &stubEventLog{events: map[string]core.WebhookEvent{
		"evt_1": {ID: "evt_1", Status: core.EventStatusFailed, Attempts: 5},
	}}
	enqueuer := &stubEnqueuer{accept: true}
	replays := &stubReplayPublisher{err: errors.New("queue down")}
	cmd := NewRetryEventCommand(events, enqueuer).WithReplayPublisher(replays)

	if err := cmd.Execute(context.Background(), RetryEventMessage{EventID: "evt_1"}); err != nil {
		t.Fatalf("execute retry: %v", err)
	}
	if len(replays.published) != 1 || len(enqueuer.got) != 1 {
		t.Fatalf("expected publish attempt then pool enqueue, got %v %d", replays.published, len(enqueuer.got))
	}
}

func TestRetryEventCommand_RefusesNonFailedEvent(t *testing.T) {
	events := &stubEventLog{events: map[string]core.WebhookEvent{
		"evt_ok": {ID: "evt_ok", Status: core.EventStatusSucceeded},
	}}
	cmd := NewRetryEventCommand(events, nil)

	err := cmd.Execute(context.Background(), RetryEventMessage{EventID: "evt_ok"})
	if !errors.Is(err, core.ErrInvalidEventStatusTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if len(events.requeued) != 0 {
		t.Fatalf("expected no requeue")
	}
}

func TestPruneEventsCommand_UsesRetentionCutoff(t *testing.T) {
	events := &stubEventLog{pruned: 7}
	cmd := NewPruneEventsCommand(events)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cmd.now = func() time.Time { return now }

	collector := gocmd.NewResult[PruneEventsResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := cmd.Execute(ctx, PruneEventsMessage{Retention: 72 * time.Hour}); err != nil {
		t.Fatalf("execute prune: %v", err)
	}
	want := now.Add(-72 * time.Hour)
	if !events.pruneBefore.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, events.pruneBefore)
	}
	result, ok := collector.Load()
	if !ok || result.Removed != 7 {
		t.Fatalf("expected removed=7 result, got %+v ok=%v", result, ok)
	}
}

func TestCancelDispatchCommand_DelegatesToCanceller(t *testing.T) {
	dispatch := &stubDispatch{deliveries: map[string]core.Delivery{
		"S1:O1": {ExternalDeliveryID: "S1:O1", Status: core.DeliveryStatusPending},
	}}
	cmd := NewCancelDispatchCommand(dispatch)

	collector := gocmd.NewResult[core.Delivery]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := cmd.Execute(ctx, CancelDispatchMessage{ExternalDeliveryID: "S1:O1"}); err != nil {
		t.Fatalf("execute cancel: %v", err)
	}
	delivery, ok := collector.Load()
	if !ok || delivery.Status != core.DeliveryStatusCancelled {
		t.Fatalf("expected cancelled delivery result, got %+v", delivery)
	}
}

func TestRedispatchDeliveryCommand_FiresFailedDispatch(t *testing.T) {
	dispatch := &stubDispatch{deliveries: map[string]core.Delivery{
		"S1:O1": {ExternalDeliveryID: "S1:O1", Status: core.DeliveryStatusPending, LastError: "courier 500", DispatchAttempts: 3},
	}}
	cmd := NewRedispatchDeliveryCommand(dispatch, dispatch)

	collector := gocmd.NewResult[core.Delivery]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := cmd.Execute(ctx, RedispatchDeliveryMessage{ExternalDeliveryID: "S1:O1"}); err != nil {
		t.Fatalf("execute redispatch: %v", err)
	}
	if len(dispatch.fired) != 1 {
		t.Fatalf("expected one fire, got %d", len(dispatch.fired))
	}
	delivery, ok := collector.Load()
	if !ok || !delivery.Dispatched() || delivery.LastError != "" {
		t.Fatalf("expected dispatched delivery result, got %+v", delivery)
	}
}

func TestRedispatchDeliveryCommand_RefusesDispatchedDelivery(t *testing.T) {
	dispatchedAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	dispatch := &stubDispatch{deliveries: map[string]core.Delivery{
		"S1:O1": {ExternalDeliveryID: "S1:O1", Status: core.DeliveryStatusAccepted, DispatchedAt: &dispatchedAt},
	}}
	cmd := NewRedispatchDeliveryCommand(dispatch, dispatch)

	err := cmd.Execute(context.Background(), RedispatchDeliveryMessage{ExternalDeliveryID: "S1:O1"})
	if !core.HasTextCode(err, core.ErrorInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if len(dispatch.fired) != 0 {
		t.Fatalf("expected no fire for dispatched delivery")
	}
}

func TestRedispatchDeliveryCommand_PropagatesFireFailure(t *testing.T) {
	dispatch := &stubDispatch{
		deliveries: map[string]core.Delivery{
			"S1:O1": {ExternalDeliveryID: "S1:O1", Status: core.DeliveryStatusPending},
		},
		fireErr: core.TransientUpstream(errors.New("503"), 503, "courier unavailable"),
	}
	cmd := NewRedispatchDeliveryCommand(dispatch, dispatch)

	err := cmd.Execute(context.Background(), RedispatchDeliveryMessage{ExternalDeliveryID: "S1:O1"})
	if !core.IsRetryable(err) {
		t.Fatalf("expected retryable fire error, got %v", err)
	}
}

func TestMessages_ValidateReturnsRichError(t *testing.T) {
	cases := []interface{ Validate() error }{
		RetryEventMessage{},
		PruneEventsMessage{},
		CancelDispatchMessage{ExternalDeliveryID: " "},
		RedispatchDeliveryMessage{},
	}
	for _, msg := range cases {
		err := msg.Validate()
		if err == nil {
			t.Fatalf("expected validation error for %T", msg)
		}
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			t.Fatalf("expected go-errors envelope, got %T", err)
		}
		if rich.Category != goerrors.CategoryValidation {
			t.Fatalf("expected validation category, got %q", rich.Category)
		}
		if rich.TextCode != core.ErrorBadInput {
			t.Fatalf("expected %q text code, got %q", core.ErrorBadInput, rich.TextCode)
		}
	}
}

func TestCommands_NilDependenciesReturnRichError(t *testing.T) {
	var cmd *RetryEventCommand
	err := cmd.Execute(context.Background(), RetryEventMessage{EventID: "evt_1"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
	if err := NewRedispatchDeliveryCommand(nil, nil).Execute(context.Background(), RedispatchDeliveryMessage{ExternalDeliveryID: "x"}); err == nil {
		t.Fatalf("expected dependency error")
	}
}
