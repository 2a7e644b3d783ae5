package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDuplicate means the event already succeeded.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped means the event is failed and waits for a manual retry.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeInterrupted leaves the event in processing for lease reclaim.
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeScheduled leaves the event in processing until its next attempt
	// is due.
	OutcomeScheduled Outcome = "scheduled"
)

// Status maps an outcome to the event status it leaves behind.
func (o Outcome) Status() core.EventStatus {
	switch o {
	case OutcomeSucceeded, OutcomeDuplicate:
		return core.EventStatusSucceeded
	case OutcomeFailed, OutcomeSkipped:
		return core.EventStatusFailed
	default:
		return core.EventStatusProcessing
	}
}

type Handler interface {
	Handle(ctx context.Context, event core.WebhookEvent) error
}

type HandlerFunc func(ctx context.Context, event core.WebhookEvent) error

func (fn HandlerFunc) Handle(ctx context.Context, event core.WebhookEvent) error {
	return fn(ctx, event)
}

// Executor drives one logged event through its handler under the retry
// policy, persisting every attempt.
type Executor struct {
	Ledger   core.EventStore
	Policy   Policy
	Observer *core.Observer
	Sleep    SleepFunc
	Now      func() time.Time
}

func NewExecutor(ledger core.EventStore, policy Policy, observer *core.Observer) *Executor {
	return &Executor{
		Ledger:   ledger,
		Policy:   policy.normalized(),
		Observer: observer,
		Sleep:    Sleep,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Execute runs attempts back to back, sleeping through each backoff on the
// caller's goroutine. It returns the handler's last error alongside
// OutcomeFailed, the context error alongside OutcomeInterrupted, and ledger
// errors as is.
func (e *Executor) Execute(ctx context.Context, eventID string, handler Handler) (Outcome, error) {
	for {
		outcome, next, err := e.Attempt(ctx, eventID, handler)
		if outcome != OutcomeScheduled {
			return outcome, err
		}
		if waitErr := e.sleep(ctx, next.Sub(e.now())); waitErr != nil {
			return OutcomeInterrupted, waitErr
		}
	}
}

// Attempt runs the next attempt of one event. A retryable failure with
// budget left persists next_attempt_at and returns OutcomeScheduled with that
// time; the event stays in processing and nothing waits here.
func (e *Executor) Attempt(ctx context.Context, eventID string, handler Handler) (Outcome, time.Time, error) {
	if e == nil || e.Ledger == nil {
		return "", time.Time{}, fmt.Errorf("retry: executor requires an event ledger")
	}
	if handler == nil {
		return "", time.Time{}, fmt.Errorf("retry: handler is required")
	}
	eventID = strings.TrimSpace(eventID)
	event, err := e.Ledger.Get(ctx, eventID)
	if err != nil {
		return "", time.Time{}, err
	}
	switch event.Status {
	case core.EventStatusSucceeded:
		return OutcomeDuplicate, time.Time{}, nil
	case core.EventStatusFailed:
		return OutcomeSkipped, time.Time{}, nil
	}
	if err := e.Ledger.MarkProcessing(ctx, eventID); err != nil {
		return "", time.Time{}, err
	}
	event.Status = core.EventStatusProcessing

	policy := e.Policy.normalized()
	fields := map[string]any{
		"event_id":   eventID,
		"source":     string(event.Source),
		"store_id":   event.StoreID,
		"event_type": event.EventType,
	}
	startedAt := time.Now()

	attempt := event.Attempts + 1
	if attempt > policy.MaxAttempts {
		cause := fmt.Errorf("retry: attempts exhausted before processing (%d)", event.Attempts)
		outcome, err := e.fail(ctx, event, cause, startedAt, fields, true)
		return outcome, time.Time{}, err
	}
	event.Attempts = attempt
	fields["attempts"] = attempt

	handleErr := handler.Handle(ctx, event)
	if handleErr == nil {
		if err := e.Ledger.RecordAttempt(ctx, eventID, attempt, nil, nil); err != nil {
			return "", time.Time{}, err
		}
		if err := e.Ledger.MarkSucceeded(ctx, eventID); err != nil {
			return "", time.Time{}, err
		}
		e.Observer.ObserveOperation(ctx, startedAt, "event_process", nil, fields)
		return OutcomeSucceeded, time.Time{}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil || isContextError(handleErr) {
		if ctxErr == nil {
			ctxErr = handleErr
		}
		e.Observer.Log(ctx, "warn", "event processing interrupted", mergeFields(fields, map[string]any{"error": ctxErr.Error()}))
		return OutcomeInterrupted, time.Time{}, ctxErr
	}

	if core.IsTerminal(handleErr) || attempt >= policy.MaxAttempts {
		if err := e.Ledger.RecordAttempt(ctx, eventID, attempt, handleErr, nil); err != nil {
			return "", time.Time{}, err
		}
		outcome, err := e.fail(ctx, event, handleErr, startedAt, fields, !core.IsTerminal(handleErr))
		return outcome, time.Time{}, err
	}

	delay := policy.Delay(attempt)
	next := e.now().Add(delay)
	if err := e.Ledger.RecordAttempt(ctx, eventID, attempt, handleErr, &next); err != nil {
		return "", time.Time{}, err
	}
	e.Observer.Log(ctx, "warn", "event attempt failed, retrying", mergeFields(fields, map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"error":    handleErr.Error(),
	}))
	return OutcomeScheduled, next, handleErr
}

func (e *Executor) fail(
	ctx context.Context,
	event core.WebhookEvent,
	cause error,
	startedAt time.Time,
	fields map[string]any,
	exhausted bool,
) (Outcome, error) {
	if err := e.Ledger.MarkFailed(ctx, event.ID, cause); err != nil {
		return "", err
	}
	fields["attempts"] = event.Attempts
	fields["exhausted"] = exhausted
	if exhausted {
		e.Observer.Count(ctx, "dispatch.events.exhausted", map[string]string{
			"source":   string(event.Source),
			"store_id": event.StoreID,
		})
		// Exhaustion is always an alert, even when the last error was retryable.
		e.Observer.Log(ctx, "error", "event retries exhausted", mergeFields(fields, map[string]any{"error": cause.Error()}))
	}
	e.Observer.ObserveOperation(ctx, startedAt, "event_process", cause, fields)
	return OutcomeFailed, cause
}

func (e *Executor) sleep(ctx context.Context, delay time.Duration) error {
	if e.Sleep == nil {
		return Sleep(ctx, delay)
	}
	return e.Sleep(ctx, delay)
}

func (e *Executor) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func mergeFields(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range extra {
		out[key] = value
	}
	return out
}
