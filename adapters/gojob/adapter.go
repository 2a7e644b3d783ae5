package gojob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/scheduler"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDDispatchFire = "dispatch.fire"
	JobIDEventReplay  = "dispatch.event.replay"

	paramExternalDeliveryID = "external_delivery_id"
	paramDueAt              = "due_at"
	paramEventID            = "event_id"

	dedupDrop = job.DeduplicationPolicy("drop")
)

var ErrUnknownJob = errors.New("gojob: no handler registered for job")

// RetryPolicy bounds queue redelivery so a poisoned message cannot loop.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt clamps a nack for the given attempt number.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base * time.Duration(max(attempt, 1))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// FireMessage builds the queue message for a dispatch trigger. The key is
// bound to the due time so a rescheduled trigger is not dropped as a duplicate
// of the earlier one.
func FireMessage(externalDeliveryID string, dueAt time.Time) (*job.ExecutionMessage, error) {
	externalDeliveryID = strings.TrimSpace(externalDeliveryID)
	if externalDeliveryID == "" {
		return nil, fmt.Errorf("gojob: external delivery id is required")
	}
	dueAt = dueAt.UTC()
	return &job.ExecutionMessage{
		JobID:      JobIDDispatchFire,
		ScriptPath: JobIDDispatchFire,
		Parameters: map[string]any{
			paramExternalDeliveryID: externalDeliveryID,
			paramDueAt:              dueAt.Format(time.RFC3339),
		},
		IdempotencyKey: JobIDDispatchFire + ":" + externalDeliveryID + ":" + strconv.FormatInt(dueAt.Unix(), 10),
		DedupPolicy:    dedupDrop,
	}, nil
}

// ReplayMessage builds the queue message that reprocesses a logged webhook
// event. requestedAt scopes the idempotency key to one operator request.
func ReplayMessage(eventID string, requestedAt time.Time) (*job.ExecutionMessage, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, fmt.Errorf("gojob: event id is required")
	}
	return &job.ExecutionMessage{
		JobID:      JobIDEventReplay,
		ScriptPath: JobIDEventReplay,
		Parameters: map[string]any{
			paramEventID: eventID,
		},
		IdempotencyKey: JobIDEventReplay + ":" + eventID + ":" + strconv.FormatInt(requestedAt.UTC().UnixNano(), 10),
		DedupPolicy:    dedupDrop,
	}, nil
}

// Publisher puts dispatch work on a go-job queue.
type Publisher struct {
	enqueuer queue.Enqueuer
	now      func() time.Time
}

func NewPublisher(enqueuer queue.Enqueuer) *Publisher {
	return &Publisher{
		enqueuer: enqueuer,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (p *Publisher) PublishFire(ctx context.Context, externalDeliveryID string, dueAt time.Time) error {
	msg, err := FireMessage(externalDeliveryID, dueAt)
	if err != nil {
		return err
	}
	return p.publish(ctx, msg)
}

func (p *Publisher) PublishReplay(ctx context.Context, eventID string) error {
	if p == nil {
		return fmt.Errorf("gojob: publisher is not configured")
	}
	msg, err := ReplayMessage(eventID, p.now())
	if err != nil {
		return err
	}
	return p.publish(ctx, msg)
}

func (p *Publisher) publish(ctx context.Context, msg *job.ExecutionMessage) error {
	if p == nil || p.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return p.enqueuer.Enqueue(ctx, msg)
}

// HandlerFunc executes one dequeued message.
type HandlerFunc func(ctx context.Context, msg *job.ExecutionMessage) error

type Firer interface {
	Fire(ctx context.Context, externalDeliveryID string) error
}

type EventReader interface {
	Get(ctx context.Context, id string) (core.WebhookEvent, error)
}

type EventProcessor interface {
	ProcessNow(ctx context.Context, event core.WebhookEvent) (core.EventStatus, error)
}

// FireHandler runs a queued dispatch trigger through the scheduler. A
// dispatch that spent its courier retries is already recorded on the
// delivery, so its message is dead lettered instead of requeued.
func FireHandler(firer Firer) HandlerFunc {
	return func(ctx context.Context, msg *job.ExecutionMessage) error {
		if firer == nil {
			return fmt.Errorf("gojob: firer is not configured")
		}
		externalID := stringParam(msg, paramExternalDeliveryID)
		if externalID == "" {
			return core.MalformedPayload("dispatch fire message has no external delivery id")
		}
		err := firer.Fire(ctx, externalID)
		if errors.Is(err, scheduler.ErrDispatchFailed) {
			return core.UpstreamRejected(core.UpstreamStatus(err), err.Error())
		}
		return err
	}
}

// ReplayHandler loads a logged event and processes it immediately.
func ReplayHandler(events EventReader, processor EventProcessor) HandlerFunc {
	return func(ctx context.Context, msg *job.ExecutionMessage) error {
		if events == nil || processor == nil {
			return fmt.Errorf("gojob: replay dependencies are not configured")
		}
		eventID := stringParam(msg, paramEventID)
		if eventID == "" {
			return core.MalformedPayload("event replay message has no event id")
		}
		event, err := events.Get(ctx, eventID)
		if err != nil {
			return err
		}
		status, err := processor.ProcessNow(ctx, event)
		if err != nil {
			return err
		}
		if status == core.EventStatusFailed {
			return core.UpstreamRejected(0, "event "+eventID+" failed on replay")
		}
		return nil
	}
}

// Consumer drains a go-job queue and routes messages by job id. Terminal
// errors are dead lettered; everything else is requeued with a linear delay
// until the policy runs out.
type Consumer struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
	hook     worker.Hook
	logger   job.Logger
	idle     time.Duration

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	attempts map[string]int
}

type ConsumerOption func(*Consumer)

func WithHook(hook worker.Hook) ConsumerOption {
	return func(c *Consumer) {
		c.hook = hook
	}
}

// WithLogger reports dequeue and settle failures that no hook sees.
func WithLogger(logger job.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithIdleDelay sets the pause after a failed dequeue.
func WithIdleDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if delay > 0 {
			c.idle = delay
		}
	}
}

func NewConsumer(dequeuer queue.Dequeuer, policy RetryPolicy, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		dequeuer: dequeuer,
		policy:   policy,
		idle:     time.Second,
		handlers: map[string]HandlerFunc{},
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Consumer) Handle(jobID string, handler HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strings.TrimSpace(jobID)] = handler
}

// ProcessOne dequeues and settles a single message.
func (c *Consumer) ProcessOne(ctx context.Context) error {
	if c == nil || c.dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	msg := delivery.Message()
	attempt := c.nextAttempt(msg)
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: time.Now().UTC()}
	c.onStart(ctx, event)

	runErr := c.run(ctx, msg)
	event.Duration = time.Since(event.StartedAt)
	if runErr == nil {
		c.forget(msg)
		c.onSuccess(ctx, event)
		return delivery.Ack(ctx)
	}

	event.Err = runErr
	opts := c.policy.NormalizeAttempt(queue.NackOptions{
		Delay:      c.policy.delayFor(attempt),
		Requeue:    !core.IsTerminal(runErr),
		DeadLetter: core.IsTerminal(runErr),
		Reason:     runErr.Error(),
	}, attempt)
	if opts.Requeue {
		event.Delay = opts.Delay
		c.onRetry(ctx, event)
	} else {
		c.forget(msg)
		c.onFailure(ctx, event)
	}
	return delivery.Nack(ctx, opts)
}

// Run processes messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := c.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.logger != nil {
				c.logger.Error("job consumer step failed", "error", err, "retry_in", c.idle.String())
			}
			timer := time.NewTimer(c.idle)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func (c *Consumer) run(ctx context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return core.MalformedPayload("queue delivery carried no message")
	}
	c.mu.Lock()
	handler := c.handlers[strings.TrimSpace(msg.JobID)]
	c.mu.Unlock()
	if handler == nil {
		return core.BadInput(fmt.Sprintf("%v: %s", ErrUnknownJob, msg.JobID))
	}
	return handler(ctx, msg)
}

func (c *Consumer) nextAttempt(msg *job.ExecutionMessage) int {
	key := attemptKey(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[key]++
	return c.attempts[key]
}

func (c *Consumer) forget(msg *job.ExecutionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, attemptKey(msg))
}

func (c *Consumer) onStart(ctx context.Context, event worker.Event) {
	if c.hook != nil {
		c.hook.OnStart(ctx, event)
	}
}

func (c *Consumer) onSuccess(ctx context.Context, event worker.Event) {
	if c.hook != nil {
		c.hook.OnSuccess(ctx, event)
	}
}

func (c *Consumer) onFailure(ctx context.Context, event worker.Event) {
	if c.hook != nil {
		c.hook.OnFailure(ctx, event)
	}
}

func (c *Consumer) onRetry(ctx context.Context, event worker.Event) {
	if c.hook != nil {
		c.hook.OnRetry(ctx, event)
	}
}

// ObserverHook reports worker lifecycle events through the dispatch Observer.
type ObserverHook struct {
	observer *core.Observer
}

func NewObserverHook(observer *core.Observer) *ObserverHook {
	return &ObserverHook{observer: observer}
}

func (h *ObserverHook) OnStart(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.observer.Count(ctx, "dispatch.job.started", jobTags(event))
}

func (h *ObserverHook) OnSuccess(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.observer.ObserveOperation(ctx, event.StartedAt, "job."+jobID(event), nil, jobFields(event))
}

func (h *ObserverHook) OnFailure(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.observer.ObserveOperation(ctx, event.StartedAt, "job."+jobID(event), event.Err, jobFields(event))
}

func (h *ObserverHook) OnRetry(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	fields := jobFields(event)
	fields["delay_ms"] = event.Delay.Milliseconds()
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	h.observer.Count(ctx, "dispatch.job.retried", jobTags(event))
	h.observer.Log(ctx, "warn", "job requeued", fields)
}

func jobMessage(event worker.Event) *job.ExecutionMessage {
	if event.Message != nil {
		return event.Message
	}
	if event.Delivery != nil {
		return event.Delivery.Message()
	}
	return nil
}

func jobID(event worker.Event) string {
	if msg := jobMessage(event); msg != nil && strings.TrimSpace(msg.JobID) != "" {
		return strings.TrimSpace(msg.JobID)
	}
	return "unknown"
}

func jobTags(event worker.Event) map[string]string {
	return map[string]string{"job_id": jobID(event)}
}

func jobFields(event worker.Event) map[string]any {
	fields := map[string]any{
		"job_id":  jobID(event),
		"attempt": event.Attempt,
	}
	if msg := jobMessage(event); msg != nil {
		fields["idempotency_key"] = msg.IdempotencyKey
		for key, value := range msg.Parameters {
			fields[key] = value
		}
	}
	return fields
}

func attemptKey(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return strings.TrimSpace(msg.JobID)
}

func stringParam(msg *job.ExecutionMessage, key string) string {
	if msg == nil || msg.Parameters == nil {
		return ""
	}
	value, _ := msg.Parameters[key].(string)
	return strings.TrimSpace(value)
}

var (
	_ worker.Hook = (*ObserverHook)(nil)
)
