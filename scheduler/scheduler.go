// Package scheduler decides when each delivery is submitted to the courier
// and submits it. Due times are persisted, so timers are rebuilt from the
// database on start and a periodic rescan catches anything a timer missed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/locks"
	"github.com/goliatone/go-dispatch/outbound"
	"github.com/goliatone/go-dispatch/ratelimit"
	"github.com/goliatone/go-dispatch/retry"
)

const DefaultLeadBuffer = 30 * time.Minute

// DeliveryCreator submits a delivery to the courier. outbound.CourierClient
// satisfies it.
type DeliveryCreator interface {
	CreateDelivery(ctx context.Context, storeID string, req outbound.DeliveryRequest) (outbound.CourierDelivery, error)
}

// MerchantLookup returns the merchant record used for pickup details.
// merchant.Registry satisfies it.
type MerchantLookup interface {
	Lookup(ctx context.Context, storeID string) (core.Merchant, error)
}

// FireDispatcher hands a due trigger to a job queue instead of firing it in
// process. gojob.Publisher satisfies it.
type FireDispatcher interface {
	PublishFire(ctx context.Context, externalDeliveryID string, dueAt time.Time) error
}

// ErrDispatchFailed wraps a courier create that failed after the retry
// budget was spent. The failure is already recorded on the delivery row.
var ErrDispatchFailed = errors.New("scheduler: dispatch failed")

type Dependencies struct {
	Deliveries core.DeliveryStore
	Orders     core.OrderStore
	Merchants  MerchantLookup
	Courier    DeliveryCreator
	Locker     locks.KeyLocker
}

type Option func(*Scheduler)

func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(s *Scheduler) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithSleep(sleep retry.SleepFunc) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithFireDispatcher publishes due triggers instead of firing them on the
// timer goroutine. A failed publish falls back to an in-process fire.
func WithFireDispatcher(dispatcher FireDispatcher) Option {
	return func(s *Scheduler) {
		s.dispatcher = dispatcher
	}
}

type Scheduler struct {
	deps         Dependencies
	dispatcher   FireDispatcher
	policy       retry.Policy
	leadBuffer   time.Duration
	scanInterval time.Duration
	clock        Clock
	observer     *core.Observer
	sleep        retry.SleepFunc
	cron         gocron.Scheduler

	mu      sync.Mutex
	timers  map[string]Timer
	baseCtx context.Context
	stopped bool
	started bool
	running sync.WaitGroup
}

func New(cfg core.DispatchConfig, policy retry.Policy, deps Dependencies, opts ...Option) (*Scheduler, error) {
	if deps.Deliveries == nil || deps.Orders == nil || deps.Courier == nil {
		return nil, fmt.Errorf("scheduler: deliveries, orders and courier are required")
	}
	if deps.Locker == nil {
		deps.Locker = locks.NewMemoryKeyLocker()
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create cron: %w", err)
	}
	leadBuffer := cfg.LeadBuffer
	if leadBuffer <= 0 {
		leadBuffer = DefaultLeadBuffer
	}
	scanInterval := cfg.ScanInterval
	if scanInterval <= 0 {
		scanInterval = time.Minute
	}
	s := &Scheduler{
		deps:         deps,
		policy:       policy,
		leadBuffer:   leadBuffer,
		scanInterval: scanInterval,
		clock:        SystemClock{},
		observer:     core.NewObserver(nil, nil),
		sleep:        retry.Sleep,
		cron:         cron,
		timers:       map[string]Timer{},
		baseCtx:      context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// DueAt returns promised minus the lead buffer. A zero buffer uses the
// scheduler default.
func (s *Scheduler) DueAt(promised time.Time, leadBuffer time.Duration) time.Time {
	if leadBuffer <= 0 {
		leadBuffer = s.leadBuffer
	}
	return promised.UTC().Add(-leadBuffer)
}

// ScheduleDispatch persists the delivery's due time and arms its timer. A
// due time already in the past fires right away.
func (s *Scheduler) ScheduleDispatch(ctx context.Context, delivery core.Delivery, promised time.Time, leadBuffer time.Duration) (time.Time, error) {
	externalID := strings.TrimSpace(delivery.ExternalDeliveryID)
	if externalID == "" {
		return time.Time{}, core.BadInput("external_delivery_id is required")
	}
	if promised.IsZero() {
		return time.Time{}, core.BadInput("promised time is required to schedule dispatch")
	}
	due := s.DueAt(promised, leadBuffer)
	if err := s.deps.Deliveries.SetDispatchDue(ctx, externalID, due); err != nil {
		return time.Time{}, err
	}
	s.arm(externalID, due)
	s.observer.Log(ctx, "info", "dispatch scheduled", map[string]any{
		"external_delivery_id": externalID,
		"store_id":             delivery.StoreID,
		"dispatch_due_at":      due.Format(time.RFC3339),
	})
	return due, nil
}

// Start recovers persisted schedules and registers the periodic rescan.
// Timer fires run under ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.stopped = false
	s.mu.Unlock()

	if err := s.Rescan(ctx); err != nil {
		return err
	}
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.scanInterval),
		gocron.NewTask(func() {
			if err := s.Rescan(s.context()); err != nil {
				s.observer.Log(ctx, "error", "dispatch rescan failed", map[string]any{"error": err.Error()})
			}
		}),
		gocron.WithName("dispatch-rescan"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register rescan: %w", err)
	}
	s.cron.Start()
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// Every registers an extra periodic job on the scheduler's cron, such as
// retention pruning.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) error {
	if fn == nil || interval <= 0 {
		return fmt.Errorf("scheduler: periodic job %q needs a task and a positive interval", name)
	}
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx := s.context()
			if err := fn(ctx); err != nil {
				s.observer.Log(ctx, "error", "periodic job failed", map[string]any{"job": name, "error": err.Error()})
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

// Rescan fires every undispatched pending row that is due and arms timers
// for the rest. Rows with a recorded dispatch failure are left to an
// explicit redispatch.
func (s *Scheduler) Rescan(ctx context.Context) error {
	rows, err := s.deps.Deliveries.ListPendingDispatch(ctx, core.DispatchFilter{})
	if err != nil {
		return err
	}
	now := s.clock.Now()
	fired := 0
	for _, row := range rows {
		if row.DispatchDueAt == nil {
			continue
		}
		if !row.DispatchDueAt.After(now) {
			s.disarm(row.ExternalDeliveryID)
			s.fireAsync(row.ExternalDeliveryID, *row.DispatchDueAt)
			fired++
			continue
		}
		if !s.armed(row.ExternalDeliveryID) {
			s.arm(row.ExternalDeliveryID, *row.DispatchDueAt)
		}
	}
	s.observer.Log(ctx, "debug", "dispatch rescan complete", map[string]any{"rows": len(rows), "fired": fired})
	return nil
}

// Cancel disarms the local timer. Cancelling with the courier is the
// caller's job.
func (s *Scheduler) Cancel(_ context.Context, externalDeliveryID string) {
	s.disarm(strings.TrimSpace(externalDeliveryID))
}

// Stop disarms all timers, stops the cron and waits for in-flight fires.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.stopped = true
	started := s.started
	s.started = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	var err error
	if started {
		err = s.cron.Shutdown()
	}
	s.running.Wait()
	return err
}

// Fire submits one delivery. Deliveries already dispatched, in a terminal
// status, or whose order is terminal are skipped. Exhausted failures are
// recorded on the row and wait for an explicit redispatch.
func (s *Scheduler) Fire(ctx context.Context, externalDeliveryID string) error {
	externalDeliveryID = strings.TrimSpace(externalDeliveryID)
	startedAt := time.Now()
	fields := map[string]any{"external_delivery_id": externalDeliveryID}

	unlock, err := s.deps.Locker.Lock(ctx, locks.DeliveryKey(externalDeliveryID))
	if err != nil {
		return err
	}
	defer unlock()

	delivery, err := s.deps.Deliveries.GetDelivery(ctx, externalDeliveryID)
	if err != nil {
		return err
	}
	fields["store_id"] = delivery.StoreID
	if delivery.Dispatched() || delivery.Status.Terminal() {
		s.observer.Log(ctx, "debug", "dispatch skipped", mergeFields(fields, map[string]any{"status": string(delivery.Status)}))
		return nil
	}
	order, err := s.deps.Orders.GetOrder(ctx, delivery.StoreID, delivery.PlatformOrderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		s.observer.Log(ctx, "info", "dispatch skipped for closed order", mergeFields(fields, map[string]any{"order_status": string(order.Status)}))
		return nil
	}

	req, err := s.buildRequest(ctx, delivery, order)
	var created outbound.CourierDelivery
	attempts := 0
	if err == nil {
		attempts, err = retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
			var createErr error
			created, createErr = s.deps.Courier.CreateDelivery(ctx, delivery.StoreID, req)
			return createErr
		},
			retry.WithSleep(s.sleep),
			retry.WithDelayHint(ratelimit.RetryAfterHint),
		)
	}
	fields["attempts"] = attempts
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		total := delivery.DispatchAttempts + max(attempts, 1)
		if recordErr := s.deps.Deliveries.RecordDispatchFailure(ctx, externalDeliveryID, total, err); recordErr != nil {
			s.observer.Log(ctx, "error", "failed to record dispatch failure", mergeFields(fields, map[string]any{"error": recordErr.Error()}))
		}
		s.observer.Count(ctx, "dispatch.dispatch.failed", map[string]string{"store_id": delivery.StoreID})
		s.observer.Log(ctx, "error", "dispatch failed", mergeFields(fields, map[string]any{
			"dispatch_attempts": total,
			"error":             err.Error(),
		}))
		s.observer.ObserveOperation(ctx, startedAt, "dispatch_fire", err, fields)
		return fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}

	status := core.DeliveryStatusPending
	if created.Known && !created.Status.Terminal() {
		status = created.Status
	}
	applied, err := s.deps.Deliveries.MarkDispatched(ctx, externalDeliveryID, created.CourierDeliveryID, status, s.clock.Now())
	if err != nil {
		return err
	}
	if applied && strings.TrimSpace(created.TrackingURL) != "" {
		if stored, getErr := s.deps.Deliveries.GetDelivery(ctx, externalDeliveryID); getErr == nil {
			stored.TrackingURL = strings.TrimSpace(created.TrackingURL)
			if _, saveErr := s.deps.Deliveries.SaveDelivery(ctx, stored); saveErr != nil {
				s.observer.Log(ctx, "warn", "failed to store tracking url", mergeFields(fields, map[string]any{"error": saveErr.Error()}))
			}
		}
	}
	fields["courier_delivery_id"] = created.CourierDeliveryID
	fields["applied"] = applied
	s.observer.ObserveOperation(ctx, startedAt, "dispatch_fire", nil, fields)
	return nil
}

func (s *Scheduler) buildRequest(ctx context.Context, delivery core.Delivery, order core.Order) (outbound.DeliveryRequest, error) {
	req := outbound.DeliveryRequest{
		ExternalDeliveryID: delivery.ExternalDeliveryID,
		DropoffAddress:     order.DropoffAddress,
		DropoffPhoneNumber: order.DropoffPhone,
		DropoffContactName: order.CustomerName,
		OrderValue:         order.TotalCents,
	}
	if delivery.DispatchDueAt != nil {
		pickup := delivery.DispatchDueAt.Add(s.leadBuffer).UTC()
		req.PickupTime = &pickup
	}
	if s.deps.Merchants == nil {
		return req, nil
	}
	merchant, err := s.deps.Merchants.Lookup(ctx, delivery.StoreID)
	if err != nil {
		return outbound.DeliveryRequest{}, err
	}
	req.PickupAddress = merchant.PickupAddress
	req.PickupPhoneNumber = merchant.PickupPhone
	req.PickupBusinessName = merchant.Name
	return req, nil
}

func (s *Scheduler) arm(externalID string, due time.Time) {
	delay := due.Sub(s.clock.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.timers[externalID]; ok {
		existing.Stop()
	}
	if delay <= 0 {
		delete(s.timers, externalID)
		s.fireAsyncLocked(externalID, due)
		return
	}
	s.timers[externalID] = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, externalID)
		s.fireAsyncLocked(externalID, due)
		s.mu.Unlock()
	})
}

func (s *Scheduler) armed(externalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[externalID]
	return ok
}

func (s *Scheduler) disarm(externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[externalID]; ok {
		timer.Stop()
		delete(s.timers, externalID)
	}
}

func (s *Scheduler) fireAsync(externalID string, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fireAsyncLocked(externalID, due)
}

func (s *Scheduler) fireAsyncLocked(externalID string, due time.Time) {
	if s.stopped {
		return
	}
	ctx := s.baseCtx
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		if s.dispatcher != nil {
			err := s.dispatcher.PublishFire(ctx, externalID, due)
			if err == nil || ctx.Err() != nil {
				return
			}
			s.observer.Log(ctx, "warn", "dispatch publish failed, firing in process", map[string]any{
				"external_delivery_id": externalID,
				"error":                err.Error(),
			})
		}
		if err := s.Fire(ctx, externalID); err != nil && ctx.Err() == nil {
			s.observer.Log(ctx, "warn", "dispatch fire returned error", map[string]any{
				"external_delivery_id": externalID,
				"error":                err.Error(),
			})
		}
	}()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
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
