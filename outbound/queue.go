package outbound

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/ratelimit"
	"github.com/goliatone/go-dispatch/retry"
	"github.com/goliatone/go-dispatch/transport"
)

const (
	DestinationPlatform = "platform"
	DestinationCourier  = "courier"
)

var ErrQueueClosed = fmt.Errorf("outbound: queue is closed")

// Doer executes one HTTP exchange. transport.RESTAdapter satisfies it.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (transport.Response, error)
}

// Call is one logical outbound operation. Request is rebuilt on every
// attempt so refreshed credentials are picked up. Refresh, when set, runs at
// most once per call after a 401.
//
// SingleAttempt is set when the caller owns the retry budget: the queue then
// makes one rate-limited attempt, plus the replay after a refresh, and hands
// the classified error back.
type Call struct {
	StoreID       string
	Operation     string
	Request       func(ctx context.Context) (transport.Request, error)
	Refresh       func(ctx context.Context) error
	SingleAttempt bool
}

type queuedCall struct {
	ctx    context.Context
	call   Call
	result chan callResult
}

type callResult struct {
	res transport.Response
	err error
}

type QueueOption func(*Queue)

func WithAdaptivePolicy(policy *ratelimit.AdaptivePolicy) QueueOption {
	return func(q *Queue) {
		q.adaptive = policy
	}
}

func WithObserver(observer *core.Observer) QueueOption {
	return func(q *Queue) {
		if observer != nil {
			q.observer = observer
		}
	}
}

func WithSleep(sleep retry.SleepFunc) QueueOption {
	return func(q *Queue) {
		if sleep != nil {
			q.sleep = sleep
		}
	}
}

func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithLimiter(limiter *ratelimit.Limiter) QueueOption {
	return func(q *Queue) {
		if limiter != nil {
			q.limiter = limiter
		}
	}
}

// Queue serializes calls to one destination through a single FIFO worker.
type Queue struct {
	destination string
	client      Doer
	limiter     *ratelimit.Limiter
	adaptive    *ratelimit.AdaptivePolicy
	policy      retry.Policy
	sleep       retry.SleepFunc
	observer    *core.Observer
	now         func() time.Time

	mu      sync.RWMutex
	closed  bool
	jobs    chan queuedCall
	started sync.Once
	done    chan struct{}
}

func NewQueue(destination string, client Doer, cfg core.DestinationConfig, policy retry.Policy, opts ...QueueOption) *Queue {
	destination = strings.TrimSpace(strings.ToLower(destination))
	q := &Queue{
		destination: destination,
		client:      client,
		limiter:     ratelimit.NewLimiter(destination, cfg.RequestsPerMinute, cfg.Burst),
		policy:      policy,
		sleep:       retry.Sleep,
		observer:    core.NewObserver(nil, nil),
		now: func() time.Time {
			return time.Now().UTC()
		},
		jobs: make(chan queuedCall, 64),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *Queue) Destination() string {
	if q == nil {
		return ""
	}
	return q.destination
}

// Do enqueues call and waits for its outcome. The returned error is already
// classified; core.UpstreamStatus recovers the HTTP status.
func (q *Queue) Do(ctx context.Context, call Call) (transport.Response, error) {
	if q == nil || q.client == nil {
		return transport.Response{}, fmt.Errorf("outbound: queue is not configured")
	}
	if call.Request == nil {
		return transport.Response{}, fmt.Errorf("outbound: call request builder is required")
	}
	q.started.Do(func() {
		go q.run()
	})

	job := queuedCall{ctx: ctx, call: call, result: make(chan callResult, 1)}
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return transport.Response{}, ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return transport.Response{}, ctx.Err()
	}

	select {
	case out := <-job.result:
		return out.res, out.err
	case <-ctx.Done():
		return transport.Response{}, ctx.Err()
	}
}

// Close stops accepting calls and waits for queued ones to finish.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.started.Do(func() {
		close(q.done)
	})
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for job := range q.jobs {
		if err := job.ctx.Err(); err != nil {
			job.result <- callResult{err: err}
			continue
		}
		res, err := q.execute(job.ctx, job.call)
		job.result <- callResult{res: res, err: err}
	}
}

func (q *Queue) execute(ctx context.Context, call Call) (transport.Response, error) {
	startedAt := time.Now()
	fields := map[string]any{
		"destination": q.destination,
		"operation":   strings.TrimSpace(call.Operation),
		"store_id":    strings.TrimSpace(call.StoreID),
	}

	policy := q.policy
	if call.SingleAttempt {
		policy.MaxAttempts = 1
	}
	refreshed := false
	var res transport.Response
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		var attemptErr error
		res, attemptErr = q.attempt(ctx, call, &refreshed)
		return attemptErr
	},
		retry.WithSleep(q.sleep),
		retry.WithDelayHint(ratelimit.RetryAfterHint),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			q.observer.Log(ctx, "warn", "outbound call failed, retrying", mergeFields(fields, map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			}))
		}),
	)
	fields["attempts"] = attempts
	fields["refreshed"] = refreshed
	if res.StatusCode > 0 {
		fields["status_code"] = res.StatusCode
	}
	q.observer.ObserveOperation(ctx, startedAt, "outbound_call", err, fields)
	return res, err
}

// attempt runs one rate-limited exchange. A first 401 triggers Refresh and
// an immediate replay that does not count against the retry budget.
func (q *Queue) attempt(ctx context.Context, call Call, refreshed *bool) (transport.Response, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return transport.Response{}, ctx.Err()
		}
		return transport.Response{}, err
	}
	key := ratelimit.Key{Destination: q.destination, StoreID: call.StoreID}
	if err := q.adaptive.BeforeCall(ctx, key); err != nil {
		return transport.Response{}, err
	}

	req, err := call.Request(ctx)
	if err != nil {
		return transport.Response{}, err
	}
	res, err := q.client.Do(ctx, req)
	if err != nil {
		return transport.Response{}, err
	}
	if err := q.adaptive.AfterCall(ctx, key, ratelimit.ResponseMeta{StatusCode: res.StatusCode, Headers: res.Headers}); err != nil {
		q.observer.Log(ctx, "warn", "rate limit state update failed", map[string]any{
			"destination": q.destination,
			"error":       err.Error(),
		})
	}

	err = transport.Classify(q.destination, res, q.now())
	if core.IsUnauthorized(err) && call.Refresh != nil && !*refreshed {
		*refreshed = true
		if refreshErr := call.Refresh(ctx); refreshErr != nil {
			return res, refreshErr
		}
		return q.attempt(ctx, call, refreshed)
	}
	return res, err
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
