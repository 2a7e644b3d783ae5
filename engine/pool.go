package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/retry"
	"github.com/goliatone/go-dispatch/webhooks"
)

// Pool runs logged events through the executor with at most Workers in
// flight. Events arrive from ingestion hand-off and from a periodic claim of
// pending, retry-due and lease-expired rows. A worker runs one attempt at a
// time; backoff waits on a timer, not on a worker.
type Pool struct {
	ledger       core.EventStore
	executor     *retry.Executor
	handler      retry.Handler
	workers      int
	pollInterval time.Duration
	claimBatch   int
	claimLease   time.Duration
	observer     *core.Observer
	queue        chan core.WebhookEvent

	mu       sync.Mutex
	inFlight map[string]struct{}
	retries  map[string]*time.Timer
}

var _ webhooks.Handoff = (*Pool)(nil)

func NewPool(cfg core.WebhookConfig, ledger core.EventStore, executor *retry.Executor, handler retry.Handler, observer *core.Observer) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	claimBatch := cfg.ClaimBatch
	if claimBatch <= 0 {
		claimBatch = 50
	}
	claimLease := cfg.ClaimLease
	if claimLease <= 0 {
		claimLease = 5 * time.Minute
	}
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	return &Pool{
		ledger:       ledger,
		executor:     executor,
		handler:      handler,
		workers:      workers,
		pollInterval: pollInterval,
		claimBatch:   claimBatch,
		claimLease:   claimLease,
		observer:     observer,
		queue:        make(chan core.WebhookEvent, queueSize),
		inFlight:     map[string]struct{}{},
		retries:      map[string]*time.Timer{},
	}
}

// Enqueue hands a freshly logged event to the pool without blocking. A full
// queue leaves the event for the next claim.
func (p *Pool) Enqueue(event core.WebhookEvent) bool {
	if p == nil {
		return false
	}
	select {
	case p.queue <- event:
		return true
	default:
		return false
	}
}

// ProcessNow executes the event on the caller's goroutine, backoff included,
// and reports the status it was left in. Only an interruption is returned as
// an error.
func (p *Pool) ProcessNow(ctx context.Context, event core.WebhookEvent) (core.EventStatus, error) {
	if p == nil || p.executor == nil {
		return "", fmt.Errorf("engine: pool is not configured")
	}
	if !p.acquire(event.ID) {
		return core.EventStatusProcessing, nil
	}
	defer p.release(event.ID)
	outcome, err := p.executor.Execute(ctx, event.ID, p.handler)
	if outcome == "" {
		return "", err
	}
	if outcome == retry.OutcomeInterrupted {
		return outcome.Status(), err
	}
	return outcome.Status(), nil
}

// Run consumes events until ctx ends, then waits for in-flight work.
func (p *Pool) Run(ctx context.Context) error {
	if p == nil || p.executor == nil || p.ledger == nil {
		return fmt.Errorf("engine: pool is not configured")
	}
	work := &errgroup.Group{}
	work.SetLimit(p.workers)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	defer p.stopRetries()

	p.claim(ctx, work)
	for {
		select {
		case <-ctx.Done():
			return work.Wait()
		case event := <-p.queue:
			p.dispatch(ctx, work, event)
		case <-ticker.C:
			p.claim(ctx, work)
		}
	}
}

func (p *Pool) claim(ctx context.Context, work *errgroup.Group) {
	events, err := p.ledger.ClaimPending(ctx, p.claimBatch, p.claimLease)
	if err != nil {
		if ctx.Err() == nil {
			p.observer.Log(ctx, "warn", "claim pending events failed", map[string]any{"error": err.Error()})
		}
		return
	}
	for _, event := range events {
		p.dispatch(ctx, work, event)
	}
}

// dispatch blocks while all workers are busy, which backs pressure onto the
// hand-off queue.
func (p *Pool) dispatch(ctx context.Context, work *errgroup.Group, event core.WebhookEvent) {
	if !p.acquire(event.ID) {
		return
	}
	work.Go(func() error {
		defer p.release(event.ID)
		outcome, next, err := p.executor.Attempt(ctx, event.ID, p.handler)
		switch {
		case outcome == retry.OutcomeScheduled:
			p.retryAt(event, next)
		case err != nil && outcome != retry.OutcomeFailed && outcome != retry.OutcomeInterrupted:
			p.observer.Log(ctx, "error", "event execution error", map[string]any{
				"event_id": event.ID,
				"error":    err.Error(),
			})
		}
		return nil
	})
}

// retryAt hands the event back to the pool once its next attempt is due. A
// full queue or a stopped pool leaves it to the claim, which also picks up
// due retries.
func (p *Pool) retryAt(event core.WebhookEvent, next time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.retries[event.ID]; ok {
		existing.Stop()
	}
	p.retries[event.ID] = time.AfterFunc(time.Until(next), func() {
		p.mu.Lock()
		delete(p.retries, event.ID)
		p.mu.Unlock()
		p.Enqueue(event)
	})
}

func (p *Pool) stopRetries() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, timer := range p.retries {
		timer.Stop()
		delete(p.retries, id)
	}
}

func (p *Pool) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}
