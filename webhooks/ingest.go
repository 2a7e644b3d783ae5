package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/ratelimit"
)

// TenantResolver returns the webhook secret of a registered merchant, or a
// TenantNotFound / TenantInactive error.
type TenantResolver interface {
	WebhookSecret(ctx context.Context, storeID string) (TenantSecret, error)
}

type TenantResolverFunc func(ctx context.Context, storeID string) (TenantSecret, error)

func (fn TenantResolverFunc) WebhookSecret(ctx context.Context, storeID string) (TenantSecret, error) {
	return fn(ctx, storeID)
}

// Handoff receives events once they are durably logged. Enqueue must not
// block; a false return leaves the event to the pending poll.
type Handoff interface {
	Enqueue(event core.WebhookEvent) bool
	ProcessNow(ctx context.Context, event core.WebhookEvent) (core.EventStatus, error)
}

type Result struct {
	EventID    string
	Status     core.EventStatus
	Duplicate  bool
	StatusCode int
}

// Ingestor is the webhook edge: validate, log, acknowledge, hand off.
type Ingestor struct {
	Validator     Validator
	Ledger        core.EventStore
	Tenants       TenantResolver
	Handoff       Handoff
	CourierSecret string
	AckMode       string
	Observer      *core.Observer
	Now           func() time.Time

	// UnknownTenants caps the unsigned events logged for unregistered or
	// inactive stores. A nil limiter logs them all.
	UnknownTenants *ratelimit.Limiter
}

func NewIngestor(cfg core.WebhookConfig, ledger core.EventStore, tenants TenantResolver, handoff Handoff) *Ingestor {
	return &Ingestor{
		Validator:     NewValidator(cfg),
		Ledger:        ledger,
		Tenants:       tenants,
		Handoff:       handoff,
		CourierSecret: strings.TrimSpace(cfg.CourierSecret),
		AckMode:       strings.TrimSpace(cfg.AckMode),
		Observer:      core.NewObserver(nil, nil),
		Now: func() time.Time {
			return time.Now().UTC()
		},
		UnknownTenants: ratelimit.NewLimiter("unknown_tenant_webhooks",
			cfg.UnknownTenantPerMinute, max(cfg.UnknownTenantPerMinute/10, 1)),
	}
}

func (i *Ingestor) Ingest(ctx context.Context, req Request) (result Result, err error) {
	if i == nil || i.Ledger == nil {
		return Result{}, fmt.Errorf("webhooks: ingestor requires an event ledger")
	}
	startedAt := time.Now()
	fields := map[string]any{"source": string(req.Source)}
	defer func() {
		fields["duplicate"] = result.Duplicate
		if result.EventID != "" {
			fields["event_id"] = result.EventID
		}
		i.Observer.ObserveOperation(ctx, startedAt, "webhook_ingest", err, fields)
	}()

	secret, tenantErr, err := i.resolveSecret(ctx, req)
	if err != nil {
		return Result{}, err
	}
	validated, err := i.Validator.Validate(req, secret)
	if err != nil {
		return Result{}, err
	}
	fields["store_id"] = validated.StoreID
	fields["event_type"] = validated.EventType
	if tenantErr != nil && !i.UnknownTenants.Allow() {
		i.Observer.Count(ctx, "dispatch.webhook.unknown_tenant_throttled", map[string]string{"source": string(req.Source)})
		return Result{}, core.WebhookThrottled(validated.StoreID)
	}

	event, created, err := i.Ledger.Record(ctx, core.RecordEventInput{
		Source:     validated.Source,
		EventType:  validated.EventType,
		StoreID:    validated.StoreID,
		DedupeKey:  validated.DedupeKey,
		Payload:    req.Body,
		ReceivedAt: i.now(),
	})
	if err != nil {
		if core.HasTextCode(err, core.ErrorPersistenceUnavailable) {
			return Result{}, err
		}
		return Result{}, core.PersistenceUnavailable(err)
	}
	result = Result{EventID: event.ID, Status: event.Status, StatusCode: http.StatusAccepted}
	if !created {
		result.Duplicate = true
		result.StatusCode = http.StatusOK
		return result, nil
	}

	if tenantErr != nil {
		if markErr := i.Ledger.MarkFailed(ctx, event.ID, tenantErr); markErr != nil {
			i.Observer.Log(ctx, "warn", "failed to close event for unknown tenant", map[string]any{
				"event_id": event.ID,
				"error":    markErr.Error(),
			})
			return result, nil
		}
		result.Status = core.EventStatusFailed
		return result, nil
	}

	if i.Handoff == nil {
		return result, nil
	}
	if i.AckMode == core.AckModeAfterProcess {
		status, processErr := i.Handoff.ProcessNow(ctx, event)
		if processErr != nil {
			// The event is logged; the poll loop owns it from here.
			i.Observer.Log(ctx, "warn", "inline processing interrupted", map[string]any{
				"event_id": event.ID,
				"error":    processErr.Error(),
			})
			return result, nil
		}
		result.Status = status
		result.StatusCode = http.StatusOK
		return result, nil
	}
	if !i.Handoff.Enqueue(event) {
		i.Observer.Log(ctx, "debug", "worker queue full, event left for poll", map[string]any{"event_id": event.ID})
	}
	return result, nil
}

// resolveSecret returns the secret to verify with. Unknown and inactive
// merchants are reported through tenantErr so the event can still be logged
// and closed as failed.
func (i *Ingestor) resolveSecret(ctx context.Context, req Request) (secret TenantSecret, tenantErr error, err error) {
	if req.Source == core.EventSourceCourier {
		if _, err := i.Validator.TenantID(req); err != nil {
			return TenantSecret{}, nil, err
		}
		return TenantSecret{Secret: i.CourierSecret}, nil, nil
	}
	storeID, err := i.Validator.TenantID(req)
	if err != nil {
		return TenantSecret{}, nil, err
	}
	if i.Tenants == nil {
		return TenantSecret{}, nil, nil
	}
	secret, err = i.Tenants.WebhookSecret(ctx, storeID)
	if err == nil {
		return secret, nil, nil
	}
	if core.HasTextCode(err, core.ErrorTenantNotFound) || core.HasTextCode(err, core.ErrorTenantInactive) {
		return TenantSecret{}, err, nil
	}
	return TenantSecret{}, nil, core.PersistenceUnavailable(err)
}

func (i *Ingestor) now() time.Time {
	if i.Now == nil {
		return time.Now().UTC()
	}
	return i.Now().UTC()
}
