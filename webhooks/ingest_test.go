package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

const platformBody = `{"event_type":"order.created","store_id":"S1","order":{"id":"O1","fulfillment_type":"delivery","promised_time":"2026-03-01T18:00:00Z"}}`

func TestIngestor_LogsThenAcknowledges(t *testing.T) {
	ledger := newMemoryLedger()
	handoff := &stubHandoff{}
	ingestor := newTestIngestor(ledger, handoff, core.AckModeAfterLog)

	result, err := ingestor.Ingest(context.Background(), signedPlatformRequest(platformBody))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.StatusCode != http.StatusAccepted || result.Duplicate {
		t.Fatalf("expected fresh 202 acknowledgement, got %+v", result)
	}
	if len(ledger.events) != 1 {
		t.Fatalf("expected one logged event, got %d", len(ledger.events))
	}
	if len(handoff.enqueued) != 1 || handoff.enqueued[0].ID != result.EventID {
		t.Fatalf("expected logged event handed off, got %+v", handoff.enqueued)
	}
	if handoff.processed != 0 {
		t.Fatalf("expected no inline processing in after_log mode")
	}
}

func TestIngestor_DuplicateIsNoOp(t *testing.T) {
	ledger := newMemoryLedger()
	handoff := &stubHandoff{}
	ingestor := newTestIngestor(ledger, handoff, core.AckModeAfterLog)

	first, err := ingestor.Ingest(context.Background(), signedPlatformRequest(platformBody))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := ingestor.Ingest(context.Background(), signedPlatformRequest(platformBody))
	if err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}
	if !second.Duplicate || second.StatusCode != http.StatusOK {
		t.Fatalf("expected duplicate 200, got %+v", second)
	}
	if second.EventID != first.EventID {
		t.Fatalf("expected duplicate to point at the original event")
	}
	if len(ledger.events) != 1 || len(handoff.enqueued) != 1 {
		t.Fatalf("expected exactly one event and one handoff")
	}
}

func TestIngestor_RejectsBadSignatureWithoutLogging(t *testing.T) {
	ledger := newMemoryLedger()
	ingestor := newTestIngestor(ledger, &stubHandoff{}, core.AckModeAfterLog)

	req := signedPlatformRequest(platformBody)
	req.Headers["X-Signature"] = Sign("wrong-secret", req.Body)
	_, err := ingestor.Ingest(context.Background(), req)
	if !core.HasTextCode(err, core.ErrorAuthenticationFailed) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	if len(ledger.events) != 0 {
		t.Fatalf("expected rejected webhook not to be logged")
	}
}

func TestIngestor_MalformedPayload(t *testing.T) {
	ledger := newMemoryLedger()
	ingestor := newTestIngestor(ledger, &stubHandoff{}, core.AckModeAfterLog)

	_, err := ingestor.Ingest(context.Background(), signedPlatformRequest(`{"event_type":"order.created"}`))
	if !core.HasTextCode(err, core.ErrorMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
	if core.MapError(err).Code != http.StatusBadRequest {
		t.Fatalf("expected 400 mapping")
	}
}

func TestIngestor_PersistenceFailureIsNotAcknowledged(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.recordErr = errors.New("database is locked")
	ingestor := newTestIngestor(ledger, &stubHandoff{}, core.AckModeAfterLog)

	_, err := ingestor.Ingest(context.Background(), signedPlatformRequest(platformBody))
	if !core.HasTextCode(err, core.ErrorPersistenceUnavailable) {
		t.Fatalf("expected persistence unavailable, got %v", err)
	}
	if core.MapError(err).Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 mapping")
	}
}

func TestIngestor_UnknownTenantIsLoggedAsFailed(t *testing.T) {
	ledger := newMemoryLedger()
	handoff := &stubHandoff{}
	ingestor := newTestIngestor(ledger, handoff, core.AckModeAfterLog)
	ingestor.Tenants = TenantResolverFunc(func(_ context.Context, storeID string) (TenantSecret, error) {
		return TenantSecret{}, core.TenantNotFound(storeID)
	})

	result, err := ingestor.Ingest(context.Background(), Request{
		Source:  core.EventSourcePlatform,
		Headers: map[string]string{},
		Body:    []byte(platformBody),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Status != core.EventStatusFailed {
		t.Fatalf("expected failed event, got %q", result.Status)
	}
	if ledger.events[result.EventID].LastError == "" {
		t.Fatalf("expected failure reason recorded")
	}
	if len(handoff.enqueued) != 0 {
		t.Fatalf("expected no handoff for unknown tenant")
	}
}

func TestIngestor_ThrottlesUnsignedUnknownTenantEvents(t *testing.T) {
	ledger := newMemoryLedger()
	handoff := &stubHandoff{}
	cfg := core.DefaultConfig().Webhooks
	cfg.UnknownTenantPerMinute = 1
	ingestor := NewIngestor(cfg, ledger, TenantResolverFunc(func(_ context.Context, storeID string) (TenantSecret, error) {
		return TenantSecret{}, core.TenantInactive(storeID)
	}), handoff)

	unsigned := func(orderID string) Request {
		return Request{
			Source:  core.EventSourcePlatform,
			Headers: map[string]string{},
			Body:    []byte(fmt.Sprintf(`{"event_type":"order.created","store_id":"S9","order":{"id":%q}}`, orderID)),
		}
	}
	if _, err := ingestor.Ingest(context.Background(), unsigned("O1")); err != nil {
		t.Fatalf("first unknown tenant event: %v", err)
	}
	_, err := ingestor.Ingest(context.Background(), unsigned("O2"))
	if !core.HasTextCode(err, core.ErrorWebhookThrottled) {
		t.Fatalf("expected second unsigned event to be throttled, got %v", err)
	}
	if core.MapError(err).Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 mapping, got %d", core.MapError(err).Code)
	}
	if len(ledger.events) != 1 {
		t.Fatalf("expected only the first event to be logged, got %d", len(ledger.events))
	}

	ingestor.Tenants = TenantResolverFunc(func(context.Context, string) (TenantSecret, error) {
		return TenantSecret{Secret: "merchant-secret", Required: true}, nil
	})
	if _, err := ingestor.Ingest(context.Background(), signedPlatformRequest(platformBody)); err != nil {
		t.Fatalf("expected registered tenants to bypass the unknown tenant budget: %v", err)
	}
}

func TestIngestor_AfterProcessRunsInline(t *testing.T) {
	ledger := newMemoryLedger()
	handoff := &stubHandoff{status: core.EventStatusSucceeded}
	ingestor := newTestIngestor(ledger, handoff, core.AckModeAfterProcess)

	result, err := ingestor.Ingest(context.Background(), signedPlatformRequest(platformBody))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if handoff.processed != 1 || result.Status != core.EventStatusSucceeded || result.StatusCode != http.StatusOK {
		t.Fatalf("expected inline processing result, got %+v", result)
	}
}

func TestIngestor_CourierUsesConfiguredSecret(t *testing.T) {
	ledger := newMemoryLedger()
	ingestor := newTestIngestor(ledger, &stubHandoff{}, core.AckModeAfterLog)
	ingestor.CourierSecret = "courier-secret"

	body := []byte(`{"event_type":"delivery.status_changed","external_delivery_id":"S1:O1","status":"picked_up"}`)
	result, err := ingestor.Ingest(context.Background(), Request{
		Source:  core.EventSourceCourier,
		Headers: map[string]string{"x-signature": Sign("courier-secret", body)},
		Body:    body,
	})
	if err != nil {
		t.Fatalf("ingest courier webhook: %v", err)
	}
	stored := ledger.events[result.EventID]
	if stored.StoreID != "S1" || stored.Source != core.EventSourceCourier {
		t.Fatalf("unexpected stored courier event %+v", stored)
	}
}

func newTestIngestor(ledger *memoryLedger, handoff *stubHandoff, ackMode string) *Ingestor {
	cfg := core.DefaultConfig().Webhooks
	cfg.AckMode = ackMode
	tenants := TenantResolverFunc(func(context.Context, string) (TenantSecret, error) {
		return TenantSecret{Secret: "merchant-secret", Required: true}, nil
	})
	ingestor := NewIngestor(cfg, ledger, tenants, handoff)
	ingestor.Now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return ingestor
}

func signedPlatformRequest(body string) Request {
	return Request{
		Source:  core.EventSourcePlatform,
		Headers: map[string]string{"X-Signature": Sign("merchant-secret", []byte(body))},
		Body:    []byte(body),
	}
}

type stubHandoff struct {
	enqueued  []core.WebhookEvent
	processed int
	status    core.EventStatus
}

func (s *stubHandoff) Enqueue(event core.WebhookEvent) bool {
	s.enqueued = append(s.enqueued, event)
	return true
}

func (s *stubHandoff) ProcessNow(context.Context, core.WebhookEvent) (core.EventStatus, error) {
	s.processed++
	return s.status, nil
}

type memoryLedger struct {
	mu        sync.Mutex
	seq       int
	events    map[string]core.WebhookEvent
	byKey     map[string]string
	recordErr error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{events: map[string]core.WebhookEvent{}, byKey: map[string]string{}}
}

func (m *memoryLedger) Record(_ context.Context, in core.RecordEventInput) (core.WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return core.WebhookEvent{}, false, m.recordErr
	}
	key := string(in.Source) + "|" + in.DedupeKey
	if id, ok := m.byKey[key]; ok {
		return m.events[id], false, nil
	}
	m.seq++
	event := core.WebhookEvent{
		ID:        fmt.Sprintf("evt-%d", m.seq),
		Source:    in.Source,
		EventType: in.EventType,
		StoreID:   in.StoreID,
		DedupeKey: in.DedupeKey,
		Payload:   in.Payload,
		Status:    core.EventStatusPending,
		CreatedAt: in.ReceivedAt,
		UpdatedAt: in.ReceivedAt,
	}
	m.events[event.ID] = event
	m.byKey[key] = event.ID
	return event, true, nil
}

func (m *memoryLedger) Get(_ context.Context, id string) (core.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[id]
	if !ok {
		return core.WebhookEvent{}, core.EventNotFound(id)
	}
	return event, nil
}

func (m *memoryLedger) MarkProcessing(context.Context, string) error { return nil }

func (m *memoryLedger) MarkSucceeded(context.Context, string) error { return nil }

func (m *memoryLedger) MarkFailed(_ context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := m.events[id]
	event.Status = core.EventStatusFailed
	event.LastError = cause.Error()
	m.events[id] = event
	return nil
}

func (m *memoryLedger) RecordAttempt(context.Context, string, int, error, *time.Time) error {
	return nil
}

func (m *memoryLedger) ListByStatus(context.Context, core.EventStatus, core.EventFilter) ([]core.WebhookEvent, error) {
	return nil, nil
}

func (m *memoryLedger) Requeue(context.Context, string) error { return nil }

func (m *memoryLedger) ClaimPending(context.Context, int, time.Duration) ([]core.WebhookEvent, error) {
	return nil, nil
}

func (m *memoryLedger) PruneTerminal(context.Context, time.Time) (int, error) { return 0, nil }

var _ core.EventStore = (*memoryLedger)(nil)
