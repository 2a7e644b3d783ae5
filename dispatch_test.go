package dispatch_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	dispatch "github.com/goliatone/go-dispatch"
	"github.com/goliatone/go-dispatch/adapters/gojob"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/merchant"
	dispatchmigrations "github.com/goliatone/go-dispatch/migrations"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

type testPersistenceConfig struct {
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return "sqlite3"
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-dispatch-tests"
}

func TestNewRequiresMasterKey(t *testing.T) {
	client := newSQLiteClient(t)
	runtime := newRuntime(t, core.Config{}, core.NewMemoryMetricsRecorder())

	if _, err := dispatch.New(runtime, client.DB()); err == nil {
		t.Fatalf("expected missing master key to fail")
	}
	if _, err := dispatch.New(nil, client.DB()); err == nil {
		t.Fatalf("expected missing runtime to fail")
	}
	if _, err := dispatch.Setup(context.Background(), dispatch.Config{}, client.DB(), nil); err == nil {
		t.Fatalf("expected setup without master key to fail")
	}
}

func TestPlatformWebhookDispatchesToCourier(t *testing.T) {
	courier := newFakeCourier()
	server := httptest.NewServer(courier)
	defer server.Close()

	metrics := core.NewMemoryMetricsRecorder()
	runtime := newRuntime(t, core.Config{
		Webhooks: core.WebhookConfig{AckMode: core.AckModeAfterProcess},
		Outbound: core.OutboundConfig{
			Courier: core.DestinationConfig{BaseURL: server.URL},
		},
		Security: core.SecurityConfig{MasterKey: testMasterKey},
	}, metrics)

	client := newSQLiteClient(t)
	app, err := dispatch.New(runtime, client.DB(), dispatch.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := app.Merchants.Onboard(ctx, merchant.MerchantInput{
		StoreID:       "S1",
		Name:          "Corner Deli",
		PickupAddress: "1 Main St",
		PickupPhone:   "+15550001111",
		Credentials: core.Credentials{
			CourierDeveloperID:   "dev-1",
			CourierKeyID:         "key-1",
			CourierSigningSecret: "c2lnbmluZy1zZWNyZXQ",
		},
	}); err != nil {
		t.Fatalf("onboard merchant: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx)
	}()

	promised := time.Now().UTC().Add(10 * time.Minute).Format(time.RFC3339)
	body := fmt.Sprintf(`{"event_type":"order.created","store_id":"S1","order":{"id":"O1","fulfillment_type":"delivery","promised_time":%q,"dropoff_address":"9 Elm St","customer_name":"Ada"}}`, promised)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/platform", strings.NewReader(body))
	req.Header.Set("X-Delivery-Id", "evt-1")
	rec := httptest.NewRecorder()
	app.HTTPServer().Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected inline 200 acknowledgement, got %d: %s", rec.Code, rec.Body.String())
	}

	waitFor(t, 5*time.Second, func() bool {
		delivery, err := app.Stores.DeliveryStore().GetDelivery(ctx, "S1:O1")
		return err == nil && delivery.Dispatched()
	})

	delivery, err := app.Stores.DeliveryStore().GetDelivery(ctx, "S1:O1")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if delivery.CourierDeliveryID != "courier-S1:O1" {
		t.Fatalf("expected courier delivery id to be stored, got %q", delivery.CourierDeliveryID)
	}
	if got := courier.creates(); got != 1 {
		t.Fatalf("expected one courier create, got %d", got)
	}
	if !strings.HasPrefix(courier.lastAuthorization(), "Bearer ") {
		t.Fatalf("expected bearer token on courier call, got %q", courier.lastAuthorization())
	}

	dup := httptest.NewRequest(http.MethodPost, "/webhooks/platform", strings.NewReader(body))
	dup.Header.Set("X-Delivery-Id", "evt-1")
	rec = httptest.NewRecorder()
	app.HTTPServer().Handler().ServeHTTP(rec, dup)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected duplicate 200, got %d", rec.Code)
	}
	var ack map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack["duplicate"] != true {
		t.Fatalf("expected duplicate acknowledgement, got %v", ack)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if courier.creates() != 1 {
		t.Fatalf("expected replayed webhook not to dispatch again")
	}
	if metrics.Counter("dispatch.webhook_ingest.total") < 2 {
		t.Fatalf("expected ingest counter to be recorded, got %v", metrics.Snapshot())
	}
}

func TestTimerFireArrivesThroughJobQueue(t *testing.T) {
	courier := newFakeCourier()
	server := httptest.NewServer(courier)
	defer server.Close()

	runtime := newRuntime(t, core.Config{
		Dispatch: core.DispatchConfig{LeadBuffer: time.Minute},
		Webhooks: core.WebhookConfig{AckMode: core.AckModeAfterProcess},
		Outbound: core.OutboundConfig{
			Courier: core.DestinationConfig{BaseURL: server.URL},
		},
		Security: core.SecurityConfig{MasterKey: testMasterKey},
	}, core.NewMemoryMetricsRecorder())

	jobs := newChannelJobQueue()
	client := newSQLiteClient(t)
	app, err := dispatch.New(runtime, client.DB(),
		dispatch.WithHTTPClient(server.Client()),
		dispatch.WithJobQueue(jobs, gojob.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := app.Merchants.Onboard(ctx, merchant.MerchantInput{
		StoreID:       "S1",
		Name:          "Corner Deli",
		PickupAddress: "1 Main St",
		PickupPhone:   "+15550001111",
		Credentials: core.Credentials{
			CourierDeveloperID:   "dev-1",
			CourierKeyID:         "key-1",
			CourierSigningSecret: "c2lnbmluZy1zZWNyZXQ",
		},
	}); err != nil {
		t.Fatalf("onboard merchant: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx)
	}()

	promised := time.Now().UTC().Add(time.Minute + 2*time.Second).Format(time.RFC3339Nano)
	body := fmt.Sprintf(`{"event_type":"order.created","store_id":"S1","order":{"id":"O1","fulfillment_type":"delivery","promised_time":%q,"dropoff_address":"9 Elm St","customer_name":"Ada"}}`, promised)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/platform", strings.NewReader(body))
	req.Header.Set("X-Delivery-Id", "evt-queue-1")
	rec := httptest.NewRecorder()
	app.HTTPServer().Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 acknowledgement, got %d: %s", rec.Code, rec.Body.String())
	}
	if jobs.publishedCount() != 0 {
		t.Fatalf("expected nothing published before the dispatch timer fires")
	}

	waitFor(t, 10*time.Second, func() bool {
		delivery, err := app.Stores.DeliveryStore().GetDelivery(ctx, "S1:O1")
		return err == nil && delivery.Dispatched()
	})

	published := jobs.publishedMessages()
	if len(published) != 1 || published[0].JobID != gojob.JobIDDispatchFire {
		t.Fatalf("expected the timer fire on the job queue, got %+v", published)
	}
	if published[0].Parameters["external_delivery_id"] != "S1:O1" {
		t.Fatalf("expected fire for S1:O1, got %v", published[0].Parameters)
	}
	if jobs.ackedCount() != 1 {
		t.Fatalf("expected the consumer to ack the fire, got %d", jobs.ackedCount())
	}
	if got := courier.creates(); got != 1 {
		t.Fatalf("expected one courier create, got %d", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

// channelJobQueue is an in-process go-job queue that records what it carries.
type channelJobQueue struct {
	mu        sync.Mutex
	published []*job.ExecutionMessage
	acked     int
	pending   chan *job.ExecutionMessage
}

func newChannelJobQueue() *channelJobQueue {
	return &channelJobQueue{pending: make(chan *job.ExecutionMessage, 16)}
}

func (q *channelJobQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	q.mu.Lock()
	q.published = append(q.published, msg)
	q.mu.Unlock()
	select {
	case q.pending <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *channelJobQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case msg := <-q.pending:
		return &channelDelivery{queue: q, msg: msg}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *channelJobQueue) publishedMessages() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.published...)
}

func (q *channelJobQueue) publishedCount() int {
	return len(q.publishedMessages())
}

func (q *channelJobQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

type channelDelivery struct {
	queue *channelJobQueue
	msg   *job.ExecutionMessage
}

func (d *channelDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *channelDelivery) Ack(context.Context) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	d.queue.acked++
	return nil
}

func (d *channelDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if opts.Requeue {
		d.queue.pending <- d.msg
	}
	return nil
}

type fakeCourier struct {
	mu     sync.Mutex
	create int
	auth   string
}

func newFakeCourier() *fakeCourier {
	return &fakeCourier{}
}

func (f *fakeCourier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()
	if r.Method != http.MethodPost || r.URL.Path != "/deliveries" {
		http.NotFound(w, r)
		return
	}
	var payload struct {
		ExternalDeliveryID string `json:"external_delivery_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.create++
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"external_delivery_id": payload.ExternalDeliveryID,
		"delivery_id":          "courier-" + payload.ExternalDeliveryID,
		"delivery_status":      "created",
		"tracking_url":         "https://track.example/" + payload.ExternalDeliveryID,
	})
}

func (f *fakeCourier) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.create
}

func (f *fakeCourier) lastAuthorization() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth
}

func newRuntime(t *testing.T, cfg core.Config, metrics core.MetricsRecorder) *core.Runtime {
	t.Helper()
	runtime, err := core.NewRuntime(context.Background(), cfg, core.WithMetricsRecorder(metrics))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return runtime
}

func newSQLiteClient(t *testing.T) *persistence.Client {
	t.Helper()

	dsn := fmt.Sprintf("file:dispatch-app-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(testPersistenceConfig{server: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	ctx := context.Background()
	err = dispatchmigrations.Register(ctx, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, dispatchmigrations.DialectSQLite)
	if err != nil {
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return client
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
