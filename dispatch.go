package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-job/queue"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-dispatch/adapters/gojob"
	"github.com/goliatone/go-dispatch/adapters/gologger"
	"github.com/goliatone/go-dispatch/auth"
	"github.com/goliatone/go-dispatch/command"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/engine"
	"github.com/goliatone/go-dispatch/httpapi"
	"github.com/goliatone/go-dispatch/locks"
	"github.com/goliatone/go-dispatch/merchant"
	"github.com/goliatone/go-dispatch/outbound"
	"github.com/goliatone/go-dispatch/query"
	"github.com/goliatone/go-dispatch/ratelimit"
	"github.com/goliatone/go-dispatch/retry"
	"github.com/goliatone/go-dispatch/scheduler"
	"github.com/goliatone/go-dispatch/security"
	sqlstore "github.com/goliatone/go-dispatch/store/sql"
	"github.com/goliatone/go-dispatch/transport"
	"github.com/goliatone/go-dispatch/webhooks"
)

const pruneJobName = "dispatch.events.prune"

type Commands struct {
	RetryEvent         *command.RetryEventCommand
	PruneEvents        *command.PruneEventsCommand
	CancelDispatch     *command.CancelDispatchCommand
	RedispatchDelivery *command.RedispatchDeliveryCommand
}

type Queries struct {
	ListEvents         *query.ListEventsQuery
	GetOrderSnapshot   *query.GetOrderSnapshotQuery
	ListDispatchAlerts *query.ListDispatchAlertsQuery
}

// JobQueue is a go-job queue used to carry dispatch fires and event replays
// across processes.
type JobQueue interface {
	queue.Enqueuer
	queue.Dequeuer
}

type Option func(*options)

type options struct {
	httpClient     transport.HTTPDoer
	secrets        core.SecretProvider
	locker         locks.KeyLocker
	clock          scheduler.Clock
	merchantCache  repositorycache.CacheService
	jobs           JobQueue
	jobRetryPolicy gojob.RetryPolicy
	healthChecks   map[string]httpapi.HealthCheck
}

// WithHTTPClient replaces the client used for platform and courier calls.
func WithHTTPClient(client transport.HTTPDoer) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithSecretProvider replaces the app-key provider built from
// security.master_key.
func WithSecretProvider(provider core.SecretProvider) Option {
	return func(o *options) {
		o.secrets = provider
	}
}

// WithKeyLocker replaces the locker selected by locks.backend.
func WithKeyLocker(locker locks.KeyLocker) Option {
	return func(o *options) {
		o.locker = locker
	}
}

func WithSchedulerClock(clock scheduler.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithMerchantCache puts merchant lookups behind go-repository-cache.
func WithMerchantCache(cache repositorycache.CacheService) Option {
	return func(o *options) {
		o.merchantCache = cache
	}
}

// WithJobQueue routes dispatch fires and event replays through a go-job
// queue consumed by this process.
func WithJobQueue(jobs JobQueue, policy gojob.RetryPolicy) Option {
	return func(o *options) {
		o.jobs = jobs
		o.jobRetryPolicy = policy
	}
}

func WithHealthCheck(name string, check httpapi.HealthCheck) Option {
	return func(o *options) {
		if o.healthChecks == nil {
			o.healthChecks = map[string]httpapi.HealthCheck{}
		}
		o.healthChecks[strings.TrimSpace(name)] = check
	}
}

// App is a fully wired dispatch engine over one database.
type App struct {
	Config    core.Config
	Stores    *sqlstore.RepositoryFactory
	Merchants *merchant.Registry
	Ingestor  *webhooks.Ingestor
	Handler   *engine.Handler
	Pool      *engine.Pool
	Scheduler *scheduler.Scheduler
	Platform  *outbound.PlatformClient
	Courier   *outbound.CourierClient
	Commands  Commands
	Queries   Queries
	Jobs      *gojob.Publisher

	runtime       *core.Runtime
	platformQueue *outbound.Queue
	courierQueue  *outbound.Queue
	consumer      *gojob.Consumer
	redis         *redis.Client
	healthChecks  map[string]httpapi.HealthCheck
}

func New(runtime *core.Runtime, db *bun.DB, opts ...Option) (*App, error) {
	if runtime == nil {
		return nil, fmt.Errorf("dispatch: runtime is required")
	}
	if db == nil {
		return nil, fmt.Errorf("dispatch: bun db is required")
	}
	cfg := runtime.Config
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	stores, err := sqlstore.NewRepositoryFactoryFromDB(db)
	if err != nil {
		return nil, err
	}
	merchantStore, err := stores.CachedMerchantStore(o.merchantCache)
	if err != nil {
		return nil, err
	}

	secrets := o.secrets
	if secrets == nil {
		secrets, err = newAppKeyProvider(cfg.Security)
		if err != nil {
			return nil, err
		}
	}

	app := &App{
		Config:       cfg,
		Stores:       stores,
		runtime:      runtime,
		healthChecks: map[string]httpapi.HealthCheck{"database": db.PingContext},
	}
	for name, check := range o.healthChecks {
		app.healthChecks[name] = check
	}

	locker := o.locker
	if locker == nil {
		locker, app.redis, err = locks.NewKeyLocker(cfg.Locks, runtime.Observer("locks"))
		if err != nil {
			return nil, err
		}
	}
	if app.redis != nil {
		client := app.redis
		app.healthChecks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}

	app.Merchants = merchant.NewRegistry(merchantStore, secrets, merchant.WithObserver(runtime.Observer("merchant")))

	policy := retry.PolicyFromConfig(cfg.Retry)
	adaptive := ratelimit.NewAdaptivePolicy(stores.RateLimitStateStore())
	rest := transport.NewRESTAdapter(o.httpClient)
	app.platformQueue = outbound.NewQueue(outbound.DestinationPlatform, rest, cfg.Outbound.Platform, policy,
		outbound.WithAdaptivePolicy(adaptive),
		outbound.WithObserver(runtime.Observer("outbound.platform")),
	)
	app.courierQueue = outbound.NewQueue(outbound.DestinationCourier, rest, cfg.Outbound.Courier, policy,
		outbound.WithAdaptivePolicy(adaptive),
		outbound.WithObserver(runtime.Observer("outbound.courier")),
	)
	tokens := auth.NewPlatformTokenSource(cfg.Outbound.Platform, rest, app.Merchants)
	app.Platform = outbound.NewPlatformClient(cfg.Outbound.Platform, app.platformQueue, app.Merchants, tokens)
	app.Courier = outbound.NewCourierClient(cfg.Outbound.Courier, app.courierQueue, app.Merchants, auth.NewCourierTokenMinter())

	schedulerOpts := []scheduler.Option{scheduler.WithObserver(runtime.Observer("scheduler"))}
	if o.clock != nil {
		schedulerOpts = append(schedulerOpts, scheduler.WithClock(o.clock))
	}
	if o.jobs != nil {
		app.Jobs = gojob.NewPublisher(o.jobs)
		schedulerOpts = append(schedulerOpts, scheduler.WithFireDispatcher(app.Jobs))
	}
	app.Scheduler, err = scheduler.New(cfg.Dispatch, policy, scheduler.Dependencies{
		Deliveries: stores.DeliveryStore(),
		Orders:     stores.OrderStore(),
		Merchants:  app.Merchants,
		Courier:    app.Courier,
		Locker:     locker,
	}, schedulerOpts...)
	if err != nil {
		return nil, err
	}

	app.Handler = engine.NewHandler(cfg.Dispatch, engine.Dependencies{
		Orders:     stores.OrderStore(),
		Deliveries: stores.DeliveryStore(),
		Merchants:  app.Merchants,
		Scheduler:  app.Scheduler,
		Courier:    app.Courier,
		Platform:   app.Platform,
		Locker:     locker,
	}, runtime.Observer("engine"))

	executor := retry.NewExecutor(stores.EventStore(), policy, runtime.Observer("retry"))
	app.Pool = engine.NewPool(cfg.Webhooks, stores.EventStore(), executor, app.Handler, runtime.Observer("pool"))

	app.Ingestor = webhooks.NewIngestor(cfg.Webhooks, stores.EventStore(), TenantSecrets(app.Merchants), app.Pool)
	app.Ingestor.Observer = runtime.Observer("webhooks")

	app.Commands = Commands{
		RetryEvent:         command.NewRetryEventCommand(stores.EventStore(), app.Pool),
		PruneEvents:        command.NewPruneEventsCommand(stores.EventStore()),
		CancelDispatch:     command.NewCancelDispatchCommand(app.Handler),
		RedispatchDelivery: command.NewRedispatchDeliveryCommand(stores.DeliveryStore(), app.Scheduler),
	}
	app.Queries = Queries{
		ListEvents:         query.NewListEventsQuery(stores.EventStore()),
		GetOrderSnapshot:   query.NewGetOrderSnapshotQuery(stores.OrderStore(), stores.DeliveryStore()),
		ListDispatchAlerts: query.NewListDispatchAlertsQuery(stores.EventStore(), stores.DeliveryStore()),
	}

	if o.jobs != nil {
		app.Commands.RetryEvent.WithReplayPublisher(app.Jobs)
		app.consumer = gojob.NewConsumer(o.jobs, o.jobRetryPolicy,
			gojob.WithHook(gojob.NewObserverHook(runtime.Observer("jobs"))),
			gojob.WithLogger(gologger.ComponentJobLogger(runtime.LoggerProvider, cfg.ServiceName+".jobs")),
		)
		app.consumer.Handle(gojob.JobIDDispatchFire, gojob.FireHandler(app.Scheduler))
		app.consumer.Handle(gojob.JobIDEventReplay, gojob.ReplayHandler(stores.EventStore(), app.Pool))
	}
	return app, nil
}

// TenantSecrets adapts the merchant registry to the webhook edge.
func TenantSecrets(registry *merchant.Registry) webhooks.TenantResolver {
	return webhooks.TenantResolverFunc(func(ctx context.Context, storeID string) (webhooks.TenantSecret, error) {
		secret, required, err := registry.WebhookSecret(ctx, storeID)
		if err != nil {
			return webhooks.TenantSecret{}, err
		}
		return webhooks.TenantSecret{Secret: secret, Required: required}, nil
	})
}

// HTTPServer returns the gin surface bound to this app.
func (a *App) HTTPServer() *httpapi.Server {
	return httpapi.NewServer(a.Ingestor, httpapi.Operations{
		RetryEvent:         a.Commands.RetryEvent,
		CancelDispatch:     a.Commands.CancelDispatch,
		RedispatchDelivery: a.Commands.RedispatchDelivery,
		ListEvents:         a.Queries.ListEvents,
		GetOrderSnapshot:   a.Queries.GetOrderSnapshot,
		ListDispatchAlerts: a.Queries.ListDispatchAlerts,
	}, a.runtime.Observer("http"), httpapi.Config{HealthChecks: a.healthChecks})
}

// Run drives the worker pool, the dispatch scheduler with its retention job
// and, when configured, the job consumer. It returns once ctx is cancelled
// and everything has drained.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return fmt.Errorf("dispatch: app is not configured")
	}
	if retention := a.Config.Webhooks.Retention; retention > 0 {
		interval := min(retention/4, 24*time.Hour)
		if interval <= 0 {
			interval = time.Hour
		}
		err := a.Scheduler.Every(pruneJobName, interval, func(ctx context.Context) error {
			return a.Commands.PruneEvents.Execute(ctx, command.PruneEventsMessage{Retention: retention})
		})
		if err != nil {
			return err
		}
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.Pool.Run(groupCtx)
	})
	if a.consumer != nil {
		group.Go(func() error {
			return a.consumer.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return a.Scheduler.Stop()
	})
	err := group.Wait()
	if closeErr := a.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the outbound queues and releases the redis client.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.platformQueue.Close()
	a.courierQueue.Close()
	if a.redis != nil {
		client := a.redis
		a.redis = nil
		return client.Close()
	}
	return nil
}

func newAppKeyProvider(cfg core.SecurityConfig) (core.SecretProvider, error) {
	if strings.TrimSpace(cfg.MasterKey) == "" {
		return nil, fmt.Errorf("dispatch: security.master_key is required")
	}
	return security.NewAppKeySecretProviderFromString(cfg.MasterKey,
		security.WithKeyID(cfg.KeyID),
		security.WithVersion(cfg.KeyVersion),
	)
}
