package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// Runtime is the explicitly constructed configuration and observability
// bundle handed to every component at startup.
type Runtime struct {
	Config         Config
	Logger         Logger
	LoggerProvider LoggerProvider
	Metrics        MetricsRecorder
	Now            func() time.Time
}

type runtimeBuilder struct {
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	now             func() time.Time
}

type Option func(*runtimeBuilder)

func WithLogger(logger Logger) Option {
	return func(b *runtimeBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *runtimeBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *runtimeBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *runtimeBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *runtimeBuilder) {
		b.optionsResolver = resolver
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *runtimeBuilder) {
		b.now = now
	}
}

// NewRuntime resolves configuration in three layers (defaults, loaded,
// runtime overrides) and the logging/metrics collaborators.
func NewRuntime(ctx context.Context, runtime Config, options ...Option) (*Runtime, error) {
	builder := runtimeBuilder{
		metricsRecorder: NopMetricsRecorder{},
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(&builder)
		}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(ctx, defaults)
	if err != nil {
		return nil, fmt.Errorf("core: load config: %w", err)
	}
	resolved, err := builder.optionsResolver.Resolve(defaults, loaded, runtime)
	if err != nil {
		return nil, err
	}

	provider, logger := glog.Resolve(resolved.ServiceName, builder.loggerProvider, builder.logger)
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	return &Runtime{
		Config:         resolved,
		Logger:         logger,
		LoggerProvider: provider,
		Metrics:        builder.metricsRecorder,
		Now:            builder.now,
	}, nil
}

// Observer returns an operation observer whose logger is named after the
// component.
func (r *Runtime) Observer(component string) *Observer {
	if r == nil {
		return NewObserver(nil, nil)
	}
	logger := r.Logger
	if r.LoggerProvider != nil && strings.TrimSpace(component) != "" {
		logger = r.LoggerProvider.GetLogger(r.Config.ServiceName + "." + strings.TrimSpace(component))
	}
	return NewObserver(logger, r.Metrics)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap keeps only set values unless includeZero is true, so that
// sparse runtime overrides do not clobber loaded configuration.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	put := func(target map[string]any, key string, value any, set bool) {
		if includeZero || set {
			target[key] = value
		}
	}
	section := func(key string, values map[string]any) {
		if len(values) > 0 {
			layer[key] = values
		}
	}

	put(layer, "service_name", cfg.ServiceName, strings.TrimSpace(cfg.ServiceName) != "")

	retry := map[string]any{}
	put(retry, "base_delay", cfg.Retry.BaseDelay, cfg.Retry.BaseDelay > 0)
	put(retry, "multiplier", cfg.Retry.Multiplier, cfg.Retry.Multiplier > 0)
	put(retry, "max_delay", cfg.Retry.MaxDelay, cfg.Retry.MaxDelay > 0)
	put(retry, "max_attempts", cfg.Retry.MaxAttempts, cfg.Retry.MaxAttempts > 0)
	section("retry", retry)

	dispatch := map[string]any{}
	put(dispatch, "lead_buffer", cfg.Dispatch.LeadBuffer, cfg.Dispatch.LeadBuffer > 0)
	put(dispatch, "scan_interval", cfg.Dispatch.ScanInterval, cfg.Dispatch.ScanInterval > 0)
	put(dispatch, "auto_dispatch_default", cfg.Dispatch.AutoDispatchDefault, cfg.Dispatch.AutoDispatchDefault)
	section("dispatch", dispatch)

	webhooks := map[string]any{}
	put(webhooks, "ack_mode", cfg.Webhooks.AckMode, strings.TrimSpace(cfg.Webhooks.AckMode) != "")
	put(webhooks, "workers", cfg.Webhooks.Workers, cfg.Webhooks.Workers > 0)
	put(webhooks, "queue_size", cfg.Webhooks.QueueSize, cfg.Webhooks.QueueSize > 0)
	put(webhooks, "poll_interval", cfg.Webhooks.PollInterval, cfg.Webhooks.PollInterval > 0)
	put(webhooks, "claim_batch", cfg.Webhooks.ClaimBatch, cfg.Webhooks.ClaimBatch > 0)
	put(webhooks, "claim_lease", cfg.Webhooks.ClaimLease, cfg.Webhooks.ClaimLease > 0)
	put(webhooks, "retention", cfg.Webhooks.Retention, cfg.Webhooks.Retention > 0)
	put(webhooks, "courier_secret", cfg.Webhooks.CourierSecret, strings.TrimSpace(cfg.Webhooks.CourierSecret) != "")
	put(webhooks, "signature_header", cfg.Webhooks.SignatureHeader, strings.TrimSpace(cfg.Webhooks.SignatureHeader) != "")
	put(webhooks, "delivery_id_header", cfg.Webhooks.DeliveryIDHeader, strings.TrimSpace(cfg.Webhooks.DeliveryIDHeader) != "")
	put(webhooks, "unknown_tenant_per_minute", cfg.Webhooks.UnknownTenantPerMinute, cfg.Webhooks.UnknownTenantPerMinute > 0)
	section("webhooks", webhooks)

	outbound := map[string]any{}
	for name, dest := range map[string]DestinationConfig{
		"platform": cfg.Outbound.Platform,
		"courier":  cfg.Outbound.Courier,
	} {
		values := map[string]any{}
		put(values, "base_url", dest.BaseURL, strings.TrimSpace(dest.BaseURL) != "")
		put(values, "token_url", dest.TokenURL, strings.TrimSpace(dest.TokenURL) != "")
		put(values, "requests_per_minute", dest.RequestsPerMinute, dest.RequestsPerMinute > 0)
		put(values, "burst", dest.Burst, dest.Burst > 0)
		put(values, "timeout", dest.Timeout, dest.Timeout > 0)
		if len(values) > 0 {
			outbound[name] = values
		}
	}
	section("outbound", outbound)

	locks := map[string]any{}
	put(locks, "backend", cfg.Locks.Backend, strings.TrimSpace(cfg.Locks.Backend) != "")
	put(locks, "redis_addr", cfg.Locks.RedisAddr, strings.TrimSpace(cfg.Locks.RedisAddr) != "")
	put(locks, "ttl", cfg.Locks.TTL, cfg.Locks.TTL > 0)
	section("locks", locks)

	security := map[string]any{}
	put(security, "master_key", cfg.Security.MasterKey, strings.TrimSpace(cfg.Security.MasterKey) != "")
	put(security, "key_id", cfg.Security.KeyID, strings.TrimSpace(cfg.Security.KeyID) != "")
	put(security, "key_version", cfg.Security.KeyVersion, cfg.Security.KeyVersion > 0)
	section("security", security)

	persistence := map[string]any{}
	put(persistence, "driver", cfg.Persistence.Driver, strings.TrimSpace(cfg.Persistence.Driver) != "")
	put(persistence, "dsn", cfg.Persistence.DSN, strings.TrimSpace(cfg.Persistence.DSN) != "")
	put(persistence, "debug", cfg.Persistence.Debug, cfg.Persistence.Debug)
	put(persistence, "ping_timeout", cfg.Persistence.PingTimeout, cfg.Persistence.PingTimeout > 0)
	section("persistence", persistence)

	httpCfg := map[string]any{}
	put(httpCfg, "addr", cfg.HTTP.Addr, strings.TrimSpace(cfg.HTTP.Addr) != "")
	section("http", httpCfg)

	return layer
}
