package dispatch

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-dispatch/core"
)

type Config = core.Config

type Runtime = core.Runtime
type RuntimeOption = core.Option

type WebhookEvent = core.WebhookEvent
type Order = core.Order
type Delivery = core.Delivery
type Merchant = core.Merchant

var (
	WithLogger          = core.WithLogger
	WithLoggerProvider  = core.WithLoggerProvider
	WithMetricsRecorder = core.WithMetricsRecorder
	WithConfigProvider  = core.WithConfigProvider
	WithOptionsResolver = core.WithOptionsResolver
	WithClock           = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewRuntime(ctx context.Context, cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	return core.NewRuntime(ctx, cfg, opts...)
}

// Setup resolves the runtime from cfg and wires an App over db.
func Setup(ctx context.Context, cfg Config, db *bun.DB, runtimeOpts []RuntimeOption, opts ...Option) (*App, error) {
	runtime, err := NewRuntime(ctx, cfg, runtimeOpts...)
	if err != nil {
		return nil, err
	}
	return New(runtime, db, opts...)
}
