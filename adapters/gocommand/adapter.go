package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	dispatchcommand "github.com/goliatone/go-dispatch/command"
	"github.com/goliatone/go-dispatch/core"
	dispatchquery "github.com/goliatone/go-dispatch/query"
)

// ValidateMessageContract checks that msg names its type and, when it has a
// Validate method, that it passes.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeCommandFunc[T any](handler command.CommandFunc[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(handler, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func SubscribeQueryFunc[T any, R any](qry command.QueryFunc[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Operations is the operator surface of the dispatch engine. Nil entries are
// skipped.
type Operations struct {
	RetryEvent         *dispatchcommand.RetryEventCommand
	PruneEvents        *dispatchcommand.PruneEventsCommand
	CancelDispatch     *dispatchcommand.CancelDispatchCommand
	RedispatchDelivery *dispatchcommand.RedispatchDeliveryCommand

	ListEvents         *dispatchquery.ListEventsQuery
	GetOrderSnapshot   *dispatchquery.GetOrderSnapshotQuery
	ListDispatchAlerts *dispatchquery.ListDispatchAlertsQuery
}

// RegisterOperations subscribes every configured operation on the go-command
// dispatcher and records it in the registry. On failure the subscriptions made
// so far are released.
func RegisterOperations(adapter *RegistryAdapter, ops Operations, runnerOpts ...runner.Option) ([]commanddispatcher.Subscription, error) {
	var subs []commanddispatcher.Subscription
	keep := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}
	register := []func() error{
		func() error {
			if ops.RetryEvent == nil {
				return nil
			}
			return keep(RegisterAndSubscribe[dispatchcommand.RetryEventMessage](adapter, ops.RetryEvent, runnerOpts...))
		},
		func() error {
			if ops.PruneEvents == nil {
				return nil
			}
			return keep(RegisterAndSubscribe[dispatchcommand.PruneEventsMessage](adapter, ops.PruneEvents, runnerOpts...))
		},
		func() error {
			if ops.CancelDispatch == nil {
				return nil
			}
			return keep(RegisterAndSubscribe[dispatchcommand.CancelDispatchMessage](adapter, ops.CancelDispatch, runnerOpts...))
		},
		func() error {
			if ops.RedispatchDelivery == nil {
				return nil
			}
			return keep(RegisterAndSubscribe[dispatchcommand.RedispatchDeliveryMessage](adapter, ops.RedispatchDelivery, runnerOpts...))
		},
		func() error {
			if ops.ListEvents == nil {
				return nil
			}
			return keep(RegisterAndSubscribeQuery[dispatchquery.ListEventsMessage, []core.WebhookEvent](adapter, ops.ListEvents, runnerOpts...))
		},
		func() error {
			if ops.GetOrderSnapshot == nil {
				return nil
			}
			return keep(RegisterAndSubscribeQuery[dispatchquery.GetOrderSnapshotMessage, dispatchquery.OrderSnapshot](adapter, ops.GetOrderSnapshot, runnerOpts...))
		},
		func() error {
			if ops.ListDispatchAlerts == nil {
				return nil
			}
			return keep(RegisterAndSubscribeQuery[dispatchquery.ListDispatchAlertsMessage, dispatchquery.DispatchAlerts](adapter, ops.ListDispatchAlerts, runnerOpts...))
		},
	}
	for _, fn := range register {
		if err := fn(); err != nil {
			Unsubscribe(subs)
			return nil, err
		}
	}
	return subs, nil
}

// Unsubscribe releases every subscription in subs.
func Unsubscribe(subs []commanddispatcher.Subscription) {
	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// DispatchWithResult dispatches msg and returns the value the command stored
// in its result collector.
func DispatchWithResult[T any, R any](ctx context.Context, msg T) (R, error) {
	var zero R
	result := command.NewResult[R]()
	if err := Dispatch(command.ContextWithResult(ctx, result), msg); err != nil {
		return zero, err
	}
	value, _ := result.Load()
	return value, nil
}
