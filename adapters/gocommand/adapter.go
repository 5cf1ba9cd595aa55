// Package gocommand mounts the triage commands and queries on the go-command
// registry and the global dispatcher.
package gocommand

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

var ErrBusNotConfigured = errors.New("gocommand: bus is not configured")

// Bus pairs a go-command registry with the dispatcher subscriptions made
// through it so they can be released together.
type Bus struct {
	registry   *command.Registry
	runnerOpts []runner.Option

	mu            sync.Mutex
	subscriptions []commanddispatcher.Subscription
}

// NewBus creates a bus over registry, or over a fresh registry when nil.
// runnerOpts apply to every handler subscribed through the bus.
func NewBus(registry *command.Registry, runnerOpts ...runner.Option) *Bus {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &Bus{registry: registry, runnerOpts: runnerOpts}
}

func (b *Bus) Registry() *command.Registry {
	if b == nil {
		return nil
	}
	return b.registry
}

// MirrorToQueue installs the go-job resolver under key so every registered
// command is also known to the queue registry after Start.
func (b *Bus) MirrorToQueue(key string, queue *jobqueuecommand.Registry) error {
	if b == nil || b.registry == nil {
		return ErrBusNotConfigured
	}
	if queue == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("gocommand: resolver key is required")
	}
	return b.registry.AddResolver(key, jobqueuecommand.QueueResolver(queue))
}

// Start runs the registry resolvers. Handlers are dispatchable before Start;
// resolvers only see what was registered before it.
func (b *Bus) Start() error {
	if b == nil || b.registry == nil {
		return ErrBusNotConfigured
	}
	return b.registry.Initialize()
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

// Close removes every subscription made through the bus. It is safe to call
// more than once.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	subscriptions := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()
	for _, subscription := range subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

func (b *Bus) keep(subscription commanddispatcher.Subscription) {
	if subscription == nil {
		return
	}
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, subscription)
	b.mu.Unlock()
}

// Handle registers cmd and subscribes it to messages of type T.
func Handle[T any](b *Bus, cmd command.Commander[T]) error {
	if b == nil || b.registry == nil {
		return ErrBusNotConfigured
	}
	if cmd == nil {
		return fmt.Errorf("gocommand: command handler is required")
	}
	if err := b.registry.RegisterCommand(cmd); err != nil {
		return fmt.Errorf("gocommand: register %T: %w", cmd, err)
	}
	b.keep(commanddispatcher.SubscribeCommand(cmd, b.runnerOpts...))
	return nil
}

// Answer registers qry and subscribes it to queries of type T.
func Answer[T any, R any](b *Bus, qry command.Querier[T, R]) error {
	if b == nil || b.registry == nil {
		return ErrBusNotConfigured
	}
	if qry == nil {
		return fmt.Errorf("gocommand: query handler is required")
	}
	if err := b.registry.RegisterCommand(qry); err != nil {
		return fmt.Errorf("gocommand: register %T: %w", qry, err)
	}
	b.keep(commanddispatcher.SubscribeQuery(qry, b.runnerOpts...))
	return nil
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// DispatchResult dispatches msg and returns the value its handler stored in
// the result collector. A value stored before a handler error is returned
// together with that error.
func DispatchResult[T any, R any](ctx context.Context, msg T) (R, error) {
	collector := command.NewResult[R]()
	err := Dispatch(command.ContextWithResult(ctx, collector), msg)
	value, _ := collector.Load()
	return value, err
}
