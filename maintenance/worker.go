package maintenance

import (
	"context"
	"fmt"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-triage/adapters/gojob"
	"github.com/goliatone/go-triage/core"
)

const (
	defaultMaxAttempts = 3
	defaultMaxDelay    = 5 * time.Minute
)

// Worker runs the maintenance jobs on a go-job worker. Failures are nacked
// through the retry policy: permanent errors dead-letter at once, the rest
// back off until MaxAttempts.
type Worker struct {
	inner *worker.Worker
}

type workerConfig struct {
	policy gojob.RetryPolicy
	hooks  []worker.Hook
	logger job.Logger
}

type WorkerOption func(*workerConfig)

// WithRetryPolicy replaces the default policy. A policy without a Permanent
// classifier uses IsPermanent.
func WithRetryPolicy(policy gojob.RetryPolicy) WorkerOption {
	return func(c *workerConfig) {
		c.policy = policy
	}
}

// WithWorkerHooks reports worker lifecycle events to hooks such as LogHook.
func WithWorkerHooks(hooks ...core.JobWorkerHook) WorkerOption {
	return func(c *workerConfig) {
		for _, hook := range hooks {
			if hook != nil {
				c.hooks = append(c.hooks, gojob.NewWorkerHookAdapter(hook))
			}
		}
	}
}

func WithWorkerLogger(logger job.Logger) WorkerOption {
	return func(c *workerConfig) {
		c.logger = logger
	}
}

func NewWorker(dequeuer queue.Dequeuer, executor Executor, opts ...WorkerOption) (*Worker, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("maintenance: dequeuer is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("maintenance: executor is required")
	}
	cfg := workerConfig{
		policy: gojob.RetryPolicy{MaxAttempts: defaultMaxAttempts, Initial: time.Second, Max: defaultMaxDelay},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.policy.Permanent == nil {
		cfg.policy.Permanent = IsPermanent
	}

	inner := worker.NewWorker(dequeuer,
		worker.WithRetryPolicy(cfg.policy),
		worker.WithHooks(cfg.hooks...),
		worker.WithLogger(cfg.logger),
		worker.WithCommanderFactory(newCommander),
	)
	for _, id := range []string{gojob.JobIDPurgeCorrupted, gojob.JobIDRefreshAll, gojob.JobIDRunAll} {
		if err := inner.Register(&maintenanceTask{id: id, executor: executor}); err != nil {
			return nil, fmt.Errorf("maintenance: register %s: %w", id, err)
		}
	}
	return &Worker{inner: inner}, nil
}

// newCommander runs each delivery once. The queue collapses duplicates and
// the worker's retry policy owns redelivery.
func newCommander(task job.Task) *job.TaskCommander {
	return job.NewTaskCommander(task).
		WithIdempotencyTracker(nil).
		WithRetryOverride(0)
}

func (w *Worker) Start(ctx context.Context) error {
	return w.inner.Start(ctx)
}

func (w *Worker) Stop(ctx context.Context) error {
	return w.inner.Stop(ctx)
}

// Run processes jobs until ctx ends, then waits for the job in flight.
// Cancellation is not an error.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop(context.WithoutCancel(ctx))
}

// maintenanceTask exposes one maintenance job id as a go-job task.
type maintenanceTask struct {
	id       string
	executor Executor
}

func (t *maintenanceTask) GetID() string                        { return t.id }
func (t *maintenanceTask) GetPath() string                      { return t.id }
func (t *maintenanceTask) GetConfig() job.Config                { return job.Config{} }
func (t *maintenanceTask) GetHandlerConfig() job.HandlerOptions { return job.HandlerOptions{} }
func (t *maintenanceTask) GetEngine() job.Engine                { return nil }

func (t *maintenanceTask) GetHandler() func() error {
	return func() error {
		return t.Execute(context.Background(), &job.ExecutionMessage{JobID: t.id, ScriptPath: t.id})
	}
}

func (t *maintenanceTask) Execute(ctx context.Context, msg *job.ExecutionMessage) error {
	return t.executor.Execute(ctx, msg)
}

var _ job.Task = (*maintenanceTask)(nil)
