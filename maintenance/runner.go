// Package maintenance runs the periodic upkeep jobs: purging corrupted
// credentials, renewing tokens ahead of expiry and triaging every stored
// identity. Jobs are go-job execution messages, so the same Runner works
// behind the in-process MemoryQueue or any other go-job queue.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-triage/adapters/gojob"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/pipeline"
)

var (
	ErrUnknownJob        = errors.New("maintenance: unknown job")
	ErrInvalidParameters = errors.New("maintenance: invalid job parameters")
)

// Service is the part of the triage service the jobs drive.
type Service interface {
	PurgeCorrupted(ctx context.Context) (int, error)
	RefreshAll(ctx context.Context) ([]core.RefreshOutcome, error)
	Run(ctx context.Context, req core.RunRequest) ([]pipeline.RunReport, error)
}

// Executor runs one job message.
type Executor interface {
	Execute(ctx context.Context, msg *job.ExecutionMessage) error
}

type Runner struct {
	service  Service
	observer core.Observer
	now      func() time.Time
}

type RunnerOption func(*Runner)

func WithRunnerObserver(observer core.Observer) RunnerOption {
	return func(r *Runner) {
		r.observer = observer
	}
}

func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRunner(service Service, opts ...RunnerOption) (*Runner, error) {
	if service == nil {
		return nil, fmt.Errorf("maintenance: service is required")
	}
	runner := &Runner{
		service:  service,
		observer: core.NewObserver("triage.maintenance", nil, nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner, nil
}

// Execute dispatches on the job id. A refresh sweep whose identities all
// failed is reported as an error so the worker retries it.
func (r *Runner) Execute(ctx context.Context, msg *job.ExecutionMessage) (err error) {
	if msg == nil {
		return fmt.Errorf("%w: message is required", ErrInvalidParameters)
	}
	jobID := strings.TrimSpace(msg.JobID)
	startedAt := r.now()
	fields := map[string]any{"job_id": jobID, "idempotency_key": msg.IdempotencyKey}
	defer func() {
		r.observer.Operation(ctx, startedAt, "maintenance_job", err, fields)
	}()

	switch jobID {
	case gojob.JobIDPurgeCorrupted:
		removed, purgeErr := r.service.PurgeCorrupted(ctx)
		fields["removed"] = removed
		return purgeErr
	case gojob.JobIDRefreshAll:
		outcomes, refreshErr := r.service.RefreshAll(ctx)
		if refreshErr != nil {
			return refreshErr
		}
		failed := 0
		for _, outcome := range outcomes {
			if outcome.Error != "" {
				failed++
			}
		}
		fields["refreshed"] = len(outcomes) - failed
		fields["failed"] = failed
		if failed > 0 && failed == len(outcomes) {
			return fmt.Errorf("maintenance: refresh failed for all %d identities", failed)
		}
		return nil
	case gojob.JobIDRunAll:
		stageNames, paramErr := stagesParam(msg.Parameters)
		if paramErr != nil {
			return paramErr
		}
		reports, runErr := r.service.Run(ctx, core.RunRequest{All: true, Stages: stageNames})
		fields["runs"] = len(reports)
		if runErr != nil && core.IsNotFound(runErr) {
			fields["outcome"] = "no_identities"
			return nil
		}
		return runErr
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, jobID)
	}
}

// IsPermanent reports errors that retrying cannot fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnknownJob) ||
		errors.Is(err, ErrInvalidParameters) ||
		core.IsNeedsReauthorization(err) ||
		core.IsFatalRequest(err)
}

// stagesParam accepts the "stages" parameter as []string or, after a JSON
// round trip through a queue, as []any of strings.
func stagesParam(params map[string]any) ([]string, error) {
	raw, ok := params["stages"]
	if !ok || raw == nil {
		return nil, nil
	}
	switch typed := raw.(type) {
	case []string:
		return typed, nil
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: stages must be strings", ErrInvalidParameters)
			}
			out = append(out, name)
		}
		return out, nil
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil, nil
		}
		return strings.Split(typed, ","), nil
	default:
		return nil, fmt.Errorf("%w: stages has type %T", ErrInvalidParameters, raw)
	}
}

var _ Executor = (*Runner)(nil)
