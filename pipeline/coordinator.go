package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-triage/core"
)

type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

type StageOutcome string

const (
	StageExecuted StageOutcome = "executed"
	StageSkipped  StageOutcome = "skipped"
	StageFailed   StageOutcome = "failed"
)

type RunRequest struct {
	RunID  string
	UserID string
	// Stages limits the run to the named stages. Empty runs all of them.
	Stages []string
}

type StageReport struct {
	Stage          string
	Outcome        StageOutcome
	Version        int
	Digest         string
	Degraded       bool
	DegradedReason string
	Duration       time.Duration
	Err            error
}

type RunReport struct {
	RunID      string
	UserID     string
	Status     RunStatus
	Stages     []StageReport
	StartedAt  time.Time
	FinishedAt time.Time
}

// Executed lists the stages that ran in this invocation, failed ones included.
func (r RunReport) Executed() []string {
	names := make([]string, 0, len(r.Stages))
	for _, stage := range r.Stages {
		if stage.Outcome != StageSkipped {
			names = append(names, stage.Stage)
		}
	}
	return names
}

// Degraded lists the stages that completed without their predecessor's input.
func (r RunReport) Degraded() []string {
	names := []string{}
	for _, stage := range r.Stages {
		if stage.Degraded {
			names = append(names, stage.Stage)
		}
	}
	return names
}

type Option func(*Coordinator)

func WithObserver(observer core.Observer) Option {
	return func(c *Coordinator) {
		c.observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

var ErrRunInProgress = errors.New("pipeline: run already in progress")

// Coordinator executes a fixed stage sequence. Runs with different ids may
// proceed concurrently; a second Run for an active id fails fast.
type Coordinator struct {
	store    core.ArtifactStore
	stages   []Stage
	observer core.Observer
	now      func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

func NewCoordinator(store core.ArtifactStore, stages []Stage, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("pipeline: artifact store is required")
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline: at least one stage is required")
	}
	seen := map[string]struct{}{}
	for _, stage := range stages {
		if stage == nil {
			return nil, fmt.Errorf("pipeline: nil stage")
		}
		name := strings.TrimSpace(stage.Name())
		if name == "" {
			return nil, fmt.Errorf("pipeline: stage name is required")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage %q", name)
		}
		if pred := strings.TrimSpace(stage.Predecessor()); pred != "" {
			if _, ok := seen[pred]; !ok {
				return nil, fmt.Errorf("pipeline: stage %q predecessor %q must be an earlier stage", name, pred)
			}
		}
		seen[name] = struct{}{}
	}
	c := &Coordinator{
		store:    store,
		stages:   append([]Stage(nil), stages...),
		observer: core.NewObserver("triage", nil, nil),
		now:      func() time.Time { return time.Now().UTC() },
		active:   map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Coordinator) StageNames() []string {
	names := make([]string, 0, len(c.stages))
	for _, stage := range c.stages {
		names = append(names, stage.Name())
	}
	return names
}

// Run executes the stages in order. Cancellation is honored between stages
// only; a stage that has started runs to completion.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (report RunReport, err error) {
	req.RunID = strings.TrimSpace(req.RunID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	if unknown := c.unknownStages(req.Stages); len(unknown) > 0 {
		return RunReport{}, fmt.Errorf("pipeline: unknown stages %v", unknown)
	}
	if !c.claim(req.RunID) {
		return RunReport{}, fmt.Errorf("%w: %s", ErrRunInProgress, req.RunID)
	}
	defer c.release(req.RunID)

	report = RunReport{RunID: req.RunID, UserID: req.UserID, StartedAt: c.now()}
	defer func() {
		report.FinishedAt = c.now()
		c.observer.Operation(ctx, report.StartedAt, "pipeline_run", err, map[string]any{
			"run_id":   report.RunID,
			"user_id":  report.UserID,
			"outcome":  string(report.Status),
			"executed": strings.Join(report.Executed(), ","),
			"degraded": strings.Join(report.Degraded(), ","),
		})
	}()

	for _, stage := range c.stages {
		name := stage.Name()
		if len(req.Stages) > 0 && !slices.Contains(req.Stages, name) {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			report.Status = RunStatusCancelled
			return report, core.RunCancelledError(req.RunID, name, ctxErr)
		}

		stageReport, stageErr := c.runStage(context.WithoutCancel(ctx), req, stage)
		report.Stages = append(report.Stages, stageReport)
		if stageErr != nil {
			report.Status = RunStatusFailed
			return report, stageErr
		}
	}
	report.Status = RunStatusCompleted
	return report, nil
}

func (c *Coordinator) runStage(ctx context.Context, req RunRequest, stage Stage) (report StageReport, err error) {
	name := stage.Name()
	report = StageReport{Stage: name}

	latest, err := c.store.Latest(ctx, req.RunID, name)
	switch {
	case err == nil && latest.Complete():
		report.Outcome = StageSkipped
		report.Version = latest.Version
		report.Digest = latest.Digest
		report.Degraded = latest.Degraded
		report.DegradedReason = latest.DegradedReason
		return report, nil
	case err != nil && !errors.Is(err, core.ErrArtifactNotFound):
		report.Outcome = StageFailed
		report.Err = core.StageFailureError(name, err)
		return report, report.Err
	}

	input, err := c.input(ctx, req, stage)
	if err != nil {
		report.Outcome = StageFailed
		report.Err = core.StageFailureError(name, err)
		return report, report.Err
	}

	startedAt := c.now()
	defer func() {
		report.Duration = c.now().Sub(startedAt)
		c.observer.Operation(ctx, startedAt, "pipeline_stage", report.Err, map[string]any{
			"run_id":   req.RunID,
			"user_id":  req.UserID,
			"stage":    name,
			"outcome":  string(report.Outcome),
			"version":  report.Version,
			"degraded": report.Degraded,
		})
	}()

	artifact := core.Artifact{
		RunID:          req.RunID,
		UserID:         req.UserID,
		Stage:          name,
		Degraded:       input.Degraded,
		DegradedReason: input.DegradedReason,
	}
	report.Degraded = input.Degraded
	report.DegradedReason = input.DegradedReason

	payload, runErr := stage.Run(ctx, input)
	if runErr == nil {
		canonical, digest, canonErr := Canonicalize(payload)
		if canonErr != nil {
			runErr = canonErr
		} else {
			artifact.Status = core.ArtifactStatusComplete
			artifact.Payload = canonical
			artifact.Digest = digest
		}
	}
	if runErr != nil {
		artifact.Status = core.ArtifactStatusFailed
		artifact.Error = runErr.Error()
		report.Outcome = StageFailed
		report.Err = core.StageFailureError(name, runErr)
	}

	artifact.ProducedAt = c.now()
	stored, putErr := c.store.Put(ctx, artifact)
	if putErr != nil {
		report.Outcome = StageFailed
		report.Err = core.StageFailureError(name, errors.Join(runErr, fmt.Errorf("pipeline: record artifact: %w", putErr)))
		return report, report.Err
	}
	report.Version = stored.Version
	report.Digest = stored.Digest
	if report.Err != nil {
		return report, report.Err
	}
	report.Outcome = StageExecuted
	return report, nil
}

// input loads the predecessor payload. A missing or incomplete predecessor
// yields a degraded input rather than an error.
func (c *Coordinator) input(ctx context.Context, req RunRequest, stage Stage) (Input, error) {
	in := Input{
		RunID:       req.RunID,
		UserID:      req.UserID,
		Predecessor: strings.TrimSpace(stage.Predecessor()),
	}
	if in.Predecessor == "" {
		return in, nil
	}
	previous, err := c.store.Latest(ctx, req.RunID, in.Predecessor)
	switch {
	case errors.Is(err, core.ErrArtifactNotFound):
		in.Degraded = true
		in.DegradedReason = fmt.Sprintf("predecessor %q has no artifact", in.Predecessor)
	case err != nil:
		return Input{}, err
	case !previous.Complete():
		in.Degraded = true
		in.DegradedReason = fmt.Sprintf("predecessor %q is %s", in.Predecessor, previous.Status)
	default:
		in.Payload = previous.Clone().Payload
	}
	return in, nil
}

// Status returns the latest artifact of every stage recorded for runID.
func (c *Coordinator) Status(ctx context.Context, runID string) ([]core.Artifact, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("pipeline: run id is required")
	}
	return c.store.List(ctx, runID)
}

func (c *Coordinator) unknownStages(names []string) []string {
	known := c.StageNames()
	unknown := []string{}
	for _, name := range names {
		if !slices.Contains(known, name) {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

func (c *Coordinator) claim(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[runID]; busy {
		return false
	}
	c.active[runID] = struct{}{}
	return true
}

func (c *Coordinator) release(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, runID)
}
