package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/goliatone/go-triage/adapters/gocommand"
	"github.com/goliatone/go-triage/adapters/gojob"
	"github.com/goliatone/go-triage/adapters/gologger"
	triagecommand "github.com/goliatone/go-triage/command"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/maintenance"
	"github.com/goliatone/go-triage/pipeline"
	triagequery "github.com/goliatone/go-triage/query"
	"github.com/goliatone/go-triage/ratelimit"
	"golang.org/x/sync/errgroup"
)

type RunCmd struct {
	User   string   `help:"Identity to triage." env:"TRIAGE_USER_ID"`
	All    bool     `help:"Triage every stored identity."`
	RunID  string   `name:"run-id" help:"Run id to resume. A new run is started when omitted."`
	Stages []string `name:"stage" help:"Only execute these stages."`
}

func (c *RunCmd) Run(ctx context.Context, a *app) error {
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	req := core.RunRequest{UserID: c.User, All: c.All, RunID: c.RunID, Stages: c.Stages}
	if c.All {
		req.UserID = ""
	}
	reports, err := gocommand.DispatchResult[triagecommand.RunPipelineMessage, []pipeline.RunReport](ctx,
		triagecommand.RunPipelineMessage{Request: req},
	)
	for _, report := range reports {
		printRunReport(a.out, report)
	}
	return err
}

type AuthorizeCmd struct {
	User   string   `help:"Gmail address to authorize." env:"TRIAGE_USER_ID" required:""`
	Code   string   `help:"Authorization code. Prompted for when omitted."`
	Scopes []string `name:"scope" help:"OAuth scopes to request."`
}

func (c *AuthorizeCmd) Run(ctx context.Context, a *app) error {
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	start, err := gocommand.DispatchResult[triagecommand.BeginAuthorizationMessage, core.AuthorizationStart](ctx,
		triagecommand.BeginAuthorizationMessage{UserID: c.User, Scopes: c.Scopes},
	)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, titleStyle.Render("Open this URL and grant access:"))
	fmt.Fprintln(a.out, start.URL)

	code := strings.TrimSpace(c.Code)
	if code == "" {
		if code, err = promptCode(); err != nil {
			return err
		}
	}
	credential, err := gocommand.DispatchResult[triagecommand.CompleteAuthorizationMessage, core.Credential](ctx,
		triagecommand.CompleteAuthorizationMessage{State: start.State, Code: code},
	)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s %s\n", okStyle.Render("authorized"), credential.UserID,
		dimStyle.Render("token expires "+credential.ExpiresAt.Local().Format(time.DateTime)))
	return nil
}

func promptCode() (string, error) {
	var code string
	err := huh.NewInput().
		Title("Authorization code").
		Value(&code).
		Validate(func(value string) error {
			if strings.TrimSpace(value) == "" {
				return errors.New("code is required")
			}
			return nil
		}).
		Run()
	return strings.TrimSpace(code), err
}

type UsersCmd struct{}

func (c *UsersCmd) Run(ctx context.Context, a *app) error {
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	users, err := gocommand.Query[triagequery.ListUsersMessage, []string](ctx, triagequery.ListUsersMessage{})
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(a.out, dimStyle.Render("no stored identities; run `triage authorize --user <email>`"))
		return nil
	}
	for _, userID := range users {
		fmt.Fprintln(a.out, userID)
	}
	return nil
}

type PurgeCmd struct{}

func (c *PurgeCmd) Run(ctx context.Context, a *app) error {
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	removed, err := gocommand.DispatchResult[triagecommand.PurgeCorruptedMessage, int](ctx, triagecommand.PurgeCorruptedMessage{})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "removed %d corrupted credential record(s)\n", removed)
	return nil
}

type RevokeCmd struct {
	User string `help:"Identity to revoke." env:"TRIAGE_USER_ID" required:""`
}

func (c *RevokeCmd) Run(ctx context.Context, a *app) error {
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	if err := gocommand.Dispatch(ctx, triagecommand.RevokeMessage{UserID: c.User}); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s\n", okStyle.Render("revoked"), c.User)
	return nil
}

type RefreshCmd struct{}

func (c *RefreshCmd) Run(ctx context.Context, a *app) error {
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	outcomes, err := gocommand.DispatchResult[triagecommand.RefreshAllMessage, []core.RefreshOutcome](ctx, triagecommand.RefreshAllMessage{})
	if err != nil {
		return err
	}
	printRefreshOutcomes(a.out, outcomes)
	return nil
}

type ResetCmd struct {
	User string `help:"Identity whose processed history is cleared." env:"TRIAGE_USER_ID" required:""`
	Yes  bool   `short:"y" help:"Skip the confirmation prompt."`
}

func (c *ResetCmd) Run(ctx context.Context, a *app) error {
	if !c.Yes {
		confirmed := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Forget every processed message for %s?", c.User)).
			Value(&confirmed).
			Run()
		if err != nil {
			return err
		}
		if !confirmed {
			return nil
		}
	}
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	return gocommand.Dispatch(ctx, triagecommand.ResetProcessedMessage{UserID: c.User})
}

type StatusCmd struct {
	RunID string `name:"run" help:"Run id printed by the run command." required:""`
}

func (c *StatusCmd) Run(ctx context.Context, a *app) error {
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	artifacts, err := gocommand.Query[triagequery.RunStatusMessage, []core.Artifact](ctx, triagequery.RunStatusMessage{RunID: c.RunID})
	if err != nil {
		return err
	}
	printArtifacts(a.out, c.RunID, artifacts)
	return nil
}

type UsageCmd struct {
	User string `help:"Identity to report. Defaults to every stored identity." env:"TRIAGE_USER_ID"`
}

func (c *UsageCmd) Run(ctx context.Context, a *app) error {
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	usage, err := gocommand.Query[triagequery.UsageMessage, ratelimit.Usage](ctx, triagequery.UsageMessage{UserID: c.User})
	if err != nil {
		return err
	}
	printUsage(a.out, "quota", usage)

	users := []string{c.User}
	if c.User == "" {
		if users, err = gocommand.Query[triagequery.ListUsersMessage, []string](ctx, triagequery.ListUsersMessage{}); err != nil {
			return err
		}
	}
	for _, userID := range users {
		stats, err := gocommand.Query[triagequery.ProcessedStatsMessage, core.ProcessedStats](ctx, triagequery.ProcessedStatsMessage{UserID: userID})
		if err != nil {
			return err
		}
		printStats(a.out, userID, stats)
	}
	return nil
}

type WorkerCmd struct {
	Tick time.Duration `help:"How often schedules are checked." default:"1m"`
}

// Run drives the maintenance jobs in process until interrupted.
func (c *WorkerCmd) Run(ctx context.Context, a *app) error {
	if err := a.open(ctx, core.Config{}); err != nil {
		return err
	}
	_, logger := gologger.Resolve("maintenance", a.logger, nil)
	observer := core.NewObserver(a.cfg.ServiceName+".maintenance", logger, nil)
	queue := maintenance.NewMemoryQueue()
	scheduler, err := maintenance.NewScheduler(queue, maintenance.SchedulesFromConfig(a.cfg.Maintenance), observer)
	if err != nil {
		return err
	}
	runner, err := maintenance.NewRunner(a.service, maintenance.WithRunnerObserver(observer))
	if err != nil {
		return err
	}
	jobLog := gologger.ForJob("maintenance.worker", a.logger, nil).Logger
	worker, err := maintenance.NewWorker(queue, runner,
		maintenance.WithRetryPolicy(gojob.RetryPolicy{
			MaxAttempts: a.cfg.Maintenance.MaxAttempts,
			Initial:     a.cfg.Gateway.InitialBackoff,
			Max:         a.cfg.Gateway.MaxBackoff,
		}),
		maintenance.WithWorkerHooks(maintenance.NewLogHook(observer)),
		maintenance.WithWorkerLogger(jobLog),
	)
	if err != nil {
		return err
	}

	jobLog.Info("maintenance worker started", "tick", c.Tick.String(), "max_attempts", a.cfg.Maintenance.MaxAttempts)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return scheduler.Run(ctx, c.Tick) })
	group.Go(func() error { return worker.Run(ctx) })
	return group.Wait()
}
