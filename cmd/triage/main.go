// Command triage triages Gmail inboxes: it fetches unread mail, asks a
// decider how to categorize, organize, answer and clean it up, and applies
// the decisions through the rate limited Gmail gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

type CLI struct {
	Config   string `short:"c" help:"Path to the YAML config file (default triage.yaml)." type:"path" env:"TRIAGE_CONFIG"`
	LogLevel string `help:"Log level: trace, debug, info, warn or error." env:"TRIAGE_LOG_LEVEL"`

	Run       RunCmd       `cmd:"" help:"Triage the inbox of one or every stored identity."`
	Authorize AuthorizeCmd `cmd:"" help:"Grant access to a Gmail account."`
	Users     UsersCmd     `cmd:"" help:"List stored identities."`
	Purge     PurgeCmd     `cmd:"" help:"Remove corrupted credential records."`
	Revoke    RevokeCmd    `cmd:"" help:"Revoke and delete a stored credential."`
	Refresh   RefreshCmd   `cmd:"" help:"Renew tokens that are close to expiry."`
	Reset     ResetCmd     `cmd:"" help:"Forget the processed history of an identity."`
	Status    StatusCmd    `cmd:"" help:"Show the stage artifacts of a run."`
	Usage     UsageCmd     `cmd:"" help:"Show API quota usage and processed message stats."`
	Worker    WorkerCmd    `cmd:"" help:"Run scheduled maintenance until interrupted."`
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("triage"),
		kong.Description("Inbox triage over the Gmail API."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	a := &app{
		configPath: cli.Config,
		logLevel:   cli.LogLevel,
		out:        os.Stdout,
		errOut:     os.Stderr,
	}
	err := kctx.Run(a)
	if closeErr := a.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		printError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
