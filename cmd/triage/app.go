package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/goliatone/go-command"
	glog "github.com/goliatone/go-logger/glog"
	triage "github.com/goliatone/go-triage"
	"github.com/goliatone/go-triage/adapters/gocommand"
	"github.com/goliatone/go-triage/adapters/gologger"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/providers/google/gmail"
	"github.com/goliatone/go-triage/stages"
	"github.com/goliatone/go-triage/stages/gemini"
	"github.com/goliatone/go-triage/transport"
)

// app owns the process wide wiring. It is opened lazily by the commands that
// need the service and closed by main.
type app struct {
	configPath string
	logLevel   string
	out        io.Writer
	errOut     io.Writer

	cfg      core.Config
	logger   *glog.BaseLogger
	backends *backends
	service  *triage.Service
	bus      *gocommand.Bus
}

func (a *app) open(ctx context.Context, runtime core.Config) error {
	if a.service != nil {
		return nil
	}
	if strings.TrimSpace(a.logLevel) != "" {
		runtime.Logging.Level = a.logLevel
	}
	cfg, err := loadConfig(ctx, a.configPath, runtime)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = gologger.NewLogger(a.errOut, cfg.ServiceName, cfg.Logging.Level, cfg.Logging.Format)

	storeObserver := core.NewObserver(cfg.ServiceName+".store", a.logger.GetLogger("store"), nil)
	a.backends, err = openBackends(ctx, cfg, storeObserver)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.Gateway.RequestTimeout}
	oauth, err := gmail.NewOAuth2Client(cfg.OAuth, gmail.WithHTTPClient(httpClient))
	if err != nil {
		return err
	}

	service, err := triage.New(cfg, triage.Dependencies{
		Credentials:    a.backends.credentials,
		Artifacts:      a.backends.artifacts,
		Processed:      a.backends.processed,
		Exchanger:      oauth,
		Authorizer:     oauth,
		Revoker:        oauth,
		Transport:      transport.NewRESTAdapter(httpClient),
		Decider:        a.decider(ctx, cfg),
		ThrottleStates: a.backends.throttle,
		Logger:         a.logger.GetLogger("service"),
	})
	if err != nil {
		return err
	}
	facade, err := triage.NewFacade(service)
	if err != nil {
		return err
	}
	a.bus = gocommand.NewBus(command.NewRegistry())
	if err := gocommand.Mount(a.bus, facade); err != nil {
		return err
	}
	if err := a.bus.Start(); err != nil {
		return err
	}
	a.service = service
	return nil
}

// decider prefers Gemini and falls back to the rule based decider when no
// API key is available.
func (a *app) decider(ctx context.Context, cfg core.Config) stages.Decider {
	if strings.TrimSpace(os.Getenv("GEMINI_API_KEY")) == "" {
		a.logger.Warn("GEMINI_API_KEY not set, using static rules for decisions")
		return stages.DefaultStaticDecider()
	}
	client, err := gemini.NewClient(ctx, "", cfg.Gemini.Model)
	if err != nil {
		a.logger.Warn("gemini client unavailable, using static rules", "error", err)
		return stages.DefaultStaticDecider()
	}
	prompts, err := loadPrompts(cfg.Gemini.PromptsFile)
	if err != nil {
		a.logger.Warn("prompts file unreadable, using default prompts", "error", err)
		prompts = gemini.DefaultPrompts()
	}
	decider, err := gemini.NewDecider(client, prompts)
	if err != nil {
		a.logger.Warn("gemini decider unavailable, using static rules", "error", err)
		return stages.DefaultStaticDecider()
	}
	return decider
}

func loadPrompts(path string) (gemini.Prompts, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return gemini.DefaultPrompts(), nil
	}
	return gemini.LoadPrompts(path)
}

func (a *app) Close() error {
	a.bus.Close()
	if a.backends == nil {
		return nil
	}
	if err := a.backends.Close(); err != nil {
		return fmt.Errorf("triage: close storage: %w", err)
	}
	return nil
}
