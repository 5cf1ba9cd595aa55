// Package triage wires credentials, rate limiting, the Gmail gateway and the
// pipeline coordinator into one service and exposes it through go-command
// handlers.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/gateway"
	"github.com/goliatone/go-triage/pipeline"
	"github.com/goliatone/go-triage/providers/google/gmail"
	"github.com/goliatone/go-triage/ratelimit"
	"github.com/goliatone/go-triage/stages"
	"golang.org/x/sync/errgroup"
)

const defaultAuthorizationStateTTL = 10 * time.Minute

type Config = core.Config

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Dependencies are the stores and provider clients a Service runs on.
// Authorizer and Revoker are only needed for the consent and revoke flows.
type Dependencies struct {
	Credentials    core.CredentialStore
	Artifacts      core.ArtifactStore
	Processed      core.ProcessedStore
	Exchanger      core.TokenExchanger
	Authorizer     core.Authorizer
	Revoker        core.Revoker
	Transport      core.Transport
	Decider        stages.Decider
	States         core.AuthorizationStateStore
	ThrottleStates ratelimit.StateStore
	// Mailbox replaces the gateway backed Gmail client when set.
	Mailbox stages.Mailbox
	Logger  core.Logger
	Metrics core.MetricsRecorder
	Now     func() time.Time
}

type Service struct {
	cfg         Config
	deps        Dependencies
	observer    core.Observer
	refresher   *core.TokenRefresher
	gate        *ratelimit.SlidingWindowGate
	keyed       *ratelimit.KeyedGate
	gateway     *gateway.Gateway
	tracker     *stages.Tracker
	coordinator *pipeline.Coordinator
	profiles    mailboxProfiles
	now         func() time.Time
}

// mailboxProfiles reports which address an authorized credential reads.
type mailboxProfiles interface {
	Profile(ctx context.Context, userID string) (gmail.Profile, error)
}

func New(cfg Config, deps Dependencies) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Credentials == nil:
		return nil, fmt.Errorf("triage: credential store is required")
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("triage: artifact store is required")
	case deps.Processed == nil:
		return nil, fmt.Errorf("triage: processed store is required")
	case deps.Exchanger == nil:
		return nil, fmt.Errorf("triage: token exchanger is required")
	case deps.Decider == nil:
		return nil, fmt.Errorf("triage: decider is required")
	case deps.Transport == nil && deps.Mailbox == nil:
		return nil, fmt.Errorf("triage: transport is required")
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if deps.States == nil {
		deps.States = core.NewMemoryAuthorizationStateStore(defaultAuthorizationStateTTL)
	}
	if deps.Metrics == nil {
		deps.Metrics = core.NopMetricsRecorder{}
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		observer: core.NewObserver(cfg.ServiceName, deps.Logger, deps.Metrics),
		now:      now,
	}

	refresher, err := core.NewTokenRefresher(deps.Credentials, deps.Exchanger,
		core.WithRefreshMargin(cfg.Refresh.Margin),
		core.WithRefreshMaxAttempts(cfg.Refresh.MaxAttempts),
		core.WithRefreshBackoff(core.ExponentialBackoffScheduler{
			Initial: cfg.Refresh.InitialBackoff,
			Max:     cfg.Refresh.MaxBackoff,
		}),
		core.WithRefresherClock(now),
		core.WithRefresherObserver(s.observer),
	)
	if err != nil {
		return nil, err
	}
	s.refresher = refresher

	s.gate, err = ratelimit.NewSlidingWindowGate(cfg.RateLimit.Limit, cfg.RateLimit.Window,
		ratelimit.WithClock(now),
		ratelimit.WithUsageThreshold(cfg.RateLimit.UsageThreshold),
	)
	if err != nil {
		return nil, err
	}
	var limiter ratelimit.Limiter = s.gate
	if cfg.RateLimit.PerUserLimit > 0 {
		s.keyed = ratelimit.NewKeyedGate(s.gate, cfg.RateLimit.PerUserLimit, ratelimit.WithClock(now))
		limiter = s.keyed
	}

	mailbox := deps.Mailbox
	if deps.Transport != nil {
		gwOpts := []gateway.Option{
			gateway.WithConfig(gateway.ConfigFrom(cfg)),
			gateway.WithCostTable(ratelimit.DefaultCostTable().WithOverrides(cfg.RateLimit.Costs)),
			gateway.WithClock(now),
			gateway.WithObserver(s.observer),
		}
		if deps.ThrottleStates != nil {
			gwOpts = append(gwOpts, gateway.WithThrottlePolicy(ratelimit.NewAdaptivePolicy(deps.ThrottleStates)))
		}
		s.gateway, err = gateway.New(refresher, limiter, deps.Transport, gwOpts...)
		if err != nil {
			return nil, err
		}
		if mailbox == nil {
			client, err := gmail.NewClient(s.gateway, gmail.WithClock(now))
			if err != nil {
				return nil, err
			}
			mailbox = client
		}
	}
	if profiles, ok := mailbox.(mailboxProfiles); ok {
		s.profiles = profiles
	}

	s.tracker, err = stages.NewTracker(deps.Processed, now)
	if err != nil {
		return nil, err
	}
	steps, err := stages.New(mailbox, deps.Decider, s.tracker,
		stages.WithConfig(stages.ConfigFromGmail(cfg.Gmail)),
		stages.WithObserver(s.observer),
		stages.WithClock(now),
	)
	if err != nil {
		return nil, err
	}

	artifacts := deps.Artifacts
	if cfg.Pipeline.CacheSize > 0 {
		artifacts, err = pipeline.NewCachedArtifactStore(deps.Artifacts, cfg.Pipeline.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	s.coordinator, err = pipeline.NewCoordinator(artifacts, steps.Stages(),
		pipeline.WithObserver(s.observer),
		pipeline.WithClock(now),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Config() Config {
	return s.cfg
}

// Refresher exposes credential state for status displays.
func (s *Service) Refresher() *core.TokenRefresher {
	return s.refresher
}

func (s *Service) StageNames() []string {
	return s.coordinator.StageNames()
}

// BeginAuthorization starts consent for userID. Empty scopes fall back to the
// configured OAuth scopes.
func (s *Service) BeginAuthorization(ctx context.Context, userID string, scopes []string) (core.AuthorizationStart, error) {
	if len(scopes) == 0 {
		scopes = s.cfg.OAuth.Scopes
	}
	consentURL, record, err := core.BeginAuthorization(ctx, s.deps.Authorizer, s.deps.States, userID, scopes)
	if err != nil {
		return core.AuthorizationStart{}, err
	}
	return core.AuthorizationStart{
		UserID: record.UserID,
		URL:    consentURL,
		State:  record.State,
		Scopes: record.Scopes,
	}, nil
}

// CompleteAuthorization stores the granted credential and, when the mailbox
// can report its profile, reads it with the new credential. An address shaped
// user id must match the profile address; otherwise the credential is
// removed again and an identity mismatch error is returned.
func (s *Service) CompleteAuthorization(ctx context.Context, state string, code string) (credential core.Credential, err error) {
	startedAt := s.now()
	fields := map[string]any{}
	defer func() {
		s.observer.Operation(ctx, startedAt, "authorization_complete", err, fields)
	}()
	credential, err = core.CompleteAuthorization(ctx, s.deps.Authorizer, s.deps.States, s.deps.Credentials, state, code)
	if err != nil {
		return core.Credential{}, err
	}
	fields["user_id"] = credential.UserID
	if s.profiles == nil {
		return credential, nil
	}
	address, err := s.confirmMailbox(ctx, credential.UserID)
	if err != nil {
		if delErr := s.deps.Credentials.Delete(context.WithoutCancel(ctx), credential.UserID); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return core.Credential{}, err
	}
	fields["mailbox"] = address
	return credential, nil
}

func (s *Service) confirmMailbox(ctx context.Context, userID string) (string, error) {
	profile, err := s.profiles.Profile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("triage: read mailbox profile for %s: %w", userID, err)
	}
	address := strings.TrimSpace(profile.EmailAddress)
	if strings.Contains(userID, "@") && !strings.EqualFold(address, userID) {
		return "", core.IdentityMismatchError(userID, address)
	}
	return address, nil
}

// Run executes the pipeline for one identity or, with All, for every stored
// identity using at most Pipeline.MaxConcurrentRuns runs at a time. A failing
// identity does not stop the others; their errors are joined.
//
// Every invocation starts a new run unless req.RunID names an earlier one,
// in which case that run resumes at its first incomplete stage.
func (s *Service) Run(ctx context.Context, req core.RunRequest) ([]pipeline.RunReport, error) {
	if !req.All {
		userID, err := core.ResolveIdentity(ctx, s.deps.Credentials, req.UserID)
		if err != nil {
			return nil, err
		}
		report, err := s.coordinator.Run(ctx, pipeline.RunRequest{RunID: req.RunID, UserID: userID, Stages: req.Stages})
		return []pipeline.RunReport{report}, err
	}

	users, err := s.deps.Credentials.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, core.NotFoundError("", nil)
	}

	reports := make([]pipeline.RunReport, len(users))
	var (
		mu   sync.Mutex
		errs []error
	)
	var group errgroup.Group
	group.SetLimit(max(s.cfg.Pipeline.MaxConcurrentRuns, 1))
	for i, userID := range users {
		group.Go(func() error {
			report, runErr := s.coordinator.Run(ctx, pipeline.RunRequest{UserID: userID, Stages: req.Stages})
			reports[i] = report
			if runErr != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("triage: run for %s: %w", userID, runErr))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return reports, errors.Join(errs...)
}

// Revoke invalidates the grant upstream when possible and always removes the
// local credential.
func (s *Service) Revoke(ctx context.Context, userID string) (err error) {
	startedAt := s.now()
	defer func() {
		s.observer.Operation(ctx, startedAt, "credential_revoke", err, map[string]any{"user_id": userID})
	}()
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("triage: user id is required")
	}
	credential, err := s.deps.Credentials.Load(ctx, userID)
	if err != nil {
		return err
	}
	if s.deps.Revoker != nil {
		if revokeErr := s.deps.Revoker.Revoke(ctx, credential); revokeErr != nil {
			s.observer.Log(ctx, "warn", "upstream revoke failed", map[string]any{
				"user_id": userID,
				"error":   revokeErr.Error(),
			})
		}
	}
	return s.deps.Credentials.Delete(ctx, userID)
}

func (s *Service) PurgeCorrupted(ctx context.Context) (removed int, err error) {
	startedAt := s.now()
	defer func() {
		s.observer.Operation(ctx, startedAt, "credential_purge", err, map[string]any{"removed": removed})
	}()
	return s.deps.Credentials.PurgeCorrupted(ctx)
}

// RefreshAll renews every stored credential that is inside the refresh
// margin. Per identity failures are reported in the outcomes.
func (s *Service) RefreshAll(ctx context.Context) ([]core.RefreshOutcome, error) {
	users, err := s.deps.Credentials.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]core.RefreshOutcome, 0, len(users))
	for _, userID := range users {
		outcome := core.RefreshOutcome{UserID: userID}
		credential, err := s.refresher.Current(ctx, userID)
		if err != nil {
			outcome.Error = core.UserMessage(err)
		} else {
			outcome.ExpiresAt = credential.ExpiresAt
		}
		outcome.State = s.refresher.State(userID)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *Service) ResetProcessed(ctx context.Context, userID string) error {
	return s.tracker.Reset(ctx, userID)
}

func (s *Service) Users(ctx context.Context) ([]string, error) {
	return s.deps.Credentials.ListUsers(ctx)
}

func (s *Service) RunStatus(ctx context.Context, runID string) ([]core.Artifact, error) {
	return s.coordinator.Status(ctx, runID)
}

// Usage reads the per-user window when one is configured and userID is set,
// otherwise the global window.
func (s *Service) Usage(_ context.Context, userID string) (ratelimit.Usage, error) {
	if s.keyed != nil && strings.TrimSpace(userID) != "" {
		return s.keyed.UsageFor(userID), nil
	}
	return s.gate.Usage(), nil
}

func (s *Service) ProcessedStats(ctx context.Context, userID string) (core.ProcessedStats, error) {
	return s.tracker.Stats(ctx, userID)
}
