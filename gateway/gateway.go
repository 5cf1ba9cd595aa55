package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/ratelimit"
	"github.com/goliatone/go-triage/transport"
)

// CredentialSource yields usable credentials. *core.TokenRefresher satisfies it.
type CredentialSource interface {
	Current(ctx context.Context, userID string) (core.Credential, error)
	ForceRefresh(ctx context.Context, userID string, staleToken string) (core.Credential, error)
}

type Request struct {
	// Operation names the call in logs and errors, for example "messages.list".
	Operation string
	Kind      ratelimit.RequestKind
	Method    string
	// URL is absolute or a path joined onto Config.BaseURL.
	URL     string
	Query   map[string]string
	Headers map[string]string
	Body    []byte
}

type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Result is the classified end state of one logical call.
type Result struct {
	Outcome  Outcome
	Response Response
	Err      error
	Attempts int
}

type Config struct {
	BaseURL        string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     32 * time.Second,
		MaxElapsed:     2 * time.Minute,
		RequestTimeout: 30 * time.Second,
	}
}

// ConfigFrom converts the gateway section of the service config.
func ConfigFrom(cfg core.Config) Config {
	return Config{
		BaseURL:        cfg.Gmail.BaseURL,
		MaxRetries:     cfg.Gateway.MaxRetries,
		InitialBackoff: cfg.Gateway.InitialBackoff,
		MaxBackoff:     cfg.Gateway.MaxBackoff,
		MaxElapsed:     cfg.Gateway.MaxElapsed,
		RequestTimeout: cfg.Gateway.RequestTimeout,
	}
}

type Option func(*Gateway)

func WithConfig(cfg Config) Option {
	return func(g *Gateway) {
		defaults := DefaultConfig()
		if cfg.MaxRetries < 0 {
			cfg.MaxRetries = 0
		}
		if cfg.InitialBackoff <= 0 {
			cfg.InitialBackoff = defaults.InitialBackoff
		}
		if cfg.MaxBackoff <= 0 {
			cfg.MaxBackoff = defaults.MaxBackoff
		}
		if cfg.MaxElapsed <= 0 {
			cfg.MaxElapsed = defaults.MaxElapsed
		}
		g.cfg = cfg
	}
}

func WithCostTable(costs ratelimit.CostTable) Option {
	return func(g *Gateway) {
		if len(costs) > 0 {
			g.costs = costs
		}
	}
}

// WithThrottlePolicy remembers provider throttling between calls.
func WithThrottlePolicy(policy *ratelimit.AdaptivePolicy) Option {
	return func(g *Gateway) {
		g.policy = policy
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func WithSleeper(sleep func(ctx context.Context, delay time.Duration) error) Option {
	return func(g *Gateway) {
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

// WithJitter replaces the full-jitter draw applied to each backoff ceiling.
func WithJitter(jitter func(ceiling time.Duration) time.Duration) Option {
	return func(g *Gateway) {
		if jitter != nil {
			g.jitter = jitter
		}
	}
}

func WithObserver(observer core.Observer) Option {
	return func(g *Gateway) {
		g.observer = observer
	}
}

// Gateway mediates every outbound provider call: it attaches credentials,
// charges the rate limiter per attempt and classifies responses so callers
// only ever see taxonomy errors.
type Gateway struct {
	credentials CredentialSource
	limiter     ratelimit.Limiter
	transport   core.Transport
	costs       ratelimit.CostTable
	policy      *ratelimit.AdaptivePolicy
	cfg         Config
	now         func() time.Time
	sleep       func(ctx context.Context, delay time.Duration) error
	jitter      func(ceiling time.Duration) time.Duration
	observer    core.Observer
}

func New(credentials CredentialSource, limiter ratelimit.Limiter, tr core.Transport, opts ...Option) (*Gateway, error) {
	if credentials == nil {
		return nil, fmt.Errorf("gateway: credential source is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("gateway: rate limiter is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("gateway: transport is required")
	}
	g := &Gateway{
		credentials: credentials,
		limiter:     limiter,
		transport:   tr,
		costs:       ratelimit.DefaultCostTable(),
		cfg:         DefaultConfig(),
		now:         time.Now,
		sleep:       sleepWithContext,
		jitter:      fullJitter,
		observer:    core.NewObserver("triage", nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Call is Do for callers that only need the response or a taxonomy error.
func (g *Gateway) Call(ctx context.Context, userID string, req Request) (Response, error) {
	result := g.Do(ctx, userID, req)
	return result.Response, result.Err
}

// Do sends req for userID and retries retryable outcomes with jittered
// exponential backoff, bounded by MaxRetries and MaxElapsed. A Retry-After
// header replaces the backoff delay for that retry. When the advised delay
// would pass the MaxElapsed deadline, Do returns a TransientFailure at once
// instead of waiting, even on the first attempt.
func (g *Gateway) Do(ctx context.Context, userID string, req Request) (result Result) {
	startedAt := g.now()
	operation := strings.TrimSpace(req.Operation)
	if operation == "" {
		operation = strings.TrimSpace(strings.ToUpper(req.Method) + " " + req.URL)
	}
	defer func() {
		g.observer.Operation(ctx, startedAt, "gateway_call", result.Err, map[string]any{
			"user_id":      userID,
			"operation":    operation,
			"request_kind": string(req.Kind),
			"attempts":     result.Attempts,
			"outcome":      string(result.Outcome),
			"status_code":  result.Response.StatusCode,
		})
	}()

	credential, err := g.credentials.Current(ctx, userID)
	if err != nil {
		return credentialFailure(err, 0)
	}

	cost := g.costs.Cost(req.Kind)
	deadline := startedAt.Add(g.cfg.MaxElapsed)
	forcedRefresh := false
	attempts := 0
	retries := 0
	var lastErr error

	for {
		if err := g.waitForThrottle(ctx, userID, deadline); err != nil {
			return exhausted(operation, attempts, errors.Join(lastErr, err))
		}
		if err := g.limiter.AcquireFor(ctx, userID, cost); err != nil {
			if errors.Is(err, ratelimit.ErrCostExceedsLimit) || errors.Is(err, ratelimit.ErrInvalidCost) {
				return Result{Outcome: OutcomeFatal, Attempts: attempts, Err: core.FatalRequestError(operation, 0, err)}
			}
			return exhausted(operation, attempts, errors.Join(lastErr, err))
		}

		attempts++
		res, err := g.transport.Do(ctx, g.transportRequest(req, credential))
		if err != nil {
			if !transport.IsRetryable(err) {
				return Result{Outcome: OutcomeFatal, Attempts: attempts, Err: core.FatalRequestError(operation, 0, err)}
			}
			lastErr = err
		} else {
			g.recordResponse(ctx, userID, res)
			response := Response{StatusCode: res.StatusCode, Headers: res.Headers, Body: res.Body}
			outcome, statusErr := classifyStatus(res)
			switch outcome {
			case OutcomeSuccess:
				return Result{Outcome: OutcomeSuccess, Response: response, Attempts: attempts}
			case OutcomeFatal:
				return Result{Outcome: OutcomeFatal, Response: response, Attempts: attempts, Err: core.FatalRequestError(operation, res.StatusCode, statusErr)}
			case OutcomeReauth:
				if forcedRefresh {
					return Result{Outcome: OutcomeReauth, Response: response, Attempts: attempts, Err: core.NeedsReauthorizationError(userID, statusErr)}
				}
				forcedRefresh = true
				refreshed, refreshErr := g.credentials.ForceRefresh(ctx, userID, credential.AccessToken)
				if refreshErr != nil {
					failure := credentialFailure(refreshErr, attempts)
					failure.Response = response
					return failure
				}
				credential = refreshed
				continue
			}
			lastErr = statusErr
			if retryAfter, ok := ratelimit.ParseRetryAfter(res.Headers, g.now()); ok {
				if retries >= g.cfg.MaxRetries {
					return exhausted(operation, attempts, lastErr)
				}
				retries++
				if !g.wait(ctx, retryAfter, deadline) {
					return exhausted(operation, attempts, lastErr)
				}
				continue
			}
		}

		if retries >= g.cfg.MaxRetries {
			return exhausted(operation, attempts, lastErr)
		}
		retries++
		if !g.wait(ctx, g.jitter(g.backoffCeiling(retries)), deadline) {
			return exhausted(operation, attempts, lastErr)
		}
	}
}

func (g *Gateway) transportRequest(req Request, credential core.Credential) core.TransportRequest {
	headers := make(map[string]string, len(req.Headers)+1)
	for key, value := range req.Headers {
		headers[key] = value
	}
	tokenType := strings.TrimSpace(credential.TokenType)
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	headers["Authorization"] = tokenType + " " + credential.AccessToken

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	return core.TransportRequest{
		Method:  method,
		URL:     g.resolveURL(req.URL),
		Headers: headers,
		Query:   req.Query,
		Body:    req.Body,
		Timeout: g.cfg.RequestTimeout,
	}
}

func (g *Gateway) resolveURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	base := strings.TrimRight(strings.TrimSpace(g.cfg.BaseURL), "/")
	if base == "" {
		return raw
	}
	return base + "/" + strings.TrimLeft(raw, "/")
}

func (g *Gateway) recordResponse(ctx context.Context, userID string, res core.TransportResponse) {
	if g.policy == nil {
		return
	}
	meta := ratelimit.ResponseMeta{
		StatusCode:    res.StatusCode,
		Headers:       res.Headers,
		QuotaExceeded: res.StatusCode == http.StatusForbidden && isQuotaRejection(res),
	}
	if err := g.policy.AfterCall(ctx, userID, meta); err != nil {
		g.observer.Log(ctx, "warn", "record throttle state failed", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

// waitForThrottle honors a throttle window remembered from earlier calls.
func (g *Gateway) waitForThrottle(ctx context.Context, userID string, deadline time.Time) error {
	if g.policy == nil {
		return nil
	}
	err := g.policy.BeforeCall(ctx, userID)
	var throttled ratelimit.ThrottledError
	if !errors.As(err, &throttled) {
		return nil
	}
	if !g.wait(ctx, throttled.RetryAfter, deadline) {
		return throttled.ToServiceError()
	}
	return nil
}

// wait sleeps for delay unless that would pass deadline or ctx ends first.
func (g *Gateway) wait(ctx context.Context, delay time.Duration, deadline time.Time) bool {
	if g.now().Add(delay).After(deadline) {
		return false
	}
	return g.sleep(ctx, delay) == nil
}

func (g *Gateway) backoffCeiling(retry int) time.Duration {
	delay := g.cfg.InitialBackoff
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= g.cfg.MaxBackoff {
			return g.cfg.MaxBackoff
		}
	}
	if delay > g.cfg.MaxBackoff {
		return g.cfg.MaxBackoff
	}
	return delay
}

func credentialFailure(err error, attempts int) Result {
	switch core.KindOf(err) {
	case core.KindNeedsReauthorization, core.KindNotFound:
		return Result{Outcome: OutcomeReauth, Attempts: attempts, Err: err}
	case core.KindTransientFailure:
		return Result{Outcome: OutcomeRetryable, Attempts: attempts, Err: err}
	default:
		return Result{Outcome: OutcomeFatal, Attempts: attempts, Err: err}
	}
}

func exhausted(operation string, attempts int, cause error) Result {
	return Result{
		Outcome:  OutcomeRetryable,
		Attempts: attempts,
		Err:      core.TransientFailureError(operation, attempts, cause),
	}
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
