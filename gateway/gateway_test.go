package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/ratelimit"
	"github.com/goliatone/go-triage/transport"
)

type scriptedResponse struct {
	status  int
	headers map[string]string
	body    string
}

// scriptedServer replays responses in order and repeats the last one.
func scriptedServer(t *testing.T, responses ...scriptedResponse) (*httptest.Server, *atomic.Int32, *[]string) {
	t.Helper()
	var hits atomic.Int32
	var mu sync.Mutex
	var tokens []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		index := int(hits.Add(1)) - 1
		if index >= len(responses) {
			index = len(responses) - 1
		}
		mu.Lock()
		tokens = append(tokens, r.Header.Get("Authorization"))
		mu.Unlock()
		response := responses[index]
		for key, value := range response.headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(response.status)
		_, _ = w.Write([]byte(response.body))
	}))
	t.Cleanup(server.Close)
	return server, &hits, &tokens
}

type stubCredentials struct {
	mu         sync.Mutex
	credential core.Credential
	currentErr error
	refreshErr error
	refreshes  int
}

func (s *stubCredentials) Current(context.Context, string) (core.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentErr != nil {
		return core.Credential{}, s.currentErr
	}
	return s.credential, nil
}

func (s *stubCredentials) ForceRefresh(_ context.Context, _ string, staleToken string) (core.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.refreshErr != nil {
		return core.Credential{}, s.refreshErr
	}
	if staleToken == s.credential.AccessToken {
		s.credential.AccessToken = "fresh-token"
	}
	return s.credential, nil
}

type recordingLimiter struct {
	mu    sync.Mutex
	costs []int
	err   error
}

func (l *recordingLimiter) AcquireFor(_ context.Context, _ string, cost int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.costs = append(l.costs, cost)
	return nil
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, delay)
	return ctx.Err()
}

type harness struct {
	gateway     *Gateway
	credentials *stubCredentials
	limiter     *recordingLimiter
	sleeper     *recordingSleeper
}

func newHarness(t *testing.T, server *httptest.Server, opts ...Option) harness {
	t.Helper()
	h := harness{
		credentials: &stubCredentials{credential: core.Credential{
			UserID:      "alice@example.com",
			AccessToken: "stale-token",
			ExpiresAt:   time.Now().Add(time.Hour),
		}},
		limiter: &recordingLimiter{},
		sleeper: &recordingSleeper{},
	}
	base := []Option{
		WithConfig(Config{BaseURL: server.URL, MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: 32 * time.Second, MaxElapsed: 10 * time.Minute}),
		WithSleeper(h.sleeper.Sleep),
		WithJitter(func(ceiling time.Duration) time.Duration { return ceiling }),
	}
	gw, err := New(h.credentials, h.limiter, transport.NewRESTAdapter(server.Client()), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	h.gateway = gw
	return h
}

func listRequest() Request {
	return Request{Operation: "messages.list", Kind: ratelimit.KindList, Method: http.MethodGet, URL: "/gmail/v1/users/me/messages"}
}

func TestGateway_SuccessAttachesBearerAndChargesCost(t *testing.T) {
	server, hits, tokens := scriptedServer(t, scriptedResponse{status: http.StatusOK, body: `{"messages":[]}`})
	h := newHarness(t, server)

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if result.Outcome != OutcomeSuccess || result.Err != nil {
		t.Fatalf("expected success, got %s: %v", result.Outcome, result.Err)
	}
	if result.Attempts != 1 || hits.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d (hits %d)", result.Attempts, hits.Load())
	}
	if string(result.Response.Body) != `{"messages":[]}` {
		t.Fatalf("unexpected body %q", result.Response.Body)
	}
	if (*tokens)[0] != "Bearer stale-token" {
		t.Fatalf("expected bearer token, got %q", (*tokens)[0])
	}
	if len(h.limiter.costs) != 1 || h.limiter.costs[0] != 10 {
		t.Fatalf("expected list cost 10 to be charged once, got %v", h.limiter.costs)
	}
}

func TestGateway_RateLimitedRecoversWithinBudget(t *testing.T) {
	server, hits, _ := scriptedServer(t,
		scriptedResponse{status: http.StatusTooManyRequests},
		scriptedResponse{status: http.StatusTooManyRequests},
		scriptedResponse{status: http.StatusOK, body: `{}`},
	)
	h := newHarness(t, server)

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success after retries, got %s: %v", result.Outcome, result.Err)
	}
	if result.Attempts != 3 || hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.Attempts)
	}
	if len(h.limiter.costs) != 3 {
		t.Fatalf("expected budget to be re-acquired on every attempt, got %v", h.limiter.costs)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(h.sleeper.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, h.sleeper.delays)
	}
	for i := range want {
		if h.sleeper.delays[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, h.sleeper.delays)
		}
	}
}

func TestGateway_RateLimitedExhaustsIntoTransientFailure(t *testing.T) {
	server, hits, _ := scriptedServer(t, scriptedResponse{status: http.StatusTooManyRequests})
	h := newHarness(t, server)

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if result.Outcome != OutcomeRetryable {
		t.Fatalf("expected retryable outcome, got %s", result.Outcome)
	}
	if !core.IsTransient(result.Err) {
		t.Fatalf("expected transient failure, got %v", result.Err)
	}
	if result.Attempts != 6 || hits.Load() != 6 {
		t.Fatalf("expected initial attempt plus 5 retries, got %d", result.Attempts)
	}
	if len(h.sleeper.delays) != 5 {
		t.Fatalf("expected 5 backoff sleeps, got %v", h.sleeper.delays)
	}
	if last := h.sleeper.delays[4]; last != 16*time.Second {
		t.Fatalf("expected doubling backoff, got %v", h.sleeper.delays)
	}
}

func TestGateway_RetryAfterOverridesBackoff(t *testing.T) {
	server, _, _ := scriptedServer(t,
		scriptedResponse{status: http.StatusServiceUnavailable, headers: map[string]string{"Retry-After": "7"}},
		scriptedResponse{status: http.StatusOK},
	)
	h := newHarness(t, server)

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s: %v", result.Outcome, result.Err)
	}
	if len(h.sleeper.delays) != 1 || h.sleeper.delays[0] != 7*time.Second {
		t.Fatalf("expected Retry-After delay of 7s, got %v", h.sleeper.delays)
	}
}

func TestGateway_MaxElapsedStopsRetrying(t *testing.T) {
	server, hits, _ := scriptedServer(t, scriptedResponse{status: http.StatusInternalServerError})
	h := newHarness(t, server, WithConfig(Config{BaseURL: server.URL, MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: 32 * time.Second, MaxElapsed: 1500 * time.Millisecond}))

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if !core.IsTransient(result.Err) {
		t.Fatalf("expected transient failure, got %v", result.Err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected the second backoff to exceed max elapsed, got %d hits", hits.Load())
	}
}

func TestGateway_RetryAfterBeyondMaxElapsedFailsWithoutWaiting(t *testing.T) {
	server, hits, _ := scriptedServer(t,
		scriptedResponse{status: http.StatusTooManyRequests, headers: map[string]string{"Retry-After": "3600"}},
		scriptedResponse{status: http.StatusOK},
	)
	h := newHarness(t, server)

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if !core.IsTransient(result.Err) {
		t.Fatalf("expected transient failure, got %v", result.Err)
	}
	if result.Attempts != 1 || hits.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d attempts and %d hits", result.Attempts, hits.Load())
	}
	if len(h.sleeper.delays) != 0 {
		t.Fatalf("expected no sleep past the deadline, got %v", h.sleeper.delays)
	}
}

func TestGateway_UnauthorizedForcesOneRefresh(t *testing.T) {
	server, hits, tokens := scriptedServer(t,
		scriptedResponse{status: http.StatusUnauthorized},
		scriptedResponse{status: http.StatusOK},
	)
	h := newHarness(t, server)

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success after refresh, got %s: %v", result.Outcome, result.Err)
	}
	if h.credentials.refreshes != 1 || hits.Load() != 2 {
		t.Fatalf("expected one refresh and two attempts, got %d/%d", h.credentials.refreshes, hits.Load())
	}
	if (*tokens)[1] != "Bearer fresh-token" {
		t.Fatalf("expected retry with refreshed token, got %q", (*tokens)[1])
	}
	if len(h.sleeper.delays) != 0 {
		t.Fatalf("expected refresh retry without backoff, got %v", h.sleeper.delays)
	}
}

func TestGateway_RepeatedUnauthorizedNeedsReauth(t *testing.T) {
	server, hits, _ := scriptedServer(t, scriptedResponse{status: http.StatusUnauthorized})
	h := newHarness(t, server)

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if result.Outcome != OutcomeReauth || !core.IsNeedsReauthorization(result.Err) {
		t.Fatalf("expected reauth outcome, got %s: %v", result.Outcome, result.Err)
	}
	if h.credentials.refreshes != 1 || hits.Load() != 2 {
		t.Fatalf("expected exactly one forced refresh, got %d refreshes and %d hits", h.credentials.refreshes, hits.Load())
	}
}

func TestGateway_RejectedRefreshNeedsReauth(t *testing.T) {
	server, _, _ := scriptedServer(t, scriptedResponse{status: http.StatusUnauthorized})
	h := newHarness(t, server)
	h.credentials.refreshErr = core.NeedsReauthorizationError("alice@example.com", core.ErrRefreshRejected)

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if result.Outcome != OutcomeReauth {
		t.Fatalf("expected reauth outcome, got %s: %v", result.Outcome, result.Err)
	}
}

func TestGateway_ForbiddenClassification(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		outcome Outcome
	}{
		{
			name:    "rate limit reason retries",
			body:    `{"error":{"code":403,"message":"User-rate limit exceeded","errors":[{"reason":"userRateLimitExceeded","message":"User-rate limit exceeded"}]}}`,
			outcome: OutcomeSuccess,
		},
		{
			name:    "project rate limit retries",
			body:    `{"error":{"code":403,"message":"Rate Limit Exceeded","errors":[{"reason":"rateLimitExceeded","message":"Rate Limit Exceeded"}]}}`,
			outcome: OutcomeSuccess,
		},
		{
			name:    "permission denied is fatal",
			body:    `{"error":{"code":403,"message":"Insufficient Permission","errors":[{"reason":"insufficientPermissions","message":"Insufficient Permission"}]}}`,
			outcome: OutcomeFatal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _ := scriptedServer(t,
				scriptedResponse{status: http.StatusForbidden, headers: map[string]string{"Content-Type": "application/json"}, body: tt.body},
				scriptedResponse{status: http.StatusOK},
			)
			h := newHarness(t, server)
			result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
			if result.Outcome != tt.outcome {
				t.Fatalf("expected %s, got %s: %v", tt.outcome, result.Outcome, result.Err)
			}
			if tt.outcome == OutcomeFatal && !core.IsFatalRequest(result.Err) {
				t.Fatalf("expected fatal request error, got %v", result.Err)
			}
		})
	}
}

func TestGateway_ClientErrorsAreFatalWithoutRetry(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			server, hits, _ := scriptedServer(t, scriptedResponse{status: status})
			h := newHarness(t, server)
			result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
			if result.Outcome != OutcomeFatal || !core.IsFatalRequest(result.Err) {
				t.Fatalf("expected fatal request, got %s: %v", result.Outcome, result.Err)
			}
			if hits.Load() != 1 {
				t.Fatalf("expected no retry, got %d hits", hits.Load())
			}
			if result.Response.StatusCode != status {
				t.Fatalf("expected response status %d, got %d", status, result.Response.StatusCode)
			}
		})
	}
}

func TestGateway_MissingCredentialNeedsReauth(t *testing.T) {
	server, hits, _ := scriptedServer(t, scriptedResponse{status: http.StatusOK})
	h := newHarness(t, server)
	h.credentials.currentErr = core.NotFoundError("alice@example.com", nil)

	_, err := h.gateway.Call(context.Background(), "alice@example.com", listRequest())
	if !core.IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if hits.Load() != 0 || len(h.limiter.costs) != 0 {
		t.Fatalf("expected no provider call without a credential")
	}
}

func TestGateway_OversizeCostIsFatal(t *testing.T) {
	server, hits, _ := scriptedServer(t, scriptedResponse{status: http.StatusOK})
	h := newHarness(t, server)
	h.limiter.err = ratelimit.ErrCostExceedsLimit

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if result.Outcome != OutcomeFatal || !core.IsFatalRequest(result.Err) {
		t.Fatalf("expected fatal outcome, got %s: %v", result.Outcome, result.Err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no provider call")
	}
}

func TestGateway_ThrottlePolicyDelaysNextCall(t *testing.T) {
	server, _, _ := scriptedServer(t,
		scriptedResponse{status: http.StatusTooManyRequests, headers: map[string]string{"Retry-After": "4"}},
		scriptedResponse{status: http.StatusOK},
	)
	policy := ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore())
	h := newHarness(t, server, WithThrottlePolicy(policy))

	result := h.gateway.Do(context.Background(), "alice@example.com", listRequest())
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s: %v", result.Outcome, result.Err)
	}
	// The Retry-After wait and the remembered throttle window both apply.
	if len(h.sleeper.delays) < 1 || h.sleeper.delays[0] != 4*time.Second {
		t.Fatalf("expected a 4s Retry-After wait first, got %v", h.sleeper.delays)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	server, _, _ := scriptedServer(t, scriptedResponse{status: http.StatusOK})
	adapter := transport.NewRESTAdapter(server.Client())
	if _, err := New(nil, &recordingLimiter{}, adapter); err == nil {
		t.Fatalf("expected error without credentials")
	}
	if _, err := New(&stubCredentials{}, nil, adapter); err == nil {
		t.Fatalf("expected error without limiter")
	}
	if _, err := New(&stubCredentials{}, &recordingLimiter{}, nil); err == nil {
		t.Fatalf("expected error without transport")
	}
}
