package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/sync/singleflight"
)

// TokenRefresher keeps stored credentials usable. At most one exchange per
// user is in flight; concurrent callers for the same user share its result.
type TokenRefresher struct {
	store       CredentialStore
	exchanger   TokenExchanger
	margin      time.Duration
	maxAttempts int
	backoff     RefreshBackoffScheduler
	now         func() time.Time
	wait        func(ctx context.Context, delay time.Duration) error
	observer    Observer

	group singleflight.Group

	mu     sync.Mutex
	states map[string]CredentialState
}

type RefresherOption func(*TokenRefresher)

func WithRefreshMargin(margin time.Duration) RefresherOption {
	return func(r *TokenRefresher) {
		if margin > 0 {
			r.margin = margin
		}
	}
}

func WithRefreshMaxAttempts(attempts int) RefresherOption {
	return func(r *TokenRefresher) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

func WithRefreshBackoff(scheduler RefreshBackoffScheduler) RefresherOption {
	return func(r *TokenRefresher) {
		if scheduler != nil {
			r.backoff = scheduler
		}
	}
}

func WithRefresherClock(now func() time.Time) RefresherOption {
	return func(r *TokenRefresher) {
		if now != nil {
			r.now = now
		}
	}
}

func WithRefresherWait(wait func(ctx context.Context, delay time.Duration) error) RefresherOption {
	return func(r *TokenRefresher) {
		if wait != nil {
			r.wait = wait
		}
	}
}

func WithRefresherObserver(observer Observer) RefresherOption {
	return func(r *TokenRefresher) {
		r.observer = observer
	}
}

func NewTokenRefresher(store CredentialStore, exchanger TokenExchanger, opts ...RefresherOption) (*TokenRefresher, error) {
	if store == nil {
		return nil, fmt.Errorf("core: credential store is required")
	}
	if exchanger == nil {
		return nil, fmt.Errorf("core: token exchanger is required")
	}
	r := &TokenRefresher{
		store:       store,
		exchanger:   exchanger,
		margin:      DefaultRefreshMargin,
		maxAttempts: defaultRefreshMaxAttempts,
		backoff:     ExponentialBackoffScheduler{},
		now:         func() time.Time { return time.Now().UTC() },
		wait:        sleepContext,
		observer:    NewObserver("triage", nil, nil),
		states:      map[string]CredentialState{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// State reports the last observed lifecycle state for userID.
func (r *TokenRefresher) State(userID string) CredentialState {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[strings.TrimSpace(userID)]
}

// Current loads the stored credential for userID and makes sure it is fresh.
func (r *TokenRefresher) Current(ctx context.Context, userID string) (Credential, error) {
	if r == nil {
		return Credential{}, fmt.Errorf("core: token refresher is nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Credential{}, fmt.Errorf("core: user id is required")
	}
	credential, err := r.store.Load(ctx, userID)
	if err != nil {
		return Credential{}, err
	}
	return r.EnsureFresh(ctx, credential)
}

// EnsureFresh returns credential unchanged while it is outside the refresh
// margin, and otherwise exchanges, persists and returns the renewed one.
func (r *TokenRefresher) EnsureFresh(ctx context.Context, credential Credential) (Credential, error) {
	if r == nil {
		return Credential{}, fmt.Errorf("core: token refresher is nil")
	}
	userID := strings.TrimSpace(credential.UserID)
	if userID == "" {
		return Credential{}, fmt.Errorf("core: credential user id is required")
	}
	state := ResolveCredentialTokenState(r.now(), credential, r.margin)
	if !ShouldRefreshCredential(state) {
		r.setState(userID, CredentialStateValid)
		return credential.Clone(), nil
	}
	return r.refresh(ctx, userID, "", false)
}

// ForceRefresh renews the credential after the provider rejected staleToken.
// When another caller already replaced staleToken the stored credential is
// returned without a second exchange.
func (r *TokenRefresher) ForceRefresh(ctx context.Context, userID string, staleToken string) (Credential, error) {
	if r == nil {
		return Credential{}, fmt.Errorf("core: token refresher is nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Credential{}, fmt.Errorf("core: user id is required")
	}
	return r.refresh(ctx, userID, strings.TrimSpace(staleToken), true)
}

func (r *TokenRefresher) refresh(ctx context.Context, userID string, staleToken string, force bool) (Credential, error) {
	// The exchange may rotate the refresh token, so it has to finish and be
	// persisted even if the caller that started it goes away.
	flightCtx := context.WithoutCancel(ctx)
	result := r.group.DoChan(userID, func() (any, error) {
		return r.refreshOnce(flightCtx, userID, staleToken, force)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential).Clone(), nil
	}
}

func (r *TokenRefresher) refreshOnce(ctx context.Context, userID string, staleToken string, force bool) (credential Credential, err error) {
	startedAt := time.Now()
	exchanged := false
	defer func() {
		r.observer.Operation(ctx, startedAt, "credential_refresh", err, map[string]any{
			"user_id":   userID,
			"forced":    force,
			"exchanged": exchanged,
		})
	}()

	current, err := r.store.Load(ctx, userID)
	if err != nil {
		return Credential{}, err
	}
	state := ResolveCredentialTokenState(r.now(), current, r.margin)
	if force {
		if staleToken != "" && current.AccessToken != staleToken {
			r.setState(userID, CredentialStateValid)
			return current, nil
		}
	} else if !ShouldRefreshCredential(state) {
		r.setState(userID, CredentialStateValid)
		return current, nil
	}

	if !current.Refreshable() {
		if force || state.IsExpired {
			r.setState(userID, CredentialStateNeedsReauth)
			return Credential{}, NeedsReauthorizationError(userID, fmt.Errorf("core: credential has no refresh token"))
		}
		r.setState(userID, CredentialStateExpiring)
		return current, nil
	}

	r.setState(userID, CredentialStateRefreshing)
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		exchanged = true
		refreshed, exchangeErr := r.exchanger.Refresh(ctx, current.Clone())
		if exchangeErr == nil {
			merged, mergeErr := r.merge(userID, current, refreshed)
			if mergeErr != nil {
				r.setState(userID, CredentialStateExpiring)
				return Credential{}, mergeErr
			}
			if saveErr := r.store.Save(ctx, userID, merged); saveErr != nil {
				r.setState(userID, CredentialStateExpiring)
				return Credential{}, fmt.Errorf("core: persist refreshed credential: %w", saveErr)
			}
			r.setState(userID, CredentialStateValid)
			return merged, nil
		}
		lastErr = exchangeErr

		if isRefreshRejected(exchangeErr) {
			if deleteErr := r.store.Delete(ctx, userID); deleteErr != nil {
				r.observer.Log(ctx, "warn", "delete rejected credential failed", map[string]any{
					"user_id": userID,
					"error":   deleteErr.Error(),
				})
			}
			r.setState(userID, CredentialStateNeedsReauth)
			return Credential{}, NeedsReauthorizationError(userID, exchangeErr)
		}
		if attempt == r.maxAttempts {
			break
		}
		if waitErr := r.wait(ctx, r.backoff.NextDelay(attempt)); waitErr != nil {
			lastErr = waitErr
			break
		}
	}

	r.setState(userID, CredentialStateExpiring)
	return Credential{}, TransientFailureError("credential refresh", r.maxAttempts, lastErr)
}

// merge fills fields providers commonly omit from refresh responses.
func (r *TokenRefresher) merge(userID string, previous Credential, refreshed Credential) (Credential, error) {
	merged := refreshed.Clone()
	merged.UserID = userID
	if strings.TrimSpace(merged.RefreshToken) == "" {
		merged.RefreshToken = previous.RefreshToken
	}
	if strings.TrimSpace(merged.TokenType) == "" {
		merged.TokenType = previous.TokenType
	}
	if len(merged.Scopes) == 0 {
		merged.Scopes = append([]string(nil), previous.Scopes...)
	}
	if merged.IssuedAt.IsZero() {
		merged.IssuedAt = r.now()
	}
	if err := merged.Validate(); err != nil {
		return Credential{}, fmt.Errorf("core: refreshed credential is invalid: %w", err)
	}
	return merged, nil
}

func (r *TokenRefresher) setState(userID string, state CredentialState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[userID] = state
}

// isRefreshRejected reports whether the provider refused the refresh token
// itself. Outages and timeouts are not rejections.
func isRefreshRejected(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRefreshRejected), IsNeedsReauthorization(err):
		return true
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && (rich.Category == goerrors.CategoryAuth || rich.Category == goerrors.CategoryAuthz) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "unauthorized_client", "refresh token rejected"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
