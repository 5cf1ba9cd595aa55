package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-triage/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// State is what the provider last told us about one identity's quota.
type State struct {
	Key            string
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

// blockedFor returns how long calls for the key must still wait at now.
// Clone returns a copy that shares no pointers with s.
func (s State) Clone() State {
	out := s
	out.ResetAt = clonePtr(s.ResetAt)
	out.RetryAfter = clonePtr(s.RetryAfter)
	out.ThrottledUntil = clonePtr(s.ThrottledUntil)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (s State) blockedFor(now time.Time) time.Duration {
	if s.ThrottledUntil != nil && now.Before(*s.ThrottledUntil) {
		return s.ThrottledUntil.Sub(now)
	}
	if s.Remaining == 0 && s.ResetAt != nil && now.Before(*s.ResetAt) {
		return s.ResetAt.Sub(now)
	}
	return 0
}

type StateStore interface {
	Get(ctx context.Context, key string) (State, error)
	Upsert(ctx context.Context, state State) error
}

// ResponseMeta is the part of a Gmail response the policy learns from.
// QuotaExceeded marks a 403 whose error reason is a quota reason; Gmail
// reports per-user rate limits that way as well as with 429.
type ResponseMeta struct {
	StatusCode    int
	Headers       map[string]string
	RetryAfter    *time.Duration
	QuotaExceeded bool
}

type ThrottledError struct {
	Key        string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: %s is throttled for %s", e.Key, e.RetryAfter)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	meta := map[string]any{"key": e.Key}
	if e.RetryAfter > 0 {
		meta["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorTransientFailure).
		WithMetadata(meta)
}

// AdaptivePolicy persists throttling signals per identity, so the next call
// for that identity, in this process or after a restart, waits instead of
// hitting Gmail again.
type AdaptivePolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:            store,
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
	}
}

// BeforeCall returns a ThrottledError while key is inside a throttle window.
func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key string) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		return nil
	case err != nil:
		return err
	}
	if wait := state.blockedFor(p.now()); wait > 0 {
		return ThrottledError{Key: key, RetryAfter: wait}
	}
	return nil
}

// AfterCall records res for key. A throttled response opens a window of
// Retry-After, or of the exponential backoff for the consecutive throttle
// count. Any other response closes the window.
func (p *AdaptivePolicy) AfterCall(ctx context.Context, key string, res ResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Key: key}
	case err != nil:
		return err
	}

	now := p.now()
	quota := readQuotaHeaders(res.Headers)
	quota.apply(&state)
	state.LastStatus = res.StatusCode
	state.UpdatedAt = now

	state.RetryAfter = nil
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		hint := *res.RetryAfter
		state.RetryAfter = &hint
	} else if hint, ok := ParseRetryAfter(res.Headers, now); ok {
		state.RetryAfter = &hint
	}

	if !p.throttled(res, state, quota) {
		state.Attempts = 0
		state.ThrottledUntil = nil
		return p.Store.Upsert(ctx, state)
	}
	state.Attempts++
	delay := p.backoff(state.Attempts)
	if state.RetryAfter != nil {
		delay = *state.RetryAfter
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) throttled(res ResponseMeta, state State, quota quotaHeaders) bool {
	switch {
	case res.StatusCode == http.StatusTooManyRequests, res.QuotaExceeded:
		return true
	case res.StatusCode >= http.StatusInternalServerError:
		return false
	}
	return state.Remaining == 0 && (quota.any() || state.RetryAfter != nil)
}

func (p *AdaptivePolicy) backoff(attempt int) time.Duration {
	delay := core.ExponentialBackoffScheduler{Initial: p.InitialBackoff, Max: p.MaxBackoff}.NextDelay(attempt)
	if delay <= 0 {
		return p.DefaultRetryHint
	}
	return delay
}

func (p *AdaptivePolicy) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
