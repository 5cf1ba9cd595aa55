package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const DefaultUsageThreshold = 0.8

var (
	ErrCostExceedsLimit = errors.New("ratelimit: cost exceeds limit")
	ErrInvalidCost      = errors.New("ratelimit: cost must be positive")
)

// Limiter admits cost on behalf of key, blocking until the budget allows it.
type Limiter interface {
	AcquireFor(ctx context.Context, key string, cost int) error
}

type GateOption func(*SlidingWindowGate)

func WithClock(now func() time.Time) GateOption {
	return func(g *SlidingWindowGate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithSleeper replaces the wait used while the window is full. The sleeper
// must return early with ctx.Err() once ctx is done.
func WithSleeper(sleep func(ctx context.Context, delay time.Duration) error) GateOption {
	return func(g *SlidingWindowGate) {
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

func WithUsageThreshold(threshold float64) GateOption {
	return func(g *SlidingWindowGate) {
		if threshold > 0 && threshold <= 1 {
			g.threshold = threshold
		}
	}
}

type entry struct {
	at   time.Time
	cost int
}

// SlidingWindowGate bounds the cost admitted within any trailing window.
// Nothing is reserved ahead: a blocked caller sleeps without the lock and
// competes again when it wakes.
type SlidingWindowGate struct {
	limit     int
	window    time.Duration
	threshold float64
	now       func() time.Time
	sleep     func(ctx context.Context, delay time.Duration) error

	mu      sync.Mutex
	entries []entry
	total   int
}

func NewSlidingWindowGate(limit int, window time.Duration, opts ...GateOption) (*SlidingWindowGate, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("ratelimit: limit must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive")
	}
	g := &SlidingWindowGate{
		limit:     limit,
		window:    window,
		threshold: DefaultUsageThreshold,
		now:       time.Now,
		sleep:     sleepWithContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

func (g *SlidingWindowGate) Limit() int {
	return g.limit
}

func (g *SlidingWindowGate) Window() time.Duration {
	return g.window
}

// Acquire blocks until cost fits in the window or ctx is done.
func (g *SlidingWindowGate) Acquire(ctx context.Context, cost int) error {
	if err := g.checkCost(cost); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, admitted := g.admit(cost)
		if admitted {
			return nil
		}
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (g *SlidingWindowGate) AcquireFor(ctx context.Context, _ string, cost int) error {
	return g.Acquire(ctx, cost)
}

// TryAcquire admits cost only if it fits right now.
func (g *SlidingWindowGate) TryAcquire(cost int) bool {
	if g.checkCost(cost) != nil {
		return false
	}
	_, admitted := g.admit(cost)
	return admitted
}

// WaitTime reports how long a caller asking for cost would currently block.
func (g *SlidingWindowGate) WaitTime(cost int) time.Duration {
	if g.checkCost(cost) != nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.evictLocked(now)
	return g.waitLocked(now, cost)
}

func (g *SlidingWindowGate) checkCost(cost int) error {
	if cost <= 0 {
		return ErrInvalidCost
	}
	if cost > g.limit {
		return fmt.Errorf("%w: cost %d, limit %d", ErrCostExceedsLimit, cost, g.limit)
	}
	return nil
}

func (g *SlidingWindowGate) admit(cost int) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.evictLocked(now)
	if g.total+cost <= g.limit {
		g.entries = append(g.entries, entry{at: now, cost: cost})
		g.total += cost
		return 0, true
	}
	return g.waitLocked(now, cost), false
}

// waitLocked returns the time until enough of the oldest entries expire for
// cost to fit.
func (g *SlidingWindowGate) waitLocked(now time.Time, cost int) time.Duration {
	excess := g.total + cost - g.limit
	if excess <= 0 {
		return 0
	}
	freed := 0
	for _, e := range g.entries {
		freed += e.cost
		if freed >= excess {
			wait := e.at.Add(g.window).Sub(now)
			if wait <= 0 {
				wait = time.Millisecond
			}
			return wait
		}
	}
	return g.window
}

// evictLocked drops entries that fell out of [now-window, now].
func (g *SlidingWindowGate) evictLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	drop := 0
	for drop < len(g.entries) && !g.entries[drop].at.After(cutoff) {
		g.total -= g.entries[drop].cost
		drop++
	}
	if drop > 0 {
		g.entries = append(g.entries[:0], g.entries[drop:]...)
	}
}

// Usage is a point-in-time view of the window.
type Usage struct {
	Used     int           `json:"used"`
	Limit    int           `json:"limit"`
	Percent  float64       `json:"percent"`
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
	CanAdmit bool          `json:"can_admit"`
}

func (g *SlidingWindowGate) Usage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked(g.now())
	percent := float64(g.total) / float64(g.limit) * 100
	return Usage{
		Used:     g.total,
		Limit:    g.limit,
		Percent:  percent,
		Requests: len(g.entries),
		Window:   g.window,
		CanAdmit: float64(g.total) < float64(g.limit)*g.threshold,
	}
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

var _ Limiter = (*SlidingWindowGate)(nil)
