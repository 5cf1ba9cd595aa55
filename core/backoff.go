package core

import (
	"context"
	"time"
)

const (
	defaultRefreshMaxAttempts    = 3
	defaultRefreshInitialBackoff = 500 * time.Millisecond
	defaultRefreshMaxBackoff     = 10 * time.Second
)

// RefreshBackoffScheduler returns the pause before the given attempt,
// counted from 1.
type RefreshBackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoffScheduler doubles Initial per attempt up to Max. Zero
// fields fall back to 500ms and 10s.
type ExponentialBackoffScheduler struct {
	Initial time.Duration
	Max     time.Duration
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	initial, ceiling := s.Initial, s.Max
	if initial <= 0 {
		initial = defaultRefreshInitialBackoff
	}
	if ceiling <= 0 {
		ceiling = defaultRefreshMaxBackoff
	}
	if attempt <= 1 {
		return min(initial, ceiling)
	}
	delay := initial
	for range attempt - 1 {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return min(delay, ceiling)
}

// sleepContext waits for delay or until ctx is done.
func sleepContext(ctx context.Context, delay time.Duration) error {
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
