package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-triage/adapters/gojob"
	"github.com/goliatone/go-triage/core"
)

// Schedule enqueues JobID once per Every window.
type Schedule struct {
	JobID      string
	Every      time.Duration
	Parameters map[string]any
}

// SchedulesFromConfig returns the configured jobs, skipping disabled ones.
func SchedulesFromConfig(cfg core.MaintenanceConfig) []Schedule {
	candidates := []Schedule{
		{JobID: gojob.JobIDPurgeCorrupted, Every: cfg.PurgeEvery},
		{JobID: gojob.JobIDRefreshAll, Every: cfg.RefreshEvery},
		{JobID: gojob.JobIDRunAll, Every: cfg.RunEvery},
	}
	out := make([]Schedule, 0, len(candidates))
	for _, schedule := range candidates {
		if schedule.Every > 0 {
			out = append(out, schedule)
		}
	}
	return out
}

type Scheduler struct {
	enqueuer  queue.Enqueuer
	schedules []Schedule
	observer  core.Observer

	mu   sync.Mutex
	last map[string]time.Time
}

func NewScheduler(enqueuer queue.Enqueuer, schedules []Schedule, observer core.Observer) (*Scheduler, error) {
	if enqueuer == nil {
		return nil, fmt.Errorf("maintenance: enqueuer is required")
	}
	return &Scheduler{
		enqueuer:  enqueuer,
		schedules: schedules,
		observer:  observer,
		last:      map[string]time.Time{},
	}, nil
}

// Tick enqueues every schedule whose window changed since the last tick and
// returns how many jobs were enqueued.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enqueued := 0
	var errs []error
	for _, schedule := range s.schedules {
		slot := now.UTC().Truncate(schedule.Every)
		if last, ok := s.last[schedule.JobID]; ok && last.Equal(slot) {
			continue
		}
		msg := gojob.NewJobMessage(schedule.JobID, schedule.Parameters, now, schedule.Every)
		receipt, err := s.enqueuer.Enqueue(ctx, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("maintenance: enqueue %s: %w", schedule.JobID, err))
			continue
		}
		s.last[schedule.JobID] = slot
		enqueued++
		s.observer.Log(ctx, "debug", "maintenance job scheduled", map[string]any{
			"job_id":          schedule.JobID,
			"idempotency_key": msg.IdempotencyKey,
			"dispatch_id":     receipt.DispatchID,
		})
	}
	return enqueued, errors.Join(errs...)
}

// Run ticks immediately and then every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := s.Tick(ctx, time.Now()); err != nil {
		s.observer.Log(ctx, "warn", "maintenance tick failed", map[string]any{"error": err.Error()})
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := s.Tick(ctx, now); err != nil {
				s.observer.Log(ctx, "warn", "maintenance tick failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
