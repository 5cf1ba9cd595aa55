package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-triage/ratelimit"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// throttleStateColumns are rewritten when a key already has a row. id and
// created_at keep their first values.
var throttleStateColumns = []string{
	"quota_limit",
	"remaining",
	"reset_at",
	"retry_after_seconds",
	"throttled_until",
	"last_status",
	"attempts",
	"updated_at",
}

var errThrottleStoreNotConfigured = errors.New("sqlstore: throttle state store is not configured")

// ThrottleStateStore persists adaptive throttle state so a restarted process
// keeps honouring provider backoff. Rows are keyed by the unique state_key.
type ThrottleStateStore struct {
	db   *bun.DB
	repo repository.Repository[*throttleStateRecord]
}

func NewThrottleStateStore(db *bun.DB) (*ThrottleStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*throttleStateRecord](db, throttleStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid throttle state repository wiring: %w", err)
		}
	}
	return &ThrottleStateStore{db: db, repo: repo}, nil
}

func (s *ThrottleStateStore) Get(ctx context.Context, key string) (ratelimit.State, error) {
	if s == nil || s.repo == nil {
		return ratelimit.State{}, errThrottleStoreNotConfigured
	}
	if key = strings.TrimSpace(key); key == "" {
		return ratelimit.State{}, fmt.Errorf("sqlstore: throttle state key is required")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("state_key", "=", key),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return ratelimit.State{}, err
	}
	if len(records) == 0 {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return records[0].toDomain(), nil
}

// Upsert writes state in a single statement through ON CONFLICT, which both
// postgres and sqlite accept.
func (s *ThrottleStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return errThrottleStoreNotConfigured
	}
	if state.Key = strings.TrimSpace(state.Key); state.Key == "" {
		return fmt.Errorf("sqlstore: throttle state key is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	record := newThrottleStateRecord(state)

	query := s.db.NewInsert().
		Model(record).
		On("CONFLICT (state_key) DO UPDATE")
	for _, column := range throttleStateColumns {
		query = query.Set(column + " = EXCLUDED." + column)
	}
	if _, err := query.Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: upsert throttle state %q: %w", state.Key, err)
	}
	return nil
}

func newThrottleStateRecord(state ratelimit.State) *throttleStateRecord {
	updatedAt := state.UpdatedAt.UTC()
	return &throttleStateRecord{
		ID:             uuid.NewString(),
		StateKey:       state.Key,
		QuotaLimit:     state.Limit,
		Remaining:      state.Remaining,
		ResetAt:        utcPointer(state.ResetAt),
		RetryAfter:     secondsPointer(state.RetryAfter),
		ThrottledUntil: utcPointer(state.ThrottledUntil),
		LastStatus:     state.LastStatus,
		Attempts:       state.Attempts,
		CreatedAt:      updatedAt,
		UpdatedAt:      updatedAt,
	}
}

func (r *throttleStateRecord) toDomain() ratelimit.State {
	if r == nil {
		return ratelimit.State{}
	}
	state := ratelimit.State{
		Key:            r.StateKey,
		Limit:          r.QuotaLimit,
		Remaining:      r.Remaining,
		ResetAt:        utcPointer(r.ResetAt),
		ThrottledUntil: utcPointer(r.ThrottledUntil),
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.RetryAfter != nil && *r.RetryAfter > 0 {
		retryAfter := time.Duration(*r.RetryAfter) * time.Second
		state.RetryAfter = &retryAfter
	}
	return state
}

func utcPointer(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// secondsPointer rounds positive sub-second durations up to one second.
func secondsPointer(d *time.Duration) *int {
	if d == nil || *d <= 0 {
		return nil
	}
	seconds := max(int(d.Seconds()), 1)
	return &seconds
}

var _ ratelimit.StateStore = (*ThrottleStateStore)(nil)
