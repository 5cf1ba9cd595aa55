package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedGate_PerKeyLimitIsolatesUsers(t *testing.T) {
	clock := newFakeClock()
	global := newTestGate(t, clock, 100, time.Minute)
	keyed := NewKeyedGate(global, 20, WithClock(clock.Now), WithSleeper(clock.Sleep))

	for i := 0; i < 4; i++ {
		if err := keyed.AcquireFor(context.Background(), "alice", 5); err != nil {
			t.Fatalf("alice acquire %d: %v", i, err)
		}
	}
	if usage := keyed.UsageFor("alice"); usage.Used != 20 || usage.Limit != 20 {
		t.Fatalf("unexpected alice usage: %+v", usage)
	}

	before := clock.Now()
	if err := keyed.AcquireFor(context.Background(), "bob", 5); err != nil {
		t.Fatalf("bob acquire: %v", err)
	}
	if !clock.Now().Equal(before) {
		t.Fatalf("expected bob to be admitted without waiting")
	}
	if usage := global.Usage(); usage.Used != 25 {
		t.Fatalf("expected global usage 25, got %d", usage.Used)
	}
}

func TestKeyedGate_BlockedKeyHoldsNoGlobalBudget(t *testing.T) {
	clock := newFakeClock()
	global := newTestGate(t, clock, 100, time.Minute)
	keyed := NewKeyedGate(global, 10, WithClock(clock.Now), WithSleeper(func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}))

	if err := keyed.AcquireFor(context.Background(), "alice", 10); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if err := keyed.AcquireFor(context.Background(), "alice", 5); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected blocked acquire to abort, got %v", err)
	}
	if usage := global.Usage(); usage.Used != 10 {
		t.Fatalf("expected blocked call to leave global budget untouched, got %d", usage.Used)
	}
}

func TestKeyedGate_NoPerKeyLimitUsesGlobalOnly(t *testing.T) {
	clock := newFakeClock()
	global := newTestGate(t, clock, 10, time.Minute)
	keyed := NewKeyedGate(global, 0)
	if err := keyed.AcquireFor(context.Background(), "alice", 10); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if usage := keyed.UsageFor("alice"); usage.Used != 10 || usage.Limit != 10 {
		t.Fatalf("expected global usage view, got %+v", usage)
	}
}

func TestCostTable(t *testing.T) {
	table := DefaultCostTable().WithOverrides(map[string]int{"LIST": 20, "bogus": 0})
	tests := []struct {
		kind RequestKind
		want int
	}{
		{KindGet, 5},
		{KindMutate, 5},
		{KindList, 20},
		{KindBulk, 50},
		{KindMeta, 1},
		{RequestKind("unknown"), 5},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := table.Cost(tt.kind); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
	if DefaultCostTable().Cost(KindList) != 10 {
		t.Fatalf("expected overrides not to mutate the default table")
	}
}
