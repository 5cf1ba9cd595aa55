package ratelimit

import (
	"context"
	"strings"
	"sync"
)

// KeyedGate layers lazily created per-key gates under a shared global gate.
type KeyedGate struct {
	global   *SlidingWindowGate
	perKey   int
	gateOpts []GateOption

	mu    sync.Mutex
	gates map[string]*SlidingWindowGate
}

// NewKeyedGate returns a gate where every key is also bounded by perKeyLimit
// within the global window. A perKeyLimit of zero disables per-key gates.
func NewKeyedGate(global *SlidingWindowGate, perKeyLimit int, opts ...GateOption) *KeyedGate {
	if perKeyLimit < 0 {
		perKeyLimit = 0
	}
	return &KeyedGate{
		global:   global,
		perKey:   perKeyLimit,
		gateOpts: opts,
		gates:    map[string]*SlidingWindowGate{},
	}
}

func (k *KeyedGate) Global() *SlidingWindowGate {
	return k.global
}

// AcquireFor takes the key's budget before the global budget so a caller
// waiting on its own quota never holds shared capacity.
func (k *KeyedGate) AcquireFor(ctx context.Context, key string, cost int) error {
	if gate := k.gateFor(key); gate != nil {
		if err := gate.Acquire(ctx, cost); err != nil {
			return err
		}
	}
	return k.global.Acquire(ctx, cost)
}

// UsageFor reports the per-key window, or the global window when key has no
// gate of its own.
func (k *KeyedGate) UsageFor(key string) Usage {
	if gate := k.gateFor(key); gate != nil {
		return gate.Usage()
	}
	return k.global.Usage()
}

func (k *KeyedGate) gateFor(key string) *SlidingWindowGate {
	key = strings.TrimSpace(key)
	if k.perKey == 0 || key == "" {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if gate, ok := k.gates[key]; ok {
		return gate
	}
	limit := k.perKey
	if limit > k.global.Limit() {
		limit = k.global.Limit()
	}
	gate, err := NewSlidingWindowGate(limit, k.global.Window(), k.gateOpts...)
	if err != nil {
		return nil
	}
	k.gates[key] = gate
	return gate
}

var _ Limiter = (*KeyedGate)(nil)
