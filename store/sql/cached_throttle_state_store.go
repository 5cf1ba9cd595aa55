package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-triage/ratelimit"
)

const throttleStateCacheKeyPrefix = "go-triage::throttle_state::v1"

type CachedThrottleStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedThrottleStateStore(
	base ratelimit.StateStore,
	cacheService repositorycache.CacheService,
) (*CachedThrottleStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base throttle state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: throttle state cache service is required")
	}
	return &CachedThrottleStateStore{base: base, cache: cacheService}, nil
}

// ThrottleStateCacheKey returns the cache key for a throttle state read:
// go-triage::throttle_state::v1::<segment>... where the state key is split on
// ":" and each segment is URL-path escaped.
func ThrottleStateCacheKey(key string) (string, error) {
	normalized := strings.TrimSpace(key)
	if normalized == "" {
		return "", fmt.Errorf("sqlstore: throttle state key is required")
	}
	segments := strings.Split(normalized, ":")
	for i, segment := range segments {
		segments[i] = url.PathEscape(strings.TrimSpace(segment))
	}
	return strings.Join(append([]string{throttleStateCacheKeyPrefix}, segments...), "::"), nil
}

func (s *CachedThrottleStateStore) Get(ctx context.Context, key string) (ratelimit.State, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: cached throttle state store is not configured")
	}
	normalized := strings.TrimSpace(key)
	cacheKey, err := ThrottleStateCacheKey(normalized)
	if err != nil {
		return ratelimit.State{}, err
	}

	state, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (ratelimit.State, error) {
		fetched, fetchErr := s.base.Get(ctx, normalized)
		if fetchErr != nil {
			return ratelimit.State{}, fetchErr
		}
		return fetched.Clone(), nil
	})
	if err != nil {
		return ratelimit.State{}, err
	}
	return state.Clone(), nil
}

func (s *CachedThrottleStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached throttle state store is not configured")
	}
	state.Key = strings.TrimSpace(state.Key)
	cacheKey, err := ThrottleStateCacheKey(state.Key)
	if err != nil {
		return err
	}
	if err := s.base.Upsert(ctx, state); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var _ ratelimit.StateStore = (*CachedThrottleStateStore)(nil)
