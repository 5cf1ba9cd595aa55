package pipeline

import (
	"context"
	"fmt"

	"github.com/goliatone/go-triage/core"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 256

// CachedArtifactStore serves Latest for complete artifacts from an LRU.
// Complete artifacts are only ever superseded by a Put through the same
// store, which refreshes the entry, so cached reads never go stale within
// one process.
type CachedArtifactStore struct {
	base  core.ArtifactStore
	cache *lru.Cache[string, core.Artifact]
}

func NewCachedArtifactStore(base core.ArtifactStore, size int) (*CachedArtifactStore, error) {
	if base == nil {
		return nil, fmt.Errorf("pipeline: base artifact store is required")
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, core.Artifact](size)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create artifact cache: %w", err)
	}
	return &CachedArtifactStore{base: base, cache: cache}, nil
}

func (s *CachedArtifactStore) Latest(ctx context.Context, runID string, stage string) (core.Artifact, error) {
	key := cacheKey(runID, stage)
	if cached, ok := s.cache.Get(key); ok {
		return cached.Clone(), nil
	}
	artifact, err := s.base.Latest(ctx, runID, stage)
	if err != nil {
		return core.Artifact{}, err
	}
	if artifact.Complete() {
		s.cache.Add(key, artifact.Clone())
	}
	return artifact, nil
}

func (s *CachedArtifactStore) Put(ctx context.Context, artifact core.Artifact) (core.Artifact, error) {
	stored, err := s.base.Put(ctx, artifact)
	if err != nil {
		s.cache.Remove(cacheKey(artifact.RunID, artifact.Stage))
		return core.Artifact{}, err
	}
	key := cacheKey(stored.RunID, stored.Stage)
	if stored.Complete() {
		s.cache.Add(key, stored.Clone())
	} else {
		s.cache.Remove(key)
	}
	return stored, nil
}

func (s *CachedArtifactStore) History(ctx context.Context, runID string, stage string) ([]core.Artifact, error) {
	return s.base.History(ctx, runID, stage)
}

func (s *CachedArtifactStore) List(ctx context.Context, runID string) ([]core.Artifact, error) {
	return s.base.List(ctx, runID)
}

func (s *CachedArtifactStore) Len() int {
	return s.cache.Len()
}

func cacheKey(runID string, stage string) string {
	return runID + "\x00" + stage
}

var _ core.ArtifactStore = (*CachedArtifactStore)(nil)
