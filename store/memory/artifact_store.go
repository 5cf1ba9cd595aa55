package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-triage/core"
)

type ArtifactStore struct {
	mu   sync.RWMutex
	now  func() time.Time
	runs map[string]map[string][]core.Artifact
}

func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{
		now:  func() time.Time { return time.Now().UTC() },
		runs: map[string]map[string][]core.Artifact{},
	}
}

func (s *ArtifactStore) Latest(_ context.Context, runID string, stage string) (core.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.runs[strings.TrimSpace(runID)][strings.TrimSpace(stage)]
	if len(versions) == 0 {
		return core.Artifact{}, fmt.Errorf("memstore: %s/%s: %w", runID, stage, core.ErrArtifactNotFound)
	}
	return versions[len(versions)-1].Clone(), nil
}

func (s *ArtifactStore) Put(_ context.Context, artifact core.Artifact) (core.Artifact, error) {
	artifact.RunID = strings.TrimSpace(artifact.RunID)
	artifact.Stage = strings.TrimSpace(artifact.Stage)
	if err := artifact.Validate(); err != nil {
		return core.Artifact{}, err
	}
	if artifact.ProducedAt.IsZero() {
		artifact.ProducedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stages, ok := s.runs[artifact.RunID]
	if !ok {
		stages = map[string][]core.Artifact{}
		s.runs[artifact.RunID] = stages
	}
	artifact.Version = len(stages[artifact.Stage]) + 1
	stored := artifact.Clone()
	stages[artifact.Stage] = append(stages[artifact.Stage], stored)
	return stored.Clone(), nil
}

func (s *ArtifactStore) History(_ context.Context, runID string, stage string) ([]core.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.runs[strings.TrimSpace(runID)][strings.TrimSpace(stage)]
	out := make([]core.Artifact, 0, len(versions))
	for _, artifact := range versions {
		out = append(out, artifact.Clone())
	}
	return out, nil
}

// List returns the latest version of every stage recorded for runID.
func (s *ArtifactStore) List(_ context.Context, runID string) ([]core.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stages := s.runs[strings.TrimSpace(runID)]
	out := make([]core.Artifact, 0, len(stages))
	for _, versions := range stages {
		if len(versions) > 0 {
			out = append(out, versions[len(versions)-1].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProducedAt.Equal(out[j].ProducedAt) {
			return out[i].ProducedAt.Before(out[j].ProducedAt)
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}

var _ core.ArtifactStore = (*ArtifactStore)(nil)
