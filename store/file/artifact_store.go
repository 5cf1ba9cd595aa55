package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/store"
	"github.com/spf13/afero"
)

const artifactExt = ".json"

// ArtifactStore lays artifacts out as <dir>/<run>/<stage>/v000N.json.
type ArtifactStore struct {
	fs  afero.Fs
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func NewArtifactStore(fs afero.Fs, dir string) (*ArtifactStore, error) {
	if fs == nil {
		return nil, fmt.Errorf("filestore: filesystem is required")
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("filestore: artifact dir is required")
	}
	if err := fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return &ArtifactStore{
		fs:  fs,
		dir: dir,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ArtifactStore) Latest(ctx context.Context, runID string, stage string) (core.Artifact, error) {
	versions, err := s.versions(runID, stage)
	if err != nil {
		return core.Artifact{}, err
	}
	if len(versions) == 0 {
		return core.Artifact{}, fmt.Errorf("filestore: %s/%s: %w", runID, stage, core.ErrArtifactNotFound)
	}
	return s.read(runID, stage, versions[len(versions)-1])
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
	versions, err := s.versions(artifact.RunID, artifact.Stage)
	if err != nil {
		return core.Artifact{}, err
	}
	artifact.Version = 1
	if len(versions) > 0 {
		artifact.Version = versions[len(versions)-1] + 1
	}
	path := s.path(artifact.RunID, artifact.Stage, artifact.Version)
	if exists, err := afero.Exists(s.fs, path); err != nil {
		return core.Artifact{}, fmt.Errorf("filestore: stat %s: %w", path, err)
	} else if exists {
		return core.Artifact{}, fmt.Errorf("filestore: artifact %s already exists", path)
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("filestore: encode artifact: %w", err)
	}
	if err := writeAtomic(s.fs, path, data); err != nil {
		return core.Artifact{}, err
	}
	return artifact.Clone(), nil
}

func (s *ArtifactStore) History(_ context.Context, runID string, stage string) ([]core.Artifact, error) {
	versions, err := s.versions(runID, stage)
	if err != nil {
		return nil, err
	}
	out := make([]core.Artifact, 0, len(versions))
	for _, version := range versions {
		artifact, err := s.read(runID, stage, version)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}
	return out, nil
}

func (s *ArtifactStore) List(ctx context.Context, runID string) ([]core.Artifact, error) {
	runDir := filepath.Join(s.dir, store.EscapeKey(runID))
	entries, err := afero.ReadDir(s.fs, runDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []core.Artifact{}, nil
		}
		return nil, fmt.Errorf("filestore: list %s: %w", runDir, err)
	}
	out := make([]core.Artifact, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stage, err := store.UnescapeKey(entry.Name())
		if err != nil {
			continue
		}
		latest, err := s.Latest(ctx, runID, stage)
		if err != nil {
			if errors.Is(err, core.ErrArtifactNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, latest)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProducedAt.Equal(out[j].ProducedAt) {
			return out[i].ProducedAt.Before(out[j].ProducedAt)
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}

func (s *ArtifactStore) read(runID string, stage string, version int) (core.Artifact, error) {
	path := s.path(runID, stage, version)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	artifact := core.Artifact{}
	if err := json.Unmarshal(data, &artifact); err != nil {
		return core.Artifact{}, fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	return artifact, nil
}

// versions returns the stored version numbers for a stage in ascending order.
func (s *ArtifactStore) versions(runID string, stage string) ([]int, error) {
	stageDir := filepath.Join(s.dir, store.EscapeKey(runID), store.EscapeKey(stage))
	entries, err := afero.ReadDir(s.fs, stageDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: list %s: %w", stageDir, err)
	}
	versions := make([]int, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || isTemp(name) || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		version, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), artifactExt))
		if err != nil || version <= 0 {
			continue
		}
		versions = append(versions, version)
	}
	sort.Ints(versions)
	return versions, nil
}

func (s *ArtifactStore) path(runID string, stage string, version int) string {
	return filepath.Join(s.dir, store.EscapeKey(runID), store.EscapeKey(stage), fmt.Sprintf("v%04d%s", version, artifactExt))
}

var _ core.ArtifactStore = (*ArtifactStore)(nil)
