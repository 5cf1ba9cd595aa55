package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-triage/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ArtifactStore struct {
	db   *bun.DB
	repo repository.Repository[*artifactRecord]
}

func NewArtifactStore(db *bun.DB) (*ArtifactStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*artifactRecord](db, artifactHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid artifact repository wiring: %w", err)
		}
	}
	return &ArtifactStore{db: db, repo: repo}, nil
}

func (s *ArtifactStore) Latest(ctx context.Context, runID string, stage string) (core.Artifact, error) {
	if s == nil || s.repo == nil {
		return core.Artifact{}, fmt.Errorf("sqlstore: artifact store is not configured")
	}
	runID = strings.TrimSpace(runID)
	stage = strings.TrimSpace(stage)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("run_id", "=", runID),
		repository.SelectBy("stage", "=", stage),
		repository.OrderBy("version DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Artifact{}, err
	}
	if len(records) == 0 {
		return core.Artifact{}, fmt.Errorf("sqlstore: %s/%s: %w", runID, stage, core.ErrArtifactNotFound)
	}
	return records[0].toDomain(), nil
}

func (s *ArtifactStore) Put(ctx context.Context, artifact core.Artifact) (core.Artifact, error) {
	if s == nil || s.repo == nil || s.db == nil {
		return core.Artifact{}, fmt.Errorf("sqlstore: artifact store is not configured")
	}
	artifact.RunID = strings.TrimSpace(artifact.RunID)
	artifact.Stage = strings.TrimSpace(artifact.Stage)
	if err := artifact.Validate(); err != nil {
		return core.Artifact{}, err
	}
	if artifact.ProducedAt.IsZero() {
		artifact.ProducedAt = time.Now().UTC()
	}

	var created core.Artifact
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		nextVersion, versionErr := s.nextVersion(ctx, tx, artifact.RunID, artifact.Stage)
		if versionErr != nil {
			return versionErr
		}
		artifact.Version = nextVersion
		inserted, createErr := s.repo.CreateTx(ctx, tx, newArtifactRecord(artifact))
		if createErr != nil {
			return createErr
		}
		created = inserted.toDomain()
		return nil
	})
	if err != nil {
		return core.Artifact{}, err
	}
	return created, nil
}

func (s *ArtifactStore) History(ctx context.Context, runID string, stage string) ([]core.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: artifact store is not configured")
	}
	var records []*artifactRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.run_id = ?", strings.TrimSpace(runID)).
		Where("?TableAlias.stage = ?", strings.TrimSpace(stage)).
		OrderExpr("?TableAlias.version ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Artifact, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *ArtifactStore) List(ctx context.Context, runID string) ([]core.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: artifact store is not configured")
	}
	var records []*artifactRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.run_id = ?", strings.TrimSpace(runID)).
		OrderExpr("?TableAlias.stage ASC, ?TableAlias.version DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Artifact, 0, len(records))
	seen := map[string]struct{}{}
	for _, record := range records {
		if _, ok := seen[record.Stage]; ok {
			continue
		}
		seen[record.Stage] = struct{}{}
		out = append(out, record.toDomain())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ProducedAt.Equal(out[j].ProducedAt) {
			return out[i].ProducedAt.Before(out[j].ProducedAt)
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}

func (s *ArtifactStore) nextVersion(ctx context.Context, tx bun.Tx, runID string, stage string) (int, error) {
	var maxVersion int
	if err := tx.NewSelect().
		Model((*artifactRecord)(nil)).
		ColumnExpr("COALESCE(MAX(version), 0)").
		Where("?TableAlias.run_id = ?", runID).
		Where("?TableAlias.stage = ?", stage).
		Scan(ctx, &maxVersion); err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

func newArtifactRecord(artifact core.Artifact) *artifactRecord {
	return &artifactRecord{
		ID:             uuid.NewString(),
		RunID:          artifact.RunID,
		UserID:         strings.TrimSpace(artifact.UserID),
		Stage:          artifact.Stage,
		Version:        artifact.Version,
		Status:         string(artifact.Status),
		Payload:        append([]byte(nil), artifact.Payload...),
		Digest:         artifact.Digest,
		Degraded:       artifact.Degraded,
		DegradedReason: artifact.DegradedReason,
		Error:          artifact.Error,
		ProducedAt:     artifact.ProducedAt.UTC(),
		CreatedAt:      time.Now().UTC(),
	}
}

func (r *artifactRecord) toDomain() core.Artifact {
	if r == nil {
		return core.Artifact{}
	}
	artifact := core.Artifact{
		RunID:          r.RunID,
		UserID:         r.UserID,
		Stage:          r.Stage,
		Version:        r.Version,
		Status:         core.ArtifactStatus(r.Status),
		Digest:         r.Digest,
		Degraded:       r.Degraded,
		DegradedReason: r.DegradedReason,
		Error:          r.Error,
		ProducedAt:     r.ProducedAt.UTC(),
	}
	if len(r.Payload) > 0 {
		artifact.Payload = append([]byte(nil), r.Payload...)
	}
	return artifact
}

var _ core.ArtifactStore = (*ArtifactStore)(nil)
