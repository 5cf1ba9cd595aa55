package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/security"
	"github.com/goliatone/go-triage/store"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	credentialStatusActive     = "active"
	credentialStatusSuperseded = "superseded"

	// credentialHistoryDepth is how many superseded versions survive a save.
	credentialHistoryDepth = 2

	backendName = "sql"
)

type CredentialOption func(*CredentialStore)

func WithSecrets(secrets core.SecretProvider) CredentialOption {
	return func(s *CredentialStore) {
		s.codec.Secrets = secrets
	}
}

func WithObserver(observer core.Observer) CredentialOption {
	return func(s *CredentialStore) {
		s.observer = observer
	}
}

// CredentialStore keeps one active row per user. Every save appends a new
// version and supersedes the previous active row.
type CredentialStore struct {
	db       *bun.DB
	repo     repository.Repository[*credentialRecord]
	codec    store.RecordCodec
	observer core.Observer
}

func NewCredentialStore(db *bun.DB, opts ...CredentialOption) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*credentialRecord](db, credentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	s := &CredentialStore{
		db:       db,
		repo:     repo,
		codec:    store.NewRecordCodec(nil),
		observer: core.NewObserver("triage", nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *CredentialStore) Load(ctx context.Context, userID string) (core.Credential, error) {
	if s == nil || s.repo == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	userID = strings.TrimSpace(userID)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("user_id", "=", userID),
		repository.SelectBy("status", "=", credentialStatusActive),
		repository.OrderBy("version DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Credential{}, err
	}
	if len(records) == 0 {
		return core.Credential{}, core.NotFoundError(userID, nil)
	}
	record := records[0]
	credential, err := s.codec.Open(ctx, userID, record.Payload)
	if err != nil {
		if purgeErr := s.purgeRecord(ctx, record); purgeErr != nil {
			return core.Credential{}, purgeErr
		}
		return core.Credential{}, store.ReportCorrupt(ctx, s.observer, backendName, userID, err)
	}
	return credential, nil
}

func (s *CredentialStore) Save(ctx context.Context, userID string, credential core.Credential) error {
	if s == nil || s.repo == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	userID = strings.TrimSpace(userID)
	payload, err := s.codec.Seal(ctx, userID, credential)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		nextVersion, versionErr := s.nextVersion(ctx, tx, userID)
		if versionErr != nil {
			return versionErr
		}
		_, updateErr := tx.NewUpdate().
			Model((*credentialRecord)(nil)).
			Set("status = ?", credentialStatusSuperseded).
			Set("updated_at = ?", now).
			Where("user_id = ?", userID).
			Where("status = ?", credentialStatusActive).
			Exec(ctx)
		if updateErr != nil {
			return updateErr
		}

		record := newCredentialRecord(userID, payload, nextVersion, now)
		if _, createErr := s.repo.CreateTx(ctx, tx, record); createErr != nil {
			return createErr
		}

		_, pruneErr := tx.NewDelete().
			Model((*credentialRecord)(nil)).
			Where("user_id = ?", userID).
			Where("status = ?", credentialStatusSuperseded).
			Where("version <= ?", nextVersion-1-credentialHistoryDepth).
			Exec(ctx)
		return pruneErr
	})
}

func (s *CredentialStore) Delete(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Exec(ctx)
	return err
}

func (s *CredentialStore) ListUsers(ctx context.Context) ([]string, error) {
	candidates, err := s.activeUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(candidates))
	for _, userID := range candidates {
		if _, err := s.Load(ctx, userID); err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		users = append(users, userID)
	}
	slices.Sort(users)
	return users, nil
}

func (s *CredentialStore) PurgeCorrupted(ctx context.Context) (int, error) {
	before, err := s.activeUsers(ctx)
	if err != nil {
		return 0, err
	}
	valid, err := s.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	return len(before) - len(valid), nil
}

func (s *CredentialStore) activeUsers(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	var users []string
	err := s.db.NewSelect().
		Model((*credentialRecord)(nil)).
		ColumnExpr("DISTINCT ?TableAlias.user_id").
		Where("?TableAlias.status = ?", credentialStatusActive).
		Scan(ctx, &users)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return users, nil
}

// purgeRecord removes the unreadable row only, so a concurrent save of a
// newer version is never lost.
func (s *CredentialStore) purgeRecord(ctx context.Context, record *credentialRecord) error {
	_, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("id = ?", record.ID).
		Exec(ctx)
	return err
}

func (s *CredentialStore) nextVersion(ctx context.Context, tx bun.Tx, userID string) (int, error) {
	var maxVersion int
	if err := tx.NewSelect().
		Model((*credentialRecord)(nil)).
		ColumnExpr("COALESCE(MAX(version), 0)").
		Where("?TableAlias.user_id = ?", userID).
		Scan(ctx, &maxVersion); err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

func newCredentialRecord(userID string, payload []byte, version int, now time.Time) *credentialRecord {
	record := &credentialRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Version:   version,
		Payload:   payload,
		Status:    credentialStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if meta, err := security.ParseEnvelopeMetadata(payload); err == nil {
		record.EncryptionKeyID = meta.KeyID
		record.EncryptionVersion = meta.Version
	}
	return record
}

var _ core.CredentialStore = (*CredentialStore)(nil)
