package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-triage/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ProcessedStore struct {
	db   *bun.DB
	repo repository.Repository[*processedMessageRecord]
}

func NewProcessedStore(db *bun.DB) (*ProcessedStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*processedMessageRecord](db, processedMessageHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid processed message repository wiring: %w", err)
		}
	}
	return &ProcessedStore{db: db, repo: repo}, nil
}

func (s *ProcessedStore) Has(ctx context.Context, userID string, messageID string) (bool, error) {
	if s == nil || s.repo == nil {
		return false, fmt.Errorf("sqlstore: processed store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("user_id", "=", strings.TrimSpace(userID)),
		repository.SelectBy("message_id", "=", strings.TrimSpace(messageID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// Mark upserts entries on (user_id, message_id).
func (s *ProcessedStore) Mark(ctx context.Context, entries []core.ProcessedMessage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: processed store is not configured")
	}
	now := time.Now().UTC()
	records := make([]*processedMessageRecord, 0, len(entries))
	seen := map[string]int{}
	for _, entry := range entries {
		userID := strings.TrimSpace(entry.UserID)
		messageID := strings.TrimSpace(entry.MessageID)
		if userID == "" || messageID == "" {
			continue
		}
		processedAt := entry.ProcessedAt
		if processedAt.IsZero() {
			processedAt = now
		}
		record := &processedMessageRecord{
			ID:          uuid.NewString(),
			UserID:      userID,
			MessageID:   messageID,
			Category:    strings.TrimSpace(entry.Category),
			Action:      strings.TrimSpace(entry.Action),
			ProcessedAt: processedAt.UTC(),
			CreatedAt:   now,
		}
		// A single statement cannot touch the same conflict key twice.
		key := userID + "\x00" + messageID
		if idx, ok := seen[key]; ok {
			records[idx] = record
			continue
		}
		seen[key] = len(records)
		records = append(records, record)
	}
	if len(records) == 0 {
		return nil
	}
	_, err := s.db.NewInsert().
		Model(&records).
		On("CONFLICT (user_id, message_id) DO UPDATE").
		Set("category = EXCLUDED.category").
		Set("action = EXCLUDED.action").
		Set("processed_at = EXCLUDED.processed_at").
		Exec(ctx)
	return err
}

func (s *ProcessedStore) Since(ctx context.Context, userID string, since time.Time) ([]core.ProcessedMessage, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: processed store is not configured")
	}
	var records []*processedMessageRecord
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.user_id = ?", strings.TrimSpace(userID)).
		OrderExpr("?TableAlias.processed_at ASC, ?TableAlias.message_id ASC")
	if !since.IsZero() {
		query = query.Where("?TableAlias.processed_at >= ?", since.UTC())
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.ProcessedMessage, 0, len(records))
	for _, record := range records {
		out = append(out, core.ProcessedMessage{
			UserID:      record.UserID,
			MessageID:   record.MessageID,
			Category:    record.Category,
			Action:      record.Action,
			ProcessedAt: record.ProcessedAt.UTC(),
		})
	}
	return out, nil
}

func (s *ProcessedStore) DeleteBefore(ctx context.Context, userID string, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: processed store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*processedMessageRecord)(nil)).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Where("processed_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *ProcessedStore) Reset(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: processed store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*processedMessageRecord)(nil)).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Exec(ctx)
	return err
}

var _ core.ProcessedStore = (*ProcessedStore)(nil)
