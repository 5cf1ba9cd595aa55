package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-triage/core"
)

const DefaultRetentionDays = 30

// Tracker remembers which messages were already triaged for a user so a
// later run does not handle them twice.
type Tracker struct {
	store core.ProcessedStore
	now   func() time.Time
}

func NewTracker(store core.ProcessedStore, now func() time.Time) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("stages: processed store is required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{store: store, now: now}, nil
}

func (t *Tracker) IsProcessed(ctx context.Context, userID string, messageID string) (bool, error) {
	return t.store.Has(ctx, strings.TrimSpace(userID), strings.TrimSpace(messageID))
}

func (t *Tracker) MarkProcessed(ctx context.Context, userID string, messageID string, category string, action string) error {
	return t.MarkBatch(ctx, []core.ProcessedMessage{{
		UserID:    userID,
		MessageID: messageID,
		Category:  category,
		Action:    action,
	}})
}

// MarkBatch records entries with a shared timestamp. Entries already set
// keep their ProcessedAt.
func (t *Tracker) MarkBatch(ctx context.Context, entries []core.ProcessedMessage) error {
	if len(entries) == 0 {
		return nil
	}
	now := t.now()
	normalized := make([]core.ProcessedMessage, 0, len(entries))
	for _, entry := range entries {
		entry.UserID = strings.TrimSpace(entry.UserID)
		entry.MessageID = strings.TrimSpace(entry.MessageID)
		if entry.UserID == "" || entry.MessageID == "" {
			return fmt.Errorf("stages: processed entry requires user and message id")
		}
		if entry.ProcessedAt.IsZero() {
			entry.ProcessedAt = now
		}
		normalized = append(normalized, entry)
	}
	return t.store.Mark(ctx, normalized)
}

// FilterUnprocessed keeps the ids not yet recorded, preserving order. The
// second return value counts the ids that were dropped.
func (t *Tracker) FilterUnprocessed(ctx context.Context, userID string, messageIDs []string) ([]string, int, error) {
	fresh := make([]string, 0, len(messageIDs))
	skipped := 0
	for _, id := range messageIDs {
		done, err := t.IsProcessed(ctx, userID, id)
		if err != nil {
			return nil, 0, err
		}
		if done {
			skipped++
			continue
		}
		fresh = append(fresh, id)
	}
	return fresh, skipped, nil
}

// CleanupOlderThan drops entries older than days (30 when days <= 0).
func (t *Tracker) CleanupOlderThan(ctx context.Context, userID string, days int) (int, error) {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	cutoff := t.now().AddDate(0, 0, -days)
	return t.store.DeleteBefore(ctx, strings.TrimSpace(userID), cutoff)
}

func (t *Tracker) ProcessedSince(ctx context.Context, userID string, since time.Time) ([]core.ProcessedMessage, error) {
	return t.store.Since(ctx, strings.TrimSpace(userID), since)
}

func (t *Tracker) Stats(ctx context.Context, userID string) (core.ProcessedStats, error) {
	entries, err := t.store.Since(ctx, strings.TrimSpace(userID), time.Time{})
	if err != nil {
		return core.ProcessedStats{}, err
	}
	stats := core.ProcessedStats{Total: len(entries), ByCategory: map[string]int{}}
	dayAgo := t.now().Add(-24 * time.Hour)
	for _, entry := range entries {
		at := entry.ProcessedAt
		if at.After(dayAgo) {
			stats.Last24h++
		}
		if entry.Category != "" {
			stats.ByCategory[entry.Category]++
		}
		if stats.Oldest == nil || at.Before(*stats.Oldest) {
			stats.Oldest = &at
		}
		if stats.Newest == nil || at.After(*stats.Newest) {
			stats.Newest = &at
		}
	}
	return stats, nil
}

func (t *Tracker) Reset(ctx context.Context, userID string) error {
	return t.store.Reset(ctx, strings.TrimSpace(userID))
}
