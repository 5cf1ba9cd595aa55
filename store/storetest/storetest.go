// Package storetest holds behaviour suites every store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-triage/core"
)

// CredentialHarness is a fresh backend plus a way to damage one user's record.
type CredentialHarness struct {
	Store   core.CredentialStore
	Corrupt func(t *testing.T, userID string)
}

func credential(userID string, expiresAt time.Time) core.Credential {
	return core.Credential{
		UserID:       userID,
		TokenType:    "Bearer",
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.modify"},
		ExpiresAt:    expiresAt,
		IssuedAt:     expiresAt.Add(-time.Hour),
	}
}

func RunCredentialStore(t *testing.T, newHarness func(t *testing.T) CredentialHarness) {
	t.Helper()
	expiresAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("save load replace", func(t *testing.T) {
		ctx := context.Background()
		h := newHarness(t)
		if err := h.Store.Save(ctx, "alice@example.com", credential("alice@example.com", expiresAt)); err != nil {
			t.Fatalf("save: %v", err)
		}
		updated := credential("alice@example.com", expiresAt.Add(time.Hour))
		updated.AccessToken = "access-2"
		if err := h.Store.Save(ctx, "alice@example.com", updated); err != nil {
			t.Fatalf("replace: %v", err)
		}
		loaded, err := h.Store.Load(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if loaded.AccessToken != "access-2" || !loaded.ExpiresAt.Equal(updated.ExpiresAt) {
			t.Fatalf("expected replaced credential, got %+v", loaded)
		}
		if loaded.RefreshToken != "refresh-alice@example.com" {
			t.Fatalf("expected refresh token to persist, got %q", loaded.RefreshToken)
		}
	})

	t.Run("missing is not found", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.Store.Load(context.Background(), "nobody@example.com"); !core.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("invalid credential is rejected on save", func(t *testing.T) {
		h := newHarness(t)
		invalid := credential("alice@example.com", expiresAt)
		invalid.AccessToken = ""
		if err := h.Store.Save(context.Background(), "alice@example.com", invalid); err == nil {
			t.Fatalf("expected validation error")
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		ctx := context.Background()
		h := newHarness(t)
		if err := h.Store.Save(ctx, "alice@example.com", credential("alice@example.com", expiresAt)); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := h.Store.Delete(ctx, "alice@example.com"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := h.Store.Delete(ctx, "alice@example.com"); err != nil {
			t.Fatalf("second delete: %v", err)
		}
		if _, err := h.Store.Load(ctx, "alice@example.com"); !core.IsNotFound(err) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
	})

	t.Run("corrupt record is purged and isolated", func(t *testing.T) {
		ctx := context.Background()
		h := newHarness(t)
		for _, userID := range []string{"alice@example.com", "bob@example.com"} {
			if err := h.Store.Save(ctx, userID, credential(userID, expiresAt)); err != nil {
				t.Fatalf("save %s: %v", userID, err)
			}
		}
		h.Corrupt(t, "alice@example.com")

		_, err := h.Store.Load(ctx, "alice@example.com")
		if !core.IsNotFound(err) {
			t.Fatalf("expected corrupt record to load as not found, got %v", err)
		}
		if core.KindOf(err) != core.KindNotFound {
			t.Fatalf("expected not found kind, got %s", core.KindOf(err))
		}
		bob, err := h.Store.Load(ctx, "bob@example.com")
		if err != nil {
			t.Fatalf("expected bob unaffected, got %v", err)
		}
		if bob.AccessToken != "access-bob@example.com" {
			t.Fatalf("unexpected bob credential %+v", bob)
		}
		users, err := h.Store.ListUsers(ctx)
		if err != nil {
			t.Fatalf("list users: %v", err)
		}
		if !slices.Equal(users, []string{"bob@example.com"}) {
			t.Fatalf("expected only bob listed, got %v", users)
		}
	})

	t.Run("list users purges and sorts", func(t *testing.T) {
		ctx := context.Background()
		h := newHarness(t)
		for _, userID := range []string{"carol@example.com", "alice@example.com", "bob@example.com"} {
			if err := h.Store.Save(ctx, userID, credential(userID, expiresAt)); err != nil {
				t.Fatalf("save %s: %v", userID, err)
			}
		}
		h.Corrupt(t, "bob@example.com")
		purged, err := h.Store.PurgeCorrupted(ctx)
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if purged != 1 {
			t.Fatalf("expected one purged record, got %d", purged)
		}
		users, err := h.Store.ListUsers(ctx)
		if err != nil {
			t.Fatalf("list users: %v", err)
		}
		if !slices.Equal(users, []string{"alice@example.com", "carol@example.com"}) {
			t.Fatalf("unexpected users %v", users)
		}
	})
}

func RunArtifactStore(t *testing.T, newStore func(t *testing.T) core.ArtifactStore) {
	t.Helper()

	t.Run("put appends versions", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		first, err := s.Put(ctx, core.Artifact{RunID: "run-1", Stage: "fetch", Status: core.ArtifactStatusFailed, Error: "boom"})
		if err != nil {
			t.Fatalf("put first: %v", err)
		}
		second, err := s.Put(ctx, core.Artifact{
			RunID:   "run-1",
			Stage:   "fetch",
			Status:  core.ArtifactStatusComplete,
			Payload: json.RawMessage(`{"messages":[]}`),
			Digest:  "abc",
		})
		if err != nil {
			t.Fatalf("put second: %v", err)
		}
		if first.Version != 1 || second.Version != 2 {
			t.Fatalf("expected versions 1 and 2, got %d and %d", first.Version, second.Version)
		}
		latest, err := s.Latest(ctx, "run-1", "fetch")
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if !latest.Complete() || latest.Version != 2 || string(latest.Payload) != `{"messages":[]}` {
			t.Fatalf("unexpected latest %+v", latest)
		}
		history, err := s.History(ctx, "run-1", "fetch")
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 2 || history[0].Error != "boom" || history[1].Digest != "abc" {
			t.Fatalf("unexpected history %+v", history)
		}
	})

	t.Run("latest missing is not found", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Latest(context.Background(), "run-x", "fetch"); !errors.Is(err, core.ErrArtifactNotFound) {
			t.Fatalf("expected ErrArtifactNotFound, got %v", err)
		}
	})

	t.Run("list returns latest per stage", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		puts := []core.Artifact{
			{RunID: "run-2", Stage: "fetch", Status: core.ArtifactStatusComplete, Payload: json.RawMessage(`{}`), ProducedAt: base},
			{RunID: "run-2", Stage: "categorize", Status: core.ArtifactStatusFailed, ProducedAt: base.Add(time.Minute)},
			{RunID: "run-2", Stage: "categorize", Status: core.ArtifactStatusComplete, Payload: json.RawMessage(`{}`), ProducedAt: base.Add(2 * time.Minute)},
			{RunID: "run-other", Stage: "fetch", Status: core.ArtifactStatusComplete, Payload: json.RawMessage(`{}`), ProducedAt: base},
		}
		for _, artifact := range puts {
			if _, err := s.Put(ctx, artifact); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
		listed, err := s.List(ctx, "run-2")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("expected two stages, got %+v", listed)
		}
		if listed[0].Stage != "fetch" || listed[1].Stage != "categorize" || listed[1].Version != 2 || !listed[1].Complete() {
			t.Fatalf("unexpected listing %+v", listed)
		}
	})

	t.Run("invalid artifact is rejected", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Put(context.Background(), core.Artifact{RunID: "run-3", Stage: "fetch", Status: "bogus"}); err == nil {
			t.Fatalf("expected validation error")
		}
	})
}

func RunProcessedStore(t *testing.T, newStore func(t *testing.T) core.ProcessedStore) {
	t.Helper()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	t.Run("mark has since", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		err := s.Mark(ctx, []core.ProcessedMessage{
			{UserID: "alice", MessageID: "m1", Category: "newsletter", Action: "archive", ProcessedAt: now.Add(-48 * time.Hour)},
			{UserID: "alice", MessageID: "m2", Category: "personal", Action: "reply", ProcessedAt: now.Add(-time.Hour)},
			{UserID: "bob", MessageID: "m1", Category: "spam", ProcessedAt: now},
		})
		if err != nil {
			t.Fatalf("mark: %v", err)
		}
		for _, tt := range []struct {
			user, message string
			want          bool
		}{
			{"alice", "m1", true},
			{"alice", "m3", false},
			{"bob", "m1", true},
			{"bob", "m2", false},
		} {
			got, err := s.Has(ctx, tt.user, tt.message)
			if err != nil {
				t.Fatalf("has: %v", err)
			}
			if got != tt.want {
				t.Fatalf("has(%s,%s) expected %v", tt.user, tt.message, tt.want)
			}
		}
		recent, err := s.Since(ctx, "alice", now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("since: %v", err)
		}
		if len(recent) != 1 || recent[0].MessageID != "m2" || recent[0].Category != "personal" {
			t.Fatalf("unexpected recent entries %+v", recent)
		}
	})

	t.Run("mark replaces existing entry", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		if err := s.Mark(ctx, []core.ProcessedMessage{{UserID: "alice", MessageID: "m1", Category: "a", ProcessedAt: now}}); err != nil {
			t.Fatalf("mark: %v", err)
		}
		if err := s.Mark(ctx, []core.ProcessedMessage{{UserID: "alice", MessageID: "m1", Category: "b", ProcessedAt: now}}); err != nil {
			t.Fatalf("re-mark: %v", err)
		}
		all, err := s.Since(ctx, "alice", time.Time{})
		if err != nil {
			t.Fatalf("since: %v", err)
		}
		if len(all) != 1 || strings.TrimSpace(all[0].Category) != "b" {
			t.Fatalf("expected single replaced entry, got %+v", all)
		}
	})

	t.Run("delete before and reset", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		err := s.Mark(ctx, []core.ProcessedMessage{
			{UserID: "alice", MessageID: "old", ProcessedAt: now.AddDate(0, 0, -40)},
			{UserID: "alice", MessageID: "new", ProcessedAt: now},
			{UserID: "bob", MessageID: "old", ProcessedAt: now.AddDate(0, 0, -40)},
		})
		if err != nil {
			t.Fatalf("mark: %v", err)
		}
		deleted, err := s.DeleteBefore(ctx, "alice", now.AddDate(0, 0, -30))
		if err != nil {
			t.Fatalf("delete before: %v", err)
		}
		if deleted != 1 {
			t.Fatalf("expected one deletion, got %d", deleted)
		}
		if ok, _ := s.Has(ctx, "bob", "old"); !ok {
			t.Fatalf("expected bob's entries untouched")
		}
		if err := s.Reset(ctx, "alice"); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if ok, _ := s.Has(ctx, "alice", "new"); ok {
			t.Fatalf("expected reset to clear alice")
		}
	})
}
