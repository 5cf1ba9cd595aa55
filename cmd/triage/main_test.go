package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-triage/core"
)

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	content := "rate_limit:\n  limit: 500\n  window: 30s\ngmail:\n  query: label:inbox\nmaintenance:\n  run_every: 2h\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRIAGE_OAUTH_CLIENT_ID", "client-from-env")

	cfg, err := loadConfig(context.Background(), path, core.Config{Logging: core.LoggingConfig{Level: "debug"}})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RateLimit.Limit != 500 || cfg.RateLimit.Window != 30*time.Second {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Gmail.Query != "label:inbox" || cfg.Gmail.MaxResults != 50 {
		t.Fatalf("unexpected gmail config %+v", cfg.Gmail)
	}
	if cfg.Maintenance.RunEvery != 2*time.Hour || cfg.Maintenance.PurgeEvery != 24*time.Hour {
		t.Fatalf("unexpected maintenance config %+v", cfg.Maintenance)
	}
	if cfg.OAuth.ClientID != "client-from-env" {
		t.Fatalf("expected env override, got %q", cfg.OAuth.ClientID)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected runtime log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadConfig_MissingFiles(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := loadConfig(context.Background(), "", core.Config{}); err != nil {
		t.Fatalf("expected missing default config to be ignored: %v", err)
	}
	if _, err := loadConfig(context.Background(), "missing.yaml", core.Config{}); err == nil {
		t.Fatalf("expected explicit missing config to fail")
	}
}

func TestOpenBackends_SQLiteAndMemory(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Credentials.Backend = core.BackendMemory
	cfg.Pipeline.ArtifactBackend = core.BackendSQL
	cfg.Storage.Driver = "sqlite3"
	cfg.Storage.DSN = "file:cli-backends?mode=memory&cache=shared&_foreign_keys=on"

	ctx := context.Background()
	stores, err := openBackends(ctx, cfg, core.Observer{})
	if err != nil {
		t.Fatalf("open backends: %v", err)
	}
	t.Cleanup(func() { _ = stores.Close() })

	if err := stores.credentials.Save(ctx, "alice@example.com", core.Credential{
		UserID:       "alice@example.com",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	users, err := stores.credentials.ListUsers(ctx)
	if err != nil || len(users) != 1 {
		t.Fatalf("unexpected users %v err=%v", users, err)
	}
	if err := stores.processed.Mark(ctx, []core.ProcessedMessage{{UserID: "alice@example.com", MessageID: "m1", ProcessedAt: time.Now()}}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if done, err := stores.processed.Has(ctx, "alice@example.com", "m1"); err != nil || !done {
		t.Fatalf("expected processed message, got %v err=%v", done, err)
	}

	cfg.Storage.Driver = "oracle"
	if _, err := openBackends(ctx, cfg, core.Observer{}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
