package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-triage/core"
	triagemigrations "github.com/goliatone/go-triage/migrations"
	"github.com/goliatone/go-triage/ratelimit"
	"github.com/goliatone/go-triage/security"
	sqlstore "github.com/goliatone/go-triage/store/sql"
	"github.com/goliatone/go-triage/store/storetest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-triage-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client := newSQLiteClient(t)

	for _, table := range []string{
		"triage_credentials",
		"triage_artifacts",
		"triage_processed_messages",
		"triage_throttle_states",
	} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestCredentialStore(t *testing.T) {
	storetest.RunCredentialStore(t, func(t *testing.T) storetest.CredentialHarness {
		client := newSQLiteClient(t)
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
		if err != nil {
			t.Fatalf("new repository factory: %v", err)
		}
		return storetest.CredentialHarness{
			Store:   factory.CredentialStore(),
			Corrupt: corruptActiveCredential(client),
		}
	})
}

func TestCredentialStore_Sealed(t *testing.T) {
	secrets, err := security.NewRotatingAppKeyProvider("sql-store-key", []string{"sql-store-old-key"})
	if err != nil {
		t.Fatalf("new secret provider: %v", err)
	}
	storetest.RunCredentialStore(t, func(t *testing.T) storetest.CredentialHarness {
		client := newSQLiteClient(t)
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlstore.WithSecrets(secrets))
		if err != nil {
			t.Fatalf("new repository factory: %v", err)
		}
		return storetest.CredentialHarness{
			Store:   factory.CredentialStore(),
			Corrupt: corruptActiveCredential(client),
		}
	})
}

func TestCredentialStore_VersionsAndKeyMetadata(t *testing.T) {
	ctx := context.Background()
	client := newSQLiteClient(t)
	secrets, err := security.NewAppKeySecretProviderFromString("sql-store-key", security.WithKeyID("primary"), security.WithVersion(3))
	if err != nil {
		t.Fatalf("new secret provider: %v", err)
	}
	store, err := sqlstore.NewCredentialStore(client.DB(), sqlstore.WithSecrets(secrets))
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}

	expiresAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		credential := core.Credential{
			UserID:      "alice@example.com",
			AccessToken: fmt.Sprintf("token-%d", i),
			ExpiresAt:   expiresAt.Add(time.Duration(i) * time.Hour),
		}
		if err := store.Save(ctx, "alice@example.com", credential); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	loaded, err := store.Load(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.AccessToken != "token-4" {
		t.Fatalf("expected latest token, got %q", loaded.AccessToken)
	}

	var active, total int
	if err := client.DB().NewRaw(
		"SELECT COUNT(*) FROM triage_credentials WHERE user_id = ? AND status = 'active'",
		"alice@example.com",
	).Scan(ctx, &active); err != nil {
		t.Fatalf("count active: %v", err)
	}
	if err := client.DB().NewRaw(
		"SELECT COUNT(*) FROM triage_credentials WHERE user_id = ?",
		"alice@example.com",
	).Scan(ctx, &total); err != nil {
		t.Fatalf("count total: %v", err)
	}
	if active != 1 {
		t.Fatalf("expected exactly one active row, got %d", active)
	}
	if total != 3 {
		t.Fatalf("expected active row plus two superseded versions, got %d", total)
	}

	var keyID string
	var keyVersion int
	if err := client.DB().NewRaw(
		"SELECT encryption_key_id, encryption_version FROM triage_credentials WHERE user_id = ? AND status = 'active'",
		"alice@example.com",
	).Scan(ctx, &keyID, &keyVersion); err != nil {
		t.Fatalf("read key metadata: %v", err)
	}
	if keyID != "primary" || keyVersion != 3 {
		t.Fatalf("expected primary/3 key metadata, got %s/%d", keyID, keyVersion)
	}
}

func TestArtifactStore(t *testing.T) {
	storetest.RunArtifactStore(t, func(t *testing.T) core.ArtifactStore {
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(newSQLiteClient(t))
		if err != nil {
			t.Fatalf("new repository factory: %v", err)
		}
		return factory.ArtifactStore()
	})
}

func TestArtifactStore_VersionUniqueness(t *testing.T) {
	ctx := context.Background()
	client := newSQLiteClient(t)
	_, err := client.DB().NewRaw(
		`INSERT INTO triage_artifacts (id, run_id, user_id, stage, version, status, digest, degraded, degraded_reason, error, produced_at)
		 VALUES (?, 'run', '', 'fetch', 1, 'complete', '', 0, '', '', ?)`,
		"first", time.Now().UTC(),
	).Exec(ctx)
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}
	_, err = client.DB().NewRaw(
		`INSERT INTO triage_artifacts (id, run_id, user_id, stage, version, status, digest, degraded, degraded_reason, error, produced_at)
		 VALUES (?, 'run', '', 'fetch', 1, 'complete', '', 0, '', '', ?)`,
		"duplicate", time.Now().UTC(),
	).Exec(ctx)
	if err == nil {
		t.Fatalf("expected unique (run_id, stage, version) violation")
	}
}

func TestProcessedStore(t *testing.T) {
	storetest.RunProcessedStore(t, func(t *testing.T) core.ProcessedStore {
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(newSQLiteClient(t))
		if err != nil {
			t.Fatalf("new repository factory: %v", err)
		}
		return factory.ProcessedStore()
	})
}

func TestThrottleStateStore_RoundTripAndUpsert(t *testing.T) {
	ctx := context.Background()
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(newSQLiteClient(t))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.ThrottleStateStore()

	if _, err := store.Get(ctx, "alice@example.com"); !errors.Is(err, ratelimit.ErrStateNotFound) {
		t.Fatalf("expected state not found, got %v", err)
	}

	retryAfter := 1500 * time.Millisecond
	throttledUntil := time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)
	if err := store.Upsert(ctx, ratelimit.State{
		Key:            " alice@example.com ",
		Limit:          250,
		Remaining:      0,
		RetryAfter:     &retryAfter,
		ThrottledUntil: &throttledUntil,
		LastStatus:     429,
		Attempts:       2,
		UpdatedAt:      time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	state, err := store.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Attempts != 2 || state.LastStatus != 429 || state.Limit != 250 {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.RetryAfter == nil || *state.RetryAfter != time.Second {
		t.Fatalf("expected retry-after rounded to whole seconds, got %v", state.RetryAfter)
	}
	if state.ThrottledUntil == nil || !state.ThrottledUntil.Equal(throttledUntil) {
		t.Fatalf("expected throttled until %s, got %v", throttledUntil, state.ThrottledUntil)
	}

	if err := store.Upsert(ctx, ratelimit.State{Key: "alice@example.com", Limit: 250, Remaining: 200}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	state, err = store.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get after second upsert: %v", err)
	}
	if state.Remaining != 200 || state.ThrottledUntil != nil || state.Attempts != 0 {
		t.Fatalf("expected replaced state, got %+v", state)
	}

	var rows int
	if err := factory.DB().NewRaw("SELECT COUNT(*) FROM triage_throttle_states").Scan(ctx, &rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected a single state row, got %d", rows)
	}
}

func TestThrottleStateStore_DrivesAdaptivePolicy(t *testing.T) {
	ctx := context.Background()
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(newSQLiteClient(t))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	policy := ratelimit.NewAdaptivePolicy(factory.ThrottleStateStore())
	policy.Now = func() time.Time { return now }

	if err := policy.AfterCall(ctx, "alice@example.com", ratelimit.ResponseMeta{
		StatusCode: 429,
		Headers:    map[string]string{"Retry-After": "30"},
	}); err != nil {
		t.Fatalf("after call: %v", err)
	}

	restarted := ratelimit.NewAdaptivePolicy(factory.ThrottleStateStore())
	restarted.Now = func() time.Time { return now.Add(time.Second) }
	err = restarted.BeforeCall(ctx, "alice@example.com")
	var throttled ratelimit.ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected persisted throttle to survive restart, got %v", err)
	}
	if throttled.RetryAfter != 29*time.Second {
		t.Fatalf("expected 29s of throttle left, got %s", throttled.RetryAfter)
	}
}

var sqliteSeq atomic.Int64

func newSQLiteClient(t *testing.T) *persistence.Client {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:triage-test-%d-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
		sqliteSeq.Add(1),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	ctx := context.Background()
	_, err = triagemigrations.Register(ctx, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, triagemigrations.DialectSQLite)
	if err != nil {
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return client
}

func corruptActiveCredential(client *persistence.Client) func(t *testing.T, userID string) {
	return func(t *testing.T, userID string) {
		t.Helper()
		_, err := client.DB().NewRaw(
			"UPDATE triage_credentials SET payload = ? WHERE user_id = ? AND status = 'active'",
			[]byte("garbage"),
			userID,
		).Exec(context.Background())
		if err != nil {
			t.Fatalf("corrupt credential: %v", err)
		}
	}
}
