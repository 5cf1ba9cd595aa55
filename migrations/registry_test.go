package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	triage "github.com/goliatone/go-triage"
	_ "github.com/mattn/go-sqlite3"
)

func TestSources_ListsBothDialectsInOrder(t *testing.T) {
	sources, err := Sources(nil)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(sources) != 2 || sources[0].Dialect != DialectPostgres || sources[1].Dialect != DialectSQLite {
		t.Fatalf("unexpected sources %+v", sources)
	}
	want := []string{"00001_triage_schema.up.sql", "00002_triage_throttle_state.up.sql"}
	for _, source := range sources {
		if strings.Join(source.Versions, ",") != strings.Join(want, ",") {
			t.Fatalf("unexpected %s versions %v", source.Dialect, source.Versions)
		}
	}
	if sources[1].Dir != "data/sql/migrations/sqlite" {
		t.Fatalf("unexpected sqlite dir %q", sources[1].Dir)
	}
}

func TestSources_RejectsTreeWithoutMigrations(t *testing.T) {
	empty := fstest.MapFS{"data/sql/migrations/README": &fstest.MapFile{Data: []byte("x")}}
	if _, err := Sources(empty); err == nil {
		t.Fatalf("expected missing migrations error")
	}
}

func TestDialectForDriver(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{driver: "postgres", want: DialectPostgres},
		{driver: "pgx", want: DialectPostgres},
		{driver: "sqlite3", want: DialectSQLite},
		{driver: " SQLite ", want: DialectSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			got, err := DialectForDriver(tt.driver)
			if err != nil || got != tt.want {
				t.Fatalf("expected %q, got %q err=%v", tt.want, got, err)
			}
		})
	}
	if _, err := DialectForDriver("mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestRegister_FiltersDialects(t *testing.T) {
	var calls []string
	registered, err := Register(context.Background(), func(_ context.Context, dialect string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, DialectSQLite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != DialectSQLite || len(registered) != 1 {
		t.Fatalf("expected sqlite only, got %v", calls)
	}

	calls = nil
	if _, err := Register(context.Background(), func(_ context.Context, dialect string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}); err != nil {
		t.Fatalf("register all: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected both dialects, got %v", calls)
	}

	if _, err := Register(context.Background(), func(context.Context, string, fs.FS) error { return nil }, "oracle"); err == nil {
		t.Fatalf("expected unknown dialect error")
	}
}

func TestRegister_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Register(context.Background(), func(context.Context, string, fs.FS) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected register error to propagate, got %v", err)
	}
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil register func")
	}
}

func TestFor(t *testing.T) {
	source, err := For("SQLITE")
	if err != nil {
		t.Fatalf("for: %v", err)
	}
	if _, err := fs.ReadFile(source.FS, source.Versions[0]); err != nil {
		t.Fatalf("read first sqlite migration: %v", err)
	}
	if _, err := For("mysql"); err == nil {
		t.Fatalf("expected unknown dialect error")
	}
}

func TestMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := triage.GetMigrationsFS()
	for _, name := range []string{"00001_triage_schema", "00002_triage_throttle_state"} {
		for _, migrationPath := range []string{
			"data/sql/migrations/" + name + ".up.sql",
			"data/sql/migrations/" + name + ".down.sql",
			"data/sql/migrations/sqlite/" + name + ".up.sql",
			"data/sql/migrations/sqlite/" + name + ".down.sql",
		} {
			content, err := fs.ReadFile(root, migrationPath)
			if err != nil {
				t.Fatalf("read migration %s: %v", migrationPath, err)
			}
			if strings.TrimSpace(string(content)) == "" {
				t.Fatalf("expected migration %s to have SQL content", migrationPath)
			}
		}
	}
}

func TestSQLiteSchemaMigration_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-triage-schema?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(triage.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	for _, migration := range []string{"00001_triage_schema.up.sql", "00002_triage_throttle_state.up.sql"} {
		if err := execSQLMigration(context.Background(), db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}

	insertCredential := `INSERT INTO triage_credentials (id, user_id, version, payload, status) VALUES (?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(context.Background(), insertCredential, "c1", "alice", 1, []byte("x"), "active"); err != nil {
		t.Fatalf("insert first active credential: %v", err)
	}
	if _, err := db.ExecContext(context.Background(), insertCredential, "c2", "alice", 2, []byte("y"), "active"); err == nil {
		t.Fatalf("expected a second active credential for the same user to be rejected")
	}
	if _, err := db.ExecContext(context.Background(), insertCredential, "c3", "alice", 2, []byte("y"), "superseded"); err != nil {
		t.Fatalf("expected superseded row to coexist with the active one: %v", err)
	}

	insertProcessed := `INSERT INTO triage_processed_messages (id, user_id, message_id, processed_at) VALUES (?, ?, ?, ?)`
	if _, err := db.ExecContext(context.Background(), insertProcessed, "p1", "alice", "m1", "2026-05-01 12:00:00+00:00"); err != nil {
		t.Fatalf("insert processed: %v", err)
	}
	if _, err := db.ExecContext(context.Background(), insertProcessed, "p2", "alice", "m1", "2026-05-01 12:00:00+00:00"); err == nil {
		t.Fatalf("expected duplicate processed message to be rejected")
	}

	if _, err := db.ExecContext(context.Background(),
		`INSERT INTO triage_artifacts (id, run_id, stage, version, status, produced_at) VALUES ('a1', 'run', 'fetch', 1, 'bogus', '2026-05-01')`,
	); err == nil {
		t.Fatalf("expected artifact status check constraint")
	}

	for _, migration := range []string{"00002_triage_throttle_state.down.sql", "00001_triage_schema.down.sql"} {
		if err := execSQLMigration(context.Background(), db, sqliteMigrations, migration); err != nil {
			t.Fatalf("rollback migration %s: %v", migration, err)
		}
	}

	var count int
	if err := db.QueryRowContext(
		context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE 'triage_%'`,
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master after rollback: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected all triage tables dropped, %d remain", count)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
