// Package migrations resolves the embedded triage schema for each SQL
// dialect and hands it to a registration callback, usually
// persistence.Client.RegisterSQLMigrations.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	triage "github.com/goliatone/go-triage"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const rootDir = "data/sql/migrations"

// Source is the migration set for one dialect. Versions lists the up files
// in apply order.
type Source struct {
	Dialect  string
	Dir      string
	FS       fs.FS
	Versions []string
}

// RegisterFunc receives the migration filesystem of one dialect.
type RegisterFunc func(ctx context.Context, dialect string, fsys fs.FS) error

// DialectForDriver maps a database/sql driver name to its migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx":
		return DialectPostgres, nil
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: no dialect for driver %q", driver)
	}
}

// Sources lists the postgres and sqlite migration sets found in root, or in
// the embedded tree when root is nil. Postgres files live at the top of the
// migrations directory and sqlite alternatives under sqlite/.
func Sources(root fs.FS) ([]Source, error) {
	if root == nil {
		root = triage.GetMigrationsFS()
	}
	postgres, err := loadSource(root, DialectPostgres, rootDir)
	if err != nil {
		return nil, err
	}
	sqlite, err := loadSource(root, DialectSQLite, rootDir+"/sqlite")
	if err != nil {
		return nil, err
	}
	return []Source{postgres, sqlite}, nil
}

// For returns the embedded migration set of dialect.
func For(dialect string) (Source, error) {
	sources, err := Sources(nil)
	if err != nil {
		return Source{}, err
	}
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	for _, source := range sources {
		if source.Dialect == dialect {
			return source, nil
		}
	}
	return Source{}, fmt.Errorf("migrations: unknown dialect %q", dialect)
}

// Register hands the embedded migrations of each requested dialect to fn.
// With no dialects every source is registered.
func Register(ctx context.Context, fn RegisterFunc, dialects ...string) ([]Source, error) {
	if fn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	sources, err := Sources(nil)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, dialect := range dialects {
		if dialect = strings.ToLower(strings.TrimSpace(dialect)); dialect != "" {
			wanted[dialect] = true
		}
	}

	registered := make([]Source, 0, len(sources))
	for _, source := range sources {
		if len(wanted) > 0 && !wanted[source.Dialect] {
			continue
		}
		if err := fn(ctx, source.Dialect, source.FS); err != nil {
			return registered, fmt.Errorf("migrations: register %s from %s: %w", source.Dialect, source.Dir, err)
		}
		registered = append(registered, source)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("migrations: no source for dialects %v", dialects)
	}
	return registered, nil
}

func loadSource(root fs.FS, dialect string, dir string) (Source, error) {
	sub, err := fs.Sub(root, dir)
	if err != nil {
		return Source{}, fmt.Errorf("migrations: open %s: %w", dir, err)
	}
	ups, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return Source{}, fmt.Errorf("migrations: list %s: %w", dir, err)
	}
	if len(ups) == 0 {
		return Source{}, fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	sort.Strings(ups)
	return Source{Dialect: dialect, Dir: dir, FS: sub, Versions: ups}, nil
}
