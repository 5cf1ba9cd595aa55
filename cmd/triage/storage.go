package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-triage/core"
	triagemigrations "github.com/goliatone/go-triage/migrations"
	"github.com/goliatone/go-triage/ratelimit"
	"github.com/goliatone/go-triage/security"
	filestore "github.com/goliatone/go-triage/store/file"
	keyringstore "github.com/goliatone/go-triage/store/keyring"
	memstore "github.com/goliatone/go-triage/store/memory"
	s3store "github.com/goliatone/go-triage/store/s3"
	sqlstore "github.com/goliatone/go-triage/store/sql"
	"github.com/spf13/afero"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const throttleCacheTTL = time.Minute

type persistenceConfig struct {
	driver string
	server string
}

func (c persistenceConfig) GetDebug() bool                { return false }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "go-triage" }

type backends struct {
	credentials core.CredentialStore
	artifacts   core.ArtifactStore
	processed   core.ProcessedStore
	throttle    ratelimit.StateStore
	client      *persistence.Client
}

func (b *backends) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

// openBackends builds the stores named by cfg. The SQL database always
// backs processed-message tracking and throttle state; credentials and
// artifacts use it only when their backend is "sql".
func openBackends(ctx context.Context, cfg core.Config, observer core.Observer) (*backends, error) {
	secrets, err := secretProvider(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	client, err := openDatabase(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	out := &backends{client: client}

	credentialOpts := []sqlstore.CredentialOption{sqlstore.WithObserver(observer)}
	if secrets != nil {
		credentialOpts = append(credentialOpts, sqlstore.WithSecrets(secrets))
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, credentialOpts...)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	out.processed = factory.ProcessedStore()

	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = throttleCacheTTL
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("triage: throttle cache: %w", err)
	}
	if out.throttle, err = sqlstore.NewCachedThrottleStateStore(factory.ThrottleStateStore(), cacheService); err != nil {
		_ = out.Close()
		return nil, err
	}

	if out.credentials, err = openCredentialStore(cfg.Credentials, factory, secrets, observer); err != nil {
		_ = out.Close()
		return nil, err
	}
	if out.artifacts, err = openArtifactStore(cfg, factory); err != nil {
		_ = out.Close()
		return nil, err
	}
	return out, nil
}

func secretProvider(cfg core.CredentialsConfig) (core.SecretProvider, error) {
	key := strings.TrimSpace(cfg.EncryptionKey)
	if key == "" {
		return nil, nil
	}
	provider, err := security.NewRotatingAppKeyProvider(key, cfg.RetiredEncryptionKeys)
	if err != nil {
		return nil, fmt.Errorf("triage: credential encryption key: %w", err)
	}
	return provider, nil
}

func openCredentialStore(
	cfg core.CredentialsConfig,
	factory *sqlstore.RepositoryFactory,
	secrets core.SecretProvider,
	observer core.Observer,
) (core.CredentialStore, error) {
	switch cfg.Backend {
	case core.BackendSQL:
		return factory.CredentialStore(), nil
	case core.BackendKeyring:
		ring, err := keyringstore.Open(cfg.KeyringService, cfg.Dir, cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		opts := []keyringstore.Option{keyringstore.WithObserver(observer)}
		if secrets != nil {
			opts = append(opts, keyringstore.WithSecrets(secrets))
		}
		return keyringstore.NewCredentialStore(ring, opts...)
	case core.BackendMemory:
		opts := []memstore.CredentialOption{memstore.WithObserver(observer)}
		if secrets != nil {
			opts = append(opts, memstore.WithSecrets(secrets))
		}
		return memstore.NewCredentialStore(opts...), nil
	default:
		opts := []filestore.Option{filestore.WithObserver(observer)}
		if secrets != nil {
			opts = append(opts, filestore.WithSecrets(secrets))
		}
		return filestore.NewCredentialStore(afero.NewOsFs(), cfg.Dir, opts...)
	}
}

func openArtifactStore(cfg core.Config, factory *sqlstore.RepositoryFactory) (core.ArtifactStore, error) {
	switch cfg.Pipeline.ArtifactBackend {
	case core.BackendSQL:
		return factory.ArtifactStore(), nil
	case core.BackendS3:
		return s3store.New(cfg.Storage.S3)
	case core.BackendMemory:
		return memstore.NewArtifactStore(), nil
	default:
		return filestore.NewArtifactStore(afero.NewOsFs(), cfg.Pipeline.ArtifactDir)
	}
}

// openDatabase opens the configured driver and applies the embedded
// migrations for its dialect. Drivers: sqlite3 (cgo), sqlite (pure Go),
// postgres (lib/pq) and pgx.
func openDatabase(ctx context.Context, cfg core.StorageConfig) (*persistence.Client, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	migrationsFor, err := triagemigrations.DialectForDriver(driver)
	if err != nil {
		return nil, fmt.Errorf("triage: storage.driver %q is not supported", cfg.Driver)
	}
	var dialect schema.Dialect = pgdialect.New()
	if migrationsFor == triagemigrations.DialectSQLite {
		dialect = sqlitedialect.New()
	}

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("triage: open %s: %w", driver, err)
	}
	if migrationsFor == triagemigrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{driver: driver, server: cfg.DSN}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("triage: persistence client: %w", err)
	}

	_, err = triagemigrations.Register(ctx, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrationsFor)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("triage: migrate: %w", err)
	}
	return client, nil
}
