// Package sqlstore implements the triage stores on bun through
// go-persistence-bun and go-repository-bun.
package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/ratelimit"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db *bun.DB

	credentialOpts     []CredentialOption
	credentialStore    *CredentialStore
	artifactStore      *ArtifactStore
	processedStore     *ProcessedStore
	throttleStateStore *ThrottleStateStore
}

func NewRepositoryFactory(opts ...CredentialOption) *RepositoryFactory {
	return &RepositoryFactory{credentialOpts: opts}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...CredentialOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...CredentialOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.credentialStore != nil && f.artifactStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) CredentialStore() core.CredentialStore {
	if f == nil {
		return nil
	}
	return f.credentialStore
}

func (f *RepositoryFactory) ArtifactStore() core.ArtifactStore {
	if f == nil {
		return nil
	}
	return f.artifactStore
}

func (f *RepositoryFactory) ProcessedStore() core.ProcessedStore {
	if f == nil {
		return nil
	}
	return f.processedStore
}

func (f *RepositoryFactory) ThrottleStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	return f.throttleStateStore
}

func (f *RepositoryFactory) initStores() error {
	credentialStore, err := NewCredentialStore(f.db, f.credentialOpts...)
	if err != nil {
		return err
	}
	artifactStore, err := NewArtifactStore(f.db)
	if err != nil {
		return err
	}
	processedStore, err := NewProcessedStore(f.db)
	if err != nil {
		return err
	}
	throttleStateStore, err := NewThrottleStateStore(f.db)
	if err != nil {
		return err
	}
	f.credentialStore = credentialStore
	f.artifactStore = artifactStore
	f.processedStore = processedStore
	f.throttleStateStore = throttleStateStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
