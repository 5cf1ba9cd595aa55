package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// CredentialStore persists one credential per user identity. Load must never
// return a record that fails Credential.Validate.
type CredentialStore interface {
	Load(ctx context.Context, userID string) (Credential, error)
	Save(ctx context.Context, userID string, credential Credential) error
	Delete(ctx context.Context, userID string) error
	ListUsers(ctx context.Context) ([]string, error)
	PurgeCorrupted(ctx context.Context) (int, error)
}

// TokenExchanger performs the provider refresh-token grant.
type TokenExchanger interface {
	Refresh(ctx context.Context, credential Credential) (Credential, error)
}

// Authorizer drives the interactive grant that produces a first credential.
type Authorizer interface {
	AuthorizationURL(state string) (string, error)
	Exchange(ctx context.Context, userID string, code string) (Credential, error)
}

// Revoker invalidates a grant upstream.
type Revoker interface {
	Revoke(ctx context.Context, credential Credential) error
}

// ArtifactStore is the durable handoff between pipeline stages. Put appends a
// new version; stored versions are never rewritten.
type ArtifactStore interface {
	Latest(ctx context.Context, runID string, stage string) (Artifact, error)
	Put(ctx context.Context, artifact Artifact) (Artifact, error)
	History(ctx context.Context, runID string, stage string) ([]Artifact, error)
	List(ctx context.Context, runID string) ([]Artifact, error)
}

type ProcessedStore interface {
	Has(ctx context.Context, userID string, messageID string) (bool, error)
	Mark(ctx context.Context, entries []ProcessedMessage) error
	Since(ctx context.Context, userID string, since time.Time) ([]ProcessedMessage, error)
	DeleteBefore(ctx context.Context, userID string, before time.Time) (int, error)
	Reset(ctx context.Context, userID string) error
}

type TransportRequest struct {
	Method   string
	URL      string
	Headers  map[string]string
	Query    map[string]string
	Body     []byte
	Metadata map[string]any
	Timeout  time.Duration
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type Transport interface {
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
