package core

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const (
	BackendMemory  = "memory"
	BackendFile    = "file"
	BackendKeyring = "keyring"
	BackendSQL     = "sql"
	BackendS3      = "s3"
)

type CredentialsConfig struct {
	Backend               string   `koanf:"backend" mapstructure:"backend"`
	Dir                   string   `koanf:"dir" mapstructure:"dir"`
	KeyringService        string   `koanf:"keyring_service" mapstructure:"keyring_service"`
	EncryptionKey         string   `koanf:"encryption_key" mapstructure:"encryption_key"`
	RetiredEncryptionKeys []string `koanf:"retired_encryption_keys" mapstructure:"retired_encryption_keys"`
}

type RefreshConfig struct {
	Margin         time.Duration `koanf:"margin" mapstructure:"margin"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

type RateLimitConfig struct {
	Limit          int            `koanf:"limit" mapstructure:"limit"`
	Window         time.Duration  `koanf:"window" mapstructure:"window"`
	PerUserLimit   int            `koanf:"per_user_limit" mapstructure:"per_user_limit"`
	UsageThreshold float64        `koanf:"usage_threshold" mapstructure:"usage_threshold"`
	Costs          map[string]int `koanf:"costs" mapstructure:"costs"`
}

// DefaultRequestCosts is the quota charged per request kind before
// rate_limit.costs overrides apply.
func DefaultRequestCosts() map[string]int {
	return map[string]int{
		"get":    5,
		"mutate": 5,
		"list":   10,
		"bulk":   50,
		"meta":   1,
	}
}

// MaxCost is the largest per-request charge once Costs overrides the
// defaults. Non-positive overrides are ignored, as the gateway ignores them.
func (c RateLimitConfig) MaxCost() int {
	costs := DefaultRequestCosts()
	for kind, cost := range c.Costs {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind != "" && cost > 0 {
			costs[kind] = cost
		}
	}
	return slices.Max(slices.Collect(maps.Values(costs)))
}

type GatewayConfig struct {
	MaxRetries     int           `koanf:"max_retries" mapstructure:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	MaxElapsed     time.Duration `koanf:"max_elapsed" mapstructure:"max_elapsed"`
	RequestTimeout time.Duration `koanf:"request_timeout" mapstructure:"request_timeout"`
}

type PipelineConfig struct {
	ArtifactBackend   string `koanf:"artifact_backend" mapstructure:"artifact_backend"`
	ArtifactDir       string `koanf:"artifact_dir" mapstructure:"artifact_dir"`
	CacheSize         int    `koanf:"cache_size" mapstructure:"cache_size"`
	MaxConcurrentRuns int    `koanf:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
}

type GmailConfig struct {
	BaseURL       string `koanf:"base_url" mapstructure:"base_url"`
	Query         string `koanf:"query" mapstructure:"query"`
	MaxResults    int    `koanf:"max_results" mapstructure:"max_results"`
	BodyLimit     int    `koanf:"body_limit" mapstructure:"body_limit"`
	RetentionDays int    `koanf:"retention_days" mapstructure:"retention_days"`
	EmptyTrash    bool   `koanf:"empty_trash" mapstructure:"empty_trash"`
}

type OAuthConfig struct {
	ClientID     string   `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret string   `koanf:"client_secret" mapstructure:"client_secret"`
	RedirectURL  string   `koanf:"redirect_url" mapstructure:"redirect_url"`
	AuthURL      string   `koanf:"auth_url" mapstructure:"auth_url"`
	TokenURL     string   `koanf:"token_url" mapstructure:"token_url"`
	RevokeURL    string   `koanf:"revoke_url" mapstructure:"revoke_url"`
	Scopes       []string `koanf:"scopes" mapstructure:"scopes"`
}

type GeminiConfig struct {
	Model       string `koanf:"model" mapstructure:"model"`
	PromptsFile string `koanf:"prompts_file" mapstructure:"prompts_file"`
}

type S3Config struct {
	Endpoint  string `koanf:"endpoint" mapstructure:"endpoint"`
	AccessKey string `koanf:"access_key" mapstructure:"access_key"`
	SecretKey string `koanf:"secret_key" mapstructure:"secret_key"`
	Bucket    string `koanf:"bucket" mapstructure:"bucket"`
	Region    string `koanf:"region" mapstructure:"region"`
	Prefix    string `koanf:"prefix" mapstructure:"prefix"`
	Secure    bool   `koanf:"secure" mapstructure:"secure"`
}

type StorageConfig struct {
	Driver string   `koanf:"driver" mapstructure:"driver"`
	DSN    string   `koanf:"dsn" mapstructure:"dsn"`
	S3     S3Config `koanf:"s3" mapstructure:"s3"`
}

type MaintenanceConfig struct {
	PurgeEvery   time.Duration `koanf:"purge_every" mapstructure:"purge_every"`
	RefreshEvery time.Duration `koanf:"refresh_every" mapstructure:"refresh_every"`
	RunEvery     time.Duration `koanf:"run_every" mapstructure:"run_every"`
	MaxAttempts  int           `koanf:"max_attempts" mapstructure:"max_attempts"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" mapstructure:"level"`
	Format string `koanf:"format" mapstructure:"format"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Credentials CredentialsConfig `koanf:"credentials" mapstructure:"credentials"`
	Refresh     RefreshConfig     `koanf:"refresh" mapstructure:"refresh"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit" mapstructure:"rate_limit"`
	Gateway     GatewayConfig     `koanf:"gateway" mapstructure:"gateway"`
	Pipeline    PipelineConfig    `koanf:"pipeline" mapstructure:"pipeline"`
	Gmail       GmailConfig       `koanf:"gmail" mapstructure:"gmail"`
	OAuth       OAuthConfig       `koanf:"oauth" mapstructure:"oauth"`
	Gemini      GeminiConfig      `koanf:"gemini" mapstructure:"gemini"`
	Storage     StorageConfig     `koanf:"storage" mapstructure:"storage"`
	Maintenance MaintenanceConfig `koanf:"maintenance" mapstructure:"maintenance"`
	Logging     LoggingConfig     `koanf:"logging" mapstructure:"logging"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "triage",
		Credentials: CredentialsConfig{
			Backend:        BackendFile,
			Dir:            "credentials",
			KeyringService: "go-triage",
		},
		Refresh: RefreshConfig{
			Margin:         DefaultRefreshMargin,
			MaxAttempts:    defaultRefreshMaxAttempts,
			InitialBackoff: defaultRefreshInitialBackoff,
			MaxBackoff:     defaultRefreshMaxBackoff,
		},
		RateLimit: RateLimitConfig{
			Limit:          15000,
			Window:         time.Minute,
			UsageThreshold: 0.8,
		},
		Gateway: GatewayConfig{
			MaxRetries:     5,
			InitialBackoff: time.Second,
			MaxBackoff:     32 * time.Second,
			MaxElapsed:     2 * time.Minute,
			RequestTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			ArtifactBackend:   BackendFile,
			ArtifactDir:       "output",
			CacheSize:         256,
			MaxConcurrentRuns: 4,
		},
		Gmail: GmailConfig{
			BaseURL:       "https://gmail.googleapis.com",
			Query:         "is:unread",
			MaxResults:    50,
			BodyLimit:     250,
			RetentionDays: 30,
		},
		OAuth: OAuthConfig{
			AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			RevokeURL:   "https://oauth2.googleapis.com/revoke",
			RedirectURL: "urn:ietf:wg:oauth:2.0:oob",
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			PromptsFile: "prompts.yaml",
		},
		Storage: StorageConfig{
			Driver: "sqlite3",
			DSN:    "file:triage.db?cache=shared&_foreign_keys=on",
		},
		Maintenance: MaintenanceConfig{
			PurgeEvery:   24 * time.Hour,
			RefreshEvery: 30 * time.Minute,
			RunEvery:     time.Hour,
			MaxAttempts:  3,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if !slices.Contains([]string{BackendMemory, BackendFile, BackendKeyring, BackendSQL}, c.Credentials.Backend) {
		return fmt.Errorf("core: credentials.backend %q is invalid", c.Credentials.Backend)
	}
	if c.Credentials.Backend == BackendFile && strings.TrimSpace(c.Credentials.Dir) == "" {
		return fmt.Errorf("core: credentials.dir is required for the file backend")
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("core: rate_limit.limit must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("core: rate_limit.window must be positive")
	}
	if c.RateLimit.PerUserLimit < 0 || c.RateLimit.PerUserLimit > c.RateLimit.Limit {
		return fmt.Errorf("core: rate_limit.per_user_limit must be between 0 and rate_limit.limit")
	}
	if c.RateLimit.UsageThreshold < 0 || c.RateLimit.UsageThreshold > 1 {
		return fmt.Errorf("core: rate_limit.usage_threshold must be within [0,1]")
	}
	for kind, cost := range c.RateLimit.Costs {
		if cost <= 0 || cost > c.RateLimit.Limit {
			return fmt.Errorf("core: rate_limit.costs.%s must be within (0, limit]", kind)
		}
	}
	if maxCost := c.RateLimit.MaxCost(); c.RateLimit.Limit < maxCost {
		return fmt.Errorf("core: rate_limit.limit must cover the largest request cost %d", maxCost)
	} else if c.RateLimit.PerUserLimit > 0 && c.RateLimit.PerUserLimit < maxCost {
		return fmt.Errorf("core: rate_limit.per_user_limit must cover the largest request cost %d", maxCost)
	}
	if !slices.Contains([]string{"", glog.LoggerTypeConsole, glog.LoggerTypeJSON, glog.LoggerTypePretty}, c.Logging.Format) {
		return fmt.Errorf("core: logging.format %q is invalid", c.Logging.Format)
	}
	if c.Refresh.Margin < 0 {
		return fmt.Errorf("core: refresh.margin must not be negative")
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("core: gateway.max_retries must not be negative")
	}
	if !slices.Contains([]string{BackendMemory, BackendFile, BackendSQL, BackendS3}, c.Pipeline.ArtifactBackend) {
		return fmt.Errorf("core: pipeline.artifact_backend %q is invalid", c.Pipeline.ArtifactBackend)
	}
	if c.Pipeline.ArtifactBackend == BackendS3 && strings.TrimSpace(c.Storage.S3.Bucket) == "" {
		return fmt.Errorf("core: storage.s3.bucket is required for the s3 artifact backend")
	}
	if c.Gmail.MaxResults < 0 || c.Gmail.MaxResults > 100 {
		return fmt.Errorf("core: gmail.max_results must be within [0,100]")
	}
	if c.Maintenance.PurgeEvery < 0 || c.Maintenance.RefreshEvery < 0 || c.Maintenance.RunEvery < 0 {
		return fmt.Errorf("core: maintenance intervals must not be negative")
	}
	if c.Maintenance.MaxAttempts < 0 {
		return fmt.Errorf("core: maintenance.max_attempts must not be negative")
	}
	return nil
}
