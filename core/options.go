package core

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// ResolveConfig layers defaults, provider-loaded values and runtime overrides.
// A nil provider or resolver falls back to the cfgx and go-options defaults.
func ResolveConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, fmt.Errorf("core: load config: %w", err)
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	return maps.Clone(l.Values), nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// layer collects only the values a scope actually sets so lower scopes keep
// their values for everything else.
type layer struct {
	values      map[string]any
	includeZero bool
}

func newLayer(includeZero bool) layer {
	return layer{values: map[string]any{}, includeZero: includeZero}
}

func (l layer) str(key, value string) {
	if l.includeZero || strings.TrimSpace(value) != "" {
		l.values[key] = value
	}
}

func (l layer) num(key string, value int) {
	if l.includeZero || value != 0 {
		l.values[key] = value
	}
}

func (l layer) float(key string, value float64) {
	if l.includeZero || value != 0 {
		l.values[key] = value
	}
}

func (l layer) dur(key string, value time.Duration) {
	if l.includeZero || value != 0 {
		l.values[key] = value
	}
}

func (l layer) flag(key string, value bool) {
	if l.includeZero || value {
		l.values[key] = value
	}
}

func (l layer) list(key string, value []string) {
	if l.includeZero || len(value) > 0 {
		l.values[key] = append([]string(nil), value...)
	}
}

func (l layer) nest(key string, child layer) {
	if len(child.values) > 0 {
		l.values[key] = child.values
	}
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	root := newLayer(includeZero)
	root.str("service_name", cfg.ServiceName)

	credentials := newLayer(includeZero)
	credentials.str("backend", cfg.Credentials.Backend)
	credentials.str("dir", cfg.Credentials.Dir)
	credentials.str("keyring_service", cfg.Credentials.KeyringService)
	credentials.str("encryption_key", cfg.Credentials.EncryptionKey)
	credentials.list("retired_encryption_keys", cfg.Credentials.RetiredEncryptionKeys)
	root.nest("credentials", credentials)

	refresh := newLayer(includeZero)
	refresh.dur("margin", cfg.Refresh.Margin)
	refresh.num("max_attempts", cfg.Refresh.MaxAttempts)
	refresh.dur("initial_backoff", cfg.Refresh.InitialBackoff)
	refresh.dur("max_backoff", cfg.Refresh.MaxBackoff)
	root.nest("refresh", refresh)

	rate := newLayer(includeZero)
	rate.num("limit", cfg.RateLimit.Limit)
	rate.dur("window", cfg.RateLimit.Window)
	rate.num("per_user_limit", cfg.RateLimit.PerUserLimit)
	rate.float("usage_threshold", cfg.RateLimit.UsageThreshold)
	if includeZero || len(cfg.RateLimit.Costs) > 0 {
		costs := make(map[string]any, len(cfg.RateLimit.Costs))
		for kind, cost := range cfg.RateLimit.Costs {
			costs[kind] = cost
		}
		rate.values["costs"] = costs
	}
	root.nest("rate_limit", rate)

	gateway := newLayer(includeZero)
	gateway.num("max_retries", cfg.Gateway.MaxRetries)
	gateway.dur("initial_backoff", cfg.Gateway.InitialBackoff)
	gateway.dur("max_backoff", cfg.Gateway.MaxBackoff)
	gateway.dur("max_elapsed", cfg.Gateway.MaxElapsed)
	gateway.dur("request_timeout", cfg.Gateway.RequestTimeout)
	root.nest("gateway", gateway)

	pipeline := newLayer(includeZero)
	pipeline.str("artifact_backend", cfg.Pipeline.ArtifactBackend)
	pipeline.str("artifact_dir", cfg.Pipeline.ArtifactDir)
	pipeline.num("cache_size", cfg.Pipeline.CacheSize)
	pipeline.num("max_concurrent_runs", cfg.Pipeline.MaxConcurrentRuns)
	root.nest("pipeline", pipeline)

	gmail := newLayer(includeZero)
	gmail.str("base_url", cfg.Gmail.BaseURL)
	gmail.str("query", cfg.Gmail.Query)
	gmail.num("max_results", cfg.Gmail.MaxResults)
	gmail.num("body_limit", cfg.Gmail.BodyLimit)
	gmail.num("retention_days", cfg.Gmail.RetentionDays)
	gmail.flag("empty_trash", cfg.Gmail.EmptyTrash)
	root.nest("gmail", gmail)

	oauth := newLayer(includeZero)
	oauth.str("client_id", cfg.OAuth.ClientID)
	oauth.str("client_secret", cfg.OAuth.ClientSecret)
	oauth.str("redirect_url", cfg.OAuth.RedirectURL)
	oauth.str("auth_url", cfg.OAuth.AuthURL)
	oauth.str("token_url", cfg.OAuth.TokenURL)
	oauth.str("revoke_url", cfg.OAuth.RevokeURL)
	oauth.list("scopes", cfg.OAuth.Scopes)
	root.nest("oauth", oauth)

	gemini := newLayer(includeZero)
	gemini.str("model", cfg.Gemini.Model)
	gemini.str("prompts_file", cfg.Gemini.PromptsFile)
	root.nest("gemini", gemini)

	s3 := newLayer(includeZero)
	s3.str("endpoint", cfg.Storage.S3.Endpoint)
	s3.str("access_key", cfg.Storage.S3.AccessKey)
	s3.str("secret_key", cfg.Storage.S3.SecretKey)
	s3.str("bucket", cfg.Storage.S3.Bucket)
	s3.str("region", cfg.Storage.S3.Region)
	s3.str("prefix", cfg.Storage.S3.Prefix)
	s3.flag("secure", cfg.Storage.S3.Secure)
	storage := newLayer(includeZero)
	storage.str("driver", cfg.Storage.Driver)
	storage.str("dsn", cfg.Storage.DSN)
	storage.nest("s3", s3)
	root.nest("storage", storage)

	maintenance := newLayer(includeZero)
	maintenance.dur("purge_every", cfg.Maintenance.PurgeEvery)
	maintenance.dur("refresh_every", cfg.Maintenance.RefreshEvery)
	maintenance.dur("run_every", cfg.Maintenance.RunEvery)
	maintenance.num("max_attempts", cfg.Maintenance.MaxAttempts)
	root.nest("maintenance", maintenance)

	logging := newLayer(includeZero)
	logging.str("level", cfg.Logging.Level)
	logging.str("format", cfg.Logging.Format)
	root.nest("logging", logging)

	return root.values
}
