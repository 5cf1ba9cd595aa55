package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/goliatone/go-triage/core"
	"github.com/spf13/viper"
)

const defaultConfigPath = "triage.yaml"

// Secrets and deployment specific keys that are commonly supplied through
// TRIAGE_* variables instead of the YAML file.
var envBoundKeys = []string{
	"credentials.backend",
	"credentials.dir",
	"credentials.encryption_key",
	"oauth.client_id",
	"oauth.client_secret",
	"oauth.redirect_url",
	"pipeline.artifact_backend",
	"storage.driver",
	"storage.dsn",
	"storage.s3.endpoint",
	"storage.s3.access_key",
	"storage.s3.secret_key",
	"storage.s3.bucket",
	"gemini.model",
	"logging.level",
	"logging.format",
}

// Duration keys are read through viper so "30s" style strings reach the
// config decoder as time.Duration values.
var durationKeys = []string{
	"refresh.margin",
	"refresh.initial_backoff",
	"refresh.max_backoff",
	"rate_limit.window",
	"gateway.initial_backoff",
	"gateway.max_backoff",
	"gateway.max_elapsed",
	"gateway.request_timeout",
	"maintenance.purge_every",
	"maintenance.refresh_every",
	"maintenance.run_every",
}

// viperLoader reads the YAML config file and TRIAGE_* environment overrides
// into the raw map consumed by core.CfgxConfigProvider.
type viperLoader struct {
	v *viper.Viper
}

func newViperLoader(path string) (*viperLoader, error) {
	v := viper.New()
	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envBoundKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("triage: bind env %s: %w", key, err)
		}
	}

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultConfigPath
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("triage: read config %s: %w", path, err)
		}
	}
	return &viperLoader{v: v}, nil
}

func (l *viperLoader) LoadRaw(context.Context) (map[string]any, error) {
	raw := l.v.AllSettings()
	for _, key := range durationKeys {
		if l.v.IsSet(key) {
			setPath(raw, key, l.v.GetDuration(key))
		}
	}
	return raw, nil
}

func setPath(raw map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	current := raw
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func loadConfig(ctx context.Context, path string, runtime core.Config) (core.Config, error) {
	loader, err := newViperLoader(path)
	if err != nil {
		return core.Config{}, err
	}
	return core.ResolveConfig(ctx, core.NewCfgxConfigProvider(loader), core.GoOptionsResolver{}, runtime)
}
