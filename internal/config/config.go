// Package config handles TOML configuration for liftsync.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yairfalse/liftsync/pkg/resource"
)

// Environment variables that override credentials from the config file.
const (
	EnvAPIToken  = "LIFTSYNC_API_TOKEN"
	EnvKeyID     = "LIFTSYNC_KEY_ID"
	EnvKeySecret = "LIFTSYNC_KEY_SECRET"
)

// Config is the root configuration structure.
type Config struct {
	Spacelift SpaceliftConfig `toml:"spacelift"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Retry     RetryConfig     `toml:"retry"`
	Sync      SyncConfig      `toml:"sync"`
	Filters   FiltersConfig   `toml:"filters"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Catalog   CatalogConfig   `toml:"catalog"`
	OTEL      OTELConfig      `toml:"otel"`
	Log       LogConfig       `toml:"log"`
}

// SpaceliftConfig holds API endpoint and credential settings.
// Either APIToken or the KeyID/KeySecret pair must be set.
type SpaceliftConfig struct {
	Endpoint   string `toml:"endpoint"`
	AuthURL    string `toml:"auth_url"`
	APIToken   string `toml:"api_token"`
	KeyID      string `toml:"key_id"`
	KeySecret  string `toml:"key_secret"`
	TimeoutStr string `toml:"timeout"`

	Timeout time.Duration `toml:"-"`
}

// UsesKeyPair reports whether the key/secret exchange should be used.
func (s SpaceliftConfig) UsesKeyPair() bool {
	return s.KeyID != "" && s.KeySecret != ""
}

// RateLimitConfig bounds outbound request rate: Requests per Window.
type RateLimitConfig struct {
	Requests  int    `toml:"requests"`
	WindowStr string `toml:"window"`

	Window time.Duration `toml:"-"`
}

// RetryConfig holds retry/backoff settings for transient failures.
type RetryConfig struct {
	MaxAttempts       int    `toml:"max_attempts"`
	InitialBackoffStr string `toml:"initial_backoff"`
	MaxBackoffStr     string `toml:"max_backoff"`

	InitialBackoff time.Duration `toml:"-"`
	MaxBackoff     time.Duration `toml:"-"`
}

// SyncConfig holds resync scheduling and mapping settings.
type SyncConfig struct {
	IntervalStr   string            `toml:"interval"`
	Kinds         []string          `toml:"kinds"`
	ExcludeKinds  []string          `toml:"exclude_kinds"`
	MappingsDir   string            `toml:"mappings_dir"`
	IncludeFields map[string]string `toml:"include_fields"`
	ExcludeFields map[string]string `toml:"exclude_fields"`
	OneShot       bool              `toml:"one_shot"`

	Interval time.Duration `toml:"-"`
}

// FiltersConfig holds default filters applied to scheduled resyncs.
type FiltersConfig struct {
	Deployment DeploymentFilters `toml:"deployment"`
}

// DeploymentFilters are the default filters for scheduled deployment resyncs.
type DeploymentFilters struct {
	Statuses  []string `toml:"deployment_status"`
	LastNDays int      `toml:"last_n_days"`
}

// Filter converts the defaults to a resource.Filter.
func (d DeploymentFilters) Filter() resource.Filter {
	values := make(map[string]any)
	if len(d.Statuses) > 0 {
		values[resource.FilterStatus] = d.Statuses
	}
	if d.LastNDays > 0 {
		values[resource.FilterLastNDays] = d.LastNDays
	}
	return resource.NewFilter(values)
}

// WebhookConfig holds inbound webhook server settings.
type WebhookConfig struct {
	Listen string `toml:"listen"`
}

// CatalogConfig selects the catalog sink.
type CatalogConfig struct {
	Type     string `toml:"type"` // "bolt", "log" or "s3"
	Path     string `toml:"path"`
	S3Bucket string `toml:"s3_bucket"`
	S3Prefix string `toml:"s3_prefix"`
	S3Region string `toml:"s3_region"`

	// Mirror lists extra sink types ("log", "s3") fed the same pages
	// after the primary accepts them.
	Mirror []string `toml:"mirror"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIToken); v != "" {
		cfg.Spacelift.APIToken = v
	}
	if v := os.Getenv(EnvKeyID); v != "" {
		cfg.Spacelift.KeyID = v
	}
	if v := os.Getenv(EnvKeySecret); v != "" {
		cfg.Spacelift.KeySecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Spacelift.TimeoutStr == "" {
		cfg.Spacelift.TimeoutStr = "30s"
	}
	if cfg.Spacelift.AuthURL == "" && cfg.Spacelift.Endpoint != "" {
		if u, err := url.Parse(cfg.Spacelift.Endpoint); err == nil {
			u.Path = "/auth"
			cfg.Spacelift.AuthURL = u.String()
		}
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 100
	}
	if cfg.RateLimit.WindowStr == "" {
		cfg.RateLimit.WindowStr = "30s"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoffStr == "" {
		cfg.Retry.InitialBackoffStr = "2s"
	}
	if cfg.Retry.MaxBackoffStr == "" {
		cfg.Retry.MaxBackoffStr = "30s"
	}
	if cfg.Sync.IntervalStr == "" {
		cfg.Sync.IntervalStr = "1h"
	}
	if len(cfg.Sync.Kinds) == 0 {
		for _, k := range resource.KnownKinds() {
			cfg.Sync.Kinds = append(cfg.Sync.Kinds, string(k))
		}
	}
	if cfg.Sync.MappingsDir == "" {
		cfg.Sync.MappingsDir = "mappings"
	}
	if cfg.Webhook.Listen == "" {
		cfg.Webhook.Listen = ":8000"
	}
	if cfg.Catalog.Type == "" {
		cfg.Catalog.Type = "bolt"
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = "liftsync.db"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "liftsync"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"spacelift.timeout", cfg.Spacelift.TimeoutStr, &cfg.Spacelift.Timeout},
		{"rate_limit.window", cfg.RateLimit.WindowStr, &cfg.RateLimit.Window},
		{"retry.initial_backoff", cfg.Retry.InitialBackoffStr, &cfg.Retry.InitialBackoff},
		{"retry.max_backoff", cfg.Retry.MaxBackoffStr, &cfg.Retry.MaxBackoff},
		{"sync.interval", cfg.Sync.IntervalStr, &cfg.Sync.Interval},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.src, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.Spacelift.Endpoint == "" {
		return fmt.Errorf("spacelift: endpoint required")
	}
	if c.Spacelift.APIToken == "" && !c.Spacelift.UsesKeyPair() {
		return fmt.Errorf("spacelift: api_token or key_id/key_secret required")
	}
	if c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit: requests and window must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be at least 1 (got %d)", c.Retry.MaxAttempts)
	}
	switch c.Catalog.Type {
	case "bolt", "log":
	case "s3":
		if c.Catalog.S3Bucket == "" {
			return fmt.Errorf("catalog: s3_bucket required for s3 catalog")
		}
	default:
		return fmt.Errorf("catalog: unknown type %q", c.Catalog.Type)
	}
	for _, m := range c.Catalog.Mirror {
		switch {
		case m == c.Catalog.Type:
			return fmt.Errorf("catalog: mirror %q duplicates the primary type", m)
		case m == "s3" && c.Catalog.S3Bucket == "":
			return fmt.Errorf("catalog: s3_bucket required for s3 mirror")
		case m != "log" && m != "s3":
			return fmt.Errorf("catalog: unsupported mirror %q", m)
		}
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}

// SyncKinds returns the configured kinds to resync.
func (c *Config) SyncKinds() []resource.Kind {
	kinds := make([]resource.Kind, 0, len(c.Sync.Kinds))
	for _, k := range c.Sync.Kinds {
		kinds = append(kinds, resource.ParseKind(k))
	}
	return kinds
}
