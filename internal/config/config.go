// Package config defines the daemon's configuration surface and loads
// it from a YAML file via Koanf, with an optional fsnotify watcher for
// hot-reload.
package config

import (
	"fmt"
	"time"
)

// APIConfig configures the HTTP/query-serving surface.
type APIConfig struct {
	Port                  int `yaml:"port"`
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
}

// StorageConfig selects and configures the graph's storage backend.
type StorageConfig struct {
	// Backend is "embedded" (single-file bbolt, per spec.md's default)
	// or "relational" (PostgreSQL via sqlx and lib/pq).
	Backend      string `yaml:"backend"`
	EmbeddedPath string `yaml:"embedded_path"`
	DSN          string `yaml:"dsn"`
}

// SyncConfig tunes the engine's discovery/reconciliation behavior and
// the scheduler's tick intervals.
type SyncConfig struct {
	MaxConcurrency        int           `yaml:"max_concurrency"`
	GraceSyncs            int           `yaml:"grace_syncs"`
	InferenceEnabled      bool          `yaml:"inference_enabled"`
	InferenceMinConf      float64       `yaml:"inference_min_confidence"`
	LightInterval         time.Duration `yaml:"light_interval"`
	FullInterval          time.Duration `yaml:"full_interval"`
	DriftDetectionEnabled bool          `yaml:"drift_detection_enabled"`
}

// AdaptersConfig toggles which discovery adapters the daemon
// registers and tunes their shared pagination behavior.
type AdaptersConfig struct {
	AWSEnabled        bool `yaml:"aws_enabled"`
	AzureEnabled      bool `yaml:"azure_enabled"`
	GCPEnabled        bool `yaml:"gcp_enabled"`
	KubernetesEnabled bool `yaml:"kubernetes_enabled"`
	PageSize          int  `yaml:"page_size"`
	MaxPages          int  `yaml:"max_pages"`
}

// TenancyConfig configures how tenants' data is kept apart and how
// many live storage handles stay cached at once.
type TenancyConfig struct {
	Isolation          string `yaml:"isolation"`
	MaxCachedTenants   int    `yaml:"max_cached_tenants"`
	DefaultMaxAccounts int    `yaml:"default_max_accounts"`
	DefaultMaxNodes    int    `yaml:"default_max_nodes"`
}

// TracingConfig mirrors internal/tracing.Config so it can be loaded
// from the same file as everything else.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	TLSCAPath   string `yaml:"tls_ca_path"`
	TLSInsecure bool   `yaml:"tls_insecure"`
}

// LoggingConfig configures the global logger and any per-package
// level overrides.
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	PackageLevels map[string]string `yaml:"package_levels"`
}

// Config is the daemon's full configuration surface.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Sync     SyncConfig     `yaml:"sync"`
	Adapters AdaptersConfig `yaml:"adapters"`
	Tenancy  TenancyConfig  `yaml:"tenancy"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DefaultConfig matches spec.md's stated defaults throughout: a local
// embedded store, four concurrent adapter syncs with inference on,
// a fifteen-minute light / six-hour full schedule, and every adapter
// enabled.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{Port: 8080, MaxConcurrentRequests: 64},
		Storage: StorageConfig{
			Backend:      "embedded",
			EmbeddedPath: "graphcore.db",
		},
		Sync: SyncConfig{
			MaxConcurrency:        4,
			GraceSyncs:            1,
			InferenceEnabled:      true,
			InferenceMinConf:      0.9,
			LightInterval:         15 * time.Minute,
			FullInterval:          6 * time.Hour,
			DriftDetectionEnabled: true,
		},
		Adapters: AdaptersConfig{
			AWSEnabled: true, AzureEnabled: true, GCPEnabled: true, KubernetesEnabled: true,
			PageSize: 100, MaxPages: 0,
		},
		Tenancy: TenancyConfig{
			Isolation:        "database",
			MaxCachedTenants: 32,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return NewConfigError("api.port must be between 1 and 65535")
	}
	if c.API.MaxConcurrentRequests < 1 {
		return NewConfigError("api.max_concurrent_requests must be at least 1")
	}
	switch c.Storage.Backend {
	case "embedded":
		if c.Storage.EmbeddedPath == "" {
			return NewConfigError("storage.embedded_path must be set when backend is \"embedded\"")
		}
	case "relational":
		if c.Storage.DSN == "" {
			return NewConfigError("storage.dsn must be set when backend is \"relational\"")
		}
	default:
		return NewConfigError(fmt.Sprintf("storage.backend %q is not one of \"embedded\", \"relational\"", c.Storage.Backend))
	}
	if c.Sync.MaxConcurrency < 1 {
		return NewConfigError("sync.max_concurrency must be at least 1")
	}
	if c.Sync.InferenceMinConf < 0 || c.Sync.InferenceMinConf > 1 {
		return NewConfigError("sync.inference_min_confidence must be in [0,1]")
	}
	switch c.Tenancy.Isolation {
	case "schema", "database", "prefix", "shared":
	default:
		return NewConfigError(fmt.Sprintf("tenancy.isolation %q is not one of \"schema\", \"database\", \"prefix\", \"shared\"", c.Tenancy.Isolation))
	}
	if c.Storage.Backend == "embedded" && c.Tenancy.Isolation != "database" {
		return NewConfigError("storage.backend \"embedded\" only supports tenancy.isolation \"database\"")
	}
	if c.Storage.Backend == "relational" && c.Tenancy.Isolation == "database" {
		return NewConfigError("storage.backend \"relational\" does not support tenancy.isolation \"database\"; use \"schema\", \"prefix\", or \"shared\"")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return NewConfigError("tracing.endpoint must be set when tracing is enabled")
	}
	return nil
}

// ConfigError is a descriptive configuration validation failure.
type ConfigError struct{ message string }

func NewConfigError(message string) *ConfigError { return &ConfigError{message: message} }

func (e *ConfigError) Error() string { return e.message }
