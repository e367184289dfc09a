// Package config loads and validates engine configuration from YAML files
// and environment overrides.
package config

import (
	"time"

	"github.com/flowmill/flowmill/pkg/telemetry"
)

// Config is the top-level engine configuration.
type Config struct {
	// Engine contains scheduler and attempt execution settings.
	Engine EngineConfig `yaml:"engine" validate:"required"`

	// Stores contains artifact and metadata store settings.
	Stores StoresConfig `yaml:"stores" validate:"required"`

	// Telemetry contains logging, tracing, and metrics settings.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig configures the scheduler and attempt execution.
type EngineConfig struct {
	// MaxParallel is the maximum number of concurrently running tasks.
	MaxParallel int `yaml:"max_parallel" validate:"min=1"`

	// DefaultTimeout bounds a single attempt when a step declares no
	// timeout of its own. Zero means unbounded.
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"min=0"`

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `yaml:"backoff_base" validate:"min=0"`

	// BackoffMax caps the exponential retry delay.
	BackoffMax time.Duration `yaml:"backoff_max" validate:"min=0,gtefield=BackoffBase"`

	// KillGrace is how long a timed-out child gets between the deadline
	// and the process group kill.
	KillGrace time.Duration `yaml:"kill_grace" validate:"min=0"`

	// LogDir is where attempt stdout/stderr captures are written.
	LogDir string `yaml:"log_dir" validate:"required"`
}

// StoresConfig configures the artifact and metadata stores.
type StoresConfig struct {
	// Artifacts configures where task artifacts are persisted.
	Artifacts ArtifactStoreConfig `yaml:"artifacts" validate:"required"`

	// Metadata configures the run metadata database.
	Metadata MetadataStoreConfig `yaml:"metadata" validate:"required"`
}

// ArtifactStoreConfig selects and configures an artifact store backend.
type ArtifactStoreConfig struct {
	// Kind selects the backend (local, object).
	Kind string `yaml:"kind" validate:"oneof=local object"`

	// Root is the base directory for the local backend.
	Root string `yaml:"root" validate:"required_if=Kind local"`

	// Endpoint is the object store endpoint (host:port).
	Endpoint string `yaml:"endpoint" validate:"required_if=Kind object"`

	// Bucket is the object store bucket name.
	Bucket string `yaml:"bucket" validate:"required_if=Kind object"`

	// Prefix is an optional key prefix inside the bucket.
	Prefix string `yaml:"prefix"`

	// UseSSL enables TLS for the object store connection.
	UseSSL bool `yaml:"use_ssl"`
}

// MetadataStoreConfig configures the SQLite metadata store.
type MetadataStoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns" validate:"min=1"`

	// MaxIdleConns bounds idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns" validate:"min=0"`

	// ConnMaxLifetime recycles pooled connections after this duration.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"min=0"`
}

// TelemetryConfig mirrors the telemetry package configuration with YAML tags.
type TelemetryConfig struct {
	// ServiceName identifies the service in traces and logs.
	ServiceName string `yaml:"service_name"`

	// Environment names the deployment environment.
	Environment string `yaml:"environment"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures distributed tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics configures Prometheus metrics.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level        string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format       string `yaml:"format" validate:"oneof=console json"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Exporter      string        `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint      string        `yaml:"endpoint"`
	SamplingRate  float64       `yaml:"sampling_rate" validate:"min=0,max=1"`
	ExportTimeout time.Duration `yaml:"export_timeout" validate:"min=0"`
	Insecure      bool          `yaml:"insecure"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`
}

// Default returns the configuration used when no file or override supplies
// a value. Load unmarshals on top of this.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Engine: EngineConfig{
			MaxParallel:    4,
			DefaultTimeout: 0,
			BackoffBase:    time.Second,
			BackoffMax:     2 * time.Minute,
			KillGrace:      5 * time.Second,
			LogDir:         ".flowmill/logs",
		},
		Stores: StoresConfig{
			Artifacts: ArtifactStoreConfig{
				Kind: "local",
				Root: ".flowmill/artifacts",
			},
			Metadata: MetadataStoreConfig{
				Path:            ".flowmill/metadata.db",
				MaxOpenConns:    4,
				MaxIdleConns:    2,
				ConnMaxLifetime: time.Hour,
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: tel.ServiceName,
			Environment: tel.Environment,
			Logging: LoggingConfig{
				Level:        tel.Logging.Level,
				Format:       tel.Logging.Format,
				Output:       tel.Logging.Output,
				EnableCaller: tel.Logging.EnableCaller,
			},
			Tracing: TracingConfig{
				Enabled:       tel.Tracing.Enabled,
				Exporter:      tel.Tracing.Exporter,
				SamplingRate:  tel.Tracing.SamplingRate,
				ExportTimeout: tel.Tracing.ExportTimeout,
				Insecure:      tel.Tracing.Insecure,
			},
			Metrics: MetricsConfig{
				Enabled:       tel.Metrics.Enabled,
				ListenAddress: tel.Metrics.ListenAddress,
				Path:          tel.Metrics.Path,
				Namespace:     tel.Metrics.Namespace,
			},
		},
	}
}

// TelemetryConfig converts the YAML-tagged telemetry section into the
// telemetry package's configuration type.
func (c *Config) TelemetryConfig(serviceVersion string) *telemetry.Config {
	return &telemetry.Config{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: serviceVersion,
		Environment:    c.Telemetry.Environment,
		Logging: telemetry.LoggingConfig{
			Level:        c.Telemetry.Logging.Level,
			Format:       c.Telemetry.Logging.Format,
			Output:       c.Telemetry.Logging.Output,
			EnableCaller: c.Telemetry.Logging.EnableCaller,
		},
		Tracing: telemetry.TracingConfig{
			Enabled:       c.Telemetry.Tracing.Enabled,
			Exporter:      c.Telemetry.Tracing.Exporter,
			Endpoint:      c.Telemetry.Tracing.Endpoint,
			SamplingRate:  c.Telemetry.Tracing.SamplingRate,
			ExportTimeout: c.Telemetry.Tracing.ExportTimeout,
			Insecure:      c.Telemetry.Tracing.Insecure,
		},
		Metrics: telemetry.MetricsConfig{
			Enabled:       c.Telemetry.Metrics.Enabled,
			ListenAddress: c.Telemetry.Metrics.ListenAddress,
			Path:          c.Telemetry.Metrics.Path,
			Namespace:     c.Telemetry.Metrics.Namespace,
		},
		Events: telemetry.EventsConfig{
			Enabled: true,
		},
	}
}
