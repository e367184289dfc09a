package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, applies environment overrides,
// and validates the result. An empty path skips the file and returns the
// defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration against its declared constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies FLOWMILL_* environment variables on top of the
// file values. Only operational knobs are overridable; structural settings
// stay in the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("FLOWMILL_MAX_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FLOWMILL_MAX_PARALLEL: %w", err)
		}
		cfg.Engine.MaxParallel = n
	}

	if v := os.Getenv("FLOWMILL_DEFAULT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FLOWMILL_DEFAULT_TIMEOUT: %w", err)
		}
		cfg.Engine.DefaultTimeout = d
	}

	if v := os.Getenv("FLOWMILL_LOG_LEVEL"); v != "" {
		cfg.Telemetry.Logging.Level = v
	}

	if v := os.Getenv("FLOWMILL_LOG_FORMAT"); v != "" {
		cfg.Telemetry.Logging.Format = v
	}

	if v := os.Getenv("FLOWMILL_ARTIFACTS_ROOT"); v != "" {
		cfg.Stores.Artifacts.Root = v
	}

	if v := os.Getenv("FLOWMILL_METADATA_PATH"); v != "" {
		cfg.Stores.Metadata.Path = v
	}

	return nil
}
