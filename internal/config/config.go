// Package config defines the texbuild configuration model: YAML loading,
// typed enums with tolerant normalization, defaults, validation, and an
// environment overlay.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	texerrors "git.home.luguber.info/inful/texbuild/internal/errors"
)

// Config is the root configuration for a compilation run.
type Config struct {
	Backend   string            `yaml:"backend"`
	OutputDir string            `yaml:"output_dir"`
	Cache     CacheConfig       `yaml:"cache"`
	Retry     RetryConfig       `yaml:"retry"`
	Compile   CompileConfig     `yaml:"compile"`
	Postproc  PostprocessConfig `yaml:"postprocess"`
	Recovery  RecoveryConfig    `yaml:"recovery"`
	Journal   JournalConfig     `yaml:"journal"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// CacheConfig controls the persistent build cache.
type CacheConfig struct {
	Dir       string `yaml:"dir"`
	MaxSizeMB int64  `yaml:"max_size_mb"`
	Disabled  bool   `yaml:"disabled"`
}

// MaxSizeBytes returns the configured cache ceiling in bytes.
func (c CacheConfig) MaxSizeBytes() int64 {
	return c.MaxSizeMB * 1024 * 1024
}

// RetryConfig controls retry and backoff behavior for recoverable stage
// failures.
type RetryConfig struct {
	MaxRetries   int              `yaml:"max_retries"`
	Backoff      RetryBackoffMode `yaml:"backoff"`
	InitialDelay time.Duration    `yaml:"initial_delay"`
	MaxDelay     time.Duration    `yaml:"max_delay"`
}

// CompileConfig controls the external typesetting invocation.
type CompileConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Optimize bool          `yaml:"optimize"`
}

// PostprocessConfig controls the cross-reference fixed-point loop.
type PostprocessConfig struct {
	// MaxPasses caps additional compile passes while resolving
	// cross-references. Exceeding the cap is a critical failure.
	MaxPasses int `yaml:"max_passes"`
}

// RecoveryConfig controls the autonomous error-recovery engine.
type RecoveryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	LearnedFixLog string `yaml:"learned_fix_log"`
}

// JournalConfig controls the optional SQLite build event journal.
type JournalConfig struct {
	// Path to the journal database. Empty disables journaling.
	Path string `yaml:"path"`
}

// LoggingConfig controls slog setup.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Load reads a YAML config file, applies defaults, the environment overlay,
// and validation. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - user supplied config path
		if err != nil {
			if os.IsNotExist(err) {
				ApplyEnvOverlay(cfg)
				return cfg, cfg.Validate()
			}
			return nil, texerrors.Wrap(err, texerrors.CategoryConfig, texerrors.SeverityFatal, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, texerrors.Wrap(err, texerrors.CategoryConfig, texerrors.SeverityFatal, "parse config file")
		}
	}

	ApplyEnvOverlay(cfg)
	applyDefaults(cfg)
	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface deep in the
// pipeline.
func (c *Config) Validate() error {
	if NormalizeBackend(c.Backend) == "" {
		return texerrors.New(texerrors.CategoryValidation, texerrors.SeverityFatal,
			fmt.Sprintf("unknown backend %q", c.Backend))
	}
	if c.Retry.MaxRetries < 0 {
		return texerrors.New(texerrors.CategoryValidation, texerrors.SeverityFatal, "retry.max_retries cannot be negative")
	}
	if c.Postproc.MaxPasses < 1 {
		return texerrors.New(texerrors.CategoryValidation, texerrors.SeverityFatal, "postprocess.max_passes must be at least 1")
	}
	if c.Compile.Timeout <= 0 {
		return texerrors.New(texerrors.CategoryValidation, texerrors.SeverityFatal, "compile.timeout must be positive")
	}
	if c.Cache.MaxSizeMB < 0 {
		return texerrors.New(texerrors.CategoryValidation, texerrors.SeverityFatal, "cache.max_size_mb cannot be negative")
	}
	return nil
}
