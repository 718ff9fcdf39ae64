package config

import "time"

// Default returns the baseline configuration used when no file or overlay
// provides a value.
func Default() *Config {
	return &Config{
		Backend:   "pdflatex",
		OutputDir: ".",
		Cache: CacheConfig{
			Dir:       ".texbuild/cache",
			MaxSizeMB: 1000,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			Backoff:      RetryBackoffExponential,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
		Compile: CompileConfig{
			Timeout:  2 * time.Minute,
			Optimize: true,
		},
		Postproc: PostprocessConfig{
			MaxPasses: 4,
		},
		Recovery: RecoveryConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
	}
}

// applyDefaults backfills zero values after YAML unmarshal, so partial config
// files behave predictably.
func applyDefaults(c *Config) {
	d := Default()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = d.Cache.Dir
	}
	if c.Cache.MaxSizeMB == 0 {
		c.Cache.MaxSizeMB = d.Cache.MaxSizeMB
	}
	if c.Retry.Backoff == "" {
		c.Retry.Backoff = d.Retry.Backoff
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = d.Retry.InitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Compile.Timeout == 0 {
		c.Compile.Timeout = d.Compile.Timeout
	}
	if c.Postproc.MaxPasses == 0 {
		c.Postproc.MaxPasses = d.Postproc.MaxPasses
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}
