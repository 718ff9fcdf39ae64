package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ApplyEnvOverlay applies TEXBUILD_* environment variables on top of the
// loaded configuration. A .env file in the working directory is honored when
// present; its absence is not an error.
func ApplyEnvOverlay(c *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("TEXBUILD_BACKEND"); v != "" {
		if b := NormalizeBackend(v); b != "" {
			c.Backend = b
		}
	}
	if v := os.Getenv("TEXBUILD_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("TEXBUILD_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("TEXBUILD_CACHE_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Cache.Disabled = b
		}
	}
	if v := os.Getenv("TEXBUILD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("TEXBUILD_COMPILE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Compile.Timeout = d
		}
	}
	if v := os.Getenv("TEXBUILD_LOG_LEVEL"); v != "" {
		c.Logging.Level = NormalizeLogLevel(v)
	}
	if v := os.Getenv("TEXBUILD_LOG_FORMAT"); v != "" {
		c.Logging.Format = NormalizeLogFormat(v)
	}
}
