package config

import "strings"

// RetryBackoffMode enumerates supported backoff strategies for retries.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

// NormalizeRetryBackoff converts arbitrary user input (case-insensitive) into
// a typed mode, returning empty string for unknown.
func NormalizeRetryBackoff(raw string) RetryBackoffMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RetryBackoffFixed):
		return RetryBackoffFixed
	case string(RetryBackoffLinear):
		return RetryBackoffLinear
	case string(RetryBackoffExponential):
		return RetryBackoffExponential
	default:
		return ""
	}
}

// NormalizeBackend converts user input into a canonical backend name,
// accepting the descriptive aliases used in documentation. Returns empty
// string for unknown input.
func NormalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pdflatex", "fast":
		return "pdflatex"
	case "xelatex", "unicode":
		return "xelatex"
	case "lualatex", "lua-extended":
		return "lualatex"
	case "auto", "auto-detect":
		return "auto"
	default:
		return ""
	}
}

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// NormalizeLogLevel maps user input to a LogLevel, defaulting to info.
func NormalizeLogLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogLevelDebug):
		return LogLevelDebug
	case string(LogLevelWarn):
		return LogLevelWarn
	case string(LogLevelError):
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// NormalizeLogFormat maps user input to a LogFormat, defaulting to text.
func NormalizeLogFormat(raw string) LogFormat {
	if strings.ToLower(strings.TrimSpace(raw)) == string(LogFormatJSON) {
		return LogFormatJSON
	}
	return LogFormatText
}
