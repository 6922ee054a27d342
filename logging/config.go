package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv overlays the logging environment variables on base.
// OFFLINE_LOG_* variables are checked first, then the plain LOG_* ones.
func GetConfigFromEnv(base Config) Config {
	config := base

	if level := firstEnv("OFFLINE_LOG_LEVEL", "LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := firstEnv("OFFLINE_LOG_FORMAT", "LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if env := firstEnv("OFFLINE_ENVIRONMENT", "ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
	}
	if addSource := firstEnv("OFFLINE_LOG_ADD_SOURCE", "LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}

	return ApplyEnvironmentDefaults(config)
}

// ApplyEnvironmentDefaults fills the format and level that depend on the
// environment when they were not set explicitly. Development turns on source
// locations.
func ApplyEnvironmentDefaults(config Config) Config {
	switch config.Environment {
	case EnvProduction:
		if config.Format == "" {
			config.Format = "json"
		}
	case EnvTest:
		if config.Format == "" {
			config.Format = "text"
		}
		if config.Level == "" {
			config.Level = "debug"
		}
	case EnvDevelopment:
		if config.Format == "" {
			config.Format = "text"
		}
		if config.Level == "" {
			config.Level = "debug"
		}
		config.AddSource = true
	}
	if config.Level == "" {
		config.Level = "info"
	}
	return config
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// CustomLevel defines a custom log level between existing ones
type CustomLevel slog.Level

// LevelTrace is more verbose than debug; used for per-entry queue chatter.
const LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)

// String returns the string representation of the custom level
func (l CustomLevel) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}
