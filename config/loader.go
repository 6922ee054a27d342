package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFLINE_"

// Load reads path (YAML, TOML or JSON by extension) over the defaults, applies
// OFFLINE_* environment overrides and validates the result. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapOpComponent(fmt.Errorf("failed to read config file %s: %w", path, err), string(errors.OpLoad), "config")
		}
		if err := Decode(data, detectFormat(path), cfg); err != nil {
			return nil, errors.WrapOpComponent(fmt.Errorf("failed to parse config file %s: %w", path, err), string(errors.OpLoad), "config")
		}
	}
	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode unmarshals data in the given format ("yaml", "toml" or "json") into cfg.
func Decode(data []byte, format string, cfg *Config) error {
	switch format {
	case "yaml":
		return yaml.Unmarshal(data, cfg)
	case "toml":
		return toml.Unmarshal(data, cfg)
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
	return fmt.Errorf("unsupported config format %q", format)
}

// Encode writes cfg in the given format.
func Encode(cfg *Config, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(cfg)
	case "toml":
		return toml.Marshal(cfg)
	case "json":
		return json.MarshalIndent(cfg, "", "  ")
	}
	return nil, fmt.Errorf("unsupported config format %q", format)
}

func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// ApplyEnv overrides cfg from OFFLINE_* environment variables.
func ApplyEnv(cfg *Config) {
	cfg.Store.Path = getEnv("STORE_PATH", cfg.Store.Path)
	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.EnableWAL = getEnvBool("STORE_WAL", cfg.Store.EnableWAL)

	cfg.Backend.BaseURL = getEnv("BACKEND_URL", cfg.Backend.BaseURL)
	cfg.Backend.RequestTimeout = getEnvDuration("BACKEND_TIMEOUT", cfg.Backend.RequestTimeout)

	cfg.Sync.SweepInterval = getEnvDuration("SYNC_SWEEP_INTERVAL", cfg.Sync.SweepInterval)
	cfg.Sync.AttemptTimeout = getEnvDuration("SYNC_ATTEMPT_TIMEOUT", cfg.Sync.AttemptTimeout)
	cfg.Sync.MaxAttempts = getEnvInt("SYNC_MAX_ATTEMPTS", cfg.Sync.MaxAttempts)
	cfg.Sync.Concurrency = getEnvInt("SYNC_CONCURRENCY", cfg.Sync.Concurrency)

	cfg.Cache.BudgetBytes = getEnvInt64("CACHE_BUDGET_BYTES", cfg.Cache.BudgetBytes)
	cfg.Cache.StorageQuotaBytes = getEnvInt64("STORAGE_QUOTA_BYTES", cfg.Cache.StorageQuotaBytes)

	cfg.Connectivity.ProbeURL = getEnv("PROBE_URL", cfg.Connectivity.ProbeURL)
	cfg.Connectivity.ProbeInterval = getEnvDuration("PROBE_INTERVAL", cfg.Connectivity.ProbeInterval)

	cfg.Agent.Addr = getEnv("AGENT_ADDR", cfg.Agent.Addr)

	cfg.ReferenceBackend.Addr = getEnv("BACKEND_ADDR", cfg.ReferenceBackend.Addr)
	cfg.ReferenceBackend.PostgresDSN = getEnv("POSTGRES_DSN", cfg.ReferenceBackend.PostgresDSN)
	cfg.ReferenceBackend.RedisAddr = getEnv("REDIS_ADDR", cfg.ReferenceBackend.RedisAddr)
	cfg.ReferenceBackend.RedisPassword = getEnv("REDIS_PASSWORD", cfg.ReferenceBackend.RedisPassword)
	cfg.ReferenceBackend.RedisDB = getEnvInt("REDIS_DB", cfg.ReferenceBackend.RedisDB)

	cfg.Log = logging.GetConfigFromEnv(cfg.Log)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt64(key string, fallback int64) int64 {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback Duration) Duration {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return Duration(parsed)
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
