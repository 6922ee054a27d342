// Package config holds the engine, agent and reference backend configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

// Duration is a time.Duration that decodes from strings such as "30s" in
// YAML, TOML and JSON alike.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root configuration.
type Config struct {
	Store            StoreConfig            `yaml:"store" toml:"store" json:"store"`
	Backend          BackendConfig          `yaml:"backend" toml:"backend" json:"backend"`
	Sync             SyncConfig             `yaml:"sync" toml:"sync" json:"sync"`
	Cache            CacheConfig            `yaml:"cache" toml:"cache" json:"cache"`
	Connectivity     ConnectivityConfig     `yaml:"connectivity" toml:"connectivity" json:"connectivity"`
	Agent            AgentConfig            `yaml:"agent" toml:"agent" json:"agent"`
	ReferenceBackend ReferenceBackendConfig `yaml:"reference_backend" toml:"reference_backend" json:"reference_backend"`
	Log              logging.Config         `yaml:"log" toml:"log" json:"log"`
}

// StoreConfig selects the local database.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path" json:"path"`
	// Driver is "sqlite3" (cgo, github.com/mattn/go-sqlite3) or "sqlite" (pure Go, modernc.org/sqlite).
	Driver      string   `yaml:"driver" toml:"driver" json:"driver"`
	EnableWAL   bool     `yaml:"enable_wal" toml:"enable_wal" json:"enable_wal"`
	BusyTimeout Duration `yaml:"busy_timeout" toml:"busy_timeout" json:"busy_timeout"`
}

// BackendConfig describes the remote API.
type BackendConfig struct {
	BaseURL        string   `yaml:"base_url" toml:"base_url" json:"base_url"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout" json:"request_timeout"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes" toml:"max_body_bytes" json:"max_body_bytes"`
	// Routes maps a resource type to its collection path, e.g. intervention -> /api/interventions.
	Routes map[string]string `yaml:"routes" toml:"routes" json:"routes"`
}

// Collection returns the collection path for t.
func (b BackendConfig) Collection(t offline.ResourceType) string {
	if p, ok := b.Routes[string(t)]; ok {
		return p
	}
	return "/api/" + string(t) + "s"
}

// ResourceFor returns the resource type whose collection path prefixes path.
func (b BackendConfig) ResourceFor(path string) (offline.ResourceType, bool) {
	best := ""
	var found offline.ResourceType
	for t, p := range b.Routes {
		if (path == p || strings.HasPrefix(path, p+"/")) && len(p) > len(best) {
			best, found = p, offline.ResourceType(t)
		}
	}
	return found, best != ""
}

// BackoffConfig controls retry delays.
type BackoffConfig struct {
	Initial    Duration `yaml:"initial" toml:"initial" json:"initial"`
	Max        Duration `yaml:"max" toml:"max" json:"max"`
	Multiplier float64  `yaml:"multiplier" toml:"multiplier" json:"multiplier"`
}

// SyncConfig controls queue draining.
type SyncConfig struct {
	SweepInterval  Duration      `yaml:"sweep_interval" toml:"sweep_interval" json:"sweep_interval"`
	AttemptTimeout Duration      `yaml:"attempt_timeout" toml:"attempt_timeout" json:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	Concurrency    int           `yaml:"concurrency" toml:"concurrency" json:"concurrency"`
	Backoff        BackoffConfig `yaml:"backoff" toml:"backoff" json:"backoff"`
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	BudgetBytes       int64    `yaml:"budget_bytes" toml:"budget_bytes" json:"budget_bytes"`
	StorageQuotaBytes int64    `yaml:"storage_quota_bytes" toml:"storage_quota_bytes" json:"storage_quota_bytes"`
	RefreshTimeout    Duration `yaml:"refresh_timeout" toml:"refresh_timeout" json:"refresh_timeout"`
	ReadTimeout       Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout"`
}

// ConnectivityConfig configures the reachability probe.
type ConnectivityConfig struct {
	ProbeURL      string   `yaml:"probe_url" toml:"probe_url" json:"probe_url"`
	ProbeTimeout  Duration `yaml:"probe_timeout" toml:"probe_timeout" json:"probe_timeout"`
	ProbeInterval Duration `yaml:"probe_interval" toml:"probe_interval" json:"probe_interval"`
}

// AgentConfig configures the local agent.
type AgentConfig struct {
	Addr string `yaml:"addr" toml:"addr" json:"addr"`
}

// ReferenceBackendConfig configures the bundled reference API server.
type ReferenceBackendConfig struct {
	Addr           string   `yaml:"addr" toml:"addr" json:"addr"`
	PostgresDSN    string   `yaml:"postgres_dsn" toml:"postgres_dsn" json:"postgres_dsn"`
	RedisAddr      string   `yaml:"redis_addr" toml:"redis_addr" json:"redis_addr"`
	RedisPassword  string   `yaml:"redis_password" toml:"redis_password" json:"redis_password"`
	RedisDB        int      `yaml:"redis_db" toml:"redis_db" json:"redis_db"`
	IdempotencyTTL Duration `yaml:"idempotency_ttl" toml:"idempotency_ttl" json:"idempotency_ttl"`
}

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:        "offline.db",
			Driver:      "sqlite3",
			EnableWAL:   true,
			BusyTimeout: Duration(5 * time.Second),
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8090",
			RequestTimeout: Duration(15 * time.Second),
			MaxBodyBytes:   8 << 20,
			Routes: map[string]string{
				string(offline.ResourceIntervention):    "/api/interventions",
				string(offline.ResourceChecklistEntry):  "/api/checklist-entries",
				string(offline.ResourceMediaAttachment): "/api/media-attachments",
			},
		},
		Sync: SyncConfig{
			SweepInterval:  Duration(30 * time.Second),
			AttemptTimeout: Duration(10 * time.Second),
			MaxAttempts:    8,
			Concurrency:    4,
			Backoff: BackoffConfig{
				Initial:    Duration(time.Second),
				Max:        Duration(5 * time.Minute),
				Multiplier: 2,
			},
		},
		Cache: CacheConfig{
			BudgetBytes:       64 << 20,
			StorageQuotaBytes: 512 << 20,
			RefreshTimeout:    Duration(10 * time.Second),
			ReadTimeout:       Duration(3 * time.Second),
		},
		Connectivity: ConnectivityConfig{
			ProbeTimeout:  Duration(3 * time.Second),
			ProbeInterval: Duration(15 * time.Second),
		},
		Agent: AgentConfig{Addr: "127.0.0.1:8787"},
		ReferenceBackend: ReferenceBackendConfig{
			Addr:           ":8090",
			IdempotencyTTL: Duration(24 * time.Hour),
		},
		Log: logging.DefaultConfig,
	}
}

// ProbeURL returns the configured probe URL or the backend's /healthz.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return strings.TrimRight(c.Backend.BaseURL, "/") + "/healthz"
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite3 or sqlite", c.Store.Driver))
	}
	if c.Backend.BaseURL == "" {
		problems = append(problems, "backend.base_url is required")
	}
	if c.Sync.MaxAttempts < 1 {
		problems = append(problems, "sync.max_attempts must be >= 1")
	}
	if c.Sync.Concurrency < 1 {
		problems = append(problems, "sync.concurrency must be >= 1")
	}
	if c.Sync.AttemptTimeout <= 0 {
		problems = append(problems, "sync.attempt_timeout must be positive")
	}
	if c.Sync.Backoff.Multiplier < 1 {
		problems = append(problems, "sync.backoff.multiplier must be >= 1")
	}
	if c.Sync.Backoff.Max < c.Sync.Backoff.Initial {
		problems = append(problems, "sync.backoff.max must be >= sync.backoff.initial")
	}
	if c.Cache.BudgetBytes <= 0 {
		problems = append(problems, "cache.budget_bytes must be positive")
	}
	if c.Cache.StorageQuotaBytes > 0 && c.Cache.StorageQuotaBytes < c.Cache.BudgetBytes {
		problems = append(problems, "cache.storage_quota_bytes must be >= cache.budget_bytes")
	}
	if len(problems) > 0 {
		return errors.NewValidationError(errors.OpValidate, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; ")))
	}
	return nil
}
