// Package sqlite provides the SQLite implementation of the Local Durable Store:
// records, media blobs, the write queue and the response cache, kept in one
// versioned database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	offErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"

	// cgo driver, registered as "sqlite3"
	_ "github.com/mattn/go-sqlite3"
	// pure Go driver, registered as "sqlite"
	_ "modernc.org/sqlite"
)

const component = "storage/sqlite"

// Driver names accepted by Config.Driver.
const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the Store.
type Config struct {
	// Path is the database file, or ":memory:".
	Path string

	// Driver selects the database/sql driver. Defaults to DriverMattn.
	Driver string

	// EnableWAL switches the journal to write-ahead logging.
	EnableWAL bool

	// BusyTimeout is how long a locked database is retried before failing.
	BusyTimeout time.Duration

	// Logger is optional; the component logger is used when nil.
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMattn
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component)).Logger
	}
	if c.Path == ":memory:" {
		c.EnableWAL = false
	}
}

// DefaultConfig returns a Config with WAL enabled on the default driver.
func DefaultConfig(path string) *Config {
	config := &Config{
		Path:      path,
		EnableWAL: true,
	}
	config.setDefaults()
	return config
}

// Store implements offline.Store on SQLite.
type Store struct {
	db     *sql.DB
	driver string
	mu     stdSync.RWMutex
	closed bool
	locks  *keyedMutex
	logger *slog.Logger
}

var _ offline.Store = (*Store)(nil)

// NewWithDataSource is a convenience constructor
func NewWithDataSource(path string) (*Store, error) {
	return New(DefaultConfig(path))
}

// New opens the database, applies pragmas and runs pending migrations.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.Path == "" {
		return nil, fmt.Errorf("Path is required")
	}
	if config.Driver != DriverMattn && config.Driver != DriverModernc {
		return nil, fmt.Errorf("unsupported sqlite driver %q", config.Driver)
	}

	logger := config.Logger
	logger.Info("Opening SQLite database",
		slog.String("path", config.Path),
		slog.String("driver", config.Driver),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open(config.Driver, config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// live only as long as their connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", config.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	if config.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	store := &Store{
		db:     db,
		driver: config.Driver,
		locks:  newKeyedMutex(),
		logger: logger,
	}

	migrator := NewMigrator(db, logger)
	if err := migrator.Up(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	version, _ := migrator.CurrentVersion(context.Background())
	logger.Info("SQLite store initialized", slog.Int("schema_version", version))
	return store, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// UsageBytes counts bytes held by records, media and queue rows.
func (s *Store) UsageBytes(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	const query = `SELECT
		(SELECT COALESCE(SUM(length(id) + length(payload)), 0) FROM records) +
		(SELECT COALESCE(SUM(length(bytes)), 0) FROM media) +
		(SELECT COALESCE(SUM(length(id) + length(payload_snapshot)), 0) FROM queue)`
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, storageErr(err, "sqlite.UsageBytes")
	}
	return n, nil
}

// CacheBytes sums the size of cached responses.
func (s *Store) CacheBytes(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_entries`).Scan(&n); err != nil {
		return 0, storageErr(err, "sqlite.CacheBytes")
	}
	return n, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var oe *offErrors.OfflineError
	if errors.As(err, &oe) {
		return offErrors.WrapOpComponent(err, op, component)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isQuotaErr(err) {
		return offErrors.WrapOpComponentCode(err, op, component, offErrors.ErrCodeStorageQuota)
	}
	return offErrors.WrapOpComponentCode(err, op, component, offErrors.ErrCodeStorageFailure)
}

func isQuotaErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "sqlite_full")
}

func notFound(kind, id string) error {
	return offErrors.NewNotFound(offErrors.OpGet, fmt.Errorf("%s %q not found", kind, id))
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
