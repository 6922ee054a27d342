package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

// VaryHeaders are the request headers that take part in the cache key.
// Credentials never do.
var VaryHeaders = []string{"Accept", "Accept-Language"}

// CanonicalURL renders u with a lower-cased host and sorted query values.
func CanonicalURL(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	if c.Path == "" {
		c.Path = "/"
	}
	q := c.Query()
	for k := range q {
		sort.Strings(q[k])
	}
	c.RawQuery = q.Encode()
	return c.String()
}

// Key returns the cache key of r: method, canonical URL and the Vary-relevant
// headers. HEAD shares the GET entry.
func Key(r *http.Request) string {
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(CanonicalURL(r.URL))
	for _, h := range VaryHeaders {
		if v := r.Header.Get(h); v != "" {
			b.WriteString("|")
			b.WriteString(strings.ToLower(h))
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// CacheStore is the storage the cache needs: cache rows plus usage totals.
type CacheStore interface {
	offline.CacheStore
	offline.UsageReporter
}

// CacheOptions bounds the cache.
type CacheOptions struct {
	// BudgetBytes caps the bytes held by cached responses.
	BudgetBytes int64
	// QuotaBytes caps everything the device stores: records, media, queue and cache.
	QuotaBytes int64
	Metrics    offline.MetricsCollector
	Logger     *slog.Logger
	Now        func() time.Time
}

// Cache is the response cache. Only cache entries are ever evicted; records,
// media and queue rows count toward the quota but are never touched.
type Cache struct {
	store CacheStore
	opts  CacheOptions

	// mu serializes budget enforcement.
	mu     sync.Mutex
	pinsMu sync.Mutex
	pins   map[string]int
}

// NewCache creates a cache over store.
func NewCache(store CacheStore, opts CacheOptions) *Cache {
	if opts.Metrics == nil {
		opts.Metrics = &offline.NoOpMetricsCollector{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("cache").Logger
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Cache{store: store, opts: opts, pins: make(map[string]int)}
}

// Pin protects key from eviction until the returned function is called.
func (c *Cache) Pin(key string) (unpin func()) {
	c.pinsMu.Lock()
	c.pins[key]++
	c.pinsMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.pinsMu.Lock()
			if c.pins[key]--; c.pins[key] <= 0 {
				delete(c.pins, key)
			}
			c.pinsMu.Unlock()
		})
	}
}

// Pinned reports whether key is pinned.
func (c *Cache) Pinned(key string) bool {
	c.pinsMu.Lock()
	defer c.pinsMu.Unlock()
	return c.pins[key] > 0
}

// Get returns the entry for key and records the access.
func (c *Cache) Get(ctx context.Context, key string) (offline.CacheEntry, bool, error) {
	e, err := c.store.GetCacheEntry(ctx, key)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return offline.CacheEntry{}, false, nil
	}
	if err != nil {
		return offline.CacheEntry{}, false, err
	}
	now := c.opts.Now()
	if err := c.store.TouchCacheEntry(ctx, key, now); err != nil {
		c.opts.Logger.Warn("failed to touch cache entry", slog.String("key", key), logging.ErrorAttr(err))
	}
	e.LastAccessedAt = now
	return e, true, nil
}

// Put stores e, evicting least recently used entries to stay within the
// budget and the storage quota. An entry that cannot fit is not stored.
func (c *Cache) Put(ctx context.Context, e offline.CacheEntry) error {
	if e.Size == 0 {
		e.Size = int64(len(e.Body))
	}
	if c.opts.BudgetBytes > 0 && e.Size > c.opts.BudgetBytes {
		return errors.NewQuotaError(errors.OpPut, fmt.Errorf("response of %s exceeds the cache budget of %s",
			humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(c.opts.BudgetBytes))))
	}
	now := c.opts.Now()
	if e.StoredAt.IsZero() {
		e.StoredAt = now
	}
	e.LastAccessedAt = now

	c.mu.Lock()
	defer c.mu.Unlock()

	// An existing entry under the same key is replaced and does not count.
	var existing int64
	if old, err := c.store.GetCacheEntry(ctx, e.Key); err == nil {
		existing = old.Size
	}

	if c.opts.BudgetBytes > 0 {
		used, err := c.store.CacheBytes(ctx)
		if err != nil {
			return err
		}
		if over := used - existing + e.Size - c.opts.BudgetBytes; over > 0 {
			if freed := c.evictLocked(ctx, over, e.Key); freed < over {
				return errors.NewQuotaError(errors.OpPut, fmt.Errorf("cache budget exhausted by pinned entries"))
			}
		}
	}
	if err := c.ensureRoomLocked(ctx, e.Size-existing, e.Key); err != nil {
		return err
	}
	return c.store.PutCacheEntry(ctx, e)
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.DeleteCacheEntry(ctx, key)
}

// Refreshed marks an entry revalidated by the origin without a new body.
func (c *Cache) Refreshed(ctx context.Context, e offline.CacheEntry) error {
	e.StoredAt = c.opts.Now()
	return c.store.PutCacheEntry(ctx, e)
}

// InvalidatePath drops every cached GET whose URL path is p or lies below it.
func (c *Cache) InvalidatePath(ctx context.Context, p string) (int, error) {
	metas, err := c.store.ListCacheMeta(ctx)
	if err != nil {
		return 0, err
	}
	p = strings.TrimSuffix(p, "/")
	n := 0
	for _, m := range metas {
		u, err := url.Parse(m.URL)
		if err != nil {
			continue
		}
		if u.Path != p && !strings.HasPrefix(u.Path, p+"/") {
			continue
		}
		if err := c.store.DeleteCacheEntry(ctx, m.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// EnsureRoom makes need more bytes available under the storage quota by
// evicting cache entries. It fails with STORAGE_QUOTA_EXCEEDED when even an
// empty cache would not leave enough room.
func (c *Cache) EnsureRoom(ctx context.Context, need int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureRoomLocked(ctx, need, "")
}

func (c *Cache) ensureRoomLocked(ctx context.Context, need int64, exclude string) error {
	if c.opts.QuotaBytes <= 0 || need <= 0 {
		return nil
	}
	data, err := c.store.UsageBytes(ctx)
	if err != nil {
		return err
	}
	cached, err := c.store.CacheBytes(ctx)
	if err != nil {
		return err
	}
	over := data + cached + need - c.opts.QuotaBytes
	if over <= 0 {
		return nil
	}
	if freed := c.evictLocked(ctx, over, exclude); freed >= over {
		return nil
	}
	return errors.NewQuotaError(errors.OpPut, fmt.Errorf("need %s, quota %s, in use %s",
		humanize.IBytes(uint64(need)), humanize.IBytes(uint64(c.opts.QuotaBytes)), humanize.IBytes(uint64(data+cached)))).
		WithMetadata("need_bytes", need).
		WithMetadata("quota_bytes", c.opts.QuotaBytes)
}

// evictLocked removes unpinned entries, least recently used first, until at
// least want bytes are freed. It returns the bytes freed.
func (c *Cache) evictLocked(ctx context.Context, want int64, exclude string) int64 {
	metas, err := c.store.ListCacheMeta(ctx)
	if err != nil {
		logging.LogError(ctx, c.opts.Logger, err, "failed to list cache entries")
		return 0
	}
	var freed int64
	evicted := 0
	for _, m := range metas {
		if freed >= want {
			break
		}
		if m.Key == exclude || c.Pinned(m.Key) {
			continue
		}
		if err := c.store.DeleteCacheEntry(ctx, m.Key); err != nil {
			logging.LogError(ctx, c.opts.Logger, err, "failed to evict cache entry", slog.String("key", m.Key))
			continue
		}
		freed += m.Size
		evicted++
	}
	if evicted > 0 {
		c.opts.Metrics.RecordEvictions(evicted)
		c.opts.Logger.Debug("evicted cache entries",
			slog.Int("count", evicted),
			slog.String("freed", humanize.IBytes(uint64(freed))))
	}
	return freed
}
