package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/offline"
)

const (
	opPutCache    = "sqlite.PutCacheEntry"
	opGetCache    = "sqlite.GetCacheEntry"
	opTouchCache  = "sqlite.TouchCacheEntry"
	opDeleteCache = "sqlite.DeleteCacheEntry"
	opListCache   = "sqlite.ListCacheMeta"
)

const cacheColumns = `key, method, url, status, header, body, stored_at, last_accessed_at, strategy, etag, content_hash, size`

// PutCacheEntry upserts a cached response. Size defaults to the body length.
func (s *Store) PutCacheEntry(ctx context.Context, e offline.CacheEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	header, err := json.Marshal(e.Header)
	if err != nil {
		return storageErr(err, opPutCache)
	}
	if e.Size == 0 {
		e.Size = int64(len(e.Body))
	}
	if e.ContentHash == "" {
		e.ContentHash = ContentHash(e.Body)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (`+cacheColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			method = excluded.method,
			url = excluded.url,
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at,
			last_accessed_at = excluded.last_accessed_at,
			strategy = excluded.strategy,
			etag = excluded.etag,
			content_hash = excluded.content_hash,
			size = excluded.size`,
		e.Key, e.Method, e.URL, e.Status, header, payloadBytes(e.Body), toNanos(e.StoredAt),
		toNanos(e.LastAccessedAt), string(e.Strategy), e.ETag, e.ContentHash, e.Size)
	return storageErr(err, opPutCache)
}

// GetCacheEntry returns the entry stored under key.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (offline.CacheEntry, error) {
	if err := s.checkOpen(); err != nil {
		return offline.CacheEntry{}, err
	}
	var e offline.CacheEntry
	var header []byte
	var stored, accessed int64
	err := s.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE key = ?`, key).
		Scan(&e.Key, &e.Method, &e.URL, &e.Status, &header, &e.Body, &stored, &accessed, &e.Strategy, &e.ETag, &e.ContentHash, &e.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return offline.CacheEntry{}, notFound("cache entry", key)
	}
	if err != nil {
		return offline.CacheEntry{}, storageErr(err, opGetCache)
	}
	e.Header = http.Header{}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &e.Header); err != nil {
			return offline.CacheEntry{}, storageErr(err, opGetCache)
		}
	}
	e.StoredAt = fromNanos(stored)
	e.LastAccessedAt = fromNanos(accessed)
	return e, nil
}

// TouchCacheEntry records an access for LRU ordering.
func (s *Store) TouchCacheEntry(ctx context.Context, key string, at time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET last_accessed_at = ? WHERE key = ?`, toNanos(at), key)
	return storageErr(err, opTouchCache)
}

// DeleteCacheEntry removes a cached response. Missing keys are not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return storageErr(err, opDeleteCache)
}

// ListCacheMeta returns every entry's accounting data, least recently used first.
func (s *Store) ListCacheMeta(ctx context.Context) ([]offline.CacheMeta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, url, size, last_accessed_at FROM cache_entries ORDER BY last_accessed_at, key`)
	if err != nil {
		return nil, storageErr(err, opListCache)
	}
	defer rows.Close()

	var out []offline.CacheMeta
	for rows.Next() {
		var m offline.CacheMeta
		var accessed int64
		if err := rows.Scan(&m.Key, &m.URL, &m.Size, &accessed); err != nil {
			return nil, storageErr(err, opListCache)
		}
		m.LastAccessedAt = fromNanos(accessed)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, opListCache)
	}
	return out, nil
}
