package offline

import (
	"context"
	"time"
)

// RecordStore persists Records. Implementations serialize operations per id.
type RecordStore interface {
	// PutRecord upserts r. An existing row with a higher Version is never
	// overwritten; the call fails with STALE_WRITE_REJECTED instead.
	PutRecord(ctx context.Context, r Record) error
	GetRecord(ctx context.Context, id string) (Record, error)
	ListRecordsByType(ctx context.Context, t ResourceType) ([]Record, error)
	// DeleteRecord tombstones an unsynced record and hard-removes a synced one.
	DeleteRecord(ctx context.Context, id string) error
	// PurgeRecord removes the row whatever its state.
	PurgeRecord(ctx context.Context, id string) error
	// UpdateRecord runs fn on the current row under the per-id lock and
	// persists the result.
	UpdateRecord(ctx context.Context, id string, fn func(*Record) error) (Record, error)
	// ReplaceRecordID re-keys a record.
	ReplaceRecordID(ctx context.Context, oldID, newID string) error
	ListUnsyncedRecords(ctx context.Context) ([]Record, error)
}

// MediaStore persists MediaBlobs.
type MediaStore interface {
	PutMedia(ctx context.Context, m MediaBlob) error
	GetMedia(ctx context.Context, id string) (MediaBlob, error)
	ListMediaByOwner(ctx context.Context, ownerID string) ([]MediaBlob, error)
	DeleteMedia(ctx context.Context, id string) error
	RewriteMediaOwner(ctx context.Context, oldOwnerID, newOwnerID string) error
	SetMediaUploadState(ctx context.Context, id string, state UploadState) error
}

// QueueStore persists QueueEntries.
type QueueStore interface {
	LoadQueue(ctx context.Context) ([]QueueEntry, error)
	// InsertEntry persists e and assigns its Seq.
	InsertEntry(ctx context.Context, e *QueueEntry) error
	UpdateEntry(ctx context.Context, e QueueEntry) error
	DeleteEntry(ctx context.Context, id string) error
	// RewriteRecordID substitutes oldID by newID in target and owner references.
	RewriteRecordID(ctx context.Context, oldID, newID string) error
}

// CacheMeta is a CacheEntry without its body, used for budget accounting.
type CacheMeta struct {
	Key            string
	URL            string
	Size           int64
	LastAccessedAt time.Time
}

// CacheStore persists CacheEntries.
type CacheStore interface {
	PutCacheEntry(ctx context.Context, e CacheEntry) error
	GetCacheEntry(ctx context.Context, key string) (CacheEntry, error)
	TouchCacheEntry(ctx context.Context, key string, at time.Time) error
	DeleteCacheEntry(ctx context.Context, key string) error
	ListCacheMeta(ctx context.Context) ([]CacheMeta, error)
}

// UsageReporter reports bytes held by the durable store.
type UsageReporter interface {
	// UsageBytes counts records, media and queue rows.
	UsageBytes(ctx context.Context) (int64, error)
	CacheBytes(ctx context.Context) (int64, error)
}

// Store is the full Local Durable Store.
type Store interface {
	RecordStore
	MediaStore
	QueueStore
	CacheStore
	UsageReporter
	Close() error
}
