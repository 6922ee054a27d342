// Package offline defines the domain types shared by the offline synchronization
// engine: records, media blobs, queue entries, cache entries and the events the
// engine emits to the UI layer.
package offline

import (
	"encoding/json"
	"net/http"
	"time"
)

// ResourceType is the category of a Record. The set is open; the constants
// below are the ones the fleet application uses.
type ResourceType string

const (
	ResourceIntervention    ResourceType = "intervention"
	ResourceChecklistEntry  ResourceType = "checklist_entry"
	ResourceMediaAttachment ResourceType = "media_attachment"
)

// SyncState tracks whether a Record's local state has been confirmed by the server.
type SyncState string

const (
	SyncStateSynced        SyncState = "synced"
	SyncStatePendingCreate SyncState = "pendingCreate"
	SyncStatePendingUpdate SyncState = "pendingUpdate"
	SyncStatePendingDelete SyncState = "pendingDelete"
)

// Record is a structured business entity cached or queued offline.
type Record struct {
	ID             string          `json:"id"`
	ResourceType   ResourceType    `json:"resourceType"`
	Payload        json.RawMessage `json:"payload"`
	Version        int64           `json:"version"`
	SyncState      SyncState       `json:"syncState"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
	ServerRevision int64           `json:"serverRevision"`
}

// Pending reports whether the record holds changes the server has not confirmed.
func (r Record) Pending() bool {
	return r.SyncState != SyncStateSynced
}

// UploadState is the delivery state of a MediaBlob.
type UploadState string

const (
	UploadPending  UploadState = "pending"
	UploadUploaded UploadState = "uploaded"
	UploadFailed   UploadState = "failed"
)

// MediaBlob is binary content (photos) captured offline. OwnerRecordID is a
// weak reference: deleting the record does not delete the blob.
type MediaBlob struct {
	ID            string      `json:"id"`
	OwnerRecordID string      `json:"ownerRecordId"`
	MimeType      string      `json:"mimeType"`
	Bytes         []byte      `json:"-"`
	CapturedAt    time.Time   `json:"capturedAt"`
	UploadState   UploadState `json:"uploadState"`
	ContentHash   string      `json:"contentHash"`
}

// Operation is the kind of mutation a QueueEntry delivers.
type Operation string

const (
	OpCreate      Operation = "create"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpUploadMedia Operation = "uploadMedia"
)

// OperationClass groups operations that coalesce with each other.
type OperationClass string

const (
	ClassRecord OperationClass = "record"
	ClassMedia  OperationClass = "media"
)

// Class returns the coalescing class of the operation.
func (o Operation) Class() OperationClass {
	if o == OpUploadMedia {
		return ClassMedia
	}
	return ClassRecord
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpUploadMedia:
		return true
	}
	return false
}

// EntryState is the delivery state of a QueueEntry.
type EntryState string

const (
	EntryQueued            EntryState = "queued"
	EntryInFlight          EntryState = "inFlight"
	EntryAcknowledged      EntryState = "acknowledged"
	EntryRetryScheduled    EntryState = "retryScheduled"
	EntryPermanentlyFailed EntryState = "permanentlyFailed"
)

// Terminal reports whether no further transition is possible.
func (s EntryState) Terminal() bool {
	return s == EntryAcknowledged || s == EntryPermanentlyFailed
}

// QueueEntry is one durable unit of pending work.
type QueueEntry struct {
	ID                 string          `json:"id"`
	Seq                int64           `json:"seq"`
	TargetResourceType ResourceType    `json:"targetResourceType"`
	TargetRecordID     string          `json:"targetRecordId"`
	Operation          Operation       `json:"operation"`
	PayloadSnapshot    json.RawMessage `json:"payloadSnapshot,omitempty"`
	AttemptCount       int             `json:"attemptCount"`
	CreatedAt          time.Time       `json:"createdAt"`
	LastAttemptAt      time.Time       `json:"lastAttemptAt,omitempty"`
	LastError          string          `json:"lastError,omitempty"`
	State              EntryState      `json:"state"`
	IdempotencyKey     string          `json:"idempotencyKey"`
	BaseRevision       int64           `json:"baseRevision"`
	ModifiedAt         time.Time       `json:"modifiedAt"`
	NextAttemptAt      time.Time       `json:"nextAttemptAt,omitempty"`
	// OwnerRecordID is set on uploadMedia entries; TargetRecordID is then the blob id.
	OwnerRecordID string `json:"ownerRecordId,omitempty"`
}

// Coalescible reports whether later mutations may still be merged into the entry.
// An entry that has been attempted may already be applied server-side under its
// idempotency key, so it is frozen.
func (e QueueEntry) Coalescible() bool {
	return e.State == EntryQueued && e.AttemptCount == 0 && e.LastAttemptAt.IsZero()
}

// Clone returns a deep copy of the entry.
func (e QueueEntry) Clone() QueueEntry {
	c := e
	if e.PayloadSnapshot != nil {
		c.PayloadSnapshot = append(json.RawMessage(nil), e.PayloadSnapshot...)
	}
	return c
}

// CacheStrategy names the policy that produced a cached response.
type CacheStrategy string

const (
	StrategyNetworkOnly          CacheStrategy = "networkOnly"
	StrategyStaleWhileRevalidate CacheStrategy = "staleWhileRevalidate"
	StrategyCacheFirst           CacheStrategy = "cacheFirst"
)

// CacheEntry is a stored network response.
type CacheEntry struct {
	Key            string        `json:"key"`
	Method         string        `json:"method"`
	URL            string        `json:"url"`
	Status         int           `json:"status"`
	Header         http.Header   `json:"header"`
	Body           []byte        `json:"-"`
	StoredAt       time.Time     `json:"storedAt"`
	LastAccessedAt time.Time     `json:"lastAccessedAt"`
	Strategy       CacheStrategy `json:"strategy"`
	ETag           string        `json:"etag,omitempty"`
	ContentHash    string        `json:"contentHash"`
	Size           int64         `json:"size"`
}

// SyncStatus is the summary returned to the UI layer.
type SyncStatus struct {
	PendingCount int       `json:"pendingCount"`
	InFlight     int       `json:"inFlight"`
	FailedCount  int       `json:"failedCount"`
	LastError    string    `json:"lastError,omitempty"`
	Online       bool      `json:"online"`
	Draining     bool      `json:"draining"`
	LastDrainAt  time.Time `json:"lastDrainAt,omitempty"`
	UsageBytes   int64     `json:"usageBytes"`
	CacheBytes   int64     `json:"cacheBytes"`
}
