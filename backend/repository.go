// Package backend is a reference implementation of the backend API the
// offline engine synchronizes with. It implements the wire conventions the
// engine's client expects: idempotent creates, revision preconditions and
// structured conflict and validation responses.
package backend

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/offline"
)

// FirstID is the identifier assigned to the first created record.
const FirstID = 9001

var (
	// ErrNotFound means the record never existed.
	ErrNotFound = stdErrors.New("record not found")
	// ErrRevisionMismatch means the caller's base revision is not current.
	ErrRevisionMismatch = stdErrors.New("revision mismatch")
)

// Record is a server-side record. Deleted records are kept as tombstones so
// late updates can be answered with a conflict.
type Record struct {
	Collection string          `json:"-"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"record"`
	Revision   int64           `json:"revision"`
	ModifiedAt time.Time       `json:"modifiedAt"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// Media is an uploaded blob.
type Media struct {
	ID            string    `json:"id"`
	OwnerRecordID string    `json:"ownerRecordId"`
	MimeType      string    `json:"mimeType"`
	Bytes         []byte    `json:"-"`
	ContentHash   string    `json:"contentHash"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// ConflictError carries the current server record when a precondition fails.
type ConflictError struct {
	Current Record
}

func (e *ConflictError) Error() string {
	return "revision mismatch at " + strconv.FormatInt(e.Current.Revision, 10)
}

func (e *ConflictError) Unwrap() error { return ErrRevisionMismatch }

// Repository persists records and media. A base revision of 0 means the
// caller holds no precondition.
type Repository interface {
	Create(ctx context.Context, collection string, payload json.RawMessage, now time.Time) (Record, error)
	Get(ctx context.Context, collection, id string) (Record, error)
	List(ctx context.Context, collection string) ([]Record, error)
	Update(ctx context.Context, collection, id string, base int64, patch json.RawMessage, now time.Time) (Record, error)
	Delete(ctx context.Context, collection, id string, base int64, now time.Time) (Record, error)
	PutMedia(ctx context.Context, m Media) (Media, error)
	GetMedia(ctx context.Context, id string) (Media, error)
	Close() error
}

// checkBase applies the revision precondition to the stored record.
func checkBase(current Record, base int64) error {
	if current.Deleted || (base != 0 && base != current.Revision) {
		return &ConflictError{Current: current}
	}
	return nil
}

type memKey struct {
	collection string
	id         string
}

// MemoryRepository keeps everything in process memory.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	records map[memKey]Record
	media   map[string]Media
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID:  FirstID,
		records: make(map[memKey]Record),
		media:   make(map[string]Media),
	}
}

func (m *MemoryRepository) Create(ctx context.Context, collection string, payload json.RawMessage, now time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Record{
		Collection: collection,
		ID:         strconv.FormatInt(m.nextID, 10),
		Payload:    append(json.RawMessage(nil), payload...),
		Revision:   1,
		ModifiedAt: now,
	}
	m.nextID++
	m.records[memKey{collection, r.ID}] = r
	return r, nil
}

func (m *MemoryRepository) Get(ctx context.Context, collection, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[memKey{collection, id}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepository) List(ctx context.Context, collection string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for k, r := range m.records {
		if k.collection == collection && !r.Deleted {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ID, 10, 64)
		return a < b
	})
	return out, nil
}

func (m *MemoryRepository) Update(ctx context.Context, collection, id string, base int64, patch json.RawMessage, now time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{collection, id}
	r, ok := m.records[k]
	if !ok {
		return Record{}, ErrNotFound
	}
	if err := checkBase(r, base); err != nil {
		return Record{}, err
	}
	merged, err := offline.MergePayload(r.Payload, patch)
	if err != nil {
		return Record{}, err
	}
	r.Payload = merged
	r.Revision++
	r.ModifiedAt = now
	m.records[k] = r
	return r, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, collection, id string, base int64, now time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{collection, id}
	r, ok := m.records[k]
	if !ok || r.Deleted {
		return Record{}, ErrNotFound
	}
	if err := checkBase(r, base); err != nil {
		return Record{}, err
	}
	r.Deleted = true
	r.Revision++
	r.ModifiedAt = now
	m.records[k] = r
	return r, nil
}

func (m *MemoryRepository) PutMedia(ctx context.Context, md Media) (Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md.Bytes = append([]byte(nil), md.Bytes...)
	m.media[md.ID] = md
	return md, nil
}

func (m *MemoryRepository) GetMedia(ctx context.Context, id string) (Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.media[id]
	if !ok {
		return Media{}, ErrNotFound
	}
	return md, nil
}

func (m *MemoryRepository) Close() error { return nil }
