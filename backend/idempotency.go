package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long a recorded response is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// StoredResponse is the response recorded for an idempotency key.
type StoredResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyStore remembers the response given to each idempotency key.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (StoredResponse, bool, error)
	Remember(ctx context.Context, key string, resp StoredResponse) error
}

type memoryEntry struct {
	resp    StoredResponse
	expires time.Time
}

// MemoryIdempotency keeps responses in process memory.
type MemoryIdempotency struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryIdempotency returns a store whose entries expire after ttl.
func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotency{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryIdempotency) Lookup(ctx context.Context, key string) (StoredResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return StoredResponse{}, false, nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return StoredResponse{}, false, nil
	}
	return e.resp, true, nil
}

func (m *MemoryIdempotency) Remember(ctx context.Context, key string, resp StoredResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{resp: resp, expires: m.now().Add(m.ttl)}
	return nil
}

// RedisIdempotency keeps responses in Redis with a TTL.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotency wraps client.
func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotency{client: client, ttl: ttl}
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("offline:idempotency:%s", key)
}

func (r *RedisIdempotency) Lookup(ctx context.Context, key string) (StoredResponse, bool, error) {
	data, err := r.client.Get(ctx, idempotencyKey(key)).Bytes()
	if err == redis.Nil {
		return StoredResponse{}, false, nil
	}
	if err != nil {
		return StoredResponse{}, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var resp StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return StoredResponse{}, false, fmt.Errorf("failed to unmarshal stored response: %w", err)
	}
	return resp, true, nil
}

// Remember stores resp unless another request already recorded one for key.
func (r *RedisIdempotency) Remember(ctx context.Context, key string, resp StoredResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return r.client.SetNX(ctx, idempotencyKey(key), data, r.ttl).Err()
}
