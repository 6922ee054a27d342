package backend

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/transport/httpclient"
)

func newTestServer(t *testing.T, repo Repository, opts Options) (*httptest.Server, *httpclient.Client) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard().Logger
	}
	srv := httptest.NewServer(NewServer(repo, opts))
	t.Cleanup(srv.Close)
	client := httpclient.New(srv.URL,
		httpclient.WithHTTPClient(srv.Client()),
		httpclient.WithLimits(httpclient.Limits{MaxBodyBytes: 1 << 20, EnableGzip: true, GzipMinBytes: 16}),
	)
	return srv, client
}

func TestCreateAssignsServerIDsFrom9001(t *testing.T) {
	ctx := context.Background()
	_, client := newTestServer(t, NewMemoryRepository(), Options{})

	ack, err := client.Create(ctx, offline.ResourceIntervention, "idem-a", json.RawMessage(`{"number":"120876"}`))
	require.NoError(t, err)
	assert.Equal(t, "9001", ack.ID)
	assert.Equal(t, int64(1), ack.Revision)

	ack, err = client.Create(ctx, offline.ResourceIntervention, "idem-b", json.RawMessage(`{"number":"120877"}`))
	require.NoError(t, err)
	assert.Equal(t, "9002", ack.ID)
}

func TestReplayedCreateReturnsOriginalAck(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, client := newTestServer(t, repo, Options{})

	first, err := client.Create(ctx, offline.ResourceIntervention, "idem-replay", json.RawMessage(`{"status":"open"}`))
	require.NoError(t, err)
	second, err := client.Create(ctx, offline.ResourceIntervention, "idem-replay", json.RawMessage(`{"status":"open"}`))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	records, err := repo.List(ctx, "interventions")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestConcurrentDuplicatesCreateOneRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, client := newTestServer(t, repo, Options{})

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := client.Create(ctx, offline.ResourceIntervention, "idem-dup", json.RawMessage(`{"status":"open"}`))
			if assert.NoError(t, err) {
				ids[i] = ack.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, "9001", id)
	}
	records, err := repo.List(ctx, "interventions")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestUpdateChecksBaseRevision(t *testing.T) {
	ctx := context.Background()
	_, client := newTestServer(t, NewMemoryRepository(), Options{})
	created, err := client.Create(ctx, offline.ResourceIntervention, "idem-1", json.RawMessage(`{"status":"open","mileage":10}`))
	require.NoError(t, err)

	ack, err := client.Update(ctx, offline.ResourceIntervention, created.ID, "idem-2", 1, json.RawMessage(`{"status":"closed"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), ack.Revision)

	_, err = client.Update(ctx, offline.ResourceIntervention, created.ID, "idem-3", 1, json.RawMessage(`{"mileage":12}`))
	require.Error(t, err)
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeSyncConflict))
	conflict, ok := httpclient.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), conflict.Revision)
	assert.False(t, conflict.Deleted)
	assert.JSONEq(t, `{"status":"closed","mileage":10}`, string(conflict.Record))

	// base 0 carries no precondition
	ack, err = client.Update(ctx, offline.ResourceIntervention, created.ID, "idem-4", 0, json.RawMessage(`{"mileage":12}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ack.Revision)

	payload, rev, err := client.Fetch(ctx, offline.ResourceIntervention, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rev)
	assert.JSONEq(t, `{"status":"closed","mileage":12}`, string(payload))
}

func TestDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	_, client := newTestServer(t, NewMemoryRepository(), Options{})
	created, err := client.Create(ctx, offline.ResourceIntervention, "idem-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	ack, err := client.Delete(ctx, offline.ResourceIntervention, created.ID, "idem-2", created.Revision)
	require.NoError(t, err)
	assert.False(t, ack.Gone)

	ack, err = client.Delete(ctx, offline.ResourceIntervention, created.ID, "idem-3", 0)
	require.NoError(t, err)
	assert.True(t, ack.Gone)

	_, err = client.Update(ctx, offline.ResourceIntervention, created.ID, "idem-4", 0, json.RawMessage(`{"status":"late"}`))
	conflict, ok := httpclient.AsConflict(err)
	require.True(t, ok)
	assert.True(t, conflict.Deleted)
	assert.Empty(t, conflict.Record)

	_, _, err = client.Fetch(ctx, offline.ResourceIntervention, created.ID)
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeNotFound))
}

func TestValidationRejections(t *testing.T) {
	ctx := context.Background()
	_, client := newTestServer(t, NewMemoryRepository(), Options{
		Validator: func(collection string, payload json.RawMessage) error {
			var v map[string]any
			_ = json.Unmarshal(payload, &v)
			if v["mileage"] != nil {
				if n, ok := v["mileage"].(float64); ok && n < 0 {
					return fmt.Errorf("mileage must be positive")
				}
			}
			return nil
		},
	})

	_, err := client.Create(ctx, offline.ResourceIntervention, "idem-1", json.RawMessage(`{"mileage":-4}`))
	require.Error(t, err)
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeValidation))
	assert.Contains(t, err.Error(), "mileage must be positive")

	_, err = client.Create(ctx, offline.ResourceIntervention, "idem-2", json.RawMessage(`[1,2]`))
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeValidation))

	// rejections are not recorded against the key
	ack, err := client.Create(ctx, offline.ResourceIntervention, "idem-1", json.RawMessage(`{"mileage":4}`))
	require.NoError(t, err)
	assert.Equal(t, "9001", ack.ID)
}

func TestCompressedBodiesAreAccepted(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, client := newTestServer(t, repo, Options{})
	notes := strings.Repeat("brake pads worn ", 20)
	ack, err := client.Create(ctx, offline.ResourceIntervention, "idem-gz", json.RawMessage(`{"notes":"`+notes+`"}`))
	require.NoError(t, err)

	rec, err := repo.Get(ctx, "interventions", ack.ID)
	require.NoError(t, err)
	assert.Contains(t, string(rec.Payload), "brake pads worn")
}

func TestGetSupportsConditionalRequests(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestServer(t, NewMemoryRepository(), Options{})
	created, err := client.Create(ctx, offline.ResourceIntervention, "idem-1", json.RawMessage(`{"status":"open"}`))
	require.NoError(t, err)

	resp, err := srv.Client().Get(srv.URL + "/api/interventions/" + created.ID)
	require.NoError(t, err)
	resp.Body.Close()
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/interventions/"+created.ID, nil)
	req.Header.Set("If-None-Match", etag)
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/api/interventions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestMediaUpload(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestServer(t, NewMemoryRepository(), Options{})
	blob := offline.MediaBlob{ID: "m-1", OwnerRecordID: "9001", MimeType: "image/png", Bytes: []byte("\x89PNG....")}

	ack, err := client.UploadMedia(ctx, blob, "idem-m")
	require.NoError(t, err)
	assert.Equal(t, "m-1", ack.ID)

	resp, err := srv.Client().Get(srv.URL + httpclient.MediaPath + "/m-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, blob.Bytes, body)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	req, _ := http.NewRequest(http.MethodPut, srv.URL+httpclient.MediaPath+"/m-2", strings.NewReader("x"))
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, NewMemoryRepository(), Options{})
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMemoryIdempotencyExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store := NewMemoryIdempotency(time.Minute)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Remember(ctx, "k", StoredResponse{Status: 201, Body: json.RawMessage(`{"id":"9001"}`)}))
	got, ok, err := store.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 201, got.Status)

	now = now.Add(2 * time.Minute)
	_, ok, err = store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

// testRepository exercises the behavior every Repository shares.
func testRepository(t *testing.T, repo Repository) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	collection := fmt.Sprintf("interventions_%d", time.Now().UnixNano())

	rec, err := repo.Create(ctx, collection, json.RawMessage(`{"status":"open"}`), now)
	require.NoError(t, err)
	id, err := strconv.ParseInt(rec.ID, 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, int64(FirstID))

	updated, err := repo.Update(ctx, collection, rec.ID, 1, json.RawMessage(`{"status":"closed"}`), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Revision)

	_, err = repo.Update(ctx, collection, rec.ID, 1, json.RawMessage(`{"status":"x"}`), now)
	var conflict *ConflictError
	require.True(t, stdErrors.As(err, &conflict))
	assert.Equal(t, int64(2), conflict.Current.Revision)
	assert.True(t, stdErrors.Is(err, ErrRevisionMismatch))

	_, err = repo.Get(ctx, collection, "404404")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Delete(ctx, collection, rec.ID, 2, now)
	require.NoError(t, err)
	_, err = repo.Delete(ctx, collection, rec.ID, 0, now)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := repo.List(ctx, collection)
	require.NoError(t, err)
	assert.Empty(t, list)

	m, err := repo.PutMedia(ctx, Media{ID: fmt.Sprintf("m-%d", id), OwnerRecordID: rec.ID, MimeType: "image/jpeg", Bytes: []byte{1, 2, 3}, UploadedAt: now})
	require.NoError(t, err)
	got, err := repo.GetMedia(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Bytes)
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, NewMemoryRepository())
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("OFFLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OFFLINE_TEST_POSTGRES_DSN not set")
	}
	repo, err := OpenPostgres(context.Background(), dsn, logging.Discard().Logger)
	require.NoError(t, err)
	defer repo.Close()
	testRepository(t, repo)
}

func TestRedisIdempotency(t *testing.T) {
	addr := os.Getenv("OFFLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OFFLINE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	store := NewRedisIdempotency(client, time.Minute)
	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	defer client.Del(ctx, idempotencyKey(key))

	_, ok, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Remember(ctx, key, StoredResponse{Status: 201, Body: json.RawMessage(`{"id":"9001"}`)}))
	require.NoError(t, store.Remember(ctx, key, StoredResponse{Status: 201, Body: json.RawMessage(`{"id":"9002"}`)}))
	got, ok, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"9001"}`, string(got.Body))

	// the server replays through redis as well
	_, httpClient := newTestServer(t, NewMemoryRepository(), Options{Idempotency: store})
	idem := key + "-create"
	defer client.Del(ctx, idempotencyKey(idem))
	a, err := httpClient.Create(ctx, offline.ResourceIntervention, idem, json.RawMessage(`{}`))
	require.NoError(t, err)
	b, err := httpClient.Create(ctx, offline.ResourceIntervention, idem, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
}
