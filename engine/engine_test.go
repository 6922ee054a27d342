package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/backend"
	"github.com/c0deZ3R0/go-offline-kit/config"
	offErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/intercept"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/storage/sqlite"
)

// switchTransport fails every request while down, like a dead radio. While
// lose is set, requests reach the server but the answers are lost.
type switchTransport struct {
	down atomic.Bool
	lose atomic.Bool
	base http.RoundTripper
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.down.Load() {
		return nil, fmt.Errorf("dial tcp %s: network is unreachable", req.URL.Host)
	}
	resp, err := s.base.RoundTrip(req)
	if err != nil || !s.lose.Load() {
		return resp, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil, fmt.Errorf("read tcp %s: connection reset by peer", req.URL.Host)
}

type fixture struct {
	engine    *Engine
	repo      *backend.MemoryRepository
	transport *switchTransport
	cfg       *config.Config

	mu     sync.Mutex
	events []offline.Event
}

func (f *fixture) eventsOf(typ offline.EventType) []offline.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []offline.Event
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) goOffline(t *testing.T) {
	t.Helper()
	f.transport.down.Store(true)
	f.engine.SignalConnectivity(context.Background(), false)
	require.False(t, f.engine.Online())
}

func (f *fixture) goOnline(t *testing.T) {
	t.Helper()
	f.transport.down.Store(false)
	require.True(t, f.engine.SignalConnectivity(context.Background(), true))
}

func newFixture(t *testing.T, tune func(*config.Config), opts ...Option) *fixture {
	t.Helper()
	repo := backend.NewMemoryRepository()
	srv := httptest.NewServer(backend.NewServer(repo, backend.Options{Logger: logging.Discard().Logger}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Backend.BaseURL = srv.URL
	cfg.Sync.SweepInterval = 0
	cfg.Sync.Backoff.Initial = config.Duration(10 * time.Millisecond)
	cfg.Sync.Backoff.Max = config.Duration(50 * time.Millisecond)
	cfg.Connectivity.ProbeInterval = 0
	cfg.Connectivity.ProbeTimeout = config.Duration(time.Second)
	if tune != nil {
		tune(cfg)
	}

	tr := &switchTransport{base: srv.Client().Transport}
	opts = append([]Option{WithTransport(tr), WithLogger(logging.Discard().Logger)}, opts...)
	e, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	f := &fixture{engine: e, repo: repo, transport: tr, cfg: cfg}
	e.Subscribe(func(ev offline.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	return f
}

func TestOfflineCreateIsRekeyedAfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.goOffline(t)

	res, err := f.engine.QueueMutation(ctx, Mutation{
		ResourceType: offline.ResourceIntervention,
		Operation:    offline.OpCreate,
		Payload:      json.RawMessage(`{"vehicle":"AB-123-CD","status":"open"}`),
	})
	require.NoError(t, err)
	tmp := res.Record.ID
	assert.True(t, offline.IsTempID(tmp))
	assert.Equal(t, offline.SyncStatePendingCreate, res.Record.SyncState)
	assert.Equal(t, queue.OutcomeAppended, res.Outcome)

	drained, err := f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.True(t, drained.Skipped)

	f.transport.down.Store(false)
	drained, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Acknowledged)

	_, err = f.engine.GetRecord(ctx, tmp)
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeNotFound))
	rec, err := f.engine.GetRecord(ctx, "9001")
	require.NoError(t, err)
	assert.Equal(t, offline.SyncStateSynced, rec.SyncState)
	assert.Equal(t, int64(1), rec.ServerRevision)
	assert.Empty(t, f.engine.Entries())

	rekeyed := f.eventsOf(offline.EventRecordRekeyed)
	require.Len(t, rekeyed, 1)
	assert.Equal(t, tmp, rekeyed[0].RecordID)
	assert.Equal(t, "9001", rekeyed[0].NewRecordID)

	server, err := f.repo.Get(ctx, "interventions", "9001")
	require.NoError(t, err)
	assert.JSONEq(t, `{"vehicle":"AB-123-CD","status":"open"}`, string(server.Payload))
}

func TestTwoOfflineEditsCoalesce(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(sqlite.DefaultConfig(filepath.Join(t.TempDir(), "seeded.db")))
	require.NoError(t, err)
	require.NoError(t, store.PutRecord(ctx, offline.Record{
		ID: "42", ResourceType: offline.ResourceIntervention, Payload: json.RawMessage(`{"status":"open","mileage":10}`),
		Version: 1, SyncState: offline.SyncStateSynced, LastModifiedAt: time.Now(), ServerRevision: 3,
	}))

	f := newFixture(t, nil, WithStore(store))
	f.goOffline(t)

	first, err := f.engine.QueueMutation(ctx, Mutation{RecordID: "42", Operation: offline.OpUpdate, Payload: json.RawMessage(`{"status":"closed"}`)})
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeAppended, first.Outcome)
	second, err := f.engine.QueueMutation(ctx, Mutation{RecordID: "42", Operation: offline.OpUpdate, Payload: json.RawMessage(`{"mileage":12}`)})
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeCoalesced, second.Outcome)

	entries := f.engine.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "42", entries[0].TargetRecordID)
	assert.Equal(t, int64(3), entries[0].BaseRevision)
	assert.JSONEq(t, `{"status":"closed","mileage":12}`, string(entries[0].PayloadSnapshot))

	rec, err := f.engine.GetRecord(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, offline.SyncStatePendingUpdate, rec.SyncState)
	assert.Equal(t, int64(3), rec.Version)
	assert.JSONEq(t, `{"status":"closed","mileage":12}`, string(rec.Payload))
}

func TestAuthRequestWhileOfflineRequiresConnectivity(t *testing.T) {
	m := offline.NewCounterMetrics()
	f := newFixture(t, nil, WithMetrics(m))
	f.goOffline(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/session", strings.NewReader(`{"user":"tech-7"}`))
	_, err := f.engine.ReadThroughCache(req)
	require.Error(t, err)
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeConnectivityRequired))
	for k := range m.Snapshot() {
		assert.False(t, strings.HasPrefix(k, "cache."), "unexpected cache activity %s", k)
	}
}

func TestReadsAreServedFromCacheWhileOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.repo.Create(ctx, "interventions", json.RawMessage(`{"status":"open"}`), time.Now())
	require.NoError(t, err)
	f.goOnline(t)

	resp, err := f.engine.ReadThroughCache(httptest.NewRequest(http.MethodGet, "/api/interventions", nil))
	require.NoError(t, err)
	online, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.goOffline(t)
	resp, err = f.engine.ReadThroughCache(httptest.NewRequest(http.MethodGet, "/api/interventions", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	cached, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get(intercept.HeaderCache))
	assert.Equal(t, online, cached)

	status := f.engine.GetSyncStatus(ctx)
	assert.False(t, status.Online)
	assert.Greater(t, status.CacheBytes, int64(0))
}

func TestOfflineWriteThroughLayerIsDeliveredLater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.goOffline(t)

	req := httptest.NewRequest(http.MethodPost, "/api/interventions", strings.NewReader(`{"status":"open"}`))
	resp, err := f.engine.ReadThroughCache(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(intercept.HeaderQueued))

	var receipt intercept.WriteReceipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	assert.True(t, offline.IsTempID(receipt.RecordID))
	assert.Equal(t, offline.SyncStatePendingCreate, receipt.SyncState)

	status := f.engine.GetSyncStatus(ctx)
	assert.Equal(t, 1, status.PendingCount)
	assert.Greater(t, status.UsageBytes, int64(0))

	f.transport.down.Store(false)
	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	list, err := f.repo.List(ctx, "interventions")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "9001", list[0].ID)
	assert.Equal(t, 0, f.engine.GetSyncStatus(ctx).PendingCount)
}

func TestWriteWhoseAnswerIsLostIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.goOnline(t)
	f.transport.lose.Store(true)

	req := httptest.NewRequest(http.MethodPost, "/api/interventions", strings.NewReader(`{"status":"open"}`))
	resp, err := f.engine.ReadThroughCache(req)
	require.NoError(t, err)
	var receipt intercept.WriteReceipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, offline.IsTempID(receipt.RecordID))

	list, err := f.repo.List(ctx, "interventions")
	require.NoError(t, err)
	require.Len(t, list, 1, "the server applied the write before the connection dropped")

	f.transport.lose.Store(false)
	f.goOnline(t)
	drained, err := f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Acknowledged)

	list, err = f.repo.List(ctx, "interventions")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "9001", list[0].ID)

	rec, err := f.engine.GetRecord(ctx, "9001")
	require.NoError(t, err)
	assert.Equal(t, offline.SyncStateSynced, rec.SyncState)
	_, err = f.engine.GetRecord(ctx, receipt.RecordID)
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeNotFound))
}

func TestDeletingAnUnsentCreateCancelsIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.goOffline(t)

	created, err := f.engine.QueueMutation(ctx, Mutation{ResourceType: offline.ResourceIntervention, Operation: offline.OpCreate, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	res, err := f.engine.QueueMutation(ctx, Mutation{RecordID: created.Record.ID, Operation: offline.OpDelete})
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeCancelled, res.Outcome)

	_, err = f.engine.GetRecord(ctx, created.Record.ID)
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeNotFound))
	assert.Empty(t, f.engine.Entries())
}

func TestDeleteOfSyncedRecordIsATombstoneUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.goOnline(t)
	created, err := f.engine.QueueMutation(ctx, Mutation{ResourceType: offline.ResourceIntervention, Operation: offline.OpCreate, Payload: json.RawMessage(`{"status":"open"}`)})
	require.NoError(t, err)
	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	_, err = f.engine.GetRecord(ctx, "9001")
	require.NoError(t, err, "created %s", created.Record.ID)

	f.goOffline(t)
	res, err := f.engine.QueueMutation(ctx, Mutation{RecordID: "9001", Operation: offline.OpDelete})
	require.NoError(t, err)
	assert.Equal(t, offline.SyncStatePendingDelete, res.Record.SyncState)

	_, err = f.engine.QueueMutation(ctx, Mutation{RecordID: "9001", Operation: offline.OpUpdate, Payload: json.RawMessage(`{"status":"x"}`)})
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeValidation))

	f.transport.down.Store(false)
	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	_, err = f.engine.GetRecord(ctx, "9001")
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeNotFound))
	_, err = f.repo.Get(ctx, "interventions", "9001")
	require.NoError(t, err)
	list, err := f.repo.List(ctx, "interventions")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCapturedMediaFollowsItsOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.goOffline(t)

	created, err := f.engine.QueueMutation(ctx, Mutation{ResourceType: offline.ResourceIntervention, Operation: offline.OpCreate, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	photo := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("JFIF")...)
	blob, err := f.engine.CaptureMedia(ctx, created.Record.ID, "", photo)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", blob.MimeType)
	assert.Equal(t, offline.UploadPending, blob.UploadState)

	f.transport.down.Store(false)
	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)

	uploaded, err := f.repo.GetMedia(ctx, blob.ID)
	require.NoError(t, err)
	assert.Equal(t, "9001", uploaded.OwnerRecordID)
	assert.Equal(t, photo, uploaded.Bytes)
	assert.Empty(t, f.engine.Entries())
}

func TestCaptureMediaRequiresAnOwner(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.CaptureMedia(context.Background(), "tmp-missing", "image/png", []byte{1})
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeNotFound))
}

func TestQuotaExceededIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *config.Config) {
		c.Cache.BudgetBytes = 300
		c.Cache.StorageQuotaBytes = 1200
	})
	f.goOffline(t)

	payload := `{"notes":"` + strings.Repeat("n", 500) + `"}`
	_, err := f.engine.QueueMutation(ctx, Mutation{ResourceType: offline.ResourceIntervention, Operation: offline.OpCreate, Payload: json.RawMessage(payload)})
	require.Error(t, err)
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeStorageQuota))
	assert.Len(t, f.eventsOf(offline.EventQuotaExceeded), 1)
	assert.Empty(t, f.engine.Entries())
}

func TestInvalidMutationsAreRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cases := []Mutation{
		{Operation: offline.OpCreate, Payload: json.RawMessage(`{}`)},
		{ResourceType: offline.ResourceIntervention, RecordID: "42", Operation: offline.OpCreate},
		{ResourceType: offline.ResourceIntervention, Operation: offline.OpUpdate},
		{ResourceType: offline.ResourceIntervention, Operation: offline.OpCreate, Payload: json.RawMessage(`"text"`)},
		{ResourceType: offline.ResourceIntervention, RecordID: "m-1", Operation: offline.OpUploadMedia},
	}
	for i, m := range cases {
		_, err := f.engine.QueueMutation(ctx, m)
		assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeValidation), "case %d: %v", i, err)
	}
}

func TestStartDrainsOnReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.transport.down.Store(true)
	require.NoError(t, f.engine.Start(ctx))
	assert.False(t, f.engine.Online())

	for i := 0; i < 3; i++ {
		_, err := f.engine.QueueMutation(ctx, Mutation{
			ResourceType: offline.ResourceChecklistEntry,
			Operation:    offline.OpCreate,
			Payload:      json.RawMessage(fmt.Sprintf(`{"item":%d,"ok":true}`, i)),
		})
		require.NoError(t, err)
	}

	f.goOnline(t)
	require.Eventually(t, func() bool {
		return f.engine.GetSyncStatus(ctx).PendingCount == 0
	}, 5*time.Second, 10*time.Millisecond)

	list, err := f.repo.List(ctx, "checklist-entries")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	changed := f.eventsOf(offline.EventConnectivityChanged)
	require.NotEmpty(t, changed)
	assert.True(t, changed[len(changed)-1].Online)
	require.Eventually(t, func() bool {
		return len(f.eventsOf(offline.EventQueueDrained)) > 0
	}, time.Second, 10*time.Millisecond)

	f.goOffline(t)
	changed = f.eventsOf(offline.EventConnectivityChanged)
	assert.False(t, changed[len(changed)-1].Online)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "x.db")
	cfg.Sync.MaxAttempts = 0
	_, err := Open(context.Background(), cfg)
	assert.True(t, offErrors.HasCode(err, offErrors.ErrCodeValidation))
}
