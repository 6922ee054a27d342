package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/backend"
	"github.com/c0deZ3R0/go-offline-kit/config"
	"github.com/c0deZ3R0/go-offline-kit/engine"
	"github.com/c0deZ3R0/go-offline-kit/intercept"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/notify"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/syncer"
)

type flakyTransport struct {
	down atomic.Bool
	base http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, fmt.Errorf("dial tcp %s: connect: network is unreachable", req.URL.Host)
	}
	return f.base.RoundTrip(req)
}

type harness struct {
	agent     *httptest.Server
	engine    *engine.Engine
	repo      *backend.MemoryRepository
	transport *flakyTransport
	reject    atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{repo: backend.NewMemoryRepository()}
	api := httptest.NewServer(backend.NewServer(h.repo, backend.Options{
		Logger: logging.Discard().Logger,
		Validator: func(_ string, payload json.RawMessage) error {
			if h.reject.Load() && bytes.Contains(payload, []byte("forbidden")) {
				return fmt.Errorf("status forbidden")
			}
			return nil
		},
	}))
	t.Cleanup(api.Close)

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "agent.db")
	cfg.Backend.BaseURL = api.URL
	cfg.Sync.SweepInterval = 0
	cfg.Sync.Backoff.Initial = config.Duration(10 * time.Millisecond)
	cfg.Sync.Backoff.Max = config.Duration(50 * time.Millisecond)
	cfg.Connectivity.ProbeInterval = 0

	h.transport = &flakyTransport{base: api.Client().Transport}
	e, err := engine.Open(context.Background(), cfg,
		engine.WithTransport(h.transport),
		engine.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	require.True(t, e.SignalConnectivity(context.Background(), true))
	h.engine = e

	hub := notify.NewHub(e, notify.HubOptions{Logger: logging.Discard().Logger})
	t.Cleanup(hub.Close)
	h.agent = httptest.NewServer(New(e, hub, Options{Logger: logging.Discard()}))
	t.Cleanup(h.agent.Close)
	return h
}

func (h *harness) offline(t *testing.T) {
	t.Helper()
	h.transport.down.Store(true)
	h.engine.SignalConnectivity(context.Background(), false)
}

func (h *harness) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.agent.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.agent.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestProxyServesReadsOnlineAndOffline(t *testing.T) {
	h := newHarness(t)
	_, err := h.repo.Create(context.Background(), "interventions", json.RawMessage(`{"status":"open"}`), time.Now())
	require.NoError(t, err)

	resp := h.do(t, http.MethodGet, "/api/interventions/9001", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get(intercept.HeaderCache))
	online, _ := io.ReadAll(resp.Body)

	h.offline(t)
	resp = h.do(t, http.MethodGet, "/api/interventions/9001", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get(intercept.HeaderCache))
	cached, _ := io.ReadAll(resp.Body)
	assert.Equal(t, online, cached)
}

func TestProxyQueuesWritesWhileOffline(t *testing.T) {
	h := newHarness(t)
	h.offline(t)

	resp := h.do(t, http.MethodPost, "/api/interventions", "application/json", strings.NewReader(`{"status":"open"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(intercept.HeaderQueued))
	receipt := decode[intercept.WriteReceipt](t, resp)
	assert.True(t, offline.IsTempID(receipt.RecordID))

	status := decode[Status](t, h.do(t, http.MethodGet, AdminPrefix+"/status", "", nil))
	assert.Equal(t, 1, status.Sync.PendingCount)
	assert.False(t, status.Sync.Online)
	assert.False(t, status.Connectivity.Online)

	queued := decode[[]offline.QueueEntry](t, h.do(t, http.MethodGet, AdminPrefix+"/queue", "", nil))
	require.Len(t, queued, 1)
	assert.Equal(t, receipt.RecordID, queued[0].TargetRecordID)

	h.transport.down.Store(false)
	res := decode[syncer.DrainResult](t, h.do(t, http.MethodPost, AdminPrefix+"/sync", "", nil))
	assert.Equal(t, 1, res.Acknowledged)
	list, err := h.repo.List(context.Background(), "interventions")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSyncWhileOfflineIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.offline(t)
	res := decode[syncer.DrainResult](t, h.do(t, http.MethodPost, AdminPrefix+"/sync", "", nil))
	assert.True(t, res.Skipped)
	assert.Equal(t, "offline", res.Reason)
}

func TestAuthWhileOfflineIsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.offline(t)

	resp := h.do(t, http.MethodPost, "/api/auth/session", "application/json", strings.NewReader(`{"user":"tech-7"}`))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	body := decode[errorBody](t, resp)
	assert.Equal(t, "CONNECTIVITY_REQUIRED", body.Code)
}

func TestConnectivitySignal(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, AdminPrefix+"/connectivity", "application/json", strings.NewReader(`{"online":false}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[connectivityRequest](t, resp).Online)
	assert.False(t, h.engine.Online())

	resp = h.do(t, http.MethodPost, AdminPrefix+"/connectivity", "application/json", strings.NewReader(`{"online":true}`))
	assert.True(t, decode[connectivityRequest](t, resp).Online)

	resp = h.do(t, http.MethodPost, AdminPrefix+"/connectivity", "application/json", strings.NewReader(`online`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestFailedEntriesCanBeRetriedOrDiscarded(t *testing.T) {
	h := newHarness(t)
	h.reject.Store(true)
	h.offline(t)

	for _, body := range []string{`{"status":"forbidden","n":1}`, `{"status":"forbidden","n":2}`} {
		resp := h.do(t, http.MethodPost, "/api/interventions", "application/json", strings.NewReader(body))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	h.transport.down.Store(false)
	res := decode[syncer.DrainResult](t, h.do(t, http.MethodPost, AdminPrefix+"/sync", "", nil))
	assert.Equal(t, 2, res.Failed)

	failed := decode[[]offline.QueueEntry](t, h.do(t, http.MethodGet, AdminPrefix+"/queue?state=failed", "", nil))
	require.Len(t, failed, 2)
	assert.Equal(t, offline.EntryPermanentlyFailed, failed[0].State)

	h.reject.Store(false)
	resp := h.do(t, http.MethodPost, AdminPrefix+"/queue/"+failed[0].ID+"/retry", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, offline.EntryQueued, decode[offline.QueueEntry](t, resp).State)

	resp = h.do(t, http.MethodDelete, AdminPrefix+"/queue/"+failed[1].ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.do(t, http.MethodDelete, AdminPrefix+"/queue/"+failed[1].ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Eventually(t, func() bool {
		h.engine.ForceSync(context.Background())
		list, err := h.repo.List(context.Background(), "interventions")
		return err == nil && len(list) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, h.engine.Entries())

	resp = h.do(t, http.MethodGet, AdminPrefix+"/queue?state=bogus", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRetryingAQueuedEntryIsAConflict(t *testing.T) {
	h := newHarness(t)
	h.offline(t)
	h.do(t, http.MethodPost, "/api/interventions", "application/json", strings.NewReader(`{}`))
	entries := h.engine.Entries()
	require.Len(t, entries, 1)

	resp := h.do(t, http.MethodPost, AdminPrefix+"/queue/"+entries[0].ID+"/retry", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", decode[errorBody](t, resp).Code)
}

func TestCaptureMediaEndpoint(t *testing.T) {
	h := newHarness(t)
	h.offline(t)

	resp := h.do(t, http.MethodPost, "/api/interventions", "application/json", strings.NewReader(`{"status":"open"}`))
	receipt := decode[intercept.WriteReceipt](t, resp)

	photo := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 32)...)
	resp = h.do(t, http.MethodPost, AdminPrefix+"/records/"+receipt.RecordID+"/media", "", bytes.NewReader(photo))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	blob := decode[offline.MediaBlob](t, resp)
	assert.Equal(t, "image/png", blob.MimeType)
	assert.Equal(t, receipt.RecordID, blob.OwnerRecordID)

	resp = h.do(t, http.MethodPost, AdminPrefix+"/records/missing/media", "image/png", bytes.NewReader(photo))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodPost, AdminPrefix+"/records/"+receipt.RecordID+"/media", "image/png", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestStatusCodeMapping(t *testing.T) {
	assert.Equal(t, http.StatusInsufficientStorage, statusFor("STORAGE_QUOTA_EXCEEDED"))
	assert.Equal(t, http.StatusBadGateway, statusFor("TRANSIENT_NETWORK_FAILURE"))
	assert.Equal(t, http.StatusInternalServerError, statusFor("STORAGE_FAILURE"))
	assert.Equal(t, http.StatusInternalServerError, statusFor(""))
}
