package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/logging"
)

type switchProber struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (p *switchProber) Probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.up.Load() {
		return nil
	}
	return errors.New("unreachable")
}

func newTestMonitor(p Prober) *Monitor {
	return NewMonitor(p, WithLogger(logging.Discard().Logger), WithProbeTimeout(time.Second))
}

func TestMonitorStartsOffline(t *testing.T) {
	m := newTestMonitor(&switchProber{})
	assert.False(t, m.Online())
}

func TestSignalOnlineRequiresProbe(t *testing.T) {
	p := &switchProber{}
	m := newTestMonitor(p)
	ctx := context.Background()

	assert.False(t, m.Signal(ctx, true), "unverified online signal must not flip state")
	assert.False(t, m.Online())
	assert.Equal(t, 1, m.Status().ProbeFailures)

	p.up.Store(true)
	assert.True(t, m.Signal(ctx, true))
	assert.True(t, m.Online())
	assert.Equal(t, 0, m.Status().ProbeFailures)
	assert.Empty(t, m.Status().LastError)
}

func TestSignalOfflineIsImmediate(t *testing.T) {
	p := &switchProber{}
	p.up.Store(true)
	m := newTestMonitor(p)
	ctx := context.Background()
	require.True(t, m.Probe(ctx))

	calls := p.calls.Load()
	m.Signal(ctx, false)
	assert.False(t, m.Online())
	assert.Equal(t, calls, p.calls.Load())
}

func TestListenersSeeTransitionsOnly(t *testing.T) {
	p := &switchProber{}
	m := newTestMonitor(p)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []bool
	unsub := m.Subscribe(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	m.Probe(ctx) // offline -> offline: initial state, no event
	p.up.Store(true)
	m.Probe(ctx)
	m.Probe(ctx)
	m.Signal(ctx, false)
	m.Signal(ctx, false)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, seen)
	mu.Unlock()

	unsub()
	unsub()
	m.Probe(ctx)
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}

func TestReportFailureReprobes(t *testing.T) {
	p := &switchProber{}
	p.up.Store(true)
	m := newTestMonitor(p)
	ctx := context.Background()
	require.True(t, m.Probe(ctx))

	assert.True(t, m.ReportFailure(ctx, errors.New("reset")), "a single failure with a healthy probe stays online")
	p.up.Store(false)
	assert.False(t, m.ReportFailure(ctx, errors.New("reset")))
	assert.False(t, m.Online())
}

func TestRunProbesUntilCancelled(t *testing.T) {
	p := &switchProber{}
	p.up.Store(true)
	m := newTestMonitor(p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, m.Online())
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHTTPProber(t *testing.T) {
	status := atomic.Int32{}
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL+"/healthz", srv.Client())
	ctx := context.Background()
	assert.NoError(t, p.Probe(ctx))

	status.Store(http.StatusUnauthorized)
	assert.NoError(t, p.Probe(ctx), "an auth challenge still proves reachability")

	status.Store(http.StatusBadGateway)
	assert.Error(t, p.Probe(ctx))

	srv.Close()
	assert.Error(t, p.Probe(ctx))
}
