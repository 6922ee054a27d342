// Package connectivity tracks whether the backend is reachable.
//
// The environment may say the device is online while no request gets
// through (captive portals, dead Wi-Fi). The Monitor therefore only moves to
// online after a successful probe; going offline needs no verification.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
)

const component = "connectivity"

// Prober checks backend reachability. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber probes with a GET request. Any response below 500 proves the
// backend is reachable, including 401 and 404.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber returns a prober for url. client may be nil.
func NewHTTPProber(url string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{URL: url, Client: client}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return errors.NewWithComponent(errors.OpProbe, component, err)
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := p.Client.Do(req)
	if err != nil {
		return errors.NewNetworkError(errors.OpProbe, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.NewNetworkError(errors.OpProbe, fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode))
	}
	return nil
}

// Status is a snapshot of the monitor.
type Status struct {
	Online        bool      `json:"online"`
	LastChange    time.Time `json:"lastChange,omitempty"`
	LastProbeAt   time.Time `json:"lastProbeAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	ProbeFailures int       `json:"probeFailures"`
}

// Listener is called with the new state after every transition.
type Listener func(online bool)

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor is the shared connectivity state. It starts offline until the
// first probe succeeds.
type Monitor struct {
	prober       Prober
	probeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.RWMutex
	status    Status
	listeners map[uint64]Listener
	nextID    uint64

	// notifyMu keeps listener calls in transition order.
	notifyMu sync.Mutex
	probeMu  sync.Mutex
}

// NewMonitor creates a monitor backed by prober.
func NewMonitor(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:       prober,
		probeTimeout: 5 * time.Second,
		logger:       logging.WithComponent(component).Logger,
		now:          time.Now,
		listeners:    make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Online
}

// Status returns a snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe registers l for transitions. The returned func unsubscribes and
// is safe to call more than once.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Probe verifies reachability and updates the state. It returns the new state.
func (m *Monitor) Probe(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Probe(pctx)
	cancel()

	m.mu.Lock()
	m.status.LastProbeAt = m.now()
	if err != nil {
		m.status.LastError = err.Error()
		m.status.ProbeFailures++
	} else {
		m.status.LastError = ""
		m.status.ProbeFailures = 0
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("probe failed", logging.ErrorAttr(err))
	}
	m.set(err == nil)
	return err == nil
}

// Signal applies an environment connectivity signal. Offline takes effect
// immediately; online is only adopted if a probe confirms it.
func (m *Monitor) Signal(ctx context.Context, online bool) bool {
	if !online {
		m.set(false)
		return false
	}
	return m.Probe(ctx)
}

// ReportFailure is called when a real request failed at the network level.
// The state is re-verified rather than flipped on a single failure.
func (m *Monitor) ReportFailure(ctx context.Context, cause error) bool {
	if !m.Online() {
		return false
	}
	m.logger.Debug("request failure reported", slog.Any("error", cause))
	return m.Probe(ctx)
}

// Run probes once immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Probe(ctx)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.status.Online == online && !m.status.LastChange.IsZero() {
		m.mu.Unlock()
		return
	}
	first := m.status.LastChange.IsZero()
	m.status.Online = online
	m.status.LastChange = m.now()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	// The initial offline state is not a transition.
	if first && !online {
		return
	}
	m.logger.Info("connectivity changed", slog.Bool("online", online))
	for _, l := range listeners {
		l(online)
	}
}
