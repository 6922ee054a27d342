// Package engine assembles the offline synchronization engine and exposes
// the surface the business UI uses: reads through the cache, optimistic
// mutations, media capture, sync control and status events.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/config"
	"github.com/c0deZ3R0/go-offline-kit/connectivity"
	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/fallback"
	"github.com/c0deZ3R0/go-offline-kit/intercept"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/storage/sqlite"
	"github.com/c0deZ3R0/go-offline-kit/syncer"
	"github.com/c0deZ3R0/go-offline-kit/transport/httpclient"
)

const component = "engine"

type options struct {
	transport http.RoundTripper
	prober    connectivity.Prober
	backend   syncer.Backend
	store     offline.Store
	resolver  syncer.ConflictResolver
	metrics   offline.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes Open.
type Option func(*options)

// WithTransport sets the round tripper used for every upstream request.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithProber replaces the HTTP reachability probe.
func WithProber(p connectivity.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithBackend replaces the backend API client.
func WithBackend(b syncer.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithStore uses an already opened store instead of opening cfg.Store. The
// engine takes ownership and closes it.
func WithStore(s offline.Store) Option {
	return func(o *options) { o.store = s }
}

// WithConflictResolver replaces last-writer-wins.
func WithConflictResolver(r syncer.ConflictResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m offline.MetricsCollector) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Engine is the offline synchronization engine.
type Engine struct {
	cfg         *config.Config
	baseURL     *url.URL
	store       offline.Store
	queue       *queue.Queue
	monitor     *connectivity.Monitor
	mgr         *syncer.Manager
	cache       *intercept.Cache
	layer       *intercept.Layer
	bus         *offline.Bus
	metrics     offline.MetricsCollector
	logger      *slog.Logger
	now         func() time.Time
	unsubscribe func()

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open builds an engine from cfg: it opens the store, loads the queue and
// wires the connectivity monitor to the sync manager. Call Start to begin
// probing and draining.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = http.DefaultTransport
	}
	if o.metrics == nil {
		o.metrics = &offline.NoOpMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = logging.WithComponent(component).Logger
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}

	base, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.NewValidationError(errors.OpLoad, fmt.Errorf("backend.base_url %q is not an absolute URL", cfg.Backend.BaseURL))
	}

	store := o.store
	if store == nil {
		s, err := sqlite.New(&sqlite.Config{
			Path:        cfg.Store.Path,
			Driver:      cfg.Store.Driver,
			EnableWAL:   cfg.Store.EnableWAL,
			BusyTimeout: cfg.Store.BusyTimeout.D(),
			Logger:      o.logger.With(slog.String("component", "store")),
		})
		if err != nil {
			return nil, err
		}
		store = s
	}

	q := queue.New(store, queue.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		Backoff: &queue.ExponentialBackoff{
			InitialDelay: cfg.Sync.Backoff.Initial.D(),
			MaxDelay:     cfg.Sync.Backoff.Max.D(),
			Multiplier:   cfg.Sync.Backoff.Multiplier,
			Jitter:       0.2,
		},
		Now:    o.now,
		Logger: o.logger.With(slog.String("component", "queue")),
	})
	if err := q.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	upstream := &http.Client{Transport: o.transport, Timeout: cfg.Backend.RequestTimeout.D()}
	if o.prober == nil {
		o.prober = connectivity.NewHTTPProber(cfg.ProbeURL(), &http.Client{Transport: o.transport})
	}
	monitor := connectivity.NewMonitor(o.prober,
		connectivity.WithProbeTimeout(cfg.Connectivity.ProbeTimeout.D()),
		connectivity.WithLogger(o.logger.With(slog.String("component", "connectivity"))),
		connectivity.WithClock(o.now),
	)

	if o.backend == nil {
		o.backend = httpclient.New(cfg.Backend.BaseURL,
			httpclient.WithHTTPClient(upstream),
			httpclient.WithLimits(httpclient.Limits{MaxBodyBytes: cfg.Backend.MaxBodyBytes, EnableGzip: true, GzipMinBytes: 1024}),
			httpclient.WithRouter(cfg.Backend.Collection),
			httpclient.WithLogger(o.logger.With(slog.String("component", "httpclient"))),
		)
	}

	bus := offline.NewBus()
	mgr := syncer.New(store, q, o.backend, monitor, syncer.Options{
		AttemptTimeout: cfg.Sync.AttemptTimeout.D(),
		Concurrency:    cfg.Sync.Concurrency,
		SweepInterval:  cfg.Sync.SweepInterval.D(),
		Resolver:       o.resolver,
		Bus:            bus,
		Metrics:        o.metrics,
		Logger:         o.logger.With(slog.String("component", "sync")),
		Now:            o.now,
	})

	cache := intercept.NewCache(store, intercept.CacheOptions{
		BudgetBytes: cfg.Cache.BudgetBytes,
		QuotaBytes:  cfg.Cache.StorageQuotaBytes,
		Metrics:     o.metrics,
		Logger:      o.logger.With(slog.String("component", "cache")),
		Now:         o.now,
	})

	e := &Engine{
		cfg:     cfg,
		baseURL: base,
		store:   store,
		queue:   q,
		monitor: monitor,
		mgr:     mgr,
		cache:   cache,
		bus:     bus,
		metrics: o.metrics,
		logger:  o.logger,
		now:     o.now,
	}
	e.layer = intercept.NewLayer(o.transport, cache, monitor, e, cfg.Backend, intercept.Options{
		ReadTimeout:    cfg.Cache.ReadTimeout.D(),
		RefreshTimeout: cfg.Cache.RefreshTimeout.D(),
		MaxBodyBytes:   cfg.Backend.MaxBodyBytes,
		Fallback:       fallback.New(cfg.Connectivity.ProbeInterval.D()),
		Metrics:        o.metrics,
		Logger:         o.logger.With(slog.String("component", "intercept")),
	})
	e.unsubscribe = monitor.Subscribe(e.onConnectivity)
	return e, nil
}

// onConnectivity reacts to verified transitions: online starts a drain,
// offline cancels the running one.
func (e *Engine) onConnectivity(online bool) {
	e.bus.Publish(offline.Event{Type: offline.EventConnectivityChanged, Online: online, At: e.now()})
	if online {
		e.mgr.Trigger()
		return
	}
	e.mgr.CancelDrain()
}

// Start re-enqueues changes a crash left unqueued, probes connectivity and
// starts the periodic probe and the sync sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.NewWithComponent(errors.OpLoad, component, fmt.Errorf("engine is closed"))
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.started = true
	e.cancel = cancel
	e.mu.Unlock()

	if _, err := e.mgr.Recover(ctx); err != nil {
		logging.LogError(ctx, e.logger, err, "recovery sweep failed")
	}
	if err := e.mgr.Start(runCtx); err != nil {
		return err
	}

	// The first probe runs synchronously so Start returns with a verified state.
	e.monitor.Probe(ctx)
	if interval := e.cfg.Connectivity.ProbeInterval.D(); interval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case <-runCtx.Done():
				return
			case <-time.After(interval):
			}
			e.monitor.Run(runCtx, interval)
		}()
	}
	e.logger.Info("engine started", slog.Bool("online", e.monitor.Online()), slog.Int("queued", e.queue.Len()))
	return nil
}

// Close stops background work and closes the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.unsubscribe()
	e.mgr.Close()
	e.layer.Close()
	e.wg.Wait()
	return e.store.Close()
}

// Subscribe registers h for engine events.
func (e *Engine) Subscribe(h offline.Handler) (unsubscribe func()) {
	return e.bus.Subscribe(h)
}

// Online reports the verified connectivity state.
func (e *Engine) Online() bool { return e.monitor.Online() }

// Connectivity returns the monitor's detailed state.
func (e *Engine) Connectivity() connectivity.Status { return e.monitor.Status() }

// SignalConnectivity feeds an environment connectivity hint. Going offline is
// immediate; going online is verified by a probe. It returns the resulting state.
func (e *Engine) SignalConnectivity(ctx context.Context, online bool) bool {
	return e.monitor.Signal(ctx, online)
}

// ReadThroughCache answers req through the interception layer. Relative URLs
// are resolved against the backend base URL.
func (e *Engine) ReadThroughCache(req *http.Request) (*http.Response, error) {
	if !req.URL.IsAbs() {
		req = req.Clone(req.Context())
		req.URL = e.baseURL.ResolveReference(req.URL)
		req.Host = ""
		req.RequestURI = ""
	}
	return e.layer.RoundTrip(req)
}

// Transport returns the interception layer for use in an http.Client.
func (e *Engine) Transport() http.RoundTripper { return e.layer }

// ForceSync verifies connectivity and drains the queue now.
func (e *Engine) ForceSync(ctx context.Context) (syncer.DrainResult, error) {
	if !e.monitor.Probe(ctx) {
		return syncer.DrainResult{Skipped: true, Reason: "offline"}, nil
	}
	return e.mgr.Drain(ctx)
}

// GetSyncStatus summarizes pending work, failures and storage use.
func (e *Engine) GetSyncStatus(ctx context.Context) offline.SyncStatus {
	status := e.mgr.Status(ctx)
	if n, err := e.store.UsageBytes(ctx); err == nil {
		status.UsageBytes = n
	}
	if n, err := e.store.CacheBytes(ctx); err == nil {
		status.CacheBytes = n
	}
	return status
}

// Entries lists every queued entry in delivery order.
func (e *Engine) Entries() []offline.QueueEntry { return e.queue.Entries() }

// FailedEntries lists entries that need manual reconciliation.
func (e *Engine) FailedEntries() []offline.QueueEntry { return e.mgr.FailedEntries() }

// RetryEntry re-queues a permanently failed entry.
func (e *Engine) RetryEntry(ctx context.Context, id string) (offline.QueueEntry, error) {
	return e.mgr.RetryEntry(ctx, id)
}

// DiscardEntry drops a permanently failed entry.
func (e *Engine) DiscardEntry(ctx context.Context, id string) (offline.QueueEntry, error) {
	return e.mgr.DiscardEntry(ctx, id)
}

// Refreshes lists background cache revalidations in progress.
func (e *Engine) Refreshes() []intercept.RefreshTask { return e.layer.Refreshes() }

// Metrics returns the collector the engine reports to.
func (e *Engine) Metrics() offline.MetricsCollector { return e.metrics }
