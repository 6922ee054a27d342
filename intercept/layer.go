package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/fallback"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

const component = "intercept"

// Response headers set by the layer.
const (
	HeaderCache  = "X-Offline-Cache"
	HeaderQueued = "X-Offline-Queued"
)

// HeaderIdempotencyKey travels with every forwarded write. A caller's own key
// is kept.
const HeaderIdempotencyKey = "Idempotency-Key"

// Connectivity is the part of the connectivity monitor the layer needs.
type Connectivity interface {
	Online() bool
	ReportFailure(ctx context.Context, cause error) bool
}

// Resources maps API paths to resource collections. config.BackendConfig
// satisfies it.
type Resources interface {
	ResourceFor(path string) (offline.ResourceType, bool)
	Collection(t offline.ResourceType) string
}

// Write is a write request translated into a record mutation.
type Write struct {
	ResourceType offline.ResourceType
	// RecordID is empty for creates.
	RecordID  string
	Operation offline.Operation
	Payload   json.RawMessage
	// IdempotencyKey is the key the write was already sent under, if any.
	IdempotencyKey string
}

// WriteReceipt describes the optimistic result of a queued write.
type WriteReceipt struct {
	RecordID  string            `json:"id"`
	EntryID   string            `json:"entryId,omitempty"`
	SyncState offline.SyncState `json:"syncState"`
	Record    json.RawMessage   `json:"record,omitempty"`
}

// WriteQueuer applies a write locally and queues it for delivery.
type WriteQueuer interface {
	QueueWrite(ctx context.Context, w Write) (WriteReceipt, error)
}

// Options configures a Layer.
type Options struct {
	// ReadTimeout bounds a network read that has no cached answer.
	ReadTimeout time.Duration
	// RefreshTimeout bounds a background revalidation.
	RefreshTimeout time.Duration
	// StaticFreshFor is how long a cached static asset is served without revalidation.
	StaticFreshFor time.Duration
	MaxBodyBytes   int64
	Classifier     *Classifier
	Fallback       *fallback.Presenter
	Metrics        offline.MetricsCollector
	Logger         *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 10 * time.Second
	}
	if o.StaticFreshFor <= 0 {
		o.StaticFreshFor = 10 * time.Minute
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 8 << 20
	}
	if o.Classifier == nil {
		o.Classifier = NewClassifier()
	}
	if o.Fallback == nil {
		o.Fallback = &fallback.Presenter{}
	}
	if o.Metrics == nil {
		o.Metrics = &offline.NoOpMetricsCollector{}
	}
	if o.Logger == nil {
		o.Logger = logging.WithComponent(component).Logger
	}
}

// Layer is an http.RoundTripper applying the interception policy in front
// of next.
type Layer struct {
	next      http.RoundTripper
	cache     *Cache
	conn      Connectivity
	queuer    WriteQueuer
	resources Resources
	opts      Options
	logger    *slog.Logger

	group     singleflight.Group
	refreshes *refreshTasks
}

var _ http.RoundTripper = (*Layer)(nil)

// NewLayer creates the layer. queuer and resources may be nil, in which case
// writes that cannot reach the network get the offline fallback.
func NewLayer(next http.RoundTripper, cache *Cache, conn Connectivity, queuer WriteQueuer, resources Resources, opts Options) *Layer {
	opts.setDefaults()
	if next == nil {
		next = http.DefaultTransport
	}
	return &Layer{
		next:      next,
		cache:     cache,
		conn:      conn,
		queuer:    queuer,
		resources: resources,
		opts:      opts,
		logger:    opts.Logger,
		refreshes: newRefreshTasks(),
	}
}

// Cache returns the response cache.
func (l *Layer) Cache() *Cache { return l.cache }

// Refreshes lists background revalidations in progress.
func (l *Layer) Refreshes() []RefreshTask { return l.refreshes.snapshot() }

// Close cancels background revalidations and waits for them to stop.
func (l *Layer) Close() error {
	l.refreshes.cancelAll()
	return nil
}

// RoundTrip implements http.RoundTripper.
func (l *Layer) RoundTrip(req *http.Request) (*http.Response, error) {
	class, rule := l.opts.Classifier.Classify(req)
	log := l.logger.With(
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("class", string(class)),
		slog.String("rule", rule),
	)

	switch class {
	case ClassAuth:
		return l.networkOnlyAuth(req, log)
	case ClassReadAPI:
		return l.staleWhileRevalidate(req, class, log)
	case ClassStatic:
		return l.cacheFirst(req, class, log)
	case ClassWriteAPI:
		return l.write(req, log)
	}
	return l.next.RoundTrip(req)
}

// networkOnlyAuth never consults the cache. Offline, the caller gets
// CONNECTIVITY_REQUIRED instead of a stale or fabricated answer.
func (l *Layer) networkOnlyAuth(req *http.Request, log *slog.Logger) (*http.Response, error) {
	if !l.conn.Online() {
		log.Debug("authentication request while offline")
		return nil, errors.NewConnectivityRequired(errors.OpFetch, fmt.Errorf("%s %s needs a connection", req.Method, req.URL.Path))
	}
	resp, err := l.next.RoundTrip(req)
	if err != nil {
		l.conn.ReportFailure(req.Context(), err)
		return nil, errors.NewConnectivityRequired(errors.OpFetch, err)
	}
	return resp, nil
}

type fetched struct {
	status int
	header http.Header
	body   []byte
}

func (f *fetched) response(req *http.Request) *http.Response {
	return buildResponse(req, f.status, f.header.Clone(), f.body)
}

func buildResponse(req *http.Request, status int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	var rc io.ReadCloser = http.NoBody
	if req.Method != http.MethodHead && len(body) > 0 {
		rc = io.NopCloser(bytes.NewReader(body))
	}
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          rc,
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func (l *Layer) fromCache(req *http.Request, e offline.CacheEntry, state string) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(HeaderCache, state)
	age := int(time.Since(e.StoredAt) / time.Second)
	if age < 0 {
		age = 0
	}
	h.Set("Age", strconv.Itoa(age))
	return buildResponse(req, e.Status, h, e.Body)
}

// fetch performs a GET for req on next and reads the body within the size
// limit. etag, when set, makes the request conditional.
func (l *Layer) fetch(ctx context.Context, req *http.Request, etag string) (*fetched, error) {
	out := req.Clone(ctx)
	out.Method = http.MethodGet
	out.Body = nil
	out.ContentLength = 0
	if etag != "" {
		out.Header.Set("If-None-Match", etag)
	}
	resp, err := l.next.RoundTrip(out)
	if err != nil {
		return nil, errors.NewNetworkError(errors.OpFetch, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, l.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, errors.NewNetworkError(errors.OpFetch, err)
	}
	if int64(len(body)) > l.opts.MaxBodyBytes {
		return nil, errors.NewValidationError(errors.OpFetch, fmt.Errorf("response exceeds %d bytes", l.opts.MaxBodyBytes))
	}
	return &fetched{status: resp.StatusCode, header: resp.Header.Clone(), body: body}, nil
}

func storable(f *fetched) bool {
	if f.status != http.StatusOK {
		return false
	}
	return !strings.Contains(strings.ToLower(f.header.Get("Cache-Control")), "no-store")
}

func (l *Layer) store(ctx context.Context, req *http.Request, key string, class Class, f *fetched) {
	if !storable(f) {
		return
	}
	h := f.header.Clone()
	h.Del(HeaderCache)
	err := l.cache.Put(ctx, offline.CacheEntry{
		Key:      key,
		Method:   http.MethodGet,
		URL:      CanonicalURL(req.URL),
		Status:   f.status,
		Header:   h,
		Body:     f.body,
		Strategy: class.Strategy(),
		ETag:     f.header.Get("ETag"),
	})
	switch {
	case err == nil:
	case errors.HasCode(err, errors.ErrCodeStorageQuota):
		l.logger.Warn("response not cached", slog.String("key", key), logging.ErrorAttr(err))
	default:
		logging.LogError(ctx, l.logger, err, "response not cached", slog.String("key", key))
	}
}

// miss fetches a response nobody has cached yet. Concurrent misses for the
// same key share one network request.
func (l *Layer) miss(req *http.Request, key string, class Class, log *slog.Logger) (*http.Response, error) {
	if !l.conn.Online() {
		l.opts.Metrics.RecordCacheResult(string(class), "fallback")
		log.Debug("offline cache miss")
		return l.opts.Fallback.Response(req, errors.ErrCodeTransientNetwork), nil
	}

	v, err, shared := l.group.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), l.opts.ReadTimeout)
		defer cancel()
		f, err := l.fetch(ctx, req, "")
		if err != nil {
			return nil, err
		}
		l.store(context.WithoutCancel(req.Context()), req, key, class, f)
		return f, nil
	})
	if err != nil {
		if errors.IsRetryable(err) {
			l.conn.ReportFailure(req.Context(), err)
		}
		l.opts.Metrics.RecordCacheResult(string(class), "fallback")
		log.Info("read failed without cached copy", logging.ErrorAttr(err))
		return l.opts.Fallback.Response(req, errors.CodeOf(err)), nil
	}
	l.opts.Metrics.RecordCacheResult(string(class), "miss")
	resp := v.(*fetched).response(req)
	resp.Header.Set(HeaderCache, "miss")
	if shared {
		log.Debug("shared in-flight fetch")
	}
	return resp, nil
}

// revalidate starts a background refresh of key unless one is running.
func (l *Layer) revalidate(req *http.Request, key string, class Class, cached offline.CacheEntry) {
	if !l.conn.Online() {
		return
	}
	bg := req.Clone(context.Background())
	l.refreshes.start(key, cached.URL, l.opts.RefreshTimeout, func(ctx context.Context) {
		unpin := l.cache.Pin(key)
		defer unpin()

		f, err := l.fetch(ctx, bg, cached.ETag)
		if err != nil {
			if errors.IsRetryable(err) && ctx.Err() == nil {
				l.conn.ReportFailure(ctx, err)
			}
			l.logger.Debug("revalidation failed", slog.String("key", key), logging.ErrorAttr(err))
			return
		}
		switch {
		case f.status == http.StatusNotModified:
			err = l.cache.Refreshed(ctx, cached)
		case storable(f) && offline.ContentHash(f.body) == cached.ContentHash:
			err = l.cache.Refreshed(ctx, cached)
		case storable(f):
			l.store(ctx, bg, key, class, f)
		case f.status == http.StatusNotFound || f.status == http.StatusGone:
			err = l.cache.Delete(ctx, key)
		}
		if err != nil {
			logging.LogError(ctx, l.logger, err, "failed to record revalidation", slog.String("key", key))
		}
		l.opts.Metrics.RecordCacheResult(string(class), "revalidated")
	})
}

// staleWhileRevalidate answers from the cache immediately when it can and
// refreshes in the background.
func (l *Layer) staleWhileRevalidate(req *http.Request, class Class, log *slog.Logger) (*http.Response, error) {
	key := Key(req)
	e, ok, err := l.cache.Get(req.Context(), key)
	if err != nil {
		log.Warn("cache lookup failed", logging.ErrorAttr(err))
	}
	if !ok {
		return l.miss(req, key, class, log)
	}
	l.opts.Metrics.RecordCacheResult(string(class), "hit")
	resp := l.fromCache(req, e, "hit")
	l.revalidate(req, key, class, e)
	return resp, nil
}

// cacheFirst answers from the cache and revalidates only entries older than
// StaticFreshFor.
func (l *Layer) cacheFirst(req *http.Request, class Class, log *slog.Logger) (*http.Response, error) {
	key := Key(req)
	e, ok, err := l.cache.Get(req.Context(), key)
	if err != nil {
		log.Warn("cache lookup failed", logging.ErrorAttr(err))
	}
	if !ok {
		return l.miss(req, key, class, log)
	}
	l.opts.Metrics.RecordCacheResult(string(class), "hit")
	if time.Since(e.StoredAt) > l.opts.StaticFreshFor {
		l.revalidate(req, key, class, e)
	}
	return l.fromCache(req, e, "hit"), nil
}

// write forwards writes while online and queues them when the network is
// unavailable.
func (l *Layer) write(req *http.Request, log *slog.Logger) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(req.Body, l.opts.MaxBodyBytes+1))
		req.Body.Close()
		if err != nil {
			return nil, errors.NewValidationError(errors.OpSend, err)
		}
		if int64(len(body)) > l.opts.MaxBodyBytes {
			return jsonResponse(req, http.StatusRequestEntityTooLarge, map[string]string{
				"code": string(errors.ErrCodeValidation), "message": "request body too large",
			}), nil
		}
	}

	// A caller's key is honoured offline too: it may have sent the write
	// itself before.
	key := req.Header.Get(HeaderIdempotencyKey)
	if l.conn.Online() {
		if key == "" {
			key = offline.NewIdempotencyKey()
		}
		out := req.Clone(req.Context())
		out.Header.Set(HeaderIdempotencyKey, key)
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		resp, err := l.next.RoundTrip(out)
		if err == nil {
			if resp.StatusCode < 300 {
				l.invalidate(req, log)
			}
			return resp, nil
		}
		// The server may have applied the write before the connection
		// dropped. The queued entry replays it under the same key.
		log.Info("write failed on the network, queueing", slog.String("idempotency_key", key), logging.ErrorAttr(err))
		l.conn.ReportFailure(req.Context(), err)
	}
	return l.queueWrite(req, body, key, log)
}

func (l *Layer) invalidate(req *http.Request, log *slog.Logger) {
	p := req.URL.Path
	if l.resources != nil {
		if t, ok := l.resources.ResourceFor(p); ok {
			p = l.resources.Collection(t)
		}
	}
	n, err := l.cache.InvalidatePath(context.WithoutCancel(req.Context()), p)
	if err != nil {
		log.Warn("failed to invalidate cached reads", logging.ErrorAttr(err))
		return
	}
	if n > 0 {
		log.Debug("invalidated cached reads", slog.Int("count", n), slog.String("collection", p))
	}
}

// ParseWrite translates a write request on a known collection into a Write.
func ParseWrite(resources Resources, method, p string, body []byte) (Write, error) {
	t, ok := resources.ResourceFor(p)
	if !ok {
		return Write{}, errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("no resource is served at %s", p))
	}
	rest := strings.Trim(strings.TrimPrefix(p, resources.Collection(t)), "/")
	if strings.Contains(rest, "/") {
		return Write{}, errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("nested path %s cannot be queued", p))
	}

	w := Write{ResourceType: t, RecordID: rest}
	switch {
	case method == http.MethodPost && rest == "":
		w.Operation = offline.OpCreate
	case (method == http.MethodPatch || method == http.MethodPut) && rest != "":
		w.Operation = offline.OpUpdate
	case method == http.MethodDelete && rest != "":
		w.Operation = offline.OpDelete
		return w, nil
	default:
		return Write{}, errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("%s %s cannot be queued", method, p))
	}
	if err := offline.ValidatePayload(body); err != nil {
		return Write{}, errors.NewValidationError(errors.OpEnqueue, err)
	}
	w.Payload = append(json.RawMessage(nil), body...)
	return w, nil
}

func (l *Layer) queueWrite(req *http.Request, body []byte, key string, log *slog.Logger) (*http.Response, error) {
	if l.queuer == nil || l.resources == nil {
		return l.opts.Fallback.Response(req, errors.ErrCodeTransientNetwork), nil
	}
	w, err := ParseWrite(l.resources, req.Method, req.URL.Path, body)
	if err != nil {
		return errorResponse(req, err), nil
	}
	w.IdempotencyKey = key
	receipt, err := l.queuer.QueueWrite(req.Context(), w)
	if err != nil {
		if errors.IsTerminal(err) {
			log.Info("write rejected", logging.ErrorAttr(err))
		} else {
			logging.LogError(req.Context(), log, err, "write not queued")
		}
		return errorResponse(req, err), nil
	}
	log.Info("write queued", slog.String("record_id", receipt.RecordID), slog.String("operation", string(w.Operation)))
	// Reads of the collection must show the optimistic change.
	l.invalidate(req, log)
	resp := jsonResponse(req, http.StatusAccepted, receipt)
	resp.Header.Set(HeaderQueued, "1")
	return resp, nil
}

func jsonResponse(req *http.Request, status int, v any) *http.Response {
	b, _ := json.Marshal(v)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return buildResponse(req, status, h, b)
}

// errorResponse renders a local rejection the way the backend renders its own.
func errorResponse(req *http.Request, err error) *http.Response {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeValidation, errors.ErrCodeStaleWrite:
		status = http.StatusUnprocessableEntity
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeStorageQuota:
		status = http.StatusInsufficientStorage
	case errors.ErrCodeConnectivityRequired:
		status = http.StatusServiceUnavailable
	}
	return jsonResponse(req, status, map[string]string{"code": string(code), "message": err.Error()})
}
