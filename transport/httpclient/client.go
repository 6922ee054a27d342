// Package httpclient talks to the backend API on behalf of the sync manager.
//
// Responses are classified into the engine's error taxonomy: conflicts,
// validation failures and transient failures each carry their own code so
// the caller can pick the queue transition without inspecting HTTP details.
package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

const component = "transport"

// Wire headers.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderBaseRevision   = "X-Base-Revision"
	HeaderOwnerRecordID  = "X-Owner-Record-Id"
	HeaderRevision       = "X-Revision"
)

// MediaPath is the collection for raw media uploads.
const MediaPath = "/api/media"

// MetadataConflict is the error metadata key holding a *Conflict.
const MetadataConflict = "conflict"

// Limits bounds request and response sizes.
type Limits struct {
	MaxBodyBytes int64 // Maximum response body size in bytes
	EnableGzip   bool  // Compress JSON request bodies
	GzipMinBytes int   // Minimum body size before compressing
}

// Ack is the server's acknowledgment of a mutation.
type Ack struct {
	ID         string    `json:"id"`
	Revision   int64     `json:"revision"`
	ModifiedAt time.Time `json:"modifiedAt"`
	// Gone is set when a delete found nothing to delete.
	Gone bool `json:"-"`
}

// Conflict is the body of a 409 response.
type Conflict struct {
	Code       string          `json:"code"`
	Record     json.RawMessage `json:"record,omitempty"`
	Revision   int64           `json:"revision"`
	ModifiedAt time.Time       `json:"modifiedAt"`
	Deleted    bool            `json:"deleted"`
}

// AsConflict extracts the server's view from a SYNC_CONFLICT error.
func AsConflict(err error) (*Conflict, bool) {
	v, ok := errors.MetadataOf(err, MetadataConflict)
	if !ok {
		return nil, false
	}
	c, ok := v.(*Conflict)
	return c, ok
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Router maps a resource type to its collection path.
type Router func(offline.ResourceType) string

// DefaultRouter pluralizes the resource type under /api.
func DefaultRouter(t offline.ResourceType) string {
	return "/api/" + string(t) + "s"
}

// Client is the backend API client.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	router  Router
	header  http.Header
	logger  *slog.Logger
}

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		if cl != nil {
			c.http = cl
		}
	}
}

// WithLimits sets the size and compression limits.
func WithLimits(l Limits) Option {
	return func(c *Client) {
		c.limits = l
	}
}

// WithRouter sets the collection path mapping.
func WithRouter(r Router) Option {
	return func(c *Client) {
		if r != nil {
			c.router = r
		}
	}
}

// WithHeader adds a header sent on every request, e.g. a session credential.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Set(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		limits: Limits{
			MaxBodyBytes: 8 << 20, // 8MB
			EnableGzip:   true,
			GzipMinBytes: 1024,
		},
		router: DefaultRouter,
		header: make(http.Header),
		logger: logging.WithComponent(component).Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL for the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Create posts a new record. Replaying the same idempotency key returns the
// original acknowledgment.
func (c *Client) Create(ctx context.Context, t offline.ResourceType, idempotencyKey string, payload json.RawMessage) (Ack, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, c.router(t), payload)
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	return c.doAck(req)
}

// Update patches a record at baseRevision.
func (c *Client) Update(ctx context.Context, t offline.ResourceType, id, idempotencyKey string, baseRevision int64, payload json.RawMessage) (Ack, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPatch, c.recordPath(t, id), payload)
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	req.Header.Set(HeaderBaseRevision, strconv.FormatInt(baseRevision, 10))
	return c.doAck(req)
}

// Delete removes a record. A record already gone counts as deleted.
func (c *Client) Delete(ctx context.Context, t offline.ResourceType, id, idempotencyKey string, baseRevision int64) (Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+c.recordPath(t, id), nil)
	if err != nil {
		return Ack{}, errors.NewWithComponent(errors.OpSend, component, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	req.Header.Set(HeaderBaseRevision, strconv.FormatInt(baseRevision, 10))

	ack, err := c.doAck(req)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return Ack{ID: id, Gone: true}, nil
	}
	if err == nil && ack.ID == "" {
		ack.ID = id
	}
	return ack, err
}

// UploadMedia puts the raw bytes of blob.
func (c *Client) UploadMedia(ctx context.Context, blob offline.MediaBlob, idempotencyKey string) (Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+MediaPath+"/"+url.PathEscape(blob.ID), bytes.NewReader(blob.Bytes))
	if err != nil {
		return Ack{}, errors.NewWithComponent(errors.OpSend, component, fmt.Errorf("failed to create request: %w", err))
	}
	req.ContentLength = int64(len(blob.Bytes))
	req.Header.Set("Content-Type", blob.MimeType)
	req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	req.Header.Set(HeaderOwnerRecordID, blob.OwnerRecordID)
	ack, err := c.doAck(req)
	if err == nil && ack.ID == "" {
		ack.ID = blob.ID
	}
	return ack, err
}

// Fetch reads the current server copy of a record.
func (c *Client) Fetch(ctx context.Context, t offline.ResourceType, id string) (json.RawMessage, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.recordPath(t, id), nil)
	if err != nil {
		return nil, 0, errors.NewWithComponent(errors.OpFetch, component, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	status, header, body, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	if err := classify(errors.OpFetch, status, body); err != nil {
		return nil, 0, err
	}
	rev, _ := strconv.ParseInt(header.Get(HeaderRevision), 10, 64)
	return json.RawMessage(body), rev, nil
}

func (c *Client) recordPath(t offline.ResourceType, id string) string {
	return c.router(t) + "/" + url.PathEscape(id)
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, payload json.RawMessage) (*http.Request, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewWithComponent(errors.OpSend, component, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.limits.EnableGzip && len(payload) > c.limits.GzipMinBytes {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return nil, errors.NewWithComponent(errors.OpSend, component, fmt.Errorf("failed to compress request: %w", err))
		}
		if err := gw.Close(); err != nil {
			return nil, errors.NewWithComponent(errors.OpSend, component, fmt.Errorf("failed to close gzip writer: %w", err))
		}
		req.Body = io.NopCloser(&buf)
		req.ContentLength = int64(buf.Len())
		req.Header.Set("Content-Encoding", "gzip")
		c.logger.Debug("compressed request",
			slog.Int("original_size", len(payload)),
			slog.Int("compressed_size", buf.Len()))
	}
	return req, nil
}

func (c *Client) doAck(req *http.Request) (Ack, error) {
	status, _, body, err := c.do(req)
	if err != nil {
		return Ack{}, err
	}
	if err := classify(errors.OpSend, status, body); err != nil {
		c.logger.Debug("request rejected",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.Int("status_code", status),
			slog.String("code", string(errors.CodeOf(err))))
		return Ack{}, err
	}
	var ack Ack
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &ack); err != nil {
			return Ack{}, errors.NewNetworkError(errors.OpSend, fmt.Errorf("malformed acknowledgment: %w", err))
		}
	}
	return ack, nil
}

func (c *Client) do(req *http.Request) (int, http.Header, []byte, error) {
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			logging.ErrorAttr(err))
		return 0, nil, nil, errors.NewNetworkError(errors.OpSend, fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	limit := c.limits.MaxBodyBytes
	if limit <= 0 {
		limit = 8 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return 0, nil, nil, errors.NewNetworkError(errors.OpSend, fmt.Errorf("failed to read response: %w", err))
	}
	if int64(len(body)) > limit {
		return 0, nil, nil, errors.NewWithComponent(errors.OpSend, component,
			fmt.Errorf("response body exceeds %d bytes", limit))
	}
	return resp.StatusCode, resp.Header, body, nil
}

// classify maps a response status onto the error taxonomy. Authentication
// failures are transient: the session is renewed out of band and the entry
// retried.
func classify(op errors.Operation, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return errors.NewNotFound(op, fmt.Errorf("server returned 404"))
	case status == http.StatusConflict:
		conflict := &Conflict{}
		if err := json.Unmarshal(body, conflict); err != nil {
			return errors.NewNetworkError(op, fmt.Errorf("malformed conflict body: %w", err))
		}
		return errors.NewConflictError(op, fmt.Errorf("server holds revision %d", conflict.Revision)).
			WithMetadata(MetadataConflict, conflict)
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusRequestTimeout, status == http.StatusTooManyRequests,
		status >= 500:
		return errors.NewNetworkError(op, fmt.Errorf("server returned %d", status)).
			WithMetadata("status", status)
	default:
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		msg := ae.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return errors.NewValidationError(op, fmt.Errorf("server rejected request (status %d): %s", status, msg)).
			WithMetadata("status", status)
	}
}
