// Package agent runs the engine as a local HTTP service. Application traffic
// sent to the agent goes through the interception layer; the /_offline routes
// expose sync control, queue administration and the event stream.
package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/c0deZ3R0/go-offline-kit/connectivity"
	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/intercept"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/notify"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/syncer"
)

// AdminPrefix is the path prefix of the agent's own routes.
const AdminPrefix = "/_offline"

// Engine is the part of engine.Engine the agent serves.
type Engine interface {
	ReadThroughCache(req *http.Request) (*http.Response, error)
	GetSyncStatus(ctx context.Context) offline.SyncStatus
	Connectivity() connectivity.Status
	Refreshes() []intercept.RefreshTask
	ForceSync(ctx context.Context) (syncer.DrainResult, error)
	SignalConnectivity(ctx context.Context, online bool) bool
	Entries() []offline.QueueEntry
	FailedEntries() []offline.QueueEntry
	RetryEntry(ctx context.Context, id string) (offline.QueueEntry, error)
	DiscardEntry(ctx context.Context, id string) (offline.QueueEntry, error)
	CaptureMedia(ctx context.Context, ownerID, mimeType string, data []byte) (offline.MediaBlob, error)
}

// Options configures a Server.
type Options struct {
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// MaxMediaBytes bounds a captured photo.
	MaxMediaBytes int64
	Logger        *logging.Logger
}

// Status is the body of GET /_offline/status.
type Status struct {
	Sync         offline.SyncStatus      `json:"sync"`
	Connectivity connectivity.Status     `json:"connectivity"`
	Refreshes    []intercept.RefreshTask `json:"refreshes"`
	Clients      int                     `json:"eventClients"`
}

// Server is the agent's HTTP handler.
type Server struct {
	engine Engine
	hub    *notify.Hub
	opts   Options
	logger *logging.Logger
	router chi.Router
}

// New builds the agent around e. Events are streamed from hub.
func New(e Engine, hub *notify.Hub, opts Options) *Server {
	if opts.MaxMediaBytes <= 0 {
		opts.MaxMediaBytes = 20 << 20
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("agent")
	}
	s := &Server{engine: e, hub: hub, opts: opts, logger: opts.Logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/sync", s.sync)
		r.Post("/connectivity", s.connectivity)
		r.Get("/queue", s.queue)
		r.Post("/queue/{id}/retry", s.retry)
		r.Delete("/queue/{id}", s.discard)
		r.Post("/records/{id}/media", s.captureMedia)
		r.Method(http.MethodGet, "/events", s.hub.WebSocketHandler())
		r.Method(http.MethodGet, "/events/stream", s.hub.SSEHandler(s.opts.Heartbeat))
	})
	r.NotFound(s.proxy)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logging.WithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.logger.WithContext(ctx).Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// proxy answers application traffic through the interception layer.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL.Scheme = ""
	out.URL.Host = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := s.engine.ReadThroughCache(out)
	if err != nil {
		s.logger.WithContext(r.Context()).Info("request not served",
			slog.String("path", r.URL.Path),
			slog.String("code", string(errors.CodeOf(err))))
		s.writeError(w, err)
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.WithContext(r.Context()).Debug("response copy aborted", logging.ErrorAttr(err))
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Sync:         s.engine.GetSyncStatus(r.Context()),
		Connectivity: s.engine.Connectivity(),
		Refreshes:    s.engine.Refreshes(),
	}
	if s.hub != nil {
		st.Clients = s.hub.Clients()
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ForceSync(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type connectivityRequest struct {
	Online bool `json:"online"`
}

func (s *Server) connectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidationError(errors.OpProbe, err))
		return
	}
	online := s.engine.SignalConnectivity(r.Context(), req.Online)
	respondJSON(w, http.StatusOK, connectivityRequest{Online: online})
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	var entries []offline.QueueEntry
	switch r.URL.Query().Get("state") {
	case "", "all":
		entries = s.engine.Entries()
	case "failed":
		entries = s.engine.FailedEntries()
	default:
		s.writeError(w, errors.NewValidationError(errors.OpList, errUnknownState))
		return
	}
	if entries == nil {
		entries = []offline.QueueEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.RetryEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) discard(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.DiscardEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) captureMedia(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxMediaBytes+1))
	if err != nil {
		s.writeError(w, errors.NewValidationError(errors.OpPut, err))
		return
	}
	if int64(len(data)) > s.opts.MaxMediaBytes {
		respondJSON(w, http.StatusRequestEntityTooLarge, errorBody{Code: string(errors.ErrCodeValidation), Message: "media too large"})
		return
	}
	blob, err := s.engine.CaptureMedia(r.Context(), chi.URLParam(r, "id"), r.Header.Get("Content-Type"), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, blob)
}

// ListenAndServe serves s on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("agent listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
