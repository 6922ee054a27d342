package backend

import (
	"compress/gzip"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/singleflight"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/transport/httpclient"
)

// Validator rejects payloads the business rules refuse. A non-nil error is
// answered with 422.
type Validator func(collection string, payload json.RawMessage) error

// Options configures a Server.
type Options struct {
	Idempotency  IdempotencyStore
	Validator    Validator
	MaxBodyBytes int64
	Now          func() time.Time
	Logger       *slog.Logger
}

// Server serves the backend API.
type Server struct {
	repo   Repository
	opts   Options
	logger *slog.Logger
	router *mux.Router
	flight singleflight.Group
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type conflictBody struct {
	Code       string          `json:"code"`
	Record     json.RawMessage `json:"record,omitempty"`
	Revision   int64           `json:"revision"`
	ModifiedAt time.Time       `json:"modifiedAt"`
	Deleted    bool            `json:"deleted"`
}

// NewServer builds the API server over repo.
func NewServer(repo Repository, opts Options) *Server {
	if opts.Idempotency == nil {
		opts.Idempotency = NewMemoryIdempotency(DefaultIdempotencyTTL)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("backend").Logger
	}
	s := &Server{repo: repo, opts: opts, logger: opts.Logger, router: mux.NewRouter()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet, http.MethodHead)

	media := s.router.PathPrefix(httpclient.MediaPath).Subrouter()
	media.HandleFunc("/{id}", s.putMedia).Methods(http.MethodPut)
	media.HandleFunc("/{id}", s.getMedia).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/{collection}").Subrouter()
	api.HandleFunc("", s.list).Methods(http.MethodGet)
	api.HandleFunc("", s.create).Methods(http.MethodPost)
	api.HandleFunc("/{id}", s.get).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.update).Methods(http.MethodPatch, http.MethodPut)
	api.HandleFunc("/{id}", s.delete).Methods(http.MethodDelete)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	records, err := s.repo.List(r.Context(), mux.Vars(r)["collection"])
	if err != nil {
		s.internalError(w, "list", err)
		return
	}
	if records == nil {
		records = []Record{}
	}
	body, err := json.Marshal(records)
	if err != nil {
		s.internalError(w, "list", err)
		return
	}
	etag := `"` + offline.ContentHash(body)[:16] + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.repo.Get(r.Context(), vars["collection"], vars["id"])
	if err == nil && rec.Deleted {
		err = ErrNotFound
	}
	if err != nil {
		s.repoError(w, "get", err)
		return
	}
	etag := `"r` + strconv.FormatInt(rec.Revision, 10) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set(httpclient.HeaderRevision, strconv.FormatInt(rec.Revision, 10))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Payload)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	s.idempotent(w, r, func(body []byte) (int, any) {
		if err := s.validate(collection, body); err != nil {
			return http.StatusUnprocessableEntity, apiError{Code: "validation", Message: err.Error()}
		}
		rec, err := s.repo.Create(r.Context(), collection, body, s.opts.Now())
		if err != nil {
			return s.errorBody("create", err)
		}
		s.logger.Info("record created", slog.String("collection", collection), slog.String("id", rec.ID))
		return http.StatusCreated, ack(rec)
	})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	base, ok := baseRevision(w, r)
	if !ok {
		return
	}
	s.idempotent(w, r, func(body []byte) (int, any) {
		if err := s.validate(vars["collection"], body); err != nil {
			return http.StatusUnprocessableEntity, apiError{Code: "validation", Message: err.Error()}
		}
		rec, err := s.repo.Update(r.Context(), vars["collection"], vars["id"], base, body, s.opts.Now())
		if err != nil {
			return s.errorBody("update", err)
		}
		return http.StatusOK, ack(rec)
	})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	base, ok := baseRevision(w, r)
	if !ok {
		return
	}
	s.idempotent(w, r, func([]byte) (int, any) {
		rec, err := s.repo.Delete(r.Context(), vars["collection"], vars["id"], base, s.opts.Now())
		if err != nil {
			return s.errorBody("delete", err)
		}
		return http.StatusOK, ack(rec)
	})
}

func (s *Server) putMedia(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	owner := r.Header.Get(httpclient.HeaderOwnerRecordID)
	if owner == "" {
		respondJSON(w, http.StatusUnprocessableEntity, apiError{Code: "validation", Message: "missing owner record id"})
		return
	}
	s.idempotent(w, r, func(body []byte) (int, any) {
		m, err := s.repo.PutMedia(r.Context(), Media{
			ID:            id,
			OwnerRecordID: owner,
			MimeType:      r.Header.Get("Content-Type"),
			Bytes:         body,
			ContentHash:   offline.ContentHash(body),
			UploadedAt:    s.opts.Now(),
		})
		if err != nil {
			return s.errorBody("put media", err)
		}
		return http.StatusCreated, httpclient.Ack{ID: m.ID, Revision: 1, ModifiedAt: m.UploadedAt}
	})
}

func (s *Server) getMedia(w http.ResponseWriter, r *http.Request) {
	m, err := s.repo.GetMedia(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.repoError(w, "get media", err)
		return
	}
	w.Header().Set("Content-Type", m.MimeType)
	w.Header().Set("ETag", `"`+m.ContentHash+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(m.Bytes)
}

// idempotent reads the body, then runs fn at most once per idempotency key.
// Replays and concurrent duplicates receive the recorded response.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, fn func(body []byte) (int, any)) {
	body, err := s.readBody(r)
	if err != nil {
		respondJSON(w, http.StatusRequestEntityTooLarge, apiError{Code: "validation", Message: err.Error()})
		return
	}

	key := r.Header.Get(httpclient.HeaderIdempotencyKey)
	if key == "" {
		status, payload := fn(body)
		respondJSON(w, status, payload)
		return
	}

	v, err, shared := s.flight.Do(key, func() (any, error) {
		if stored, ok, err := s.opts.Idempotency.Lookup(r.Context(), key); err != nil {
			return nil, err
		} else if ok {
			return stored, nil
		}
		status, payload := fn(body)
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		resp := StoredResponse{Status: status, Body: encoded}
		// Only outcomes that must not be repeated are recorded.
		if status < 300 {
			if err := s.opts.Idempotency.Remember(r.Context(), key, resp); err != nil {
				s.logger.Warn("failed to record idempotency key", slog.String("key", key), logging.ErrorAttr(err))
			}
		}
		return resp, nil
	})
	if err != nil {
		s.internalError(w, "idempotency", err)
		return
	}
	if shared {
		s.logger.Debug("duplicate request collapsed", slog.String("key", key))
	}
	resp := v.(StoredResponse)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	}
	body, err := io.ReadAll(io.LimitReader(reader, s.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > s.opts.MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", s.opts.MaxBodyBytes)
	}
	return body, nil
}

func (s *Server) validate(collection string, body []byte) error {
	if err := offline.ValidatePayload(body); err != nil {
		return err
	}
	if s.opts.Validator != nil {
		return s.opts.Validator(collection, body)
	}
	return nil
}

func baseRevision(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get(httpclient.HeaderBaseRevision)
	if raw == "" {
		return 0, true
	}
	base, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || base < 0 {
		respondJSON(w, http.StatusBadRequest, apiError{Code: "validation", Message: "invalid base revision"})
		return 0, false
	}
	return base, true
}

func ack(rec Record) httpclient.Ack {
	return httpclient.Ack{ID: rec.ID, Revision: rec.Revision, ModifiedAt: rec.ModifiedAt}
}

func (s *Server) errorBody(op string, err error) (int, any) {
	var conflict *ConflictError
	switch {
	case stdErrors.As(err, &conflict):
		cur := conflict.Current
		body := conflictBody{Code: "conflict", Revision: cur.Revision, ModifiedAt: cur.ModifiedAt, Deleted: cur.Deleted}
		if !cur.Deleted {
			body.Record = cur.Payload
		}
		return http.StatusConflict, body
	case stdErrors.Is(err, ErrNotFound):
		return http.StatusNotFound, apiError{Code: "not_found", Message: err.Error()}
	default:
		s.logger.Error("repository failure", slog.String("op", op), logging.ErrorAttr(err))
		return http.StatusInternalServerError, apiError{Code: "internal", Message: "internal error"}
	}
}

func (s *Server) repoError(w http.ResponseWriter, op string, err error) {
	status, body := s.errorBody(op, err)
	respondJSON(w, status, body)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", slog.String("op", op), logging.ErrorAttr(err))
	respondJSON(w, http.StatusInternalServerError, apiError{Code: "internal", Message: "internal error"})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// ListenAndServe serves s on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("backend listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
