// Package server exposes the dochub file API over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dochub/dochub/internal/bundle"
	"github.com/dochub/dochub/internal/links"
	"github.com/dochub/dochub/internal/logging/audit"
	"github.com/dochub/dochub/internal/metrics"
	"github.com/dochub/dochub/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries the per-request id on every response.
const RequestIDHeader = "X-Request-ID"

// MissingFilesHeader carries the number of missing entries of an archive.
const MissingFilesHeader = "X-Missing-Files"

// Config holds HTTP server settings.
type Config struct {
	Listen        string
	AdminKey      string  // Empty refuses every admin request
	MaxUploadSize int64   // Multipart body limit in bytes
	RateLimit     float64 // Archive builds per second; 0 disables limiting
	RateBurst     int
}

// TokenVerifier checks signed read tokens for backends that serve their own
// links.
type TokenVerifier interface {
	VerifyReadToken(token string, ref storage.ObjectRef) error
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Gateway  storage.Gateway
	Issuer   *links.Issuer
	Builder  *bundle.Builder
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // nil serves metrics.Registry
	Audit    *audit.Logger
	Logger   zerolog.Logger
}

// Server is the dochub HTTP API.
type Server struct {
	cfg      Config
	gateway  storage.Gateway
	issuer   *links.Issuer
	builder  *bundle.Builder
	verifier TokenVerifier
	metrics  *metrics.Metrics
	audit    *audit.Logger
	limiter  *rate.Limiter
	mux      *http.ServeMux
	logger   zerolog.Logger
}

// New creates a server and registers its routes.
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger.With().Str("component", "server").Logger()
	s := &Server{
		cfg:     cfg,
		gateway: deps.Gateway,
		issuer:  deps.Issuer,
		builder: deps.Builder,
		metrics: deps.Metrics,
		audit:   deps.Audit,
		mux:     http.NewServeMux(),
		logger:  logger,
	}
	if s.audit == nil {
		s.audit = audit.NewLogger(deps.Logger)
	}
	if v, ok := deps.Gateway.(TokenVerifier); ok {
		s.verifier = v
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	metricsHandler := metrics.Handler()
	if deps.Gatherer != nil {
		metricsHandler = metrics.HandlerFor(deps.Gatherer)
	}
	s.setupRoutes(metricsHandler)
	return s
}

func (s *Server) setupRoutes(metricsHandler http.Handler) {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metricsHandler)

	s.mux.HandleFunc("GET /api/file/list", s.instrument("list_containers", s.withAdminAuth(s.handleListContainers)))
	s.mux.HandleFunc("GET /api/file/list/{container}", s.instrument("list_blobs", s.withAdminAuth(s.handleListBlobs)))
	s.mux.HandleFunc("DELETE /api/file/delete/{container}/{id...}", s.instrument("delete", s.withAdminAuth(s.handleDelete)))
	s.mux.HandleFunc("GET /api/file/delete/{container}/{id...}", s.instrument("delete", s.withAdminAuth(s.handleDelete)))
	s.mux.HandleFunc("POST /api/file/post", s.instrument("upload", s.withAdminAuth(s.handleUpload)))

	s.mux.HandleFunc("GET /api/file/get/{container}/{id...}", s.instrument("get", s.handleGet))
	s.mux.HandleFunc("GET /api/file/link/{container}/{id...}", s.instrument("link", s.handleLink))
	s.mux.HandleFunc("GET /api/file/zip/{container}", s.instrument("zip", s.handleZip))
	s.mux.HandleFunc("POST /api/file/zip/{container}", s.instrument("zip", s.handleZip))

	if s.verifier != nil {
		s.mux.HandleFunc("GET /blob/{container}/{id...}", s.instrument("blob", s.handleBlob))
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.New().String()
	}
	w.Header().Set(RequestIDHeader, id)
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("starting file server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("file server stopped")
	return nil
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

// instrument records request count and latency under operation.
func (s *Server) instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.RecordRequest(operation, rec.status, elapsed)
		s.logger.Debug().
			Str("request_id", w.Header().Get(RequestIDHeader)).
			Str("operation", operation).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("request served")
	}
}

func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAdminAuth(w, r) {
			return
		}
		next(w, r)
	}
}

// checkAdminAuth verifies the admin key and returns false if auth failed
// (response already sent). Failures look like a missing route.
func (s *Server) checkAdminAuth(w http.ResponseWriter, r *http.Request) bool {
	method, key := adminCredentials(r)
	switch {
	case s.cfg.AdminKey == "":
		s.audit.LogAuth(method, audit.ResultDenied, "admin access disabled", sourceIP(r))
	case key == "":
		s.audit.LogAuth(method, audit.ResultDenied, "missing credentials", sourceIP(r))
	case subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1:
		s.audit.LogAuth(method, audit.ResultDenied, "invalid credentials", sourceIP(r))
	default:
		return true
	}
	s.jsonError(w, "not found", http.StatusNotFound)
	return false
}

// adminCredentials extracts a bearer token or a basic-auth password.
func adminCredentials(r *http.Request) (method, key string) {
	if _, password, ok := r.BasicAuth(); ok {
		return "basic", password
	}
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return "bearer", strings.TrimSpace(parts[1])
	}
	return "none", ""
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
