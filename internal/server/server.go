// Package server exposes the metering and job orchestration API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/user/meterflow/internal/provider"
	"github.com/user/meterflow/internal/runner"
	"github.com/user/meterflow/internal/store"
)

// Server is the HTTP server for meterflow.
type Server struct {
	store      *store.Store
	runner     *runner.Runner
	providers  *provider.Registry
	httpServer *http.Server
	router     chi.Router
	limiter    *rateLimiter
	auth       AuthConfig
}

// Option customizes a Server.
type Option func(*Server)

// WithAuth enables request authentication.
func WithAuth(cfg AuthConfig) Option {
	return func(s *Server) { s.auth = cfg }
}

// WithRateLimit enables per-client request rate limiting.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(s *Server) { s.limiter = newRateLimiter(cfg) }
}

// New creates a new Server. The handler speaks h2c so gRPC-style clients and
// plain HTTP/1.1 share one port.
func New(st *store.Store, r *runner.Runner, providers *provider.Registry, bindAddr string, opts ...Option) *Server {
	srv := &Server{store: st, runner: r, providers: providers}
	for _, opt := range opts {
		opt(srv)
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: h2c.NewHandler(srv.router, &http2.Server{}),
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Jobs
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/key/{key}", s.handleGetJobByKey)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)

		// Accounts and ledger
		r.Get("/accounts/{id}", s.handleGetAccount)
		r.Get("/accounts/{id}/balance", s.handleBalance)
		r.Post("/accounts/{id}/credit", s.handleCredit)
		r.Get("/accounts/{id}/entries", s.handleEntries)

		// Reporting
		r.Get("/summary", s.handleSummary)
		r.Get("/providers", s.handleListProviders)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	if s.limiter != nil {
		s.limiter.close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeStoreError maps ledger/job store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), string(store.ErrorCodeNotFound))
	case store.IsInsufficientBalance(err):
		writeError(w, http.StatusPaymentRequired, err.Error(), string(store.ErrorCodeInsufficientBalance))
	case store.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, err.Error(), string(store.ErrorCodeInvalidTransition))
	default:
		var se *store.StoreError
		if errors.As(err, &se) {
			writeError(w, http.StatusBadRequest, se.Msg, string(se.Code))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
