package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomizedcoder/go-abr-swarm/internal/stats"
)

// SessionLister returns live session summaries for /sessions.
type SessionLister func() []stats.Summary

// Server provides HTTP endpoints for Prometheus metrics, health checks and
// a JSON view of live sessions.
type Server struct {
	addr     string
	server   *http.Server
	logger   *slog.Logger
	ready    atomic.Bool
	listener atomic.Pointer[net.Listener]
}

// NewServer creates a new metrics server. gatherer defaults to the
// Prometheus default gatherer; sessions may be nil.
func NewServer(addr string, gatherer prometheus.Gatherer, sessions SessionLister, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{addr: addr, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/health", healthHandler)
	r.Get("/healthz", healthHandler)

	r.Get("/ready", s.readyHandler)
	r.Get("/readyz", s.readyHandler)

	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		var list []stats.Summary
		if sessions != nil {
			list = sessions()
		}
		if list == nil {
			list = []stats.Summary{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(list); err != nil {
			s.logger.Debug("sessions_encode_error", "error", err)
		}
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// healthHandler handles health check requests.
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// readyHandler reports 503 until SetReady(true), e.g. while preflight runs.
func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// SetReady flips the readiness endpoints.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start binds the listener and serves in a goroutine. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	s.logger.Info("metrics_server_starting", "addr", s.addr)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.addr, err)
	}
	s.listener.Store(&ln)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics_server_error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("metrics_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if ln := s.listener.Load(); ln != nil {
		return (*ln).Addr().String()
	}
	return s.addr
}
