// Package api exposes the harvester's status HTTP interface: health,
// Prometheus metrics, and the latest run summary.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openharvest/harvester/internal/orchestrator"
)

// Server serves status endpoints while a harvest run is in flight or after
// it finishes.
type Server struct {
	router  chi.Router
	logger  *zap.Logger
	mu      sync.RWMutex
	summary *orchestrator.Summary
}

// NewServer constructs a Server exposing /healthz, /metrics, and /summary.
// A nil registry falls back to the default Prometheus registry.
func NewServer(registry *prometheus.Registry, logger *zap.Logger) *Server {
	var gatherer prometheus.Gatherer = registry
	var registerer prometheus.Registerer = registry
	if registry == nil {
		gatherer = prometheus.DefaultGatherer
		registerer = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger}

	r := chi.NewRouter()
	r.Use(newRequestMetrics(registerer).middleware)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/summary", s.handleSummary)
	s.router = r
	return s
}

// Handler returns the HTTP handler for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetSummary publishes the latest run summary to /summary.
func (s *Server) SetSummary(sum orchestrator.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = &sum
}

// Serve runs the server on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("status server listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve status: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	sum := s.summary
	s.mu.RUnlock()
	if sum == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no completed run"})
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", zap.Error(err))
	}
}
