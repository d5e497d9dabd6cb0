// Package api serves the operational HTTP surface: liveness, per-consumer
// progress and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apimiddleware "github.com/chainscope/indexer-go/api/middleware"
	"github.com/chainscope/indexer-go/storage"
)

// Status exposes the stream tip and consumer checkpoints.
type Status interface {
	MaxHeight(ctx context.Context) (uint32, error)
	GetCheckpoint(ctx context.Context, consumer string) (uint32, error)
}

// Server is the ops HTTP server.
type Server struct {
	config    *Config
	logger    *zap.Logger
	status    Status
	consumers []string
	router    *chi.Mux
	server    *http.Server
}

// NewServer creates an ops server reporting progress for the named
// consumers.
func NewServer(config *Config, logger *zap.Logger, status Status, consumers []string) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:    config,
		logger:    logger,
		status:    status,
		consumers: consumers,
		router:    chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger))

	if s.config.EnableRateLimit {
		s.router.Use(apimiddleware.RateLimit(
			s.config.RateLimitPerSecond,
			s.config.RateLimitBurst,
			s.logger,
		))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.Handler())
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ConsumerStatus is one consumer's progress against the stream tip.
type ConsumerStatus struct {
	Name       string `json:"name"`
	Checkpoint uint32 `json:"checkpoint"`
	Lag        uint32 `json:"lag"`
}

// StatusResponse is the progress payload.
type StatusResponse struct {
	Tip       uint32           `json:"tip"`
	Consumers []ConsumerStatus `json:"consumers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tip, err := s.status.MaxHeight(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("status: reading stream tip", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stream unavailable"})
		return
	}

	out := StatusResponse{Tip: tip, Consumers: make([]ConsumerStatus, 0, len(s.consumers))}
	for _, name := range s.consumers {
		chk, err := s.status.GetCheckpoint(ctx, name)
		if err != nil {
			s.logger.Error("status: reading checkpoint",
				zap.String("consumer", name), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "checkpoints unavailable"})
			return
		}
		var lag uint32
		if tip > chk {
			lag = tip - chk
		}
		out.Consumers = append(out.Consumers, ConsumerStatus{Name: name, Checkpoint: chk, Lag: lag})
	}

	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start runs the server until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting ops server", zap.String("address", s.config.Address()))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}

// Router returns the underlying router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
