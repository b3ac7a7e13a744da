// Package api provides the read-only HTTP surface: the status document,
// patient queries, log tail, health probes, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dicomsim/dicomsim/internal/metrics"
	"github.com/dicomsim/dicomsim/internal/status"
	"github.com/dicomsim/dicomsim/pkg/health"
)

// Server serves the monitoring API. All endpoints are GET-only; nothing on
// this surface mutates registry state.
type Server struct {
	httpServer    *http.Server
	statusService *status.Service
	healthTracker *health.Tracker
	collector     *metrics.Collector
	config        ServerConfig
	logger        *slog.Logger

	tailDefaultLines int
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "127.0.0.1:8081")
	Address string `yaml:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors"`

	// TailDefaultLines is the log-tail line count when the request does
	// not specify one.
	TailDefaultLines int `yaml:"tail_default_lines"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          "127.0.0.1:8081",
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      60 * time.Second,
		EnableCORS:       true,
		TailDefaultLines: 200,
	}
}

// NewServer creates the monitoring API server. collector may be a disabled
// collector, in which case no /metrics route is registered.
func NewServer(config ServerConfig, statusService *status.Service, healthTracker *health.Tracker, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TailDefaultLines <= 0 {
		config.TailDefaultLines = 200
	}

	s := &Server{
		statusService:    statusService,
		healthTracker:    healthTracker,
		collector:        collector,
		config:           config,
		logger:           logger.With("component", "api"),
		tailDefaultLines: config.TailDefaultLines,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/patients", s.handlePatients)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/healthz", s.handleHealthz)

	if collector != nil {
		if handler := collector.Handler(); handler != nil {
			mux.Handle(collector.Path(), handler)
		}
	}

	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "address", s.config.Address)
	if s.healthTracker != nil {
		s.healthTracker.MarkUp("api")
	}
	err := s.httpServer.ListenAndServe()
	if s.healthTracker != nil && err != nil && err != http.ErrServerClosed {
		s.healthTracker.MarkDown("api", err)
	}
	return err
}

// StartBackground starts the server in a background goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if s.healthTracker != nil {
		s.healthTracker.MarkDown("api", nil)
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the composed handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.statusService.BuildPayload())
}

func (s *Server) handlePatients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Absent and negative limits both mean "all retained records".
	limit := -1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	s.respondJSON(w, http.StatusOK, s.statusService.Patients(limit))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	lines := s.tailDefaultLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "lines must be a non-negative integer")
			return
		}
		if parsed > 0 {
			lines = parsed
		}
	}

	tail := s.statusService.Tail(lines)

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if len(tail) > 0 {
			if _, err := w.Write([]byte(strings.Join(tail, "\n") + "\n")); err != nil {
				s.logger.Error("failed to write log tail", "error", err)
			}
		}
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"lines":     tail,
		"count":     len(tail),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overall := s.healthTracker.GetOverallHealth()
	response := map[string]interface{}{
		"status":       overall.String(),
		"timestamp":    time.Now().UTC(),
		"dicom_online": s.healthTracker.IsOnline("dicom"),
		"api_online":   s.healthTracker.IsOnline("api"),
		"components":   s.healthTracker.GetAllComponents(),
	}

	statusCode := http.StatusOK
	if overall == health.StateUnavailable {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, response)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
