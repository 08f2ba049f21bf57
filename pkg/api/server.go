// Package api provides HTTP endpoints for adapter factory health and status
package api

import (
	"context"
	"encoding/json"
	stderr "errors"
	"net/http"
	"time"

	"github.com/shelfsync/adapterfactory/internal/circuit"
	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/types"
	"github.com/shelfsync/adapterfactory/pkg/utils"
)

// Factory is the read and maintenance surface the server exposes.
type Factory interface {
	FactoryID() string
	IsInitialized() bool
	Stats() types.FactoryStats
	PoolSnapshots() map[string]types.PoolSnapshot
	PoolSnapshot(platformID string) (types.PoolSnapshot, bool)
	HealthStates() map[string]types.PlatformHealthState
	ActiveAdapterInfo(platformID string) []types.AdapterInfo
	SupportedPlatforms() []string
	BreakerStats() []circuit.Stats
	Query(queryType string, params map[string]string) (interface{}, error)
	PerformHealthCheck(ctx context.Context) types.HealthReport
	PerformResourceCleanup(ctx context.Context) (int, error)
}

// Metrics serves the metrics endpoints.
type Metrics interface {
	Enabled() bool
	Path() string
	Handler() http.Handler
	DebugHandler() http.Handler
}

// Server provides HTTP API endpoints for monitoring
type Server struct {
	httpServer *http.Server
	factory    Factory
	metrics    Metrics
	logger     *utils.StructuredLogger
	config     ServerConfig
	startedAt  time.Time
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
	}
}

// NewServer creates a new API server. metrics and logger may be nil.
func NewServer(config ServerConfig, factory Factory, metrics Metrics, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server{
		factory:   factory,
		metrics:   metrics,
		logger:    logger.WithComponent("api"),
		config:    config,
		startedAt: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("POST /health/check", s.handleHealthCheck)

	// Factory state
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /pools", s.handlePools)
	mux.HandleFunc("GET /pools/{platform}", s.handlePool)
	mux.HandleFunc("GET /adapters", s.handleAdapters)
	mux.HandleFunc("GET /adapters/{id}", s.handleAdapter)
	mux.HandleFunc("GET /breakers", s.handleBreakers)
	mux.HandleFunc("POST /cleanup/idle", s.handleCleanupIdle)

	if s.metrics != nil && s.metrics.Enabled() {
		mux.Handle("GET "+s.metrics.Path(), s.metrics.Handler())
		mux.Handle("GET /debug/operations", s.metrics.DebugHandler())
	}

	mux.HandleFunc("GET /info", s.handleInfo)

	// Apply middleware
	handler := s.loggingMiddleware(mux)
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	return handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", map[string]interface{}{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.factory.IsInitialized() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unavailable",
			"timestamp": time.Now(),
		})
		return
	}

	states := s.factory.HealthStates()
	status := "healthy"
	statusCode := http.StatusOK
	for _, st := range states {
		if st.ErrorInstances > 0 {
			status = "degraded"
			statusCode = http.StatusPartialContent
			break
		}
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":     status,
		"factory_id": s.factory.FactoryID(),
		"platforms":  states,
		"timestamp":  time.Now(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	// Liveness probe - is the process serving?
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if !s.requireRunning(w) {
		return
	}
	report := s.factory.PerformHealthCheck(r.Context())
	statusCode := http.StatusOK
	if !report.IsHealthy {
		statusCode = http.StatusPartialContent
	}
	s.respondJSON(w, statusCode, report)
}

// Factory state handlers

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.factory.Stats()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"stats":     stats,
		"hit_rate":  stats.HitRate(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.factory.PoolSnapshots())
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	platformID := r.PathValue("platform")
	snap, ok := s.factory.PoolSnapshot(platformID)
	if !ok {
		s.respondFactoryError(w, errors.Newf(errors.ErrCodeUnknownPlatform, "unknown platform: %s", platformID))
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	adapters := s.factory.ActiveAdapterInfo(r.URL.Query().Get("platform"))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"adapters": adapters,
		"count":    len(adapters),
	})
}

func (s *Server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.factory.Query(event.QueryAdapter, map[string]string{"adapterId": id})
	if err != nil {
		s.respondFactoryError(w, err)
		return
	}
	if result == nil {
		s.respondFactoryError(w, errors.Newf(errors.ErrCodeAdapterNotFound, "adapter not found: %s", id))
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCleanupIdle(w http.ResponseWriter, r *http.Request) {
	if !s.requireRunning(w) {
		return
	}
	cleaned, err := s.factory.PerformResourceCleanup(r.Context())
	if err != nil {
		s.respondFactoryError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cleaned":   cleaned,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	stats := s.factory.BreakerStats()
	if stats == nil {
		stats = []circuit.Stats{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"breakers":  stats,
		"timestamp": time.Now(),
	})
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"/health",
		"/health/live",
		"/health/check",
		"/stats",
		"/pools",
		"/pools/{platform}",
		"/adapters",
		"/adapters/{id}",
		"/breakers",
		"/cleanup/idle",
		"/info",
	}
	if s.metrics != nil && s.metrics.Enabled() {
		endpoints = append(endpoints, s.metrics.Path(), "/debug/operations")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":    "adapterfactory",
		"factory_id": s.factory.FactoryID(),
		"platforms":  s.factory.SupportedPlatforms(),
		"uptime":     time.Since(s.startedAt).String(),
		"endpoints":  endpoints,
		"timestamp":  time.Now(),
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served", map[string]interface{}{
			"method":            r.Method,
			"path":              r.URL.Path,
			utils.FieldDuration: time.Since(start).String(),
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) requireRunning(w http.ResponseWriter) bool {
	if s.factory.IsInitialized() {
		return true
	}
	s.respondFactoryError(w, errors.NewError(errors.ErrCodeNotInitialized, "adapter factory is not running"))
	return false
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", map[string]interface{}{utils.FieldError: err.Error()})
	}
}

// respondFactoryError answers with the status, code and operator hint of
// the FactoryError in err's chain.
func (s *Server) respondFactoryError(w http.ResponseWriter, err error) {
	var fe *errors.FactoryError
	if !stderr.As(err, &fe) {
		fe = errors.Wrap(err, errors.GetCode(err), "unclassified error")
	}
	status := errors.GetDefaultHTTPStatus(fe.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fe.LogFields())
	}
	s.respondJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"code":      fe.Code,
		"category":  fe.Category,
		"hint":      fe.GetRecommendation(),
		"timestamp": time.Now(),
	})
}
