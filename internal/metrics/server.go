package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
	StatusPath  string
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
		StatusPath:  "/status",
	}
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string           `json:"status"`
	Ready     bool             `json:"ready"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Check is the result of one health check.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker performs a health check.
type HealthChecker func() Check

// BoolCheck adapts a predicate into a HealthChecker.
func BoolCheck(ok func() bool, failMessage string) HealthChecker {
	return func() Check {
		if ok() {
			return Check{Status: StatusHealthy}
		}
		return Check{Status: StatusUnhealthy, Message: failMessage}
	}
}

// StatusFunc returns a JSON-encodable snapshot of service state.
type StatusFunc func() any

// Server serves Prometheus metrics, health and readiness probes and an
// optional service status snapshot.
//
// Readiness requires both SetReady(true) and every health check passing;
// the service sets ready once its orders are restored and registered, so
// a probe never routes to a process that is not yet watching stops.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
	ready      atomic.Bool

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	status   StatusFunc
}

// NewServer creates a new metrics server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultServerConfig()
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = def.MetricsPath
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = def.HealthPath
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = def.StatusPath
	}

	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
		checkers:  make(map[string]HealthChecker),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	mux.HandleFunc(cfg.StatusPath, s.statusHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// RegisterHealthCheck registers a health checker.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// SetStatusFunc sets the provider behind the status endpoint.
func (s *Server) SetStatusFunc(fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fn
}

// SetReady marks the service ready or not ready to serve.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start binds the listener and serves in the background.
// Bind errors are returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("starting metrics server",
		"port", s.cfg.Port,
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
		"status_path", s.cfg.StatusPath,
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "err", err)
		}
	}()

	return nil
}

// Shutdown marks the server not ready and shuts it down gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

// runChecks evaluates every checker outside the lock.
func (s *Server) runChecks() (map[string]Check, bool) {
	s.mu.RLock()
	checkers := maps.Clone(s.checkers)
	s.mu.RUnlock()

	checks := make(map[string]Check, len(checkers))
	healthy := true
	for name, checker := range checkers {
		check := checker()
		checks[name] = check
		if check.Status != StatusHealthy {
			healthy = false
		}
	}
	return checks, healthy
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.runChecks()

	status := HealthStatus{
		Status:    StatusHealthy,
		Ready:     s.ready.Load() && healthy,
		Timestamp: time.Now(),
		Uptime:    s.Uptime().Truncate(time.Second).String(),
		Checks:    checks,
	}
	if !healthy {
		status.Status = StatusUnhealthy
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.status
	s.mu.RUnlock()

	if fn == nil {
		http.Error(w, "status not available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(fn()); err != nil {
		s.logger.Warn("encode status", "err", err)
	}
}

// readyHandler is the readiness probe.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	if _, healthy := s.runChecks(); !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// liveHandler is the liveness probe.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
