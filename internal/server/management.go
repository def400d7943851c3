// Package server implements the Management Surface (SPEC_FULL.md §4.8): a
// read-mostly HTTP API for inspecting and driving the plugin lifecycle
// subsystem, grounded on osakka-mcpeg/internal/server/gateway_server.go's
// router/middleware composition but narrowed to the handful of endpoints
// spec.md §6 names.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/osakka/toolserver/internal/capability"
	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
	"github.com/osakka/toolserver/pkg/plugin"
)

// Config configures the Management Surface.
type Config struct {
	Address               string
	Port                  int
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	ManagementTokenSecret string // empty disables auth on mutating endpoints

	// RateLimit/RateBurst bound the per-client-IP request rate, 0 disables.
	RateLimit rate.Limit
	RateBurst int
}

// Server is the Management Surface HTTP server.
type Server struct {
	cfg        Config
	manager    *plugin.Manager
	registry   *capability.Registry
	host       *hosting.MemoryHost
	gatherer   prometheus.Gatherer
	logger     logging.Logger
	metrics    metrics.Metrics
	httpServer *http.Server
	startedAt  time.Time
	limiter    *clientLimiter
	boundPort  int
}

// maxPortAttempts bounds how many ports ListenAndServe will try before
// giving up on the configured one being unavailable.
const maxPortAttempts = 10

// NewServer wires a Management Surface around an already-running Manager,
// Registry, and MemoryHost.
func NewServer(cfg Config, manager *plugin.Manager, registry *capability.Registry, host *hosting.MemoryHost, gatherer prometheus.Gatherer, logger logging.Logger, m metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		registry:  registry,
		host:      host,
		gatherer:  gatherer,
		logger:    logger.WithComponent("management_server"),
		metrics:   m.WithPrefix("management_server"),
		startedAt: time.Now(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	router.Use(s.recoveryMiddleware)
	router.Use(s.metricsMiddleware)
	if s.limiter != nil {
		router.Use(s.rateLimitMiddleware)
	}

	router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/modules", s.handleModules).Methods(http.MethodGet)
	router.HandleFunc("/api/tools", s.handleTools).Methods(http.MethodGet)
	router.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodGet)

	mutating := router.PathPrefix("/api").Subrouter()
	mutating.Use(s.authMiddleware)
	mutating.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)
	mutating.HandleFunc("/unload", s.handleUnload).Methods(http.MethodPost)
	mutating.HandleFunc("/test-tool", s.handleTestTool).Methods(http.MethodPost)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	address := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         address,
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// ListenAndServe binds the Management Surface and blocks serving until ctx
// is canceled, at which point it shuts down gracefully. Port is configurable
// with auto-increment on conflict: if cfg.Port is already bound,
// ListenAndServe retries on the next port, up to maxPortAttempts times,
// before giving up.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := s.bindListener()
	if err != nil {
		return err
	}
	s.httpServer.Addr = listener.Addr().String()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("management_server_starting", "address", s.httpServer.Addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("management_server_stopping")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// bindListener binds cfg.Address:cfg.Port, retrying on the next port when the
// configured one is already in use by another process. A cfg.Port of 0 asks
// the kernel for an ephemeral port and is never retried.
func (s *Server) bindListener() (net.Listener, error) {
	if s.cfg.Port == 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:0", s.cfg.Address))
		if err != nil {
			return nil, fmt.Errorf("listen on %s:0: %w", s.cfg.Address, err)
		}
		s.boundPort = listener.Addr().(*net.TCPAddr).Port
		return listener, nil
	}

	port := s.cfg.Port
	var lastErr error
	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		addr := fmt.Sprintf("%s:%d", s.cfg.Address, port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			if port != s.cfg.Port {
				s.logger.Warn("management_server_port_in_use_auto_incremented", "requested_port", s.cfg.Port, "bound_port", port)
			}
			s.boundPort = port
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		lastErr = err
		port++
	}
	return nil, fmt.Errorf("no free port in %s:%d-%d: %w", s.cfg.Address, s.cfg.Port, port-1, lastErr)
}

// BoundPort returns the port ListenAndServe actually bound, which may differ
// from cfg.Port if the configured port was in use. Zero until ListenAndServe
// has bound a listener.
func (s *Server) BoundPort() int {
	return s.boundPort
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("management_handler_panicked", "route", r.URL.Path, "panic", fmt.Sprintf("%v", rec), "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := s.metrics.Time("request_duration_seconds", "path", r.URL.Path)
		next.ServeHTTP(w, r)
		timer.Stop()
		s.metrics.Inc("requests_total", "path", r.URL.Path, "method", r.Method)
	})
}

// authMiddleware enforces an HS256 bearer token on mutating endpoints when
// ManagementTokenSecret is configured (SPEC_FULL.md §4.8 expansion). When
// unset, mutating endpoints are open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ManagementTokenSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "unauthorized"})
			return
		}

		tokenString := header[len(prefix):]
		_, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.ManagementTokenSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientLimiter is a per-IP token-bucket limiter, the same shape as the
// retrieval pack's HTTP rate-limit middleware (map of rate.Limiter keyed by
// client, guarded by a mutex, periodically swept to bound memory).
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	cl := &clientLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
	go cl.sweep()
	return cl
}

func (cl *clientLimiter) allow(key string) bool {
	cl.mu.Lock()
	lim, ok := cl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(cl.limit, cl.burst)
		cl.limiters[key] = lim
	}
	cl.mu.Unlock()
	return lim.Allow()
}

func (cl *clientLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cl.mu.Lock()
		if len(cl.limiters) > 10000 {
			cl.limiters = make(map[string]*rate.Limiter)
		}
		cl.mu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
