package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"lifequest-live/internal/observability/logging"
	"lifequest-live/internal/observability/metrics"
)

const (
	realtimePath = "/ws"
	healthPath   = "/healthz"
	metricsPath  = "/metrics"

	healthTimeout = 2 * time.Second
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// Realtime serves WebSocket handshakes on /ws.
	Realtime http.Handler
	Health   HealthChecker
	// Redis, when set, holds the handshake counters shared across replicas.
	Redis redis.UniversalClient
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	tlsCertFile string
	tlsKeyFile  string
}

func New(cfg Config) (*Server, error) {
	if cfg.Realtime == nil {
		return nil, errors.New("realtime handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	var store tokenStore
	if cfg.Redis != nil {
		store = newRedisStore(cfg.Redis, "lifequest:connect:")
	}
	rl := newRateLimiter(cfg.RateLimit, store)

	mux := http.NewServeMux()
	mux.Handle(realtimePath, cfg.Realtime)
	mux.Handle(healthPath, healthHandler(cfg.Health, logger))
	mux.Handle(metricsPath, recorder.Handler())

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, resolver, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolver.ClientIPFromRequest(r)
			return []any{"client_ip", ip, "ip_source", source}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	// Read and write deadlines are left to the WebSocket connections, which
	// outlive any fixed request timeout.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// HTTPServer exposes the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// TLS reports the certificate pair the server was configured with.
func (s *Server) TLS() TLSConfig {
	return TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile}
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func healthHandler(checker HealthChecker, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSON(w, http.StatusMethodNotAllowed, healthResponse{Status: "error", Error: "method not allowed"})
			return
		}
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := checker.Ping(ctx); err != nil {
				loggerWithRequestContext(r.Context(), logger).Warn("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "datastore unreachable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
