package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"mercator-hq/spendgate/pkg/security/auth"
	"mercator-hq/spendgate/pkg/telemetry/health"
	"mercator-hq/spendgate/pkg/telemetry/metrics"
	"mercator-hq/spendgate/pkg/telemetry/tracing"
)

// Config configures the HTTP server.
type Config struct {
	// ListenAddress is the address to bind to.
	// Default: "127.0.0.1:8080"
	ListenAddress string

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// ShutdownTimeout bounds the drain of in-flight requests.
	// Default: 30s
	ShutdownTimeout time.Duration

	// RequestTimeout bounds each request context. Zero disables it.
	RequestTimeout time.Duration

	// MaxBodyBytes caps request bodies.
	// Default: 1 MiB
	MaxBodyBytes int64

	// MetricsPath is where Prometheus metrics are served.
	// Default: "/metrics"
	MetricsPath string

	// TLS serves HTTPS when set.
	TLS *tls.Config
}

// VersionInfo is reported by GET /version.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Dependencies are the components behind the routes. Health and Metrics
// are optional.
type Dependencies struct {
	Admission Admission
	Ingestor  EventIngestor
	Overrides OverrideService
	Tenants   TenantService
	Audit     AuditReader

	// Keys resolves admin API keys to actors.
	Keys auth.APIKeyStore

	Health  *health.Checker
	Metrics *metrics.Collector
	Version VersionInfo

	// Now replaces time.Now in handlers.
	Now func() time.Time
}

// Server is the Spendgate HTTP server.
type Server struct {
	config       Config
	deps         Dependencies
	httpServer   *http.Server
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
	addr         net.Addr
	logger       *slog.Logger
}

// New creates a server. Zero config values take their defaults.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if deps.Health == nil {
		deps.Health = health.New(0)
	}
	if deps.Keys == nil {
		deps.Keys = auth.NewAPIKeyValidator(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Server{
		config:       cfg,
		deps:         deps,
		shutdownChan: make(chan struct{}),
		logger:       slog.Default().With("component", "server"),
	}
}

// Start listens and serves until ctx is cancelled, Shutdown is called or
// the listener fails. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}
	if s.config.TLS != nil {
		ln = tls.NewListener(ln, s.config.TLS)
	}
	s.addr = ln.Addr()
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting spendgate server",
			"address", ln.Addr().String(),
			"tls_enabled", s.config.TLS != nil,
		)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	case <-s.shutdownChan:
		return nil
	}
}

// Shutdown stops accepting connections and drains in-flight requests for
// up to the configured shutdown timeout. Only the first call has effect.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		defer close(s.shutdownChan)

		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("spendgate server stopped")
	})

	return shutdownErr
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{
		admission:    s.deps.Admission,
		ingestor:     s.deps.Ingestor,
		overrides:    s.deps.Overrides,
		tenants:      s.deps.Tenants,
		audit:        s.deps.Audit,
		maxBodyBytes: s.config.MaxBodyBytes,
		now:          s.deps.Now,
	}

	authn := auth.NewAPIKeyMiddleware(s.deps.Keys, auth.DefaultSources(), writeAuthError)
	admin := func(next http.HandlerFunc) http.Handler {
		return authn.Handle(withActor(next))
	}

	s.route(mux, "POST /budget-events", http.HandlerFunc(h.handleBudgetEvent))
	s.route(mux, "GET /v1/admission/{tenant_id}", http.HandlerFunc(h.handleAdmission))

	s.route(mux, "POST /v1/overrides", admin(h.handleCreateOverride))
	s.route(mux, "DELETE /v1/overrides/{override_id}", admin(h.handleRevokeOverride))
	s.route(mux, "GET /v1/tenants/{tenant_id}/overrides", admin(h.handleListOverrides))
	s.route(mux, "PUT /v1/tenants/{tenant_id}", admin(h.handlePutTenant))
	s.route(mux, "GET /v1/tenants/{tenant_id}", admin(h.handleGetTenant))
	s.route(mux, "GET /v1/tenants/{tenant_id}/audit", admin(h.handleAudit))

	mux.Handle("GET /health", s.deps.Health.LivenessHandler())
	mux.Handle("GET /ready", s.deps.Health.ReadinessHandler())
	v := s.deps.Version
	mux.Handle("GET /version", health.VersionHandler(v.Version, v.Commit, v.BuildTime))
	if s.deps.Metrics != nil {
		mux.Handle("GET "+s.config.MetricsPath, s.deps.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = TimeoutMiddleware(s.config.RequestTimeout)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// route registers an API route wrapped with tracing and request metrics
// labelled by its pattern.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.Handler) {
	if s.deps.Metrics != nil {
		h = s.deps.Metrics.Instrument(pattern, h)
	}
	mux.Handle(pattern, tracing.HTTPMiddleware(pattern, h))
}
