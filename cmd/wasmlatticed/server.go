// Package main provides the wasmlatticed host process implementation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/internal/server"
	"github.com/wasmlattice/wasmlatticed/internal/telemetry"
	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/host"
	"github.com/wasmlattice/wasmlatticed/lattice/supervisor"
)

// Server owns one wired lattice Host plus its auxiliary HTTP surface:
// health, metrics, the config hot-reload API, and the provider
// control-channel websocket upgrade.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	host      *host.Host
	telemetry *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	rateLimiterCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer constructs a Server from cfg. configPath, if non-empty,
// enables file-watch hot reload of cfg.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		telemetry:  otelProviders,
	}
}

// Start wires and starts the lattice host, then brings up the auxiliary
// HTTP and metrics servers.
func (s *Server) Start(ctx context.Context) error {
	h, err := host.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("wire host: %w", err)
	}
	s.host = h

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}

	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("init hot reload manager: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("host process started",
		zap.String("host_id", h.ID),
		zap.String("lattice_id", h.LatticeID),
		zap.String("http_addr", s.cfg.Server.HTTPAddr),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
	)
	return nil
}

func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{config.WithHotReloadLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart))
	})

	if err := s.hotReloadManager.Start(context.Background()); err != nil {
		return err
	}
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)
	return nil
}

// startHTTPServer serves health, version, the config API, and the
// provider control-channel upgrade endpoint behind the middleware
// chain. Provider control traffic is small and infrequent relative to
// lattice RPC traffic (which never touches HTTP), so sharing one
// listener with the config API keeps the aux surface to a single port.
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/v1/control/providers/", s.handleControlUpgrade)

	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
	}

	skipAuthPaths := []string{"/health", "/healthz", "/version"}
	rlCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.host.Metrics()),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rlCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:            s.cfg.Server.HTTPAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            s.cfg.Server.MetricsAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, message := s.host.Health()
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Healthy bool   `json:"healthy"`
		Message string `json:"message,omitempty"`
	}{Healthy: healthy, Message: message})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Version   string `json:"version"`
		BuildTime string `json:"build_time"`
		GitCommit string `json:"git_commit"`
		HostID    string `json:"host_id"`
	}{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit, HostID: s.host.ID})
}

// handleControlUpgrade upgrades an inbound provider connection at
// /v1/control/providers/<provider_id> to a websocket control channel and
// starts it on the orchestrator.
func (s *Server) handleControlUpgrade(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Path[len("/v1/control/providers/"):]
	if providerID == "" {
		http.Error(w, "missing provider id", http.StatusBadRequest)
		return
	}

	conn, err := supervisor.AcceptControlConn(w, r)
	if err != nil {
		s.logger.Warn("control channel upgrade failed", zap.String("provider_id", providerID), zap.Error(err))
		return
	}

	if err := s.host.Orchestrator.StartProvider(r.Context(), lattice.Provider{ID: providerID}, conn); err != nil {
		s.logger.Error("start provider failed", zap.String("provider_id", providerID), zap.Error(err))
		_ = conn.Close()
	}
}

// WaitForShutdown blocks until the aux HTTP server observes a shutdown
// signal, then tears everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the rate limiter's cleanup loop, the hot reload
// manager, both HTTP listeners, the lattice host, and finally
// telemetry, in that order.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("hot reload manager shutdown error", zap.Error(err))
		}
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.host != nil {
		if err := s.host.Shutdown(ctx); err != nil {
			s.logger.Error("host shutdown error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("graceful shutdown completed")
}
