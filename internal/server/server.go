package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/config"
	"github.com/transdesk/transdesk/internal/events"
	"github.com/transdesk/transdesk/internal/export"
	"github.com/transdesk/transdesk/internal/home"
	"github.com/transdesk/transdesk/internal/pipeline"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/server/endpoints"
	"github.com/transdesk/transdesk/internal/store"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// Server is the main transdesk HTTP server. It owns the SQLite store, the
// stage worker pool, and the websocket hub, and shuts them down in order on
// exit.
type Server struct {
	httpServer   *http.Server
	store        *store.Store
	hub          *events.Hub
	orchestrator *pipeline.Orchestrator
	exporter     *export.Packager
	configMgr    *config.Manager
	home         *home.Dir
	logger       *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	workers int

	mu      sync.RWMutex
	running bool
}

var errAlreadyRunning = errors.New("server already running")

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 0.0.0.0)
	Host string
	// Port is the port to listen on (default: 8090)
	Port string
	// HomeDir is the data directory (default: ~/.transdesk)
	HomeDir string
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger

	// Providers override the config-built clients (tests)
	OCR     providers.OCR
	Entity  providers.Entity
	LLM     providers.LLM
	Browser providers.Browser
}

// New creates a new Server with the given configuration. The store is opened
// and the pipeline wired here; Start brings up the workers and the listener.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	appCfg := config.DefaultConfig()
	if cfg.ConfigManager != nil {
		appCfg = cfg.ConfigManager.Get()
	}
	if cfg.Host == "" {
		cfg.Host = appCfg.Server.Host
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == "" && appCfg.Server.Port != 0 {
		cfg.Port = strconv.Itoa(appCfg.Server.Port)
	}
	if cfg.Port == "" {
		cfg.Port = "8090"
	}

	dir, err := home.New(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	if err := dir.EnsureExists(); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}

	st, err := store.Open(dir.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ocr, entity, llm, browser := buildProviders(appCfg, cfg, cfg.Logger)

	hub := events.NewHub(cfg.Logger)
	orchestrator := pipeline.New(pipeline.Config{
		Store:     st,
		Hub:       hub,
		Home:      dir,
		OCR:       ocr,
		Entity:    entity,
		LLM:       llm,
		Browser:   browser,
		Logger:    cfg.Logger,
		Workers:   appCfg.Pipeline.MaxWorkers,
		QueueSize: appCfg.Pipeline.QueueSize,
	})
	exporter := export.New(st, dir, llm, cfg.Logger)

	s := &Server{
		store:        st,
		hub:          hub,
		orchestrator: orchestrator,
		exporter:     exporter,
		configMgr:    cfg.ConfigManager,
		home:         dir,
		logger:       cfg.Logger,
		workers:      appCfg.Pipeline.MaxWorkers,
	}

	s.services = &svcctx.Services{
		Store:        st,
		Hub:          hub,
		Orchestrator: orchestrator,
		Exporter:     exporter,
		Config:       cfg.ConfigManager,
		Logger:       cfg.Logger,
		Home:         dir,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Exports and uploads can be slow
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// buildProviders constructs the external service clients from configuration,
// honoring any test overrides.
func buildProviders(appCfg *config.Config, cfg Config, logger *slog.Logger) (providers.OCR, providers.Entity, providers.LLM, providers.Browser) {
	ocr := cfg.OCR
	if ocr == nil {
		p := appCfg.Providers.OCR
		ocr = providers.NewOCRClient(providers.OCRConfig{
			BaseURL:    p.BaseURL,
			APIKey:     config.ResolveEnvVars(p.APIKey),
			APISecret:  config.ResolveEnvVars(p.APISecret),
			SourceLang: p.SourceLang,
			TargetLang: p.TargetLang,
			Timeout:    time.Duration(p.TimeoutSeconds) * time.Second,
			MaxRetries: p.MaxRetries,
		})
	}

	entity := cfg.Entity
	if entity == nil {
		p := appCfg.Providers.Entity
		entity = providers.NewEntityClient(providers.EntityConfig{
			BaseURL: p.BaseURL,
			APIKey:  config.ResolveEnvVars(p.APIKey),
			Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
		})
	}

	llm := cfg.LLM
	if llm == nil {
		p := appCfg.Providers.LLM
		llm = providers.NewLLMClient(providers.LLMConfig{
			APIKey:     config.ResolveEnvVars(p.APIKey),
			BaseURL:    p.BaseURL,
			Model:      p.Model,
			BatchSize:  p.BatchSize,
			Timeout:    time.Duration(p.TimeoutSeconds) * time.Second,
			MaxRetries: p.MaxRetries,
		}, logger)
	}

	browser := cfg.Browser
	if browser == nil {
		p := appCfg.Providers.Browser
		browser = providers.NewBrowserClient(providers.BrowserConfig{
			BaseURL: p.BaseURL,
			Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
		})
	}

	return ocr, entity, llm, browser
}

// Start starts the worker pool and the HTTP listener. It blocks until the
// context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	s.orchestrator.Start(workerCtx, s.workers)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			s.shutdown(cancelWorkers)
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	s.shutdown(cancelWorkers)
	return nil
}

// shutdown drains the HTTP server, stops the workers, and closes the store.
func (s *Server) shutdown(cancelWorkers context.CancelFunc) {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	cancelWorkers()
	s.orchestrator.Wait()

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the fully wired HTTP handler (tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Store returns the SQLite store.
func (s *Server) Store() *store.Store {
	return s.store
}

// Orchestrator returns the stage orchestrator.
func (s *Server) Orchestrator() *pipeline.Orchestrator {
	return s.orchestrator
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := svcctx.WithServices(r.Context(), s.services)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
