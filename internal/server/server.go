package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/client"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/config"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/gateway"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/handlers"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/metrics"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/middleware"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/providers"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/router"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/tokens"
)

const (
	ShutdownTimeout   = 10 * time.Second
	ReadHeaderTimeout = 10 * time.Second
)

type Server struct {
	config   *config.Manager
	registry *providers.Registry
	engine   *router.Engine
	gateway  *gateway.Gateway
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// DefaultUserAgent is sent upstream unless WithUserAgent overrides it.
const DefaultUserAgent = "route-claudecode"

type options struct {
	counter   tokens.Counter
	client    client.ProviderClient
	sessions  gateway.SessionStore
	userAgent string
}

type Option func(*options)

// WithCounter replaces the tiktoken counter.
func WithCounter(c tokens.Counter) Option {
	return func(o *options) { o.counter = c }
}

// WithProviderClient replaces the HTTP provider client.
func WithProviderClient(pc client.ProviderClient) Option {
	return func(o *options) { o.client = pc }
}

func WithSessionStore(store gateway.SessionStore) Option {
	return func(o *options) { o.sessions = store }
}

// WithUserAgent sets the User-Agent of upstream provider calls.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// New builds the registry, routing engine and gateway from the loaded
// configuration.
func New(configManager *config.Manager, logger *slog.Logger, opts ...Option) (*Server, error) {
	cfg := configManager.Get()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{userAgent: DefaultUserAgent}
	for _, opt := range opts {
		opt(&o)
	}

	if o.counter == nil {
		o.counter = tokens.NewCounter(logger)
	}

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}

	m := metrics.New()

	engineOpts := cfg.EngineOptions()
	engineOpts.Counter = o.counter
	engineOpts.Logger = logger
	engineOpts.Observer = m

	engine, err := router.NewEngine(registry, engineOpts)
	if err != nil {
		return nil, fmt.Errorf("build routing engine: %w", err)
	}

	m.WatchHealth(engine.Snapshot)

	if o.client == nil {
		o.client = client.NewHTTPClient(registry,
			client.WithLogger(logger),
			client.WithClassifier(cfg.Classifier()),
			client.WithUserAgent(o.userAgent))
	}

	gw := gateway.New(registry, engine, o.client, gateway.Options{
		Retry:      cfg.RetryPolicy(),
		Pacing:     cfg.Pacing(),
		Classifier: cfg.Classifier(),
		Counter:    o.counter,
		Sessions:   o.sessions,
		Recorder:   m,
		Logger:     logger,
	})

	logger.Info("Gateway configured",
		"providers", registry.List(),
		"families", registry.Families())

	return &Server{
		config:   configManager,
		registry: registry,
		engine:   engine,
		gateway:  gw,
		metrics:  m,
		logger:   logger,
	}, nil
}

func (s *Server) Start() error {
	cfg := s.config.Get()
	addr := cfg.Address()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	s.logger.Info("Starting server", "address", addr)

	errCh := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-quit:
	}

	s.logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Engine exposes the routing engine, for status reporting.
func (s *Server) Engine() *router.Engine {
	return s.engine
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	origins := s.config.Get().CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	middlewareSet := middleware.NewMiddlewareSet(s.metrics, s.logger)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Anthropic-Version", "Anthropic-Beta", handlers.HeaderRequestID, handlers.HeaderSessionID},
		ExposedHeaders: []string{handlers.HeaderRequestID, handlers.HeaderProvider},
		MaxAge:         300,
	}))

	r.Group(func(api chi.Router) {
		api.Use(middlewareSet.DefaultChain().Middlewares()...)
		api.Method(http.MethodPost, "/v1/messages", handlers.NewProxyHandler(s.gateway, s.logger))
	})

	r.Group(func(ops chi.Router) {
		ops.Use(middlewareSet.HealthChain().Middlewares()...)
		ops.Method(http.MethodGet, "/health", handlers.NewHealthHandler(s.logger))
		ops.Method(http.MethodGet, "/health/providers", handlers.NewProvidersHandler(s.engine))
		ops.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	})

	return r
}
