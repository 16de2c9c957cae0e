// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer — it connects handlers, middleware, and routes.
// Think of it as the control centre that decides:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
// main.go loads config.Config and a logger, then:
//
//	Server.New() creates: repository.Lazy(store opener) → CredentialService → handlers
//
// This is the "composition root" pattern — all dependencies are wired
// in one place (New/setupRoutes), rather than scattered across the codebase.
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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sakif/credential-service/internal/auth"
	"github.com/sakif/credential-service/internal/config"
	"github.com/sakif/credential-service/internal/handler"
	"github.com/sakif/credential-service/internal/metrics"
	"github.com/sakif/credential-service/internal/middleware"
	"github.com/sakif/credential-service/internal/repository"
	"github.com/sakif/credential-service/internal/service"
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the store holder. The connection itself is opened lazily on
// the first request that needs it; Close releases it if it was ever opened.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	store   *repository.Lazy
	metrics *metrics.Metrics
}

// New creates a new Server with the given config.
//
// DEPENDENCY INJECTION & WIRING:
//  1. Build the bcrypt and JWT services from config
//  2. Wrap the configured backend in a lazy single-flight store holder
//  3. Create the credential service on top of the store
//  4. Wire handlers to routes
//
// Nothing here touches the network. A bad DATABASE_URL or an unreachable
// store shows up on /ready and on the first request, not as a startup crash.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	passwords, err := auth.NewPasswordService(cfg.Bcrypt)
	if err != nil {
		return nil, fmt.Errorf("creating password service: %w", err)
	}

	tokens, err := auth.NewTokenService(cfg.Token.Secret,
		auth.WithIssuer(cfg.Token.Issuer),
		auth.WithLeeway(cfg.Token.Leeway),
		auth.WithKeyID(cfg.Token.KeyID),
	)
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	opener, err := storeOpener(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	store := repository.NewLazy(opener, cfg.Store.Timeout, logger)

	// A private registry keeps /metrics to this service's collectors plus the
	// standard Go and process ones, and lets tests build many servers.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	credentials := service.NewCredentialService(store, passwords, tokens, cfg.Token.TTL, m, logger)

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		store:   store,
		metrics: m,
	}
	s.setupRoutes(credentials)

	return s, nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /health          → liveness, static
// GET    /ready           → readiness, pings the store
// GET    /metrics         → Prometheus exposition
// POST   /auth/register   → create account
// POST   /auth/login      → issue bearer token (rate limited per IP)
// GET    /users/me        → caller's profile           [bearer]
// DELETE /users/{id}      → delete caller's account    [bearer]
//
// MIDDLEWARE ORDER MATTERS:
// Middleware executes in the order it's added. Our order:
// 1. RequestID — assigns unique ID to each request (for tracing)
// 2. RealIP — extracts real client IP from proxy headers (httprate keys on it)
// 3. Logger — logs each request with timing info
// 4. Recoverer — catches panics and returns 500 instead of crashing
// 5. Metrics — counts requests by route pattern
// 6. CORS — answers preflight requests before they reach a handler
func (s *Server) setupRoutes(credentials *service.CredentialService) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(s.metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "WWW-Authenticate"},
		MaxAge:         300,
	}))

	healthHandler := handler.NewHealthHandler(s.store, s.logger)
	authHandler := handler.NewAuthHandler(credentials, s.logger)
	userHandler := handler.NewUserHandler(credentials, s.logger)

	s.router.Get("/health", healthHandler.HandleHealth)
	s.router.Get("/ready", healthHandler.HandleReady)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.HandleRegister)

		login := r.With()
		if n := s.config.HTTP.LoginRateLimit; n > 0 {
			login = r.With(httprate.LimitByIP(n, time.Minute))
		}
		login.Post("/login", authHandler.HandleLogin)
	})

	// Everything under /users needs a valid bearer token. The service itself
	// is the verifier so token checks are counted in metrics.
	s.router.Route("/users", func(r chi.Router) {
		r.Use(auth.RequireAuth(credentials, s.logger))
		r.Get("/me", userHandler.HandleMe)
		r.Delete("/{id}", userHandler.HandleDelete)
	})
}

// Handler exposes the router, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the store connection, if one was opened.
func (s *Server) Close() error {
	return s.store.Close()
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (SHUTDOWN_TIMEOUT)
// 3. Close the store connection
func (s *Server) Start() error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to receive OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	// Channel to receive server errors
	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("store_driver", s.config.Store.Driver),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.HTTP.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
