// Package api provides the HTTP API server for the build service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/meshenvy/firmware-builder/internal/api/handlers"
	"github.com/meshenvy/firmware-builder/internal/api/health"
	"github.com/meshenvy/firmware-builder/internal/api/middleware"
	"github.com/meshenvy/firmware-builder/internal/arch"
	"github.com/meshenvy/firmware-builder/internal/artifact"
	"github.com/meshenvy/firmware-builder/internal/auth"
	"github.com/meshenvy/firmware-builder/internal/builds"
	"github.com/meshenvy/firmware-builder/internal/plugins"
	"github.com/meshenvy/firmware-builder/internal/registry"
	"github.com/meshenvy/firmware-builder/internal/store"
	"github.com/meshenvy/firmware-builder/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Dependencies are the collaborators the routes are built from.
type Dependencies struct {
	Store     store.Store
	Builds    *builds.Service
	Plugins   *registry.PluginRegistry
	Targets   *registry.Targets
	Hierarchy *arch.Hierarchy
	Signer    *artifact.URLSigner
	Auth      *auth.Service
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Dependencies
	resolver      *plugins.Resolver
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:     deps,
		resolver: plugins.NewResolver(deps.Plugins),
		config:   cfg,
		logger:   logger,
	}

	s.healthChecker = health.NewChecker(deps.Store, Version)
	s.healthChecker.AddComponent("plugin_registry", health.CountCheck("plugins", deps.Plugins.Len))
	s.healthChecker.AddComponent("hardware_list", health.CountCheck("targets", func() int {
		return len(deps.Targets.All())
	}))

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.healthChecker.Handler())

	// Compiler callbacks
	webhookHandler := handlers.NewWebhookHandler(s.deps.Builds, s.logger)
	r.With(middleware.WebhookAuth(s.config.BuildWebhookToken, s.logger)).
		Post("/github-webhook", webhookHandler.Handle)

	r.Route("/v1", func(r chi.Router) {
		buildHandler := handlers.NewBuildHandler(s.deps.Builds, s.logger)
		downloadHandler := handlers.NewDownloadHandler(s.deps.Builds, s.deps.Signer, s.config.Artifacts.Product, s.logger)
		r.Route("/builds", func(r chi.Router) {
			r.Post("/", buildHandler.Ensure)
			r.Get("/{buildHash}", buildHandler.Get)
			r.Get("/{buildHash}/download", downloadHandler.Get)
		})

		profileHandler := handlers.NewProfileHandler(s.deps.Builds, s.logger)
		r.Route("/profiles/{profileID}", func(r chi.Router) {
			r.Get("/", profileHandler.GetProfile)
			r.Post("/builds", buildHandler.EnsureFromProfile)
		})

		pluginHandler := handlers.NewPluginHandler(s.deps.Plugins, s.resolver, s.deps.Hierarchy, s.deps.Builds, s.logger)
		r.Route("/plugins", func(r chi.Router) {
			r.Post("/resolve", pluginHandler.Resolve)
			r.Post("/toggle", pluginHandler.Toggle)
			r.Get("/{slug}", pluginHandler.Get)
			r.Get("/{slug}/compatibility", pluginHandler.Compatibility)
		})

		targetHandler := handlers.NewTargetHandler(s.deps.Targets, s.resolver, s.deps.Hierarchy, s.logger)
		r.Get("/targets", targetHandler.List)

		// Operator routes
		adminHandler := handlers.NewAdminHandler(s.deps.Builds, s.logger)
		authMiddleware := middleware.NewAuthMiddleware(s.deps.Auth, s.logger)
		r.Route("/admin", func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			r.With(middleware.RequirePermission(auth.PermissionViewBuilds)).
				Get("/builds", adminHandler.ListBuilds)
			r.With(middleware.RequirePermission(auth.PermissionRetryBuilds)).
				Post("/builds/{buildID}/retry", adminHandler.RetryBuild)
			r.With(middleware.RequirePermission(auth.PermissionManageProfiles)).
				Post("/profiles", profileHandler.CreateProfile)
		})
	})

	s.router = r
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
