// Package main provides the entry point for the build API server.
package main

import (
	"context"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/meshenvy/firmware-builder/internal/api"
	"github.com/meshenvy/firmware-builder/internal/arch"
	"github.com/meshenvy/firmware-builder/internal/artifact"
	"github.com/meshenvy/firmware-builder/internal/auth"
	"github.com/meshenvy/firmware-builder/internal/buildhash"
	"github.com/meshenvy/firmware-builder/internal/builds"
	"github.com/meshenvy/firmware-builder/internal/dispatch"
	pgqueue "github.com/meshenvy/firmware-builder/internal/queue/postgres"
	"github.com/meshenvy/firmware-builder/internal/registry"
	"github.com/meshenvy/firmware-builder/internal/shutdown"
	pgstore "github.com/meshenvy/firmware-builder/internal/store/postgres"
	"github.com/meshenvy/firmware-builder/pkg/config"
	"github.com/meshenvy/firmware-builder/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel), true)

	// Static registries
	plugins, err := registry.LoadPluginsFile(cfg.PluginRegistryPath, log.WithComponent("registry").Logger)
	if err != nil {
		log.Error("failed to load plugin registry", "error", err, "path", cfg.PluginRegistryPath)
		os.Exit(1)
	}
	targets, err := registry.LoadTargetsFile(cfg.HardwareListPath)
	if err != nil {
		log.Error("failed to load hardware list", "error", err, "path", cfg.HardwareListPath)
		os.Exit(1)
	}
	hierarchy := arch.Default()
	if cfg.ArchHierarchyPath != "" {
		var warnings []string
		hierarchy, warnings, err = arch.LoadFile(cfg.ArchHierarchyPath)
		if err != nil {
			log.Error("failed to load architecture hierarchy", "error", err, "path", cfg.ArchHierarchyPath)
			os.Exit(1)
		}
		for _, w := range warnings {
			log.Warn("architecture hierarchy", "warning", w)
		}
	}
	log.Info("loaded registries", "plugins", plugins.Len(), "targets", len(targets.All()), "architectures", hierarchy.Len())

	// Initialize database store
	store, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.Closer("database", store))

	ctx, stop := coordinator.Context(context.Background())
	defer stop()

	if err := pgstore.Migrate(ctx, store.DB()); err != nil {
		log.Error("failed to apply migrations", "error", err)
		store.Close()
		os.Exit(1)
	}

	// Dispatch either enqueues for cmd/worker or calls GitHub inline.
	var dispatcher dispatch.Dispatcher
	switch cfg.DispatchMode {
	case config.DispatchModeDirect:
		if err := cfg.ValidateDispatch(); err != nil {
			log.Error("invalid dispatch configuration", "error", err)
			os.Exit(1)
		}
		gh, err := dispatch.NewGitHubDispatcher(gitHubConfig(cfg), log.WithComponent("dispatch").Logger)
		if err != nil {
			log.Error("failed to create GitHub dispatcher", "error", err)
			os.Exit(1)
		}
		dispatcher = gh
	default:
		dispatcher = dispatch.NewQueueDispatcher(pgqueue.NewPostgresQueue(store.DB(), log.Logger))
	}

	buildService := builds.NewService(store, buildhash.New(plugins), dispatcher, log.WithComponent("builds").Logger)
	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
		Issuer:      cfg.JWTIssuer,
	}, log.Logger)
	signer := artifact.NewURLSigner(cfg.Artifacts.BaseURL, []byte(cfg.Artifacts.SigningSecret), cfg.Artifacts.URLExpiry)

	server := api.NewServer(cfg, api.Dependencies{
		Store:     store,
		Builds:    buildService,
		Plugins:   plugins,
		Targets:   targets,
		Hierarchy: hierarchy,
		Signer:    signer,
		Auth:      authService,
	}, log.Logger)

	log.Info("starting API server",
		"host", cfg.APIHost,
		"port", cfg.APIPort,
		"dispatch_mode", cfg.DispatchMode,
	)

	// Start returns after the HTTP server has drained, so the coordinator
	// only has to release the database.
	serveErr := server.Start(ctx)
	if serveErr != nil {
		log.Error("server error", "error", serveErr)
	}
	stop()

	if err := coordinator.Shutdown(); err != nil || serveErr != nil {
		os.Exit(1)
	}
	log.Info("server stopped")
}

func gitHubConfig(cfg *config.Config) dispatch.GitHubConfig {
	return dispatch.GitHubConfig{
		APIBaseURL:     cfg.GitHub.APIBaseURL,
		Repository:     cfg.GitHub.Repository,
		Workflow:       cfg.GitHub.Workflow,
		Ref:            cfg.GitHub.Ref,
		CallbackURL:    cfg.GitHub.CallbackURL,
		Token:          cfg.GitHub.Token,
		AppID:          cfg.GitHub.AppID,
		AppPrivateKey:  cfg.GitHub.AppPrivateKey,
		InstallationID: cfg.GitHub.InstallationID,
	}
}

