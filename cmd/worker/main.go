// Package main provides the entry point for the dispatch worker.
package main

import (
	"context"
	"errors"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/meshenvy/firmware-builder/internal/buildhash"
	"github.com/meshenvy/firmware-builder/internal/builds"
	"github.com/meshenvy/firmware-builder/internal/dispatch"
	postgresqueue "github.com/meshenvy/firmware-builder/internal/queue/postgres"
	"github.com/meshenvy/firmware-builder/internal/registry"
	"github.com/meshenvy/firmware-builder/internal/shutdown"
	"github.com/meshenvy/firmware-builder/internal/store/postgres"
	"github.com/meshenvy/firmware-builder/pkg/config"
	"github.com/meshenvy/firmware-builder/pkg/logger"
)

func main() {
	// The worker only talks to the database and GitHub, so it skips the
	// API-facing validation in config.Load.
	cfg := config.LoadWithDefaults()
	log := logger.New(logger.ParseLevel(cfg.LogLevel), true)

	if err := cfg.ValidateDispatch(); err != nil {
		log.Error("invalid dispatch configuration", "error", err)
		os.Exit(1)
	}

	// Initialize database store
	store, err := postgres.NewPostgresStore(postgres.DefaultConfig(cfg.DatabaseDSN), log.Logger)
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

	if err := postgres.Migrate(ctx, store.DB()); err != nil {
		log.Error("failed to apply migrations", "error", err)
		store.Close()
		os.Exit(1)
	}

	queue := postgresqueue.NewPostgresQueue(store.DB(), log.Logger).WithStaleTimeout(cfg.Worker.StaleTimeout)

	gh, err := dispatch.NewGitHubDispatcher(dispatch.GitHubConfig{
		APIBaseURL:     cfg.GitHub.APIBaseURL,
		Repository:     cfg.GitHub.Repository,
		Workflow:       cfg.GitHub.Workflow,
		Ref:            cfg.GitHub.Ref,
		CallbackURL:    cfg.GitHub.CallbackURL,
		Token:          cfg.GitHub.Token,
		AppID:          cfg.GitHub.AppID,
		AppPrivateKey:  cfg.GitHub.AppPrivateKey,
		InstallationID: cfg.GitHub.InstallationID,
	}, log.WithComponent("dispatch").Logger)
	if err != nil {
		log.Error("failed to create GitHub dispatcher", "error", err)
		store.Close()
		os.Exit(1)
	}

	// Failures are recorded through the build service so they follow the
	// same transition rules as the status webhook. The worker never hashes,
	// so an empty registry is enough for the hasher.
	failures := builds.NewService(store, buildhash.New(registry.NewPluginRegistry(nil, log.Logger)), gh, log.WithComponent("builds").Logger)

	worker := dispatch.NewWorker(&dispatch.WorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		MaxRetries:   cfg.Worker.MaxRetries,
	}, queue, gh, failures, log.WithComponent("worker").Logger)

	log.Info("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"repository", cfg.GitHub.Repository,
		"workflow", cfg.GitHub.Workflow,
	)

	// Run waits for in-flight jobs before returning.
	runErr := worker.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("worker error", "error", runErr)
	} else {
		runErr = nil
	}
	stop()

	if err := coordinator.Shutdown(); err != nil || runErr != nil {
		os.Exit(1)
	}
	log.Info("worker stopped")
}
