package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/keeldb/keel/internal/agency"
	"github.com/keeldb/keel/internal/archive"
	"github.com/keeldb/keel/internal/bus"
	"github.com/keeldb/keel/internal/config"
	"github.com/keeldb/keel/internal/logging"
	"github.com/keeldb/keel/internal/maintenance"
	"github.com/keeldb/keel/internal/ops"
	"github.com/keeldb/keel/internal/reconcile"
	"github.com/keeldb/keel/internal/state"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Maintenance service starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverID := cfg.Node.ServerID
	logger.Info("Using configured server ID", "server_id", serverID)

	// 4. Scan local shard metadata into the state store
	store := state.NewStore(logger)
	scanner := state.NewScanner(cfg.Node.DataDir, logger)
	shardCount, err := scanner.Scan(store)
	if err != nil {
		logger.Fatal("Failed to scan local state", "error", err)
	}
	logger.Info("Local state loaded",
		"data_dir", cfg.Node.DataDir,
		"shards", shardCount)

	// 5. Connect to the Plan in etcd
	plans, err := agency.NewEtcdPlan(cfg.Etcd, logger)
	if err != nil {
		logger.Fatal("Failed to connect to etcd", "error", err)
	}
	defer func() { _ = plans.Close() }()
	logger.Info("Connected to etcd", "endpoints", cfg.Etcd.Endpoints)

	// 6. Announce this server under a lease
	httpAddress := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	registration := agency.NewServerRegistration(plans.Client(), serverID, httpAddress, logger)
	if err := registration.Register(ctx, shardCount); err != nil {
		logger.Fatal("Failed to register server", "error", err)
	}
	defer func() {
		deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer deregCancel()
		_ = registration.Deregister(deregCtx)
	}()

	// 7. Create the maintenance event bus
	events, err := bus.New(cfg.Bus)
	if err != nil {
		logger.Fatal("Failed to create event bus", "error", err)
	}
	defer func() { _ = events.Close() }()

	// 8. Optional plan changeset archive
	var arch *archive.Archive
	if cfg.Archive.Enabled {
		arch, err = archive.New(cfg.Archive.Dir, cfg.Archive.Retention, logger)
		if err != nil {
			logger.Fatal("Failed to create changeset archive", "error", err)
		}
		logger.Info("Changeset archive enabled",
			"dir", cfg.Archive.Dir,
			"retention", cfg.Archive.Retention)
	}

	// 9. Wire the maintenance core
	registry := maintenance.NewActionRegistry()
	errs := maintenance.NewErrors()
	differ := maintenance.NewDiffer(maintenance.NewDefaultEngine(), logger)
	applier := state.NewApplier(store, serverID, logger)
	executor := maintenance.NewExecutor(cfg.Reconcile.Workers, cfg.Reconcile.QueueSize, applier, registry, errs, logger.With("component", "executor"))
	executor.Start(ctx)
	defer executor.Stop()

	reconciler := reconcile.New(
		cfg.Reconcile,
		serverID,
		logger,
		plans,
		store,
		differ,
		executor,
		registry,
		errs,
		arch,
		events,
	)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	// 10. Start the ops HTTP server
	app := fiber.New(fiber.Config{
		AppName:               "keel-maintenance",
		DisableStartupMessage: true,
	})
	handler := ops.New(logger, serverID, registry, errs, store, reconciler)
	ops.Setup(app, logger, handler, cfg.Server.APIKeys)

	go func() {
		if err := app.Listen(httpAddress); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()
	defer func() { _ = app.Shutdown() }()

	logger.Info("Maintenance service started successfully",
		"server_id", serverID,
		"http_address", httpAddress,
		"data_dir", cfg.Node.DataDir,
		"bus_backend", cfg.Bus.Backend,
	)

	// 11. Wait for shutdown signal
	waitForShutdown(logger, cancel)

	logger.Info("Maintenance service stopped")
}

// waitForShutdown waits for interrupt signal and triggers graceful shutdown
func waitForShutdown(logger *logging.Logger, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())
	// Trigger context cancellation
	cancel()

	// Give some time for graceful shutdown
	time.Sleep(2 * time.Second)
}
