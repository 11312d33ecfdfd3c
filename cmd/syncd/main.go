// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package main is the entry point for the Quartermaster sync daemon.
//
// The daemon owns the durable offline operation queue: it accepts mutation
// intents over a local HTTP API, persists them per account, and replays
// them against the remote table API whenever connectivity allows, honoring
// the retry/fatal/intervention error taxonomy.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, file, environment)
//  2. Stores: BadgerDB operation log, entity snapshots, movement lineage
//  3. Remote client: circuit-broken HTTP client for the table API
//  4. Session: account/identity state with token refresh
//  5. Queue registry: per-account queues restored from the operation log
//  6. Scheduler: connectivity-driven drains with jittered backoff
//  7. HTTP server: status, enqueue, and resolution endpoints plus /metrics
//
// Everything long-running sits under a suture supervisor tree; see
// internal/supervisor for the layer layout.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables with the QM_ prefix (QM_HTTP__LISTEN etc.)
//   - Config file (QM_CONFIG_PATH, default /etc/quartermaster/config.yaml)
//   - Built-in defaults
//
// # Signal Handling
//
// The daemon handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections
//   - Waits for in-flight requests and drains to complete
//   - Closes the stores so the operation log lands clean on disk
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/quartermaster-app/quartermaster/internal/api"
	"github.com/quartermaster-app/quartermaster/internal/config"
	"github.com/quartermaster-app/quartermaster/internal/conflict"
	"github.com/quartermaster-app/quartermaster/internal/connectivity"
	"github.com/quartermaster-app/quartermaster/internal/events"
	"github.com/quartermaster-app/quartermaster/internal/inventory"
	"github.com/quartermaster-app/quartermaster/internal/lineage"
	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/opstore"
	"github.com/quartermaster-app/quartermaster/internal/queue"
	"github.com/quartermaster-app/quartermaster/internal/remote"
	"github.com/quartermaster-app/quartermaster/internal/scheduler"
	"github.com/quartermaster-app/quartermaster/internal/session"
	"github.com/quartermaster-app/quartermaster/internal/snapshot"
	"github.com/quartermaster-app/quartermaster/internal/supervisor"
	"github.com/quartermaster-app/quartermaster/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("listen", cfg.HTTP.Listen).
		Str("remote", cfg.Remote.BaseURL).
		Str("operations_path", cfg.Store.OperationsPath).
		Msg("Starting Quartermaster sync daemon")

	// Durable stores. The operation log is the one that must never lose a
	// write; snapshots and lineage are rebuildable caches.
	ops, err := opstore.Open(opstore.Config{
		Path:             cfg.Store.OperationsPath,
		SyncWrites:       cfg.Store.SyncWrites,
		MemTableSize:     cfg.Store.MemTableSize,
		ValueLogFileSize: cfg.Store.ValueLogFileSize,
		NumCompactors:    cfg.Store.NumCompactors,
		GCRatio:          cfg.Store.GCRatio,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open operation store")
	}
	defer func() {
		if err := ops.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing operation store")
		}
	}()

	snapshots, err := snapshot.Open(snapshot.Config{
		Path:             cfg.Store.SnapshotsPath,
		SyncWrites:       cfg.Store.SyncWrites,
		MemTableSize:     cfg.Store.MemTableSize,
		ValueLogFileSize: cfg.Store.ValueLogFileSize,
		NumCompactors:    cfg.Store.NumCompactors,
		GCRatio:          cfg.Store.GCRatio,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open snapshot store")
	}
	defer func() {
		if err := snapshots.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing snapshot store")
		}
	}()

	lin, err := lineage.Open(lineage.Config{
		Path:       cfg.Store.LineagePath,
		SyncWrites: cfg.Store.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open lineage store")
	}
	defer func() {
		if err := lin.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing lineage store")
		}
	}()

	// Event bus for queue/connectivity/lifecycle notifications.
	bus := events.NewBus()
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	// Remote table API client behind a circuit breaker.
	client := remote.NewClient(&cfg.Remote)

	// Session state. Headless deployments pre-sign with a service key;
	// otherwise the embedding application signs in at runtime.
	sess := session.NewManager(
		session.NewStaticTokenSource(cfg.Session.AccessToken),
		session.StaticIdentity(cfg.Session.Identity),
		cfg.Session.RefreshMargin,
	)
	if cfg.Session.AccountID != "" {
		sess.SignIn(cfg.Session.AccountID, cfg.Session.Identity)
		logging.Info().Str("account", cfg.Session.AccountID).Msg("Pre-signed session configured")
	}

	prober := connectivity.NewProber(&cfg.Connectivity, bus)

	// Queue assembly: executor, compound mover, invariant verifier.
	verifier := queue.NewVerifier(snapshots, lin)
	mover := inventory.New(client, snapshots, lin)
	executor := queue.NewExecutor(client, snapshots, mover, verifier, bus)

	registry := queue.NewRegistry(queue.Deps{
		Config:    cfg.Queue,
		Store:     ops,
		Snapshots: snapshots,
		Session:   sess,
		Oracle:    prober,
		Detector:  conflict.NewStoreDetector(snapshots),
		Executor:  executor,
		Bus:       bus,
	})
	defer registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Restore persisted queues so a restart never abandons queued work.
	if err := registry.Restore(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to restore account queues")
	}

	sched := scheduler.New(cfg.Scheduler, registry, prober, bus)

	handler := api.NewHandler(registry, sched, prober, sess)
	router := api.NewRouter(handler, cfg.HTTP)
	server := router.Server()

	// Supervisor tree: data (store GC), sync (prober, scheduler), api.
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddDataService(opstore.NewGCRunner("operations", cfg.Store.GCInterval, ops.RunGC))
	tree.AddDataService(opstore.NewGCRunner("snapshots", cfg.Store.GCInterval, snapshots.RunGC))
	tree.AddDataService(opstore.NewGCRunner("lineage", cfg.Store.GCInterval, lin.RunGC))

	tree.AddSyncService(prober)
	tree.AddSyncService(sched)

	tree.AddAPIService(services.NewHTTPServerService(server, cfg.HTTP.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	// Wait for supervisor to finish (either from signal or error)
	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	// Report any services that failed to stop within timeout
	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Daemon stopped gracefully")
}
