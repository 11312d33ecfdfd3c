// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

/*
Package supervisor provides process supervision for the sync daemon using
suture v4.

This package implements a hierarchical supervisor tree that manages the
lifecycle of all long-running services in the application. It provides
Erlang/OTP-style supervision with automatic restart, failure isolation,
and graceful shutdown.

# Overview

The supervisor tree organizes services into three layers for failure
isolation:

	RootSupervisor ("quartermaster")
	├── DataSupervisor ("data-layer")
	│   ├── operations store GC runner
	│   ├── snapshot store GC runner
	│   └── lineage store GC runner
	├── SyncSupervisor ("sync-layer")
	│   ├── connectivity prober
	│   └── retry scheduler
	└── APISupervisor ("api-layer")
	    └── HTTP server

This hierarchy ensures that:
  - A crashed scheduler doesn't take down the status API
  - Store maintenance failures don't impact draining
  - Each layer can restart independently

# Key Features

Automatic Restart:
  - Crashed services are automatically restarted
  - Exponential backoff prevents restart storms
  - Configurable failure thresholds and decay rates

Failure Isolation:
  - Services are organized into logical groups
  - Child supervisor failures don't propagate upward
  - Each layer has independent failure counting

Graceful Shutdown:
  - Context cancellation triggers orderly shutdown
  - Configurable shutdown timeout per service
  - UnstoppedServiceReport for debugging hangs

Structured Logging:
  - Integration with slog for structured events
  - Logs service starts, stops, failures, and restarts
  - Event hooks via sutureslog adapter

# Usage Example

Basic setup in main.go:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
	    logging.Fatal().Err(err).Msg("failed to create supervisor tree")
	}

	tree.AddDataService(opsGC)
	tree.AddSyncService(prober)
	tree.AddSyncService(retryScheduler)
	tree.AddAPIService(httpServer)

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
	    logging.Error().Err(err).Msg("supervisor tree exited")
	}

# See Also

  - github.com/thejerf/suture/v4: Underlying supervision library
  - github.com/thejerf/sutureslog: slog event hook adapter
*/
package supervisor
