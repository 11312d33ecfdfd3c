// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package opstore

import (
	"context"
	"sync"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/logging"
)

// GCRunner periodically runs value-log garbage collection on a store.
// One runner per Badger instance; the stores share this implementation.
type GCRunner struct {
	name     string
	interval time.Duration
	run      func() error

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

// NewGCRunner creates a runner invoking run every interval.
func NewGCRunner(name string, interval time.Duration, run func() error) *GCRunner {
	return &GCRunner{name: name, interval: interval, run: run}
}

// Start begins the background GC loop. Repeated calls are no-ops.
func (g *GCRunner) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	g.running = true
	g.cancel = cancel
	g.stopDone = make(chan struct{})
	done := g.stopDone
	g.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := g.run(); err != nil {
					logging.Warn().Err(err).Str("store", g.name).Msg("store GC failed")
				}
			}
		}
	}()

	logging.Info().Str("store", g.name).Dur("interval", g.interval).Msg("store GC runner started")
}

// Serve runs the GC loop in the foreground until ctx is canceled,
// satisfying suture.Service for supervised deployments. Use either Serve
// under a supervisor or Start/Stop, not both.
func (g *GCRunner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.run(); err != nil {
				logging.Warn().Err(err).Str("store", g.name).Msg("store GC failed")
			}
		}
	}
}

func (g *GCRunner) String() string { return g.name + "-gc" }

// Stop halts the loop and waits for the goroutine to exit.
func (g *GCRunner) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.cancel()
	g.running = false
	done := g.stopDone
	g.mu.Unlock()

	<-done
	logging.Info().Str("store", g.name).Msg("store GC runner stopped")
}
