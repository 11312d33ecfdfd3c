// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package connectivity determines online/offline state by probing a remote
// health endpoint and publishes transitions on the event bus.
//
// The queue consults IsOnline synchronously before every drain attempt and
// every enqueue's process-immediately decision; the retry scheduler reacts
// to published transitions.
package connectivity

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/config"
	"github.com/quartermaster-app/quartermaster/internal/events"
	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/metrics"
)

// Oracle is the boolean connectivity predicate the queue consumes.
type Oracle interface {
	IsOnline() bool
}

// Prober implements Oracle by pinging a health endpoint on an interval.
// It satisfies suture.Service via Serve.
type Prober struct {
	probeURL string
	interval time.Duration
	timeout  time.Duration
	http     *http.Client
	bus      *events.Bus

	online  atomic.Bool
	probed  atomic.Bool // false until the first probe completes
	started atomic.Bool
}

// NewProber creates a connectivity prober. The engine starts pessimistic:
// it reports offline until the first successful probe.
func NewProber(cfg *config.ConnectivityConfig, bus *events.Bus) *Prober {
	return &Prober{
		probeURL: cfg.ProbeURL,
		interval: cfg.ProbeInterval,
		timeout:  cfg.ProbeTimeout,
		http:     &http.Client{Timeout: cfg.ProbeTimeout},
		bus:      bus,
	}
}

// IsOnline reports the last observed connectivity state.
func (p *Prober) IsOnline() bool {
	return p.online.Load()
}

// Serve runs the probe loop until ctx is canceled. Implements suture.Service.
func (p *Prober) Serve(ctx context.Context) error {
	if p.started.CompareAndSwap(false, true) {
		logging.Info().
			Str("probe_url", p.probeURL).
			Dur("interval", p.interval).
			Msg("connectivity prober started")
	}

	// Probe immediately so the engine is not stuck offline for a full
	// interval after startup.
	p.probeOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

// String names the service in supervisor logs.
func (p *Prober) String() string { return "connectivity-prober" }

// CheckNow performs a synchronous probe and returns the fresh state. Used
// by external replay triggers that must not rely on a stale reading.
func (p *Prober) CheckNow(ctx context.Context) bool {
	p.probeOnce(ctx)
	return p.online.Load()
}

func (p *Prober) probeOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, p.probeURL, nil)
	if err == nil {
		resp, err := p.http.Do(req)
		if err == nil {
			resp.Body.Close()
			online = resp.StatusCode < 500
		}
	}

	p.setOnline(online)
}

func (p *Prober) setOnline(online bool) {
	previous := p.online.Swap(online)
	first := p.probed.CompareAndSwap(false, true)

	if online {
		metrics.ConnectivityOnline.Set(1)
	} else {
		metrics.ConnectivityOnline.Set(0)
	}

	if !first && previous == online {
		return
	}

	to := "offline"
	if online {
		to = "online"
	}
	metrics.ConnectivityTransitions.WithLabelValues(to).Inc()
	logging.Info().Bool("online", online).Msg("connectivity transition")

	if p.bus != nil {
		p.bus.Publish(events.TopicConnectivity, events.ConnectivityChanged{
			Online: online,
			At:     time.Now().UTC(),
		})
	}
}

// Static is a fixed-state Oracle for tests and for wiring components that
// must never block on probing.
type Static bool

// IsOnline implements Oracle.
func (s Static) IsOnline() bool { return bool(s) }
