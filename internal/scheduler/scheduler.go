// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package scheduler drives queue drains from the outside: connectivity
// transitions, queue growth, a jittered exponential backoff after failed
// drains, and a slow safety poll that catches anything the event paths
// missed.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quartermaster-app/quartermaster/internal/config"
	"github.com/quartermaster-app/quartermaster/internal/connectivity"
	"github.com/quartermaster-app/quartermaster/internal/events"
	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/metrics"
	"github.com/quartermaster-app/quartermaster/internal/queue"
)

// Scheduler is a suture-supervised service. One instance runs per process
// and drains all account queues through the registry.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registry *queue.Registry
	oracle   connectivity.Oracle
	bus      *events.Bus

	// limiter bounds manual drain triggers from the API surface.
	limiter *rate.Limiter

	mu      sync.Mutex
	attempt int
	backoff *time.Timer
	wake    chan string
}

// New wires a scheduler.
func New(cfg config.SchedulerConfig, registry *queue.Registry, oracle connectivity.Oracle, bus *events.Bus) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		oracle:   oracle,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 2),
		wake:     make(chan string, 8),
	}
}

func (s *Scheduler) String() string { return "retry-scheduler" }

// Serve runs the scheduler loop until ctx is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	queueCh, err := s.bus.Subscribe(ctx, events.TopicQueueChanged)
	if err != nil {
		return err
	}
	connCh, err := s.bus.Subscribe(ctx, events.TopicConnectivity)
	if err != nil {
		return err
	}

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	defer s.stopBackoff()

	logging.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("base_delay", s.cfg.BaseDelay).
		Dur("max_delay", s.cfg.MaxDelay).
		Msg("retry scheduler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-queueCh:
			if !ok {
				return nil
			}
			var ev events.QueueChanged
			if err := events.Decode(msg, &ev); err != nil {
				logging.Warn().Err(err).Msg("scheduler: bad queue event")
				continue
			}
			if ev.Pending > 0 && s.oracle.IsOnline() {
				s.drain(ctx, "enqueue")
			}

		case msg, ok := <-connCh:
			if !ok {
				return nil
			}
			var ev events.ConnectivityChanged
			if err := events.Decode(msg, &ev); err != nil {
				logging.Warn().Err(err).Msg("scheduler: bad connectivity event")
				continue
			}
			if ev.Online {
				// A fresh connection voids the old failure streak.
				s.resetBackoff()
				s.drain(ctx, "online")
			}

		case trigger := <-s.wake:
			if s.oracle.IsOnline() {
				s.drain(ctx, trigger)
			}

		case <-poll.C:
			if s.oracle.IsOnline() {
				s.drain(ctx, "poll")
			}
		}
	}
}

// TriggerNow requests an immediate drain, rate limited. It returns false
// when the limiter rejected the request.
func (s *Scheduler) TriggerNow() bool {
	if !s.limiter.Allow() {
		return false
	}
	select {
	case s.wake <- "manual":
	default:
		// A wakeup is already queued; coalesce.
	}
	return true
}

// drain runs all registered queues once and schedules a backoff retry when
// operations remain queued after a drain that actually ran.
func (s *Scheduler) drain(ctx context.Context, trigger string) {
	metrics.SchedulerDrainTriggers.WithLabelValues(trigger).Inc()

	res, err := s.registry.DrainAll(ctx)
	if err != nil {
		logging.Warn().Err(err).Str("trigger", trigger).Msg("drain failed")
	}

	if res.Ran && res.Pending == 0 && err == nil {
		s.resetBackoff()
		return
	}
	if res.Pending > 0 {
		s.scheduleBackoff()
	}
}

// scheduleBackoff arms the next retry: exponential in the attempt count,
// capped, with up to JitterRatio of random extension so a fleet of clients
// recovering together does not stampede the remote store.
func (s *Scheduler) scheduleBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt < s.cfg.MaxBackoff {
		s.attempt++
	}
	metrics.SchedulerBackoffStep.Set(float64(s.attempt))

	delay := s.cfg.BaseDelay << uint(s.attempt-1)
	if delay <= 0 || delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	if s.cfg.JitterRatio > 0 {
		delay += time.Duration(rand.Float64() * s.cfg.JitterRatio * float64(delay))
	}

	if s.backoff != nil {
		s.backoff.Stop()
	}
	s.backoff = time.AfterFunc(delay, func() {
		select {
		case s.wake <- "backoff":
		default:
		}
	})

	logging.Debug().
		Int("attempt", s.attempt).
		Dur("delay", delay).
		Msg("backoff retry scheduled")
}

func (s *Scheduler) resetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
	metrics.SchedulerBackoffStep.Set(0)
	if s.backoff != nil {
		s.backoff.Stop()
		s.backoff = nil
	}
}

func (s *Scheduler) stopBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff != nil {
		s.backoff.Stop()
		s.backoff = nil
	}
}
