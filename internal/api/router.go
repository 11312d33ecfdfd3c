// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quartermaster-app/quartermaster/internal/config"
)

// Router assembles the daemon's HTTP surface.
type Router struct {
	handler *Handler
	cfg     config.HTTPConfig
}

// NewRouter creates a router around handler.
func NewRouter(handler *Handler, cfg config.HTTPConfig) *Router {
	return &Router{handler: handler, cfg: cfg}
}

// Setup configures all HTTP routes using the Chi router.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(RequestID())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: router.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(AccessLog())

	// Health endpoints get a permissive limit so monitors can poll freely.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(RateLimit(1000, time.Minute))
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	// Sync control surface.
	r.Route("/api/v1/sync", func(r chi.Router) {
		r.Use(RateLimit(router.cfg.RateLimit, router.cfg.RateWindow))
		r.Get("/status", router.handler.SyncStatus)
		r.Post("/process", router.handler.ProcessSync)
		r.Get("/connectivity", router.handler.Connectivity)
		r.Get("/paused", router.handler.PausedOperations)

		r.Post("/operations", router.handler.Enqueue)
		r.Delete("/operations/{id}", router.handler.CancelOperation)
		r.Post("/operations/{id}/recreate", router.handler.RecreateItem)
		r.Post("/discard", router.handler.DiscardItem)
	})

	// Prometheus metrics.
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Server builds the http.Server for the supervised HTTP service.
func (router *Router) Server() *http.Server {
	return &http.Server{
		Addr:              router.cfg.Listen,
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
