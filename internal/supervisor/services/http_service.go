// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer is the subset of *http.Server the service needs. Keeping it
// as an interface lets tests substitute a fake listener.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService adapts http.Server's blocking ListenAndServe to
// suture's context-driven Serve. When the supervisor cancels the context
// the service drains in-flight requests via Shutdown, bounded by
// shutdownTimeout.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps server for supervision. A non-positive
// shutdownTimeout falls back to 10 seconds.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. http.ErrServerClosed is the normal
// result of our own Shutdown call and is not treated as a failure.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		err := h.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if err := h.drain(); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	<-serveErr
	return ctx.Err()
}

// drain runs graceful shutdown on a fresh context; the serve context is
// already canceled and would abort Shutdown immediately.
func (h *HTTPServerService) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	return h.server.Shutdown(ctx)
}

func (h *HTTPServerService) String() string { return "http-server" }
