// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/quartermaster-app/quartermaster/internal/logging"
)

// RequestID attaches an X-Request-ID header to every response and stores
// the id in the request context for handler logging. An id supplied by the
// caller is kept so multi-hop traces line up.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = logging.GenerateRequestID()
			}
			ctx := logging.ContextWithRequestID(r.Context(), id)
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit returns an httprate middleware limiting by client IP. Zero or
// negative requests disables limiting.
func RateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			NewResponseWriter(w, r).TooManyRequests("rate limit exceeded")
		}),
	)
}

// AccessLog emits one structured log line per request.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logging.Ctx(r.Context()).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}
