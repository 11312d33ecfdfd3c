// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package session holds the client-side view of the authenticated session:
// the active account, the cached and last-known identities, and the access
// token whose expiry gates every drain cycle.
//
// The queue never executes an operation authored by an identity other than
// the one currently signed in, and never accepts an unauthenticated offline
// write: on replay there would be nobody to attribute it to.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quartermaster-app/quartermaster/internal/logging"
)

// TokenSource supplies and refreshes the access token.
type TokenSource interface {
	// Token returns the current access token (a JWT), or "" when signed out.
	Token() string

	// Refresh obtains a fresh access token.
	Refresh(ctx context.Context) error
}

// IdentityAPI fetches the live authenticated identity from the backend.
type IdentityAPI interface {
	FetchIdentity(ctx context.Context) (string, error)
}

// Manager is the session state holder.
type Manager struct {
	tokens TokenSource
	api    IdentityAPI
	margin time.Duration

	mu           sync.RWMutex
	accountID    string
	identity     string
	lastIdentity string
}

// NewManager creates a session manager. tokens and api may be nil in tests;
// a nil TokenSource makes Refresh a no-op and a nil IdentityAPI disables
// live identity fetches.
func NewManager(tokens TokenSource, api IdentityAPI, refreshMargin time.Duration) *Manager {
	return &Manager{
		tokens: tokens,
		api:    api,
		margin: refreshMargin,
	}
}

// SignIn records the active account and identity.
func (m *Manager) SignIn(accountID, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountID = accountID
	m.identity = identity
	m.lastIdentity = identity
}

// SignOut clears the active session but keeps the last-known identity so
// queued operations can still be matched on the next sign-in.
func (m *Manager) SignOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountID = ""
	m.identity = ""
}

// CurrentAccountID returns the active account id, or "" when signed out.
func (m *Manager) CurrentAccountID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountID
}

// Identity returns the cached authenticated identity, or "".
func (m *Manager) Identity() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// ResolveIdentity resolves the identity to stamp on a new operation:
// cached session identity, then last-known identity, then (online only) a
// live fetch. Returns "" when nothing is resolvable.
func (m *Manager) ResolveIdentity(ctx context.Context, online bool) string {
	m.mu.RLock()
	identity := m.identity
	last := m.lastIdentity
	m.mu.RUnlock()

	if identity != "" {
		return identity
	}
	if last != "" {
		return last
	}
	if online && m.api != nil {
		fetched, err := m.api.FetchIdentity(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("session: live identity fetch failed")
			return ""
		}
		m.mu.Lock()
		m.identity = fetched
		m.lastIdentity = fetched
		m.mu.Unlock()
		return fetched
	}
	return ""
}

// Valid reports whether a signed-in session exists.
func (m *Manager) Valid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountID != "" && m.identity != ""
}

// Refresh validates the session before a drain touches any operation and
// refreshes a near-expiry access token. An invalid session is an error; the
// caller aborts the drain without failing any operation.
func (m *Manager) Refresh(ctx context.Context) error {
	if !m.Valid() {
		return fmt.Errorf("no authenticated session")
	}
	if m.tokens == nil {
		return nil
	}

	token := m.tokens.Token()
	if token == "" {
		return fmt.Errorf("no access token")
	}

	expiry, err := tokenExpiry(token)
	if err != nil {
		// Opaque service keys are not JWTs; they carry no expiry to track.
		logging.Debug().Err(err).Msg("session: access token is not a JWT, skipping expiry check")
		return nil
	}
	if expiry.IsZero() {
		return nil // non-expiring token
	}

	remaining := time.Until(expiry)
	if remaining <= 0 {
		return fmt.Errorf("access token expired %v ago", -remaining)
	}
	if remaining < m.margin {
		logging.Debug().Dur("remaining", remaining).Msg("session: refreshing near-expiry token")
		if err := m.tokens.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh access token: %w", err)
		}
	}
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// backend verifies; the client only needs the expiry for refresh timing.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
