// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package session

import "context"

// StaticTokenSource serves a fixed long-lived token, for headless
// deployments where the daemon authenticates with a service key instead of
// a refreshable user session. Refresh is a no-op.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource wraps a fixed token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token() string { return s.token }

func (s *StaticTokenSource) Refresh(ctx context.Context) error { return nil }

// StaticIdentity is an IdentityAPI that always reports the same identity.
type StaticIdentity string

func (s StaticIdentity) FetchIdentity(ctx context.Context) (string, error) {
	return string(s), nil
}
