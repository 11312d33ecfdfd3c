// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package queue

import (
	"context"
	"sync"

	"github.com/quartermaster-app/quartermaster/internal/logging"
)

// Registry hands out the per-account Queue instances, creating them on
// first use and restoring persisted accounts at startup so queued work
// survives a process restart even before the account signs in again.
type Registry struct {
	deps Deps

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// NewRegistry creates an empty registry sharing deps across all queues.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:   deps,
		queues: make(map[string]*Queue),
	}
}

// Restore instantiates a queue for every account with persisted operations.
// Individual account failures are logged and skipped; one corrupt account
// must not block the rest from draining.
func (r *Registry) Restore(ctx context.Context) error {
	accounts, err := r.deps.Store.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, accountID := range accounts {
		q, err := r.ForAccount(accountID)
		if err != nil {
			return err
		}
		q.mu.Lock()
		loadErr := q.ensureLoadedLocked(ctx)
		q.mu.Unlock()
		if loadErr != nil {
			logging.Error().Err(loadErr).Str("account", accountID).Msg("failed to restore account queue")
		}
	}
	if len(accounts) > 0 {
		logging.Info().Int("accounts", len(accounts)).Msg("account queues restored")
	}
	return nil
}

// ForAccount returns the queue bound to accountID, creating it if needed.
func (r *Registry) ForAccount(accountID string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrQueueClosed
	}
	if q, ok := r.queues[accountID]; ok {
		return q, nil
	}
	q := New(r.deps, accountID)
	r.queues[accountID] = q
	return q, nil
}

// Current returns the queue for the signed-in account, or nil when no
// account is active.
func (r *Registry) Current() *Queue {
	accountID := r.deps.Session.CurrentAccountID()
	if accountID == "" {
		return nil
	}
	q, err := r.ForAccount(accountID)
	if err != nil {
		return nil
	}
	return q
}

// DrainAll drains every registered queue sequentially. Used by the retry
// scheduler; per-queue failures are aggregated into the combined result.
func (r *Registry) DrainAll(ctx context.Context) (Result, error) {
	r.mu.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	var combined Result
	var firstErr error
	for _, q := range queues {
		res, err := q.ProcessQueue(ctx)
		combined.Processed += res.Processed
		combined.Pending += res.Pending
		combined.Ran = combined.Ran || res.Ran
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return combined, firstErr
}

// Close closes every queue and refuses further lookups.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, q := range r.queues {
		q.Close()
	}
}
