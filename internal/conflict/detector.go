// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package conflict exposes conflict detection to the queue. The queue
// treats the detector as a black box: it asks for the conflicts in a scope
// and reacts (blocking destructive operations whose exact target is in
// conflict); how conflicts are computed is not its concern.
package conflict

import (
	"context"

	"github.com/quartermaster-app/quartermaster/internal/models"
	"github.com/quartermaster-app/quartermaster/internal/snapshot"
)

// Scope bounds a conflict query. ProjectID may be empty for account-wide
// scopes (business inventory operations).
type Scope struct {
	AccountID string
	ProjectID string
}

// Detector reports entities currently in conflict within a scope.
type Detector interface {
	DetectConflicts(ctx context.Context, scope Scope) ([]models.ConflictItem, error)
}

// StoreDetector serves conflict queries from the conflict records the
// snapshot store maintains.
type StoreDetector struct {
	snapshots *snapshot.Store
}

// NewStoreDetector creates a detector over the snapshot store.
func NewStoreDetector(snapshots *snapshot.Store) *StoreDetector {
	return &StoreDetector{snapshots: snapshots}
}

// DetectConflicts implements Detector.
func (d *StoreDetector) DetectConflicts(ctx context.Context, scope Scope) ([]models.ConflictItem, error) {
	return d.snapshots.ConflictsForAccount(ctx, scope.AccountID)
}
