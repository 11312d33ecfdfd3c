// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package queue

import (
	"context"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/models"
)

// DiscardItem resolves a parked item by abandoning the local edits: every
// queued operation referencing the item is removed, then the local snapshot
// and any conflict marker are dropped. Cleanup failures after the queue
// edit are logged, not returned; the queue is already consistent.
func (q *Queue) DiscardItem(ctx context.Context, itemID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if err := q.ensureLoadedLocked(ctx); err != nil {
		q.mu.Unlock()
		return err
	}

	kept := q.ops[:0]
	removed := 0
	for i := range q.ops {
		if q.ops[i].Data != nil && q.ops[i].Data.EntityID() == itemID {
			removed++
			continue
		}
		kept = append(kept, q.ops[i])
	}
	q.ops = kept
	var persistErr error
	if removed > 0 {
		persistErr = q.persistLocked(ctx)
	}
	accountID := q.accountID
	q.mu.Unlock()

	if persistErr != nil {
		return persistErr
	}

	if err := q.snapshots.DeleteItem(ctx, itemID); err != nil {
		logging.Warn().Err(err).Str("item_id", itemID).Msg("discard: failed to drop item snapshot")
	}
	if accountID != "" {
		if err := q.snapshots.DeleteConflicts(ctx, accountID, []string{itemID}); err != nil {
			logging.Warn().Err(err).Str("item_id", itemID).Msg("discard: failed to clear conflict marker")
		}
	}
	logging.Info().
		Str("item_id", itemID).
		Int("operations_removed", removed).
		Msg("item discarded, local edits abandoned")
	return nil
}

// RecreateItem resolves a parked UPDATE_ITEM whose remote row was deleted:
// the paused update is rewritten as a CREATE_ITEM (the executor pushes the
// full local snapshot, so nothing else changes) and reset to pending. Other
// operations for the same item that were parked on the same missing row are
// unpaused too, since the recreate ahead of them in the queue restores the
// row they need.
//
// When online, a drain is started asynchronously.
func (q *Queue) RecreateItem(ctx context.Context, opID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if err := q.ensureLoadedLocked(ctx); err != nil {
		q.mu.Unlock()
		return err
	}

	idx := q.indexLocked(opID)
	if idx < 0 {
		q.mu.Unlock()
		return ErrOperationNotFound
	}
	op := &q.ops[idx]
	if !op.Paused() {
		q.mu.Unlock()
		return ErrNotPaused
	}
	update, ok := op.Data.(*models.UpdateItemData)
	if !ok || op.Type != models.OpUpdateItem {
		q.mu.Unlock()
		return ErrNotUpdateItem
	}

	op.Type = models.OpCreateItem
	op.Data = &models.CreateItemData{ItemID: update.ItemID, ProjectID: update.ProjectID}
	op.Timestamp = time.Now().UTC()
	resetLocked(op)

	unpaused := 0
	for i := range q.ops {
		other := &q.ops[i]
		if other.ID == opID || !other.Paused() {
			continue
		}
		if other.InterventionReason != models.ReasonMissingItemOnServer {
			continue
		}
		if other.Data == nil || other.Data.EntityID() != update.ItemID {
			continue
		}
		resetLocked(other)
		unpaused++
	}

	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	logging.Info().
		Str("operation_id", opID).
		Str("item_id", update.ItemID).
		Int("unpaused", unpaused).
		Msg("paused update converted to recreate")

	if q.oracle.IsOnline() {
		go func() {
			if _, err := q.ProcessQueue(context.Background()); err != nil {
				logging.Warn().Err(err).Msg("post-recreate drain failed")
			}
		}()
	}
	return nil
}

// resetLocked returns an operation to the pending pool with a clean retry
// and intervention slate. Callers hold q.mu.
func resetLocked(op *models.Operation) {
	op.SyncStatus = models.StatusPending
	op.InterventionReason = ""
	op.PausedAt = nil
	op.ErrorCode = ""
	op.ErrorDetails = ""
	op.LastError = ""
	op.RetryCount = 0
}
