// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package queue

import (
	"context"

	"github.com/quartermaster-app/quartermaster/internal/lineage"
	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/metrics"
	"github.com/quartermaster-app/quartermaster/internal/models"
	"github.com/quartermaster-app/quartermaster/internal/snapshot"
)

// Verifier audits the canonical inventory pairing after each compound
// movement: an item allocated or sold into project P must end up owned by
// the INV_PURCHASE_<P> transaction, and an item deallocated out of P must
// sit in business inventory (no project) with its ownership pointer off
// INV_PURCHASE_<P>.
//
// The audit is warn-only. A violation means a bug or a concurrent writer,
// and neither is something failing the user's operation would fix; it is
// logged, counted, and left for the next full refresh to repair.
type Verifier struct {
	snapshots *snapshot.Store
	lineage   *lineage.Store
}

// NewVerifier wires a verifier. lineage may be nil to skip pointer history.
func NewVerifier(snapshots *snapshot.Store, lin *lineage.Store) *Verifier {
	return &Verifier{snapshots: snapshots, lineage: lin}
}

// VerifyMovement checks the post-movement state of the moved item.
func (v *Verifier) VerifyMovement(ctx context.Context, op *models.Operation) {
	itemID := op.Data.EntityID()
	item, err := v.snapshots.GetItemByID(ctx, itemID)
	if err != nil {
		logging.Warn().Err(err).Str("item_id", itemID).Msg("invariant audit: cannot load item")
		return
	}
	if item == nil {
		v.flag(op, itemID, "item snapshot missing after movement")
		return
	}

	switch data := op.Data.(type) {
	case *models.AllocateItemData:
		v.checkOwnership(ctx, op, item, data.TargetProjectID)
	case *models.SellItemData:
		v.checkOwnership(ctx, op, item, data.TargetProjectID)
	case *models.DeallocateItemData:
		if item.ProjectID != nil && *item.ProjectID == data.SourceProjectID {
			v.flag(op, itemID, "item still assigned to source project after deallocation")
			return
		}
		if item.TransactionID != nil && *item.TransactionID == models.InventoryPurchaseID(data.SourceProjectID) {
			v.flag(op, itemID, "item still owned by source purchase transaction after deallocation")
			return
		}
		v.recordLineage(ctx, item)
	default:
		// Non-compound operations never reach the verifier.
	}
}

// checkOwnership verifies the allocate/sell postcondition.
func (v *Verifier) checkOwnership(ctx context.Context, op *models.Operation, item *models.Item, targetProjectID string) {
	want := models.InventoryPurchaseID(targetProjectID)
	if item.ProjectID == nil || *item.ProjectID != targetProjectID {
		v.flag(op, item.ID, "item not assigned to target project after movement")
		return
	}
	if item.TransactionID == nil || *item.TransactionID != want {
		v.flag(op, item.ID, "item not owned by canonical purchase transaction")
		return
	}
	v.recordLineage(ctx, item)
}

func (v *Verifier) recordLineage(ctx context.Context, item *models.Item) {
	if v.lineage == nil || item.TransactionID == nil {
		return
	}
	if err := v.lineage.RefreshLatest(ctx, item.ID, *item.TransactionID); err != nil {
		logging.Warn().Err(err).Str("item_id", item.ID).Msg("failed to record lineage pointer")
	}
}

func (v *Verifier) flag(op *models.Operation, itemID, detail string) {
	metrics.InvariantViolations.WithLabelValues(string(op.Type)).Inc()
	logging.Warn().
		Str("operation_id", op.ID).
		Str("type", string(op.Type)).
		Str("item_id", itemID).
		Str("detail", detail).
		Msg("inventory pairing invariant violated")
}
