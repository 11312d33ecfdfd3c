// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package inventory executes the compound inventory movements: moving an
// item between business inventory and projects while keeping the ledger's
// canonical INV_PURCHASE_/INV_SALE_ transactions in step.
//
// Each movement is a small multi-write sequence against the remote store.
// Every write in the sequence is idempotent (inserts upsert by id, updates
// overwrite the full row), so a replay after a mid-sequence failure
// converges instead of double-applying.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/lineage"
	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/models"
	"github.com/quartermaster-app/quartermaster/internal/remote"
	"github.com/quartermaster-app/quartermaster/internal/snapshot"
)

// Mover performs allocate/sell/deallocate against the remote store and
// mirrors the results into the local snapshot and lineage stores.
type Mover struct {
	remote    remote.Store
	snapshots *snapshot.Store
	lineage   *lineage.Store
}

// New wires a mover. lineage may be nil to skip movement history.
func New(store remote.Store, snapshots *snapshot.Store, lin *lineage.Store) *Mover {
	return &Mover{remote: store, snapshots: snapshots, lineage: lin}
}

// Allocate moves an item from business inventory into the target project:
// the canonical INV_PURCHASE_<target> transaction is created or topped up,
// then the item is re-pointed at it.
func (m *Mover) Allocate(ctx context.Context, op *models.Operation, data *models.AllocateItemData) error {
	item, err := m.loadItem(ctx, data.ItemID)
	if err != nil {
		return err
	}

	purchaseID := models.InventoryPurchaseID(data.TargetProjectID)
	if err := m.upsertCanonical(ctx, op, purchaseID, data.TargetProjectID, "purchase", data.Amount, data.Notes); err != nil {
		return err
	}

	return m.repoint(ctx, op, item, &data.TargetProjectID, &purchaseID, data.Space)
}

// Sell transfers an item between projects. On the ledger it is a purchase
// by the target project: the item ends up owned by INV_PURCHASE_<target>,
// and the source project's ledger records the sale when an amount is given.
func (m *Mover) Sell(ctx context.Context, op *models.Operation, data *models.SellItemData) error {
	item, err := m.loadItem(ctx, data.ItemID)
	if err != nil {
		return err
	}

	sourceProjectID := data.SourceProjectID
	if sourceProjectID == "" && item.ProjectID != nil {
		sourceProjectID = *item.ProjectID
	}

	purchaseID := models.InventoryPurchaseID(data.TargetProjectID)
	if err := m.upsertCanonical(ctx, op, purchaseID, data.TargetProjectID, "purchase", data.Amount, data.Notes); err != nil {
		return err
	}
	if sourceProjectID != "" && data.Amount != nil {
		saleID := models.InventorySaleID(sourceProjectID)
		if err := m.upsertCanonical(ctx, op, saleID, sourceProjectID, "sale", data.Amount, data.Notes); err != nil {
			return err
		}
	}

	return m.repoint(ctx, op, item, &data.TargetProjectID, &purchaseID, data.Space)
}

// Deallocate returns an item from a project to business inventory. With an
// amount the movement is a sale out of the project (INV_SALE_<source> is
// created or topped up); without one the original allocation is reverted by
// subtracting the item's purchase price from INV_PURCHASE_<source>.
func (m *Mover) Deallocate(ctx context.Context, op *models.Operation, data *models.DeallocateItemData) error {
	item, err := m.loadItem(ctx, data.ItemID)
	if err != nil {
		return err
	}

	if data.Amount != nil {
		saleID := models.InventorySaleID(data.SourceProjectID)
		if err := m.upsertCanonical(ctx, op, saleID, data.SourceProjectID, "sale", data.Amount, data.Notes); err != nil {
			return err
		}
	} else if item.PurchasePrice != nil {
		revert := -*item.PurchasePrice
		purchaseID := models.InventoryPurchaseID(data.SourceProjectID)
		if err := m.upsertCanonical(ctx, op, purchaseID, data.SourceProjectID, "purchase", &revert, data.Notes); err != nil {
			return err
		}
	}

	return m.repoint(ctx, op, item, nil, nil, "")
}

// loadItem reads the item's local snapshot, resurrecting it from the
// remote row when the cache was evicted. A missing-row classified error is
// returned when the item exists nowhere.
func (m *Mover) loadItem(ctx context.Context, id string) (*models.Item, error) {
	item, err := m.snapshots.GetItemByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load item snapshot: %w", err)
	}
	if item != nil {
		return item, nil
	}

	item, err = m.remote.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, &remote.Error{
			Code:    remote.CodeRowNotFound,
			Message: fmt.Sprintf("item %s exists neither locally nor remotely", id),
		}
	}
	if saveErr := m.snapshots.SaveItems(ctx, []models.Item{*item}); saveErr != nil {
		return nil, fmt.Errorf("restore item snapshot: %w", saveErr)
	}
	return item, nil
}

// upsertCanonical creates or tops up one of the deterministic-id inventory
// transactions. The id doubles as the idempotency key: a replayed insert
// merges into the existing row instead of duplicating it.
func (m *Mover) upsertCanonical(ctx context.Context, op *models.Operation, txnID, projectID, txnType string, amount *float64, notes string) error {
	existing, err := m.remote.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}

	var txn *models.Transaction
	if existing == nil {
		now := time.Now().UTC()
		txn = &models.Transaction{
			ID:              txnID,
			AccountID:       op.AccountID,
			ProjectID:       &projectID,
			TransactionType: txnType,
			Notes:           notes,
			Version:         1,
			UpdatedBy:       op.UpdatedBy,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if amount != nil {
			txn.Amount = *amount
		}
		txn, err = m.remote.InsertTransaction(ctx, txn)
	} else {
		txn = existing
		if amount != nil {
			txn.Amount += *amount
		}
		txn.UpdatedBy = op.UpdatedBy
		txn.Version++
		txn.UpdatedAt = time.Now().UTC()
		txn, err = m.remote.UpdateTransaction(ctx, txn)
	}
	if err != nil {
		return err
	}
	if txn == nil {
		return fmt.Errorf("remote store returned no row for transaction %s", txnID)
	}

	now := time.Now().UTC()
	txn.LastSyncedAt = &now
	if err := m.snapshots.SaveTransactions(ctx, []models.Transaction{*txn}); err != nil {
		return fmt.Errorf("persist canonical transaction snapshot: %w", err)
	}
	return nil
}

// repoint rewrites the item's project and ownership pointers remotely and
// mirrors the result locally, recording the movement edge.
func (m *Mover) repoint(ctx context.Context, op *models.Operation, item *models.Item, projectID, transactionID *string, space string) error {
	fromTxn := ""
	if item.TransactionID != nil {
		fromTxn = *item.TransactionID
	}

	item.ProjectID = projectID
	item.TransactionID = transactionID
	if space != "" {
		item.Space = space
	}
	item.UpdatedBy = op.UpdatedBy
	item.Version++
	item.UpdatedAt = time.Now().UTC()

	server, err := m.remote.UpdateItem(ctx, item)
	if err != nil {
		return err
	}
	if server != nil {
		item = server
	}

	now := time.Now().UTC()
	item.LastSyncedAt = &now
	if err := m.snapshots.SaveItems(ctx, []models.Item{*item}); err != nil {
		return fmt.Errorf("persist moved item snapshot: %w", err)
	}

	m.recordEdge(ctx, op, item, fromTxn)
	return nil
}

func (m *Mover) recordEdge(ctx context.Context, op *models.Operation, item *models.Item, fromTxn string) {
	if m.lineage == nil {
		return
	}
	toTxn := ""
	if item.TransactionID != nil {
		toTxn = *item.TransactionID
	}
	edge := lineage.Edge{
		AccountID:         op.AccountID,
		ItemID:            item.ID,
		FromTransactionID: fromTxn,
		ToTransactionID:   toTxn,
	}
	if err := m.lineage.AppendEdge(ctx, edge); err != nil {
		logging.Warn().Err(err).Str("item_id", item.ID).Msg("failed to record movement edge")
	}
}
