// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/events"
	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/models"
	"github.com/quartermaster-app/quartermaster/internal/remote"
	"github.com/quartermaster-app/quartermaster/internal/snapshot"
)

// InventoryMover executes the compound inventory movements (allocate, sell,
// deallocate) against the remote store, including the canonical
// INV_PURCHASE_/INV_SALE_ transaction writes.
type InventoryMover interface {
	Allocate(ctx context.Context, op *models.Operation, data *models.AllocateItemData) error
	Sell(ctx context.Context, op *models.Operation, data *models.SellItemData) error
	Deallocate(ctx context.Context, op *models.Operation, data *models.DeallocateItemData) error
}

// Executor dispatches a single queued operation against the remote store.
//
// Write payloads are always the FULL current local snapshot of the target
// entity, never the sparse change set recorded at enqueue time. Later local
// edits are therefore folded into earlier queued writes for free, and a
// replayed operation is naturally idempotent.
type Executor struct {
	remote    remote.Store
	snapshots *snapshot.Store
	mover     InventoryMover
	verifier  *Verifier
	bus       *events.Bus
}

// NewExecutor wires an executor. bus may be nil.
func NewExecutor(store remote.Store, snapshots *snapshot.Store, mover InventoryMover, verifier *Verifier, bus *events.Bus) *Executor {
	return &Executor{
		remote:    store,
		snapshots: snapshots,
		mover:     mover,
		verifier:  verifier,
		bus:       bus,
	}
}

// Execute runs one operation to completion. The returned error is nil on
// success, a *fatalError for permanent request defects, a *interventionError
// for conditions needing a human decision, and anything else for retryable
// failures.
func (e *Executor) Execute(ctx context.Context, op *models.Operation) error {
	switch data := op.Data.(type) {
	case *models.CreateItemData:
		return e.createItem(ctx, op, data)
	case *models.UpdateItemData:
		return e.updateItem(ctx, op, data)
	case *models.DeleteItemData:
		return e.deleteItem(ctx, op, data)
	case *models.CreateTransactionData:
		return e.createTransaction(ctx, op, data)
	case *models.UpdateTransactionData:
		return e.updateTransaction(ctx, op, data)
	case *models.DeleteTransactionData:
		return e.deleteTransaction(ctx, op, data)
	case *models.CreateProjectData:
		return e.createProject(ctx, op, data)
	case *models.UpdateProjectData:
		return e.updateProject(ctx, op, data)
	case *models.DeleteProjectData:
		return e.deleteProject(ctx, op, data)
	case *models.AllocateItemData:
		return e.compound(ctx, op, func() error { return e.mover.Allocate(ctx, op, data) })
	case *models.SellItemData:
		return e.compound(ctx, op, func() error { return e.mover.Sell(ctx, op, data) })
	case *models.DeallocateItemData:
		return e.compound(ctx, op, func() error { return e.mover.Deallocate(ctx, op, data) })
	default:
		return Fatal(fmt.Errorf("operation %s carries unexpected payload %T", op.Type, op.Data))
	}
}

// --- items ---

func (e *Executor) createItem(ctx context.Context, op *models.Operation, data *models.CreateItemData) error {
	item, err := e.snapshots.GetItemByID(ctx, data.ItemID)
	if err != nil {
		return fmt.Errorf("load item snapshot: %w", err)
	}
	if item == nil {
		// The locally-created row is gone; there is nothing left to push and
		// nothing a retry could recover.
		return Fatal(fmt.Errorf("item %s no longer exists locally", data.ItemID))
	}

	server, err := e.remote.InsertItem(ctx, item)
	if err != nil {
		return wrapRemote(err)
	}
	return e.commitItem(ctx, op, mergeItem(item, server))
}

func (e *Executor) updateItem(ctx context.Context, op *models.Operation, data *models.UpdateItemData) error {
	item, err := e.snapshots.GetItemByID(ctx, data.ItemID)
	if err != nil {
		return fmt.Errorf("load item snapshot: %w", err)
	}
	if item == nil {
		// The local cache was evicted under the queued edit. Resurrect the
		// snapshot from the canonical remote row before writing.
		item, err = e.resurrectItem(ctx, data.ItemID)
		if err != nil {
			return err
		}
	}

	server, err := e.remote.UpdateItem(ctx, item)
	if err != nil {
		if remote.IsMissingRow(err) {
			// The row was deleted remotely. Retrying cannot fix it and
			// dropping would lose the user's edit, so park the operation.
			return interventionFromRemote(models.ReasonMissingItemOnServer, err)
		}
		return wrapRemote(err)
	}
	return e.commitItem(ctx, op, mergeItem(item, server))
}

func (e *Executor) deleteItem(ctx context.Context, op *models.Operation, data *models.DeleteItemData) error {
	if err := e.remote.DeleteItem(ctx, data.ItemID); err != nil {
		return wrapRemote(err)
	}
	if err := e.snapshots.DeleteItem(ctx, data.ItemID); err != nil {
		logging.Warn().Err(err).Str("item_id", data.ItemID).Msg("failed to drop deleted item snapshot")
	}
	e.clearConflict(ctx, op.AccountID, data.ItemID)
	e.publishRefresh(string(models.KindItem), data.ItemID, data.ProjectID)
	return nil
}

// resurrectItem rebuilds a missing local snapshot from the remote row.
func (e *Executor) resurrectItem(ctx context.Context, id string) (*models.Item, error) {
	item, err := e.remote.GetItem(ctx, id)
	if err != nil {
		return nil, wrapRemote(err)
	}
	if item == nil {
		return nil, Fatal(fmt.Errorf("item %s exists neither locally nor remotely", id))
	}
	if err := e.snapshots.SaveItems(ctx, []models.Item{*item}); err != nil {
		return nil, fmt.Errorf("restore item snapshot: %w", err)
	}
	logging.Info().Str("item_id", id).Msg("item snapshot restored from remote store")
	return item, nil
}

// commitItem persists the post-write canonical row and clears any conflict
// recorded against it: a successful write IS the conflict resolution.
func (e *Executor) commitItem(ctx context.Context, op *models.Operation, item *models.Item) error {
	now := time.Now().UTC()
	item.LastSyncedAt = &now
	if err := e.snapshots.SaveItems(ctx, []models.Item{*item}); err != nil {
		return fmt.Errorf("persist item snapshot: %w", err)
	}
	e.clearConflict(ctx, op.AccountID, item.ID)
	projectID := ""
	if item.ProjectID != nil {
		projectID = *item.ProjectID
	}
	e.publishRefresh(string(models.KindItem), item.ID, projectID)
	return nil
}

// --- transactions ---

func (e *Executor) createTransaction(ctx context.Context, op *models.Operation, data *models.CreateTransactionData) error {
	txn, err := e.snapshots.GetTransactionByID(ctx, data.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction snapshot: %w", err)
	}
	if txn == nil {
		return Fatal(fmt.Errorf("transaction %s no longer exists locally", data.TransactionID))
	}

	server, err := e.remote.InsertTransaction(ctx, txn)
	if err != nil {
		return wrapRemote(err)
	}
	return e.commitTransaction(ctx, op, mergeTransaction(txn, server))
}

func (e *Executor) updateTransaction(ctx context.Context, op *models.Operation, data *models.UpdateTransactionData) error {
	txn, err := e.snapshots.GetTransactionByID(ctx, data.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction snapshot: %w", err)
	}
	if txn == nil {
		txn, err = e.resurrectTransaction(ctx, data.TransactionID)
		if err != nil {
			return err
		}
	}

	server, err := e.remote.UpdateTransaction(ctx, txn)
	if err != nil && remote.IsMissingCategory(err) && txn.BudgetCategoryID != nil {
		// The referenced budget category was deleted out from under the
		// transaction. Self-repair: detach the category and retry once.
		logging.Warn().
			Str("transaction_id", txn.ID).
			Str("budget_category_id", *txn.BudgetCategoryID).
			Msg("budget category missing on server, detaching and retrying")
		txn.BudgetCategoryID = nil
		server, err = e.remote.UpdateTransaction(ctx, txn)
	}
	if err != nil {
		if remote.IsMissingRow(err) {
			// Row deleted remotely while the edit was queued. See the
			// matching branch in updateItem; the same trade-off applies.
			return interventionFromRemote(models.ReasonMissingItemOnServer, err)
		}
		return wrapRemote(err)
	}
	return e.commitTransaction(ctx, op, mergeTransaction(txn, server))
}

func (e *Executor) deleteTransaction(ctx context.Context, op *models.Operation, data *models.DeleteTransactionData) error {
	if err := e.remote.DeleteTransaction(ctx, data.TransactionID); err != nil {
		return wrapRemote(err)
	}
	if err := e.snapshots.DeleteTransaction(ctx, data.TransactionID); err != nil {
		logging.Warn().Err(err).Str("transaction_id", data.TransactionID).Msg("failed to drop deleted transaction snapshot")
	}
	e.clearConflict(ctx, op.AccountID, data.TransactionID)
	e.publishRefresh(string(models.KindTransaction), data.TransactionID, data.ProjectID)
	return nil
}

func (e *Executor) resurrectTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	txn, err := e.remote.GetTransaction(ctx, id)
	if err != nil {
		return nil, wrapRemote(err)
	}
	if txn == nil {
		return nil, Fatal(fmt.Errorf("transaction %s exists neither locally nor remotely", id))
	}
	if err := e.snapshots.SaveTransactions(ctx, []models.Transaction{*txn}); err != nil {
		return nil, fmt.Errorf("restore transaction snapshot: %w", err)
	}
	logging.Info().Str("transaction_id", id).Msg("transaction snapshot restored from remote store")
	return txn, nil
}

func (e *Executor) commitTransaction(ctx context.Context, op *models.Operation, txn *models.Transaction) error {
	now := time.Now().UTC()
	txn.LastSyncedAt = &now
	if err := e.snapshots.SaveTransactions(ctx, []models.Transaction{*txn}); err != nil {
		return fmt.Errorf("persist transaction snapshot: %w", err)
	}
	e.clearConflict(ctx, op.AccountID, txn.ID)
	projectID := ""
	if txn.ProjectID != nil {
		projectID = *txn.ProjectID
	}
	e.publishRefresh(string(models.KindTransaction), txn.ID, projectID)
	return nil
}

// --- projects ---

func (e *Executor) createProject(ctx context.Context, op *models.Operation, data *models.CreateProjectData) error {
	project, err := e.snapshots.GetProjectByID(ctx, data.ProjectID)
	if err != nil {
		return fmt.Errorf("load project snapshot: %w", err)
	}
	if project == nil {
		return Fatal(fmt.Errorf("project %s no longer exists locally", data.ProjectID))
	}

	server, err := e.remote.InsertProject(ctx, project)
	if err != nil {
		return wrapRemote(err)
	}
	return e.commitProject(ctx, op, mergeProject(project, server))
}

func (e *Executor) updateProject(ctx context.Context, op *models.Operation, data *models.UpdateProjectData) error {
	project, err := e.snapshots.GetProjectByID(ctx, data.ProjectID)
	if err != nil {
		return fmt.Errorf("load project snapshot: %w", err)
	}
	if project == nil {
		project, err = e.resurrectProject(ctx, data.ProjectID)
		if err != nil {
			return err
		}
	}

	server, err := e.remote.UpdateProject(ctx, project)
	if err != nil {
		if remote.IsMissingRow(err) {
			return interventionFromRemote(models.ReasonMissingItemOnServer, err)
		}
		return wrapRemote(err)
	}
	return e.commitProject(ctx, op, mergeProject(project, server))
}

func (e *Executor) deleteProject(ctx context.Context, op *models.Operation, data *models.DeleteProjectData) error {
	if err := e.remote.DeleteProject(ctx, data.ProjectID); err != nil {
		return wrapRemote(err)
	}
	if err := e.snapshots.DeleteProject(ctx, data.ProjectID); err != nil {
		logging.Warn().Err(err).Str("project_id", data.ProjectID).Msg("failed to drop deleted project snapshot")
	}
	e.clearConflict(ctx, op.AccountID, data.ProjectID)
	e.publishRefresh(string(models.KindProject), data.ProjectID, data.ProjectID)
	return nil
}

func (e *Executor) resurrectProject(ctx context.Context, id string) (*models.Project, error) {
	project, err := e.remote.GetProject(ctx, id)
	if err != nil {
		return nil, wrapRemote(err)
	}
	if project == nil {
		return nil, Fatal(fmt.Errorf("project %s exists neither locally nor remotely", id))
	}
	if err := e.snapshots.SaveProjects(ctx, []models.Project{*project}); err != nil {
		return nil, fmt.Errorf("restore project snapshot: %w", err)
	}
	logging.Info().Str("project_id", id).Msg("project snapshot restored from remote store")
	return project, nil
}

func (e *Executor) commitProject(ctx context.Context, op *models.Operation, project *models.Project) error {
	now := time.Now().UTC()
	project.LastSyncedAt = &now
	if err := e.snapshots.SaveProjects(ctx, []models.Project{*project}); err != nil {
		return fmt.Errorf("persist project snapshot: %w", err)
	}
	e.clearConflict(ctx, op.AccountID, project.ID)
	e.publishRefresh(string(models.KindProject), project.ID, project.ID)
	return nil
}

// --- compound inventory movements ---

func (e *Executor) compound(ctx context.Context, op *models.Operation, move func() error) error {
	if e.mover == nil {
		return Fatal(fmt.Errorf("no inventory mover configured for %s", op.Type))
	}
	if err := move(); err != nil {
		if remote.IsMissingRow(err) {
			return interventionFromRemote(models.ReasonMissingItemOnServer, err)
		}
		return wrapRemote(err)
	}
	if e.verifier != nil {
		// Warn-only audit; a violation is recorded, never failed on.
		e.verifier.VerifyMovement(ctx, op)
	}
	e.publishRefresh(string(models.KindItem), op.Data.EntityID(), op.Data.ProjectScope())
	return nil
}

// --- shared plumbing ---

// wrapRemote maps the remote error taxonomy onto the drain loop's outcome
// wrappers. Retryable errors pass through unchanged.
func wrapRemote(err error) error {
	if err == nil {
		return nil
	}
	if remote.Classify(err) == remote.ClassFatal {
		return Fatal(err)
	}
	return err
}

func interventionFromRemote(reason models.InterventionReason, err error) error {
	ie := &interventionError{reason: string(reason), err: err}
	var re *remote.Error
	if errors.As(err, &re) {
		ie.code = re.Code
		ie.details = re.Details
	}
	return ie
}

func (e *Executor) clearConflict(ctx context.Context, accountID, entityID string) {
	if err := e.snapshots.DeleteConflicts(ctx, accountID, []string{entityID}); err != nil {
		logging.Warn().Err(err).Str("entity_id", entityID).Msg("failed to clear conflict marker")
	}
}

func (e *Executor) publishRefresh(kind, entityID, projectID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.TopicSnapshot, events.SnapshotRefresh{
		Kind:      kind,
		EntityID:  entityID,
		ProjectID: projectID,
		At:        time.Now().UTC(),
	})
}

// mergeItem folds the server's canonical row over the local snapshot,
// keeping local values wherever the server omitted a column. The merged row
// keeps the higher version so a stale server echo never rolls the local
// counter back.
func mergeItem(local, server *models.Item) *models.Item {
	if server == nil {
		out := *local
		return &out
	}
	out := *server
	if out.ID == "" {
		out.ID = local.ID
	}
	if out.AccountID == "" {
		out.AccountID = local.AccountID
	}
	if out.Name == "" {
		out.Name = local.Name
	}
	if out.Description == "" {
		out.Description = local.Description
	}
	if out.SKU == "" {
		out.SKU = local.SKU
	}
	if out.Space == "" {
		out.Space = local.Space
	}
	if out.ProjectID == nil {
		out.ProjectID = local.ProjectID
	}
	if out.TransactionID == nil {
		out.TransactionID = local.TransactionID
	}
	if out.PurchasePrice == nil {
		out.PurchasePrice = local.PurchasePrice
	}
	if out.AskingPrice == nil {
		out.AskingPrice = local.AskingPrice
	}
	if out.UpdatedBy == "" {
		out.UpdatedBy = local.UpdatedBy
	}
	if out.Version < local.Version {
		out.Version = local.Version
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = local.UpdatedAt
	}
	return &out
}

func mergeTransaction(local, server *models.Transaction) *models.Transaction {
	if server == nil {
		out := *local
		return &out
	}
	out := *server
	if out.ID == "" {
		out.ID = local.ID
	}
	if out.AccountID == "" {
		out.AccountID = local.AccountID
	}
	if out.ProjectID == nil {
		out.ProjectID = local.ProjectID
	}
	if out.TransactionType == "" {
		out.TransactionType = local.TransactionType
	}
	if out.Notes == "" {
		out.Notes = local.Notes
	}
	if out.BudgetCategoryID == nil {
		out.BudgetCategoryID = local.BudgetCategoryID
	}
	if out.UpdatedBy == "" {
		out.UpdatedBy = local.UpdatedBy
	}
	if out.Version < local.Version {
		out.Version = local.Version
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = local.UpdatedAt
	}
	return &out
}

func mergeProject(local, server *models.Project) *models.Project {
	if server == nil {
		out := *local
		return &out
	}
	out := *server
	if out.ID == "" {
		out.ID = local.ID
	}
	if out.AccountID == "" {
		out.AccountID = local.AccountID
	}
	if out.Name == "" {
		out.Name = local.Name
	}
	if out.Status == "" {
		out.Status = local.Status
	}
	if out.UpdatedBy == "" {
		out.UpdatedBy = local.UpdatedBy
	}
	if out.Version < local.Version {
		out.Version = local.Version
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = local.UpdatedAt
	}
	return &out
}
