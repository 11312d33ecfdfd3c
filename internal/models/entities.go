// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package models

import "time"

// EntityKind identifies the entity tables the sync engine writes to.
type EntityKind string

const (
	KindItem        EntityKind = "item"
	KindTransaction EntityKind = "transaction"
	KindProject     EntityKind = "project"
)

// Item is the local snapshot of an inventory item. ProjectID nil means the
// item sits in business inventory. TransactionID points at the transaction
// that currently owns the item, which for inventory movements is one of the
// canonical INV_PURCHASE_/INV_SALE_ ids.
type Item struct {
	ID            string  `json:"id"`
	AccountID     string  `json:"accountId"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	SKU           string  `json:"sku,omitempty"`
	Space         string  `json:"space,omitempty"`
	ProjectID     *string `json:"projectId"`
	TransactionID *string `json:"transactionId"`

	PurchasePrice *float64 `json:"purchasePrice,omitempty"`
	AskingPrice   *float64 `json:"askingPrice,omitempty"`

	Version      int64      `json:"version"`
	UpdatedBy    string     `json:"updatedBy,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Transaction is the local snapshot of a ledger transaction.
type Transaction struct {
	ID               string  `json:"id"`
	AccountID        string  `json:"accountId"`
	ProjectID        *string `json:"projectId"`
	Amount           float64 `json:"amount"`
	TransactionType  string  `json:"transactionType,omitempty"`
	Notes            string  `json:"notes,omitempty"`
	BudgetCategoryID *string `json:"budgetCategoryId,omitempty"`

	Version      int64      `json:"version"`
	UpdatedBy    string     `json:"updatedBy,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Project is the local snapshot of a project.
type Project struct {
	ID        string  `json:"id"`
	AccountID string  `json:"accountId"`
	Name      string  `json:"name"`
	Status    string  `json:"status,omitempty"`
	Budget    float64 `json:"budget,omitempty"`

	Version      int64      `json:"version"`
	UpdatedBy    string     `json:"updatedBy,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// ConflictItem is one entity reported in conflict by the conflict detector.
type ConflictItem struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

// Canonical inventory transaction id prefixes. Items moved by the compound
// operations must end up paired with one of these synthetic transactions.
const (
	InventoryPurchasePrefix = "INV_PURCHASE_"
	InventorySalePrefix     = "INV_SALE_"
)

// InventoryPurchaseID returns the canonical transaction id for an item
// allocated or sold into projectID.
func InventoryPurchaseID(projectID string) string {
	return InventoryPurchasePrefix + projectID
}

// InventorySaleID returns the canonical transaction id for an item
// deallocated out of projectID back to business inventory.
func InventorySaleID(projectID string) string {
	return InventorySalePrefix + projectID
}

// Touch bumps the entity's local version and clears last_synced_at. Every
// local mutation must go through this before being queued so the remote
// store can detect stale writes.
func (i *Item) Touch(updatedBy string) {
	i.Version++
	i.UpdatedBy = updatedBy
	i.LastSyncedAt = nil
	i.UpdatedAt = time.Now().UTC()
}

func (t *Transaction) Touch(updatedBy string) {
	t.Version++
	t.UpdatedBy = updatedBy
	t.LastSyncedAt = nil
	t.UpdatedAt = time.Now().UTC()
}

func (p *Project) Touch(updatedBy string) {
	p.Version++
	p.UpdatedBy = updatedBy
	p.LastSyncedAt = nil
	p.UpdatedAt = time.Now().UTC()
}
