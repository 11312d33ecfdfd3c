// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package remote provides the client for the remote table API: row-level
// insert/update/delete per entity table with optimistic-concurrency version
// columns, returning either the canonical row or a structured error.
//
// The queue's executor consumes only the Store interface; the HTTP client
// is one implementation. Inserts are upsert-by-id so a replayed CREATE
// after a false-negative network error never produces a duplicate row.
package remote

import (
	"context"

	"github.com/quartermaster-app/quartermaster/internal/models"
)

// Store is the full remote table surface the executor dispatches against.
type Store interface {
	ItemStore
	TransactionStore
	ProjectStore
}

// ItemStore covers the items table.
type ItemStore interface {
	// InsertItem upserts by id and returns the canonical row.
	InsertItem(ctx context.Context, item *models.Item) (*models.Item, error)

	// UpdateItem overwrites the row with the full field set. Returns a
	// missing-row classified error when the row no longer exists.
	UpdateItem(ctx context.Context, item *models.Item) (*models.Item, error)

	// DeleteItem removes the row. Deleting an absent row is not an error.
	DeleteItem(ctx context.Context, id string) error

	// GetItem reads the canonical row, nil when absent. Used to resurrect
	// evicted local snapshots before an update or delete.
	GetItem(ctx context.Context, id string) (*models.Item, error)
}

// TransactionStore covers the transactions table.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
}

// ProjectStore covers the projects table.
type ProjectStore interface {
	InsertProject(ctx context.Context, project *models.Project) (*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
}
