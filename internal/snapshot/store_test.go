// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:             filepath.Join(t.TempDir(), "snapshots"),
		SyncWrites:       false,
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 16 * 1024 * 1024,
		NumCompactors:    2,
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	return store
}

func strptr(s string) *string { return &s }

func TestItems_SaveGetDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	item := models.Item{
		ID:        "item-1",
		AccountID: "acct-1",
		Name:      "Walnut slab",
		ProjectID: strptr("proj-1"),
		Version:   3,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveItems(ctx, []models.Item{item}); err != nil {
		t.Fatalf("SaveItems() failed: %v", err)
	}

	got, err := store.GetItemByID(ctx, "item-1")
	if err != nil {
		t.Fatalf("GetItemByID() failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected item, got nil")
	}
	if got.Name != "Walnut slab" || got.Version != 3 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.ProjectID == nil || *got.ProjectID != "proj-1" {
		t.Errorf("expected project pointer proj-1, got %v", got.ProjectID)
	}

	if err := store.DeleteItem(ctx, "item-1"); err != nil {
		t.Fatalf("DeleteItem() failed: %v", err)
	}
	got, err = store.GetItemByID(ctx, "item-1")
	if err != nil {
		t.Fatalf("GetItemByID() after delete failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestGetItemByID_MissingReturnsNil(t *testing.T) {
	store := setupStore(t)

	got, err := store.GetItemByID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetItemByID() failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown item, got %+v", got)
	}
}

func TestTransactions_SaveGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	txn := models.Transaction{
		ID:              models.InventoryPurchaseID("proj-1"),
		AccountID:       "acct-1",
		ProjectID:       strptr("proj-1"),
		Amount:          125.50,
		TransactionType: "purchase",
		Version:         1,
	}
	if err := store.SaveTransactions(ctx, []models.Transaction{txn}); err != nil {
		t.Fatalf("SaveTransactions() failed: %v", err)
	}

	got, err := store.GetTransactionByID(ctx, "INV_PURCHASE_proj-1")
	if err != nil {
		t.Fatalf("GetTransactionByID() failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected transaction, got nil")
	}
	if got.Amount != 125.50 || got.TransactionType != "purchase" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestProjects_SaveGetDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	project := models.Project{ID: "proj-1", AccountID: "acct-1", Name: "Kitchen remodel", Version: 1}
	if err := store.SaveProjects(ctx, []models.Project{project}); err != nil {
		t.Fatalf("SaveProjects() failed: %v", err)
	}

	got, err := store.GetProjectByID(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetProjectByID() failed: %v", err)
	}
	if got == nil || got.Name != "Kitchen remodel" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := store.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("DeleteProject() failed: %v", err)
	}
	got, err = store.GetProjectByID(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetProjectByID() after delete failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestConflicts_SaveListDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	conflicts := []models.ConflictItem{
		{ID: "item-1", Kind: models.KindItem},
		{ID: "item-2", Kind: models.KindItem},
	}
	if err := store.SaveConflicts(ctx, "acct-1", conflicts); err != nil {
		t.Fatalf("SaveConflicts() failed: %v", err)
	}

	got, err := store.ConflictsForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ConflictsForAccount() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 conflicts, got %d", len(got))
	}

	// Conflicts are scoped per account
	other, err := store.ConflictsForAccount(ctx, "acct-2")
	if err != nil {
		t.Fatalf("ConflictsForAccount() failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no conflicts for acct-2, got %d", len(other))
	}

	if err := store.DeleteConflicts(ctx, "acct-1", []string{"item-1"}); err != nil {
		t.Fatalf("DeleteConflicts() failed: %v", err)
	}
	got, err = store.ConflictsForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ConflictsForAccount() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "item-2" {
		t.Errorf("expected only item-2 to remain, got %+v", got)
	}
}

func TestSaveItems_OverwritesExisting(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	item := models.Item{ID: "item-1", AccountID: "acct-1", Name: "Before", Version: 1}
	if err := store.SaveItems(ctx, []models.Item{item}); err != nil {
		t.Fatalf("SaveItems() failed: %v", err)
	}
	item.Name = "After"
	item.Version = 2
	if err := store.SaveItems(ctx, []models.Item{item}); err != nil {
		t.Fatalf("SaveItems() overwrite failed: %v", err)
	}

	got, err := store.GetItemByID(ctx, "item-1")
	if err != nil {
		t.Fatalf("GetItemByID() failed: %v", err)
	}
	if got.Name != "After" || got.Version != 2 {
		t.Errorf("expected overwrite to win, got %+v", got)
	}
}
