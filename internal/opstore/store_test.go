// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package opstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/models"
)

func createTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:             filepath.Join(t.TempDir(), "operations"),
		SyncWrites:       false, // Faster tests without fsync
		MemTableSize:     16 * 1024 * 1024, // 16MB for tests (BadgerDB minimum)
		ValueLogFileSize: 16 * 1024 * 1024,
		NumCompactors:    2, // BadgerDB minimum
	}
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(createTestConfig(t))
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

func createTestOperation(id, accountID string) models.Operation {
	return models.Operation{
		ID:         id,
		Type:       models.OpUpdateItem,
		Data:       &models.UpdateItemData{ItemID: "item-" + id},
		AccountID:  accountID,
		UpdatedBy:  "user@example.com",
		Version:    1,
		Timestamp:  time.Now().UTC(),
		SyncStatus: models.StatusPending,
	}
}

func TestGetOperations_EmptyAccount(t *testing.T) {
	store := setupStore(t)

	ops, err := store.GetOperations(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("expected empty list for unknown account, got %d operations", len(ops))
	}
}

func TestReplaceOperationsForAccount_RoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ops := []models.Operation{
		createTestOperation("op-1", "acct-1"),
		createTestOperation("op-2", "acct-1"),
		createTestOperation("op-3", "acct-1"),
	}
	if err := store.ReplaceOperationsForAccount(ctx, "acct-1", ops); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}

	got, err := store.GetOperations(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(got))
	}
	// FIFO order must survive the round trip
	for i, want := range []string{"op-1", "op-2", "op-3"} {
		if got[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
	if got[0].Type != models.OpUpdateItem {
		t.Errorf("expected type %s, got %s", models.OpUpdateItem, got[0].Type)
	}
	data, ok := got[0].Data.(*models.UpdateItemData)
	if !ok {
		t.Fatalf("expected *models.UpdateItemData payload, got %T", got[0].Data)
	}
	if data.ItemID != "item-op-1" {
		t.Errorf("expected payload item-op-1, got %s", data.ItemID)
	}
}

func TestReplaceOperationsForAccount_EmptyListClears(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ops := []models.Operation{createTestOperation("op-1", "acct-1")}
	if err := store.ReplaceOperationsForAccount(ctx, "acct-1", ops); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}
	if err := store.ReplaceOperationsForAccount(ctx, "acct-1", nil); err != nil {
		t.Fatalf("ReplaceOperationsForAccount(nil) failed: %v", err)
	}

	got, err := store.GetOperations(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty list after replace with nil, got %d", len(got))
	}

	accounts, err := store.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts() failed: %v", err)
	}
	if len(accounts) != 0 {
		t.Errorf("expected no accounts after clearing, got %v", accounts)
	}
}

func TestAccounts_ListsOnlyAccountsWithOperations(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.ReplaceOperationsForAccount(ctx, "acct-1", []models.Operation{createTestOperation("op-1", "acct-1")}); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}
	if err := store.ReplaceOperationsForAccount(ctx, "acct-2", []models.Operation{createTestOperation("op-2", "acct-2")}); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}

	accounts, err := store.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts() failed: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %v", accounts)
	}
	seen := map[string]bool{}
	for _, a := range accounts {
		seen[a] = true
	}
	if !seen["acct-1"] || !seen["acct-2"] {
		t.Errorf("expected acct-1 and acct-2, got %v", accounts)
	}
}

func TestAccountIsolation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.ReplaceOperationsForAccount(ctx, "acct-1", []models.Operation{createTestOperation("op-1", "acct-1")}); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}
	if err := store.ReplaceOperationsForAccount(ctx, "acct-2", []models.Operation{createTestOperation("op-2", "acct-2")}); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}

	got, err := store.GetOperations(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "op-1" {
		t.Errorf("account acct-1 sees foreign operations: %+v", got)
	}
}

func TestDeleteOperation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ops := []models.Operation{
		createTestOperation("op-1", "acct-1"),
		createTestOperation("op-2", "acct-1"),
	}
	if err := store.ReplaceOperationsForAccount(ctx, "acct-1", ops); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}

	if err := store.DeleteOperation(ctx, "op-1"); err != nil {
		t.Fatalf("DeleteOperation() failed: %v", err)
	}

	got, err := store.GetOperations(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "op-2" {
		t.Errorf("expected only op-2 to remain, got %+v", got)
	}

	if err := store.DeleteOperation(ctx, "op-unknown"); err != ErrOperationNotFound {
		t.Errorf("expected ErrOperationNotFound for unknown id, got %v", err)
	}
}

func TestClearOperations(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ops := []models.Operation{
		createTestOperation("op-1", "acct-1"),
		createTestOperation("op-2", "acct-1"),
	}
	if err := store.ReplaceOperationsForAccount(ctx, "acct-1", ops); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}

	if err := store.ClearOperations(ctx, "acct-1"); err != nil {
		t.Fatalf("ClearOperations() failed: %v", err)
	}
	got, err := store.GetOperations(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty queue after clear, got %d", len(got))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	cfg := createTestConfig(t)
	ctx := context.Background()

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ops := []models.Operation{
		createTestOperation("op-1", "acct-1"),
		createTestOperation("op-2", "acct-1"),
	}
	if err := store.ReplaceOperationsForAccount(ctx, "acct-1", ops); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetOperations(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetOperations() after reopen failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "op-1" || got[1].ID != "op-2" {
		t.Errorf("operations did not survive restart: %+v", got)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	store, err := Open(createTestConfig(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := store.GetOperations(context.Background(), "acct-1"); err != ErrStoreClosed {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.ReplaceOperationsForAccount(context.Background(), "acct-1", nil); err != ErrStoreClosed {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Path: "/tmp/ops", NumCompactors: 2}, false},
		{"missing path", Config{NumCompactors: 2}, true},
		{"too few compactors", Config{Path: "/tmp/ops", NumCompactors: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStats(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.ReplaceOperationsForAccount(ctx, "acct-1", []models.Operation{createTestOperation("op-1", "acct-1")}); err != nil {
		t.Fatalf("ReplaceOperationsForAccount() failed: %v", err)
	}

	stats := store.Stats()
	if stats.TotalReplaces == 0 {
		t.Error("expected TotalReplaces to be counted")
	}
}
