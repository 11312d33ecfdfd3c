// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/models"
	"github.com/quartermaster-app/quartermaster/internal/remote"
)

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want outcome
	}{
		{"nil is success", nil, outcomeSuccess},
		{"plain error is retryable", fmt.Errorf("socket closed"), outcomeRetryable},
		{"fatal wrapper", Fatal(fmt.Errorf("bad row")), outcomeFatal},
		{"wrapped fatal", fmt.Errorf("execute: %w", Fatal(fmt.Errorf("bad row"))), outcomeFatal},
		{"intervention", &interventionError{reason: "missing_item_on_server", err: fmt.Errorf("gone")}, outcomeIntervention},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyOutcome(tt.err); got != tt.want {
				t.Errorf("classifyOutcome() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFatal_NilPassthrough(t *testing.T) {
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) must stay nil")
	}
}

func TestWrapRemote(t *testing.T) {
	if wrapRemote(nil) != nil {
		t.Error("wrapRemote(nil) must stay nil")
	}

	fatal := wrapRemote(&remote.Error{Code: remote.CodeUniqueViolation, Status: 409})
	var fe *fatalError
	if !errors.As(fatal, &fe) {
		t.Errorf("constraint violation must wrap as fatal, got %T", fatal)
	}

	transient := &remote.Error{Code: "HTTP_503", Status: 503}
	if got := wrapRemote(transient); got != error(transient) {
		t.Errorf("retryable error must pass through unchanged, got %v", got)
	}
}

func TestInterventionFromRemote_CarriesCode(t *testing.T) {
	src := &remote.Error{Code: remote.CodeRowNotFound, Status: 404, Message: "gone", Details: "row id=x"}
	err := interventionFromRemote(models.ReasonMissingItemOnServer, src)

	var ie *interventionError
	if !errors.As(err, &ie) {
		t.Fatalf("want *interventionError, got %T", err)
	}
	if ie.reason != string(models.ReasonMissingItemOnServer) {
		t.Errorf("reason %q", ie.reason)
	}
	if ie.code != remote.CodeRowNotFound || ie.details != "row id=x" {
		t.Errorf("structured fields not carried: code=%q details=%q", ie.code, ie.details)
	}
}

func TestMergeItem(t *testing.T) {
	project := "proj-1"
	price := 50.0
	local := &models.Item{
		ID:            "item-1",
		AccountID:     "acct-1",
		Name:          "Lamp",
		Description:   "brass",
		ProjectID:     &project,
		PurchasePrice: &price,
		Version:       5,
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	t.Run("nil server keeps local", func(t *testing.T) {
		got := mergeItem(local, nil)
		if got == local {
			t.Fatal("merge must return a copy")
		}
		if got.Name != "Lamp" || got.Version != 5 {
			t.Errorf("local snapshot not preserved: %+v", got)
		}
	})

	t.Run("server omissions fall back to local", func(t *testing.T) {
		server := &models.Item{ID: "item-1", Version: 6}
		got := mergeItem(local, server)
		if got.Name != "Lamp" || got.Description != "brass" || got.AccountID != "acct-1" {
			t.Errorf("omitted columns must keep local values: %+v", got)
		}
		if got.ProjectID == nil || *got.ProjectID != project {
			t.Error("nil server project pointer must keep local value")
		}
		if got.PurchasePrice == nil || *got.PurchasePrice != price {
			t.Error("nil server price must keep local value")
		}
		if got.Version != 6 {
			t.Errorf("server version wins when higher, got %d", got.Version)
		}
		if got.CreatedAt != local.CreatedAt {
			t.Error("zero server timestamp must keep local value")
		}
	})

	t.Run("stale server echo never rolls version back", func(t *testing.T) {
		server := &models.Item{ID: "item-1", Name: "Lamp", Version: 3}
		if got := mergeItem(local, server); got.Version != 5 {
			t.Errorf("version rolled back to %d", got.Version)
		}
	})
}

func TestMergeTransaction(t *testing.T) {
	category := "cat-1"
	local := &models.Transaction{
		ID:               "txn-1",
		AccountID:        "acct-1",
		TransactionType:  "purchase",
		Notes:            "initial",
		BudgetCategoryID: &category,
		Version:          2,
	}
	server := &models.Transaction{ID: "txn-1", Amount: 42, Version: 3}

	got := mergeTransaction(local, server)
	if got.Amount != 42 {
		t.Errorf("server amount must win, got %v", got.Amount)
	}
	if got.TransactionType != "purchase" || got.Notes != "initial" {
		t.Errorf("omitted columns must keep local values: %+v", got)
	}
	if got.BudgetCategoryID == nil || *got.BudgetCategoryID != category {
		t.Error("nil server category must keep local value")
	}
	if got.Version != 3 {
		t.Errorf("version %d, want 3", got.Version)
	}
}

func TestMergeProject(t *testing.T) {
	local := &models.Project{ID: "proj-1", AccountID: "acct-1", Name: "Kitchen", Status: "active", Version: 4}
	server := &models.Project{ID: "proj-1", Version: 2}

	got := mergeProject(local, server)
	if got.Name != "Kitchen" || got.Status != "active" {
		t.Errorf("omitted columns must keep local values: %+v", got)
	}
	if got.Version != 4 {
		t.Errorf("stale server version must not win, got %d", got.Version)
	}
}

func TestExecute_CreateItemMissingLocallyIsFatal(t *testing.T) {
	h := newHarness(t)
	op := &models.Operation{
		ID:        "op-1",
		Type:      models.OpCreateItem,
		Data:      &models.CreateItemData{ItemID: "ghost"},
		AccountID: testAccount,
	}

	err := h.deps.Executor.Execute(context.Background(), op)
	if classifyOutcome(err) != outcomeFatal {
		t.Errorf("create without a local snapshot must be fatal, got %v", err)
	}
}

func TestExecute_UpdateResurrectsEvictedSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The row exists remotely but the local cache was evicted.
	h.remote.putItem(models.Item{ID: "item-r", AccountID: testAccount, Name: "Remote only", Version: 3})

	op := &models.Operation{
		ID:        "op-1",
		Type:      models.OpUpdateItem,
		Data:      &models.UpdateItemData{ItemID: "item-r"},
		AccountID: testAccount,
	}
	if err := h.deps.Executor.Execute(ctx, op); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	item, err := h.snaps.GetItemByID(ctx, "item-r")
	if err != nil {
		t.Fatalf("GetItemByID() failed: %v", err)
	}
	if item == nil || item.Name != "Remote only" {
		t.Fatalf("snapshot must be restored from the remote row, got %+v", item)
	}
	if item.LastSyncedAt == nil {
		t.Error("committed snapshot must carry last_synced_at")
	}
}

func TestExecute_UpdateMissingEverywhereIsFatal(t *testing.T) {
	h := newHarness(t)
	op := &models.Operation{
		ID:        "op-1",
		Type:      models.OpUpdateItem,
		Data:      &models.UpdateItemData{ItemID: "nowhere"},
		AccountID: testAccount,
	}

	err := h.deps.Executor.Execute(context.Background(), op)
	if classifyOutcome(err) != outcomeFatal {
		t.Errorf("item existing neither locally nor remotely must be fatal, got %v", err)
	}
}

func TestExecute_TransactionCategorySelfRepair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	category := "cat-gone"
	txn := models.Transaction{
		ID:               "txn-1",
		AccountID:        testAccount,
		Amount:           10,
		BudgetCategoryID: &category,
		Version:          1,
	}
	if err := h.snaps.SaveTransactions(ctx, []models.Transaction{txn}); err != nil {
		t.Fatalf("SaveTransactions() failed: %v", err)
	}
	if _, err := h.remote.InsertTransaction(ctx, &txn); err != nil {
		t.Fatalf("seed remote transaction: %v", err)
	}

	// First write bounces on the deleted category; the retry goes out with
	// the category detached.
	h.remote.failOnce("UpdateTransaction", "txn-1", &remote.Error{
		Code: remote.CodeMissingCategory, Status: 409, Message: "category deleted",
	})

	op := &models.Operation{
		ID:        "op-1",
		Type:      models.OpUpdateTransaction,
		Data:      &models.UpdateTransactionData{TransactionID: "txn-1"},
		AccountID: testAccount,
	}
	if err := h.deps.Executor.Execute(ctx, op); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	saved, err := h.snaps.GetTransactionByID(ctx, "txn-1")
	if err != nil || saved == nil {
		t.Fatalf("GetTransactionByID() = %v, err %v", saved, err)
	}
	if saved.BudgetCategoryID != nil {
		t.Error("self-repair must detach the missing budget category")
	}

	calls := 0
	for _, c := range h.remote.callLog() {
		if c == "UpdateTransaction/txn-1" {
			calls++
		}
	}
	if calls != 2 {
		t.Errorf("want exactly one retry after detaching, got %d update calls", calls)
	}
}

func TestExecute_UnknownPayloadIsFatal(t *testing.T) {
	h := newHarness(t)
	op := &models.Operation{ID: "op-1", Type: "BOGUS", AccountID: testAccount}

	err := h.deps.Executor.Execute(context.Background(), op)
	if classifyOutcome(err) != outcomeFatal {
		t.Errorf("unknown payload must be fatal, got %v", err)
	}
}
