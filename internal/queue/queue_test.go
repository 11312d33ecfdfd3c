// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package queue

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/config"
	"github.com/quartermaster-app/quartermaster/internal/conflict"
	"github.com/quartermaster-app/quartermaster/internal/inventory"
	"github.com/quartermaster-app/quartermaster/internal/lineage"
	"github.com/quartermaster-app/quartermaster/internal/models"
	"github.com/quartermaster-app/quartermaster/internal/opstore"
	"github.com/quartermaster-app/quartermaster/internal/remote"
	"github.com/quartermaster-app/quartermaster/internal/session"
	"github.com/quartermaster-app/quartermaster/internal/snapshot"
)

const (
	testAccount  = "acct-1"
	testIdentity = "user@example.com"
)

// testQueueConfig uses a base retry delay long enough that an armed retry
// timer never fires while a test is still running.
func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		RetryBaseDelay: time.Minute,
		RetryMaxDelay:  time.Hour,
		MaxRetries:     5,
		DrainYield:     time.Millisecond,
	}
}

// flipOracle is a connectivity oracle tests can toggle mid-test.
type flipOracle struct {
	online atomic.Bool
}

func (o *flipOracle) IsOnline() bool { return o.online.Load() }

// fakeRemote is an in-memory remote store with scriptable per-call
// failures, keyed by "Method/<entity id>".
type fakeRemote struct {
	mu       sync.Mutex
	items    map[string]models.Item
	txns     map[string]models.Transaction
	projects map[string]models.Project
	failures map[string]error
	oneShots map[string]error
	calls    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		items:    make(map[string]models.Item),
		txns:     make(map[string]models.Transaction),
		projects: make(map[string]models.Project),
		failures: make(map[string]error),
		oneShots: make(map[string]error),
	}
}

func (f *fakeRemote) fail(method, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method+"/"+id] = err
}

// failOnce injects a failure consumed by the first matching call.
func (f *fakeRemote) failOnce(method, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oneShots[method+"/"+id] = err
}

func (f *fakeRemote) clearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]error)
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeRemote) putItem(item models.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
}

func (f *fakeRemote) hasItem(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	return ok
}

// enter records the call and returns any scripted failure.
func (f *fakeRemote) enter(method, id string) error {
	key := method + "/" + id
	f.calls = append(f.calls, key)
	if err, ok := f.oneShots[key]; ok {
		delete(f.oneShots, key)
		return err
	}
	return f.failures[key]
}

func missingRowErr(id string) *remote.Error {
	return &remote.Error{Code: remote.CodeRowNotFound, Status: http.StatusNotFound, Message: "row " + id + " not found"}
}

func (f *fakeRemote) InsertItem(ctx context.Context, item *models.Item) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("InsertItem", item.ID); err != nil {
		return nil, err
	}
	f.items[item.ID] = *item
	out := *item
	return &out, nil
}

func (f *fakeRemote) UpdateItem(ctx context.Context, item *models.Item) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem", item.ID); err != nil {
		return nil, err
	}
	if _, ok := f.items[item.ID]; !ok {
		return nil, missingRowErr(item.ID)
	}
	f.items[item.ID] = *item
	out := *item
	return &out, nil
}

func (f *fakeRemote) DeleteItem(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteItem", id); err != nil {
		return err
	}
	delete(f.items, id)
	return nil
}

func (f *fakeRemote) GetItem(ctx context.Context, id string) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem", id); err != nil {
		return nil, err
	}
	item, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	out := item
	return &out, nil
}

func (f *fakeRemote) InsertTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("InsertTransaction", txn.ID); err != nil {
		return nil, err
	}
	f.txns[txn.ID] = *txn
	out := *txn
	return &out, nil
}

func (f *fakeRemote) UpdateTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateTransaction", txn.ID); err != nil {
		return nil, err
	}
	if _, ok := f.txns[txn.ID]; !ok {
		return nil, missingRowErr(txn.ID)
	}
	f.txns[txn.ID] = *txn
	out := *txn
	return &out, nil
}

func (f *fakeRemote) DeleteTransaction(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteTransaction", id); err != nil {
		return err
	}
	delete(f.txns, id)
	return nil
}

func (f *fakeRemote) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetTransaction", id); err != nil {
		return nil, err
	}
	txn, ok := f.txns[id]
	if !ok {
		return nil, nil
	}
	out := txn
	return &out, nil
}

func (f *fakeRemote) InsertProject(ctx context.Context, project *models.Project) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("InsertProject", project.ID); err != nil {
		return nil, err
	}
	f.projects[project.ID] = *project
	out := *project
	return &out, nil
}

func (f *fakeRemote) UpdateProject(ctx context.Context, project *models.Project) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateProject", project.ID); err != nil {
		return nil, err
	}
	if _, ok := f.projects[project.ID]; !ok {
		return nil, missingRowErr(project.ID)
	}
	f.projects[project.ID] = *project
	out := *project
	return &out, nil
}

func (f *fakeRemote) DeleteProject(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteProject", id); err != nil {
		return err
	}
	delete(f.projects, id)
	return nil
}

func (f *fakeRemote) GetProject(ctx context.Context, id string) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetProject", id); err != nil {
		return nil, err
	}
	project, ok := f.projects[id]
	if !ok {
		return nil, nil
	}
	out := project
	return &out, nil
}

// harness wires a queue against real Badger-backed stores and the fake
// remote. The oracle starts offline so enqueues never race an async drain.
type harness struct {
	queue  *Queue
	deps   Deps
	remote *fakeRemote
	oracle *flipOracle
	sess   *session.Manager
	snaps  *snapshot.Store
	ops    *opstore.Store
	lin    *lineage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	ops, err := opstore.Open(opstore.Config{
		Path:             filepath.Join(dir, "operations"),
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 16 * 1024 * 1024,
		NumCompactors:    2,
	})
	if err != nil {
		t.Fatalf("open operation store: %v", err)
	}
	t.Cleanup(func() { ops.Close() })

	snaps, err := snapshot.Open(snapshot.Config{
		Path:             filepath.Join(dir, "snapshots"),
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 16 * 1024 * 1024,
		NumCompactors:    2,
	})
	if err != nil {
		t.Fatalf("open snapshot store: %v", err)
	}
	t.Cleanup(func() { snaps.Close() })

	lin, err := lineage.Open(lineage.Config{Path: filepath.Join(dir, "lineage")})
	if err != nil {
		t.Fatalf("open lineage store: %v", err)
	}
	t.Cleanup(func() { lin.Close() })

	fr := newFakeRemote()
	sess := session.NewManager(nil, nil, 0)
	sess.SignIn(testAccount, testIdentity)
	oracle := &flipOracle{}

	mover := inventory.New(fr, snaps, lin)
	executor := NewExecutor(fr, snaps, mover, NewVerifier(snaps, lin), nil)

	deps := Deps{
		Config:    testQueueConfig(),
		Store:     ops,
		Snapshots: snaps,
		Session:   sess,
		Oracle:    oracle,
		Detector:  conflict.NewStoreDetector(snaps),
		Executor:  executor,
	}
	q := New(deps, testAccount)
	t.Cleanup(q.Close)

	return &harness{
		queue:  q,
		deps:   deps,
		remote: fr,
		oracle: oracle,
		sess:   sess,
		snaps:  snaps,
		ops:    ops,
		lin:    lin,
	}
}

// seedItem places an item in the local snapshot and, when remote is true,
// in the fake remote store as well.
func (h *harness) seedItem(t *testing.T, id string, remote bool) models.Item {
	t.Helper()
	pp := 100.0
	item := models.Item{
		ID:            id,
		AccountID:     testAccount,
		Name:          "Item " + id,
		PurchasePrice: &pp,
		Version:       1,
		UpdatedBy:     testIdentity,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := h.snaps.SaveItems(context.Background(), []models.Item{item}); err != nil {
		t.Fatalf("seed item snapshot: %v", err)
	}
	if remote {
		h.remote.putItem(item)
	}
	return item
}

// enqueueUpdate queues an UPDATE_ITEM while offline.
func (h *harness) enqueueUpdate(t *testing.T, itemID string) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), Input{
		Type: models.OpUpdateItem,
		Data: &models.UpdateItemData{ItemID: itemID},
	})
	if err != nil {
		t.Fatalf("enqueue update for %s: %v", itemID, err)
	}
	return id
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.queue.Enqueue(ctx, Input{Type: "REPAINT_ITEM", Data: &models.UpdateItemData{ItemID: "i1"}}); err == nil {
		t.Error("unknown operation type must be rejected")
	}
	if _, err := h.queue.Enqueue(ctx, Input{Type: models.OpUpdateItem}); err == nil {
		t.Error("nil payload must be rejected")
	}
	if _, err := h.queue.Enqueue(ctx, Input{Type: models.OpUpdateItem, Data: &models.UpdateItemData{}}); err == nil {
		t.Error("payload without an entity id must be rejected")
	}

	st, err := h.queue.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Pending != 0 {
		t.Errorf("rejected enqueues must not persist, got %d pending", st.Pending)
	}
}

func TestEnqueue_UnresolvableContext(t *testing.T) {
	h := newHarness(t)
	h.sess.SignOut()

	// Unbound queue, signed-out session, unknown entity: no account.
	q := New(h.deps, "")
	t.Cleanup(q.Close)
	_, err := q.Enqueue(context.Background(), Input{
		Type: models.OpUpdateItem,
		Data: &models.UpdateItemData{ItemID: "ghost"},
	})
	var oce *OfflineContextError
	if !errors.As(err, &oce) {
		t.Fatalf("want *OfflineContextError, got %v", err)
	}
}

func TestEnqueue_NoIdentity(t *testing.T) {
	h := newHarness(t)
	h.sess.SignOut()

	// Account provided explicitly, but nobody is signed in and the session
	// has never seen an identity to fall back on.
	sess := session.NewManager(nil, nil, 0)
	deps := h.deps
	deps.Session = sess
	q := New(deps, "")
	t.Cleanup(q.Close)

	_, err := q.Enqueue(context.Background(), Input{
		Type: models.OpUpdateItem,
		Data: &models.UpdateItemData{ItemID: "i1"},
		Meta: &Metadata{AccountID: testAccount},
	})
	var oce *OfflineContextError
	if !errors.As(err, &oce) {
		t.Fatalf("want *OfflineContextError, got %v", err)
	}
}

func TestEnqueue_RejectsCrossAccountMix(t *testing.T) {
	h := newHarness(t)

	_, err := h.queue.Enqueue(context.Background(), Input{
		Type: models.OpUpdateItem,
		Data: &models.UpdateItemData{ItemID: "i1"},
		Meta: &Metadata{AccountID: "acct-other"},
	})
	var oce *OfflineContextError
	if !errors.As(err, &oce) {
		t.Fatalf("want *OfflineContextError for cross-account enqueue, got %v", err)
	}
}

func TestEnqueue_PersistsInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := []string{
		h.enqueueUpdate(t, "item-a"),
		h.enqueueUpdate(t, "item-b"),
		h.enqueueUpdate(t, "item-c"),
	}

	stored, err := h.ops.GetOperations(ctx, testAccount)
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("want 3 persisted operations, got %d", len(stored))
	}
	for i, op := range stored {
		if op.ID != ids[i] {
			t.Errorf("position %d: want %s, got %s", i, ids[i], op.ID)
		}
		if op.UpdatedBy != testIdentity {
			t.Errorf("operation %s attributed to %q, want %q", op.ID, op.UpdatedBy, testIdentity)
		}
		if op.AccountID != testAccount {
			t.Errorf("operation %s bound to account %q", op.ID, op.AccountID)
		}
	}

	// A fresh queue over the same store sees the same list.
	q2 := New(h.deps, testAccount)
	t.Cleanup(q2.Close)
	st, err := q2.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Pending != 3 {
		t.Errorf("restored queue: want 3 pending, got %d", st.Pending)
	}
}

func TestProcessQueue_OfflineIsNoop(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", true)
	h.enqueueUpdate(t, "item-a")

	res, err := h.queue.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if res.Ran {
		t.Error("offline drain must not run")
	}
	if res.Pending != 1 {
		t.Errorf("want 1 pending, got %d", res.Pending)
	}
	if calls := h.remote.callLog(); len(calls) != 0 {
		t.Errorf("offline drain must not touch the remote store, got %v", calls)
	}
}

func TestProcessQueue_InvalidSessionAborts(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", true)
	h.enqueueUpdate(t, "item-a")
	h.sess.SignOut()
	h.oracle.online.Store(true)

	res, err := h.queue.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if res.Ran {
		t.Error("drain must abort without a valid session")
	}
	if res.Pending != 1 {
		t.Errorf("want the operation left queued, got %d pending", res.Pending)
	}
}

func TestProcessQueue_DrainsInOrder(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"item-a", "item-b", "item-c"} {
		h.seedItem(t, id, true)
		h.enqueueUpdate(t, id)
	}
	h.oracle.online.Store(true)

	res, err := h.queue.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if !res.Ran || res.Processed != 3 || res.Pending != 0 {
		t.Fatalf("want Ran/3 processed/0 pending, got %+v", res)
	}

	want := []string{"UpdateItem/item-a", "UpdateItem/item-b", "UpdateItem/item-c"}
	got := h.remote.callLog()
	if len(got) != len(want) {
		t.Fatalf("call log %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call log %v, want %v", got, want)
		}
	}

	stored, err := h.ops.GetOperations(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("drained queue must be empty in the durable store, got %d", len(stored))
	}

	// Successful writes stamp last_synced_at on the snapshot.
	item, err := h.snaps.GetItemByID(context.Background(), "item-a")
	if err != nil || item == nil {
		t.Fatalf("GetItemByID() failed: item=%v err=%v", item, err)
	}
	if item.LastSyncedAt == nil {
		t.Error("synced snapshot must carry last_synced_at")
	}
}

func TestProcessQueue_RetryableStopsDrain(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", true)
	h.seedItem(t, "item-b", true)
	opA := h.enqueueUpdate(t, "item-a")
	h.enqueueUpdate(t, "item-b")

	h.remote.fail("UpdateItem", "item-a", &remote.Error{Code: "HTTP_503", Status: 503, Message: "upstream unavailable"})
	h.oracle.online.Store(true)

	res, err := h.queue.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if !res.Ran || res.Processed != 0 || res.Pending != 2 {
		t.Fatalf("retryable failure must stop the drain with everything queued, got %+v", res)
	}

	stored, err := h.ops.GetOperations(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("want both operations still persisted, got %d", len(stored))
	}
	if stored[0].ID != opA || stored[0].RetryCount != 1 {
		t.Errorf("head operation: id=%s retries=%d, want %s/1", stored[0].ID, stored[0].RetryCount, opA)
	}
	if stored[1].RetryCount != 0 {
		t.Errorf("operation behind the failure must be untouched, got %d retries", stored[1].RetryCount)
	}

	// FIFO holds: item-b is never attempted while item-a blocks the head.
	for _, call := range h.remote.callLog() {
		if call == "UpdateItem/item-b" {
			t.Error("operation behind a retryable failure must not run")
		}
	}

	st, err := h.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if !st.Retrying || st.LastError == "" {
		t.Errorf("status must report retry state, got %+v", st)
	}
}

func TestProcessQueue_RecoversAfterRetryable(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", true)
	h.enqueueUpdate(t, "item-a")

	h.remote.fail("UpdateItem", "item-a", &remote.Error{Code: "HTTP_500", Status: 500, Message: "boom"})
	h.oracle.online.Store(true)
	if _, err := h.queue.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}

	h.remote.clearFailures()
	res, err := h.queue.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() retry failed: %v", err)
	}
	if res.Processed != 1 || res.Pending != 0 {
		t.Fatalf("want recovery drain to clear the queue, got %+v", res)
	}

	st, err := h.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Retrying || st.LastError != "" {
		t.Errorf("success must clear retry state, got %+v", st)
	}
}

func TestProcessQueue_FatalDropsAndContinues(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", true)
	h.seedItem(t, "item-b", true)
	h.enqueueUpdate(t, "item-a")
	h.enqueueUpdate(t, "item-b")

	h.remote.fail("UpdateItem", "item-a", &remote.Error{
		Code: remote.CodeCheckViolation, Status: 409, Message: "check constraint violated",
	})
	h.oracle.online.Store(true)

	res, err := h.queue.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	// The defective operation is dropped, the one behind it still runs.
	if res.Processed != 2 || res.Pending != 0 {
		t.Fatalf("want 2 processed (one dropped, one synced), got %+v", res)
	}

	found := false
	for _, call := range h.remote.callLog() {
		if call == "UpdateItem/item-b" {
			found = true
		}
	}
	if !found {
		t.Error("operation behind a fatal failure must still run")
	}
}

func TestProcessQueue_MissingRowParksOperation(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", false) // local snapshot only, no remote row
	opID := h.enqueueUpdate(t, "item-a")
	h.oracle.online.Store(true)

	res, err := h.queue.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("parked operation must not count as processed, got %+v", res)
	}

	st, err := h.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Paused != 1 || st.Pending != 0 {
		t.Fatalf("want 1 paused / 0 pending, got %+v", st)
	}

	paused, err := h.queue.PausedOperations(context.Background())
	if err != nil {
		t.Fatalf("PausedOperations() failed: %v", err)
	}
	if len(paused) != 1 {
		t.Fatalf("want 1 paused operation, got %d", len(paused))
	}
	p := paused[0]
	if p.OperationID != opID {
		t.Errorf("paused operation id %s, want %s", p.OperationID, opID)
	}
	if p.Reason != models.ReasonMissingItemOnServer {
		t.Errorf("reason %q, want %q", p.Reason, models.ReasonMissingItemOnServer)
	}
	if p.ErrorCode != remote.CodeRowNotFound {
		t.Errorf("error code %q, want %q", p.ErrorCode, remote.CodeRowNotFound)
	}
	if p.Label != "Item item-a" {
		t.Errorf("label %q, want the snapshot name", p.Label)
	}

	// The parked state survives a restart.
	stored, err := h.ops.GetOperations(context.Background(), testAccount)
	if err != nil || len(stored) != 1 {
		t.Fatalf("GetOperations() = %d ops, err %v", len(stored), err)
	}
	if stored[0].SyncStatus != models.StatusRequiresIntervention || stored[0].PausedAt == nil {
		t.Errorf("persisted operation not parked: %+v", stored[0])
	}
}

func TestProcessQueue_SkipsForeignIdentity(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", true)

	_, err := h.queue.Enqueue(context.Background(), Input{
		Type: models.OpUpdateItem,
		Data: &models.UpdateItemData{ItemID: "item-a"},
		Meta: &Metadata{UpdatedBy: "someone-else@example.com"},
	})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	h.oracle.online.Store(true)

	res, err := h.queue.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if res.Processed != 0 || res.Pending != 1 {
		t.Fatalf("foreign-identity operation must stay queued, got %+v", res)
	}

	stored, err := h.ops.GetOperations(context.Background(), testAccount)
	if err != nil || len(stored) != 1 {
		t.Fatalf("GetOperations() = %d ops, err %v", len(stored), err)
	}
	if stored[0].RetryCount != 0 {
		t.Errorf("skipping must not burn retries, got %d", stored[0].RetryCount)
	}
	if calls := h.remote.callLog(); len(calls) != 0 {
		t.Errorf("skipped operation must not reach the remote store, got %v", calls)
	}
}

func TestProcessQueue_ConflictBlocksDestructiveOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedItem(t, "item-a", true)
	if err := h.snaps.SaveConflicts(ctx, testAccount, []models.ConflictItem{{ID: "item-a", Kind: models.KindItem}}); err != nil {
		t.Fatalf("SaveConflicts() failed: %v", err)
	}

	if _, err := h.queue.Enqueue(ctx, Input{
		Type: models.OpDeleteItem,
		Data: &models.DeleteItemData{ItemID: "item-a"},
	}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	h.oracle.online.Store(true)

	res, err := h.queue.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if res.Processed != 0 || res.Pending != 1 {
		t.Fatalf("delete of a conflicted entity must stay queued, got %+v", res)
	}
	if h.remote.hasItem("item-a") == false {
		t.Fatal("blocked delete must not reach the remote store")
	}

	// An update of the same conflicted entity runs: writing through is how
	// the conflict gets resolved.
	h.oracle.online.Store(false)
	h.enqueueUpdate(t, "item-a")
	h.oracle.online.Store(true)

	res, err = h.queue.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("update of a conflicted entity must run, got %+v", res)
	}

	// The successful write cleared the conflict, unblocking the delete.
	res, err = h.queue.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if res.Processed != 1 || res.Pending != 0 {
		t.Fatalf("delete must run once the conflict is resolved, got %+v", res)
	}
	if h.remote.hasItem("item-a") {
		t.Error("delete must remove the remote row")
	}
}

func TestProcessQueue_ReentrantIsNoop(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", true)
	h.enqueueUpdate(t, "item-a")

	h.queue.mu.Lock()
	h.queue.draining = true
	h.queue.mu.Unlock()

	res, err := h.queue.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if res.Ran || res.Pending != 1 {
		t.Errorf("re-entrant drain must be a no-op reporting pending count, got %+v", res)
	}
}

func TestCancelOperation(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", true)
	opID := h.enqueueUpdate(t, "item-a")

	if err := h.queue.CancelOperation(context.Background(), "nope"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("unknown id: want ErrOperationNotFound, got %v", err)
	}
	if err := h.queue.CancelOperation(context.Background(), opID); err != nil {
		t.Fatalf("CancelOperation() failed: %v", err)
	}

	stored, err := h.ops.GetOperations(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("canceled operation must be gone from the durable store, got %d", len(stored))
	}
}

func TestClear(t *testing.T) {
	h := newHarness(t)
	h.seedItem(t, "item-a", true)
	h.seedItem(t, "item-b", true)
	h.enqueueUpdate(t, "item-a")
	h.enqueueUpdate(t, "item-b")

	if err := h.queue.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}

	st, err := h.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Pending != 0 || st.Paused != 0 {
		t.Errorf("cleared queue must be empty, got %+v", st)
	}
	stored, err := h.ops.GetOperations(context.Background(), testAccount)
	if err != nil || len(stored) != 0 {
		t.Errorf("durable store must be empty after Clear, got %d ops (err %v)", len(stored), err)
	}
}

func TestQueueClosed(t *testing.T) {
	h := newHarness(t)
	h.queue.Close()

	if _, err := h.queue.Enqueue(context.Background(), Input{
		Type: models.OpUpdateItem,
		Data: &models.UpdateItemData{ItemID: "i1"},
	}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after Close: want ErrQueueClosed, got %v", err)
	}
	if _, err := h.queue.ProcessQueue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("ProcessQueue after Close: want ErrQueueClosed, got %v", err)
	}
	// Idempotent.
	h.queue.Close()
}

func TestRetryDelay(t *testing.T) {
	cfg := config.QueueConfig{RetryBaseDelay: time.Second, RetryMaxDelay: 30 * time.Second}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
		{40, 30 * time.Second}, // shift overflow guard
	}
	for _, tt := range tests {
		if got := retryDelay(cfg, tt.retryCount); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestDiscardItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedItem(t, "item-a", false)
	h.seedItem(t, "item-b", true)
	h.enqueueUpdate(t, "item-a")
	h.enqueueUpdate(t, "item-b")
	if _, err := h.queue.Enqueue(ctx, Input{
		Type: models.OpDeleteItem,
		Data: &models.DeleteItemData{ItemID: "item-a"},
	}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := h.snaps.SaveConflicts(ctx, testAccount, []models.ConflictItem{{ID: "item-a", Kind: models.KindItem}}); err != nil {
		t.Fatalf("SaveConflicts() failed: %v", err)
	}

	if err := h.queue.DiscardItem(ctx, "item-a"); err != nil {
		t.Fatalf("DiscardItem() failed: %v", err)
	}

	stored, err := h.ops.GetOperations(ctx, testAccount)
	if err != nil {
		t.Fatalf("GetOperations() failed: %v", err)
	}
	if len(stored) != 1 || stored[0].Data.EntityID() != "item-b" {
		t.Fatalf("only the unrelated operation must survive, got %d ops", len(stored))
	}

	item, err := h.snaps.GetItemByID(ctx, "item-a")
	if err != nil {
		t.Fatalf("GetItemByID() failed: %v", err)
	}
	if item != nil {
		t.Error("discarded item snapshot must be dropped")
	}
	conflicts, err := h.snaps.ConflictsForAccount(ctx, testAccount)
	if err != nil {
		t.Fatalf("ConflictsForAccount() failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("discard must clear the conflict marker, got %v", conflicts)
	}
}

func TestRecreateItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedItem(t, "item-a", false) // remote row deleted out from under the edit
	opID := h.enqueueUpdate(t, "item-a")
	secondID := h.enqueueUpdate(t, "item-a")
	h.oracle.online.Store(true)

	// First drain parks the update (and the one behind it) on the missing row.
	if _, err := h.queue.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if _, err := h.queue.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	st, err := h.queue.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Paused != 2 {
		t.Fatalf("want both updates parked, got %+v", st)
	}

	if err := h.queue.RecreateItem(ctx, "nope"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("unknown id: want ErrOperationNotFound, got %v", err)
	}
	h.oracle.online.Store(false) // keep the post-recreate drain out of the way
	if err := h.queue.RecreateItem(ctx, opID); err != nil {
		t.Fatalf("RecreateItem() failed: %v", err)
	}

	stored, err := h.ops.GetOperations(ctx, testAccount)
	if err != nil || len(stored) != 2 {
		t.Fatalf("GetOperations() = %d ops, err %v", len(stored), err)
	}
	if stored[0].ID != opID || stored[0].Type != models.OpCreateItem {
		t.Errorf("recreated operation: %s/%s, want %s as CREATE_ITEM", stored[0].ID, stored[0].Type, opID)
	}
	if stored[0].SyncStatus != models.StatusPending || stored[0].RetryCount != 0 {
		t.Errorf("recreated operation must be reset to pending: %+v", stored[0])
	}
	if stored[1].ID != secondID || stored[1].SyncStatus != models.StatusPending {
		t.Errorf("sibling parked on the same missing row must be unpaused: %+v", stored[1])
	}

	// The recreate restores the remote row, then the queued update lands.
	h.oracle.online.Store(true)
	res, err := h.queue.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if res.Processed != 2 || res.Pending != 0 {
		t.Fatalf("want both operations synced after recreate, got %+v", res)
	}
	if !h.remote.hasItem("item-a") {
		t.Error("recreate must restore the remote row")
	}
}

func TestRecreateItem_RequiresPausedUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedItem(t, "item-a", true)
	opID := h.enqueueUpdate(t, "item-a")

	if err := h.queue.RecreateItem(ctx, opID); !errors.Is(err, ErrNotPaused) {
		t.Errorf("pending operation: want ErrNotPaused, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedItem(t, "item-a", true)
	h.enqueueUpdate(t, "item-a")

	reg := NewRegistry(h.deps)
	t.Cleanup(reg.Close)

	if err := reg.Restore(ctx); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	q, err := reg.ForAccount(testAccount)
	if err != nil {
		t.Fatalf("ForAccount() failed: %v", err)
	}
	st, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Pending != 1 {
		t.Errorf("restored queue must see the persisted operation, got %+v", st)
	}

	// Same account resolves to the same instance.
	again, err := reg.ForAccount(testAccount)
	if err != nil {
		t.Fatalf("ForAccount() failed: %v", err)
	}
	if again != q {
		t.Error("ForAccount must return one instance per account")
	}

	if cur := reg.Current(); cur != q {
		t.Error("Current() must resolve the signed-in account's queue")
	}
	h.sess.SignOut()
	if cur := reg.Current(); cur != nil {
		t.Error("Current() must be nil when signed out")
	}
	h.sess.SignIn(testAccount, testIdentity)

	h.oracle.online.Store(true)
	res, err := reg.DrainAll(ctx)
	if err != nil {
		t.Fatalf("DrainAll() failed: %v", err)
	}
	if res.Processed != 1 || res.Pending != 0 {
		t.Errorf("DrainAll must drain the restored queue, got %+v", res)
	}

	reg.Close()
	if _, err := reg.ForAccount(testAccount); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("closed registry: want ErrQueueClosed, got %v", err)
	}
}
