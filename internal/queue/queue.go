// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package queue implements the offline operation queue and its executor:
// a durable, ordered, per-account write log that lets a client mutate local
// state while disconnected and later replay those mutations against the
// remote store.
//
// One Queue instance holds the operations of exactly one account and is
// drained by a single logical worker. The persisted per-account operation
// list (opstore) is the source of truth across restarts; the in-memory
// list is a cache of it and is fully replaced on every persist.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quartermaster-app/quartermaster/internal/config"
	"github.com/quartermaster-app/quartermaster/internal/conflict"
	"github.com/quartermaster-app/quartermaster/internal/connectivity"
	"github.com/quartermaster-app/quartermaster/internal/events"
	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/metrics"
	"github.com/quartermaster-app/quartermaster/internal/models"
	"github.com/quartermaster-app/quartermaster/internal/opstore"
	"github.com/quartermaster-app/quartermaster/internal/session"
	"github.com/quartermaster-app/quartermaster/internal/snapshot"
)

// Deps bundles the collaborators a Queue needs. All fields are required
// except Bus, which may be nil to disable notifications.
type Deps struct {
	Config    config.QueueConfig
	Store     *opstore.Store
	Snapshots *snapshot.Store
	Session   *session.Manager
	Oracle    connectivity.Oracle
	Detector  conflict.Detector
	Executor  *Executor
	Bus       *events.Bus
}

// Queue is the per-account operation queue.
type Queue struct {
	cfg       config.QueueConfig
	store     *opstore.Store
	snapshots *snapshot.Store
	session   *session.Manager
	oracle    connectivity.Oracle
	detector  conflict.Detector
	executor  *Executor
	bus       *events.Bus

	mu         sync.Mutex
	accountID  string
	ops        []models.Operation
	loaded     bool
	draining   bool
	closed     bool
	lastError  string
	retrying   bool
	retryTimer *time.Timer
}

// New creates a queue for accountID. Pass "" to bind the account lazily on
// the first enqueue.
func New(deps Deps, accountID string) *Queue {
	return &Queue{
		cfg:       deps.Config,
		store:     deps.Store,
		snapshots: deps.Snapshots,
		session:   deps.Session,
		oracle:    deps.Oracle,
		detector:  deps.Detector,
		executor:  deps.Executor,
		bus:       deps.Bus,
		accountID: accountID,
	}
}

// Metadata carries optional overrides for Enqueue.
type Metadata struct {
	AccountID string
	UpdatedBy string
	Version   int64
	Timestamp time.Time
}

// Input is an operation without its assigned fields.
type Input struct {
	Type models.OperationType
	Data models.Payload
	Meta *Metadata
}

// Enqueue validates, attributes, persists, and (when online) asynchronously
// starts draining a new operation. It returns the new operation id.
//
// Account resolution order: explicit override, then the target entity's
// local snapshot, then the current session. Identity resolution order:
// cached session identity, last-known identity, then a live fetch when
// online. Either resolution failing, or a cross-account mix, fails with
// *OfflineContextError before anything is persisted.
func (q *Queue) Enqueue(ctx context.Context, input Input) (string, error) {
	id, err := q.enqueue(ctx, input)
	if err != nil {
		q.mu.Lock()
		q.lastError = err.Error()
		q.mu.Unlock()
		logging.Error().Err(err).Str("type", string(input.Type)).Msg("enqueue failed")
		return "", err
	}
	return id, nil
}

func (q *Queue) enqueue(ctx context.Context, input Input) (string, error) {
	if !input.Type.Valid() {
		return "", fmt.Errorf("unknown operation type %q", input.Type)
	}
	if input.Data == nil {
		return "", fmt.Errorf("operation %s has no payload", input.Type)
	}
	if input.Data.EntityID() == "" {
		return "", fmt.Errorf("operation %s payload has no entity id", input.Type)
	}

	meta := input.Meta
	if meta == nil {
		meta = &Metadata{}
	}

	accountID := meta.AccountID
	if accountID == "" {
		accountID = q.inferAccountID(ctx, input.Data)
	}
	if accountID == "" {
		accountID = q.session.CurrentAccountID()
	}
	if accountID == "" {
		return "", NewOfflineContextError("cannot resolve account for %s", input.Type)
	}

	updatedBy := meta.UpdatedBy
	if updatedBy == "" {
		updatedBy = q.session.ResolveIdentity(ctx, q.oracle.IsOnline())
	}
	if updatedBy == "" {
		// Unauthenticated offline writes must never be queued: on replay
		// there would be no one to attribute them to.
		return "", NewOfflineContextError("no authenticated identity to attribute %s", input.Type)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	if q.accountID == "" {
		q.accountID = accountID
	}
	if accountID != q.accountID {
		return "", NewOfflineContextError(
			"queue holds operations for account %s, refusing %s", q.accountID, accountID)
	}
	if err := q.ensureLoadedLocked(ctx); err != nil {
		return "", err
	}

	version := meta.Version
	if version == 0 {
		version = q.entityVersion(ctx, input.Data)
	}
	timestamp := meta.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	op := models.Operation{
		ID:         uuid.New().String(),
		Type:       input.Type,
		Data:       input.Data,
		AccountID:  accountID,
		UpdatedBy:  updatedBy,
		Version:    version,
		Timestamp:  timestamp,
		RetryCount: 0,
		SyncStatus: models.StatusPending,
	}

	q.ops = append(q.ops, op)
	if err := q.persistLocked(ctx); err != nil {
		// Roll the in-memory append back; the durable list is authoritative.
		q.ops = q.ops[:len(q.ops)-1]
		return "", fmt.Errorf("persist operation: %w", err)
	}

	metrics.OperationsEnqueued.WithLabelValues(string(op.Type)).Inc()
	logging.Debug().
		Str("operation_id", op.ID).
		Str("type", string(op.Type)).
		Str("account", accountID).
		Msg("operation enqueued")

	if q.oracle.IsOnline() {
		// Fire-and-forget: the caller must not wait for the drain.
		go func() {
			if _, err := q.ProcessQueue(context.Background()); err != nil {
				logging.Warn().Err(err).Msg("post-enqueue drain failed")
			}
		}()
	}

	return op.ID, nil
}

// inferAccountID resolves the account from the target entity's snapshot.
func (q *Queue) inferAccountID(ctx context.Context, data models.Payload) string {
	switch d := data.(type) {
	case *models.CreateItemData, *models.UpdateItemData, *models.DeleteItemData,
		*models.AllocateItemData, *models.SellItemData, *models.DeallocateItemData:
		if item, err := q.snapshots.GetItemByID(ctx, data.EntityID()); err == nil && item != nil {
			return item.AccountID
		}
		_ = d
	case *models.CreateTransactionData, *models.UpdateTransactionData, *models.DeleteTransactionData:
		if txn, err := q.snapshots.GetTransactionByID(ctx, data.EntityID()); err == nil && txn != nil {
			return txn.AccountID
		}
	case *models.CreateProjectData, *models.UpdateProjectData, *models.DeleteProjectData:
		if project, err := q.snapshots.GetProjectByID(ctx, data.EntityID()); err == nil && project != nil {
			return project.AccountID
		}
	}
	return ""
}

// entityVersion reads the target entity's current local version, defaulting
// to 1 for entities not yet cached.
func (q *Queue) entityVersion(ctx context.Context, data models.Payload) int64 {
	switch data.(type) {
	case *models.CreateItemData, *models.UpdateItemData, *models.DeleteItemData,
		*models.AllocateItemData, *models.SellItemData, *models.DeallocateItemData:
		if item, err := q.snapshots.GetItemByID(ctx, data.EntityID()); err == nil && item != nil {
			return item.Version
		}
	case *models.CreateTransactionData, *models.UpdateTransactionData, *models.DeleteTransactionData:
		if txn, err := q.snapshots.GetTransactionByID(ctx, data.EntityID()); err == nil && txn != nil {
			return txn.Version
		}
	case *models.CreateProjectData, *models.UpdateProjectData, *models.DeleteProjectData:
		if project, err := q.snapshots.GetProjectByID(ctx, data.EntityID()); err == nil && project != nil {
			return project.Version
		}
	}
	return 1
}

// Result reports the outcome of one drain invocation.
type Result struct {
	// Processed is the number of operations removed (success or fatal drop).
	Processed int

	// Pending is the number of operations still queued, paused included.
	Pending int

	// Ran is false when the drain was a no-op (already draining, offline,
	// empty queue, or invalid session).
	Ran bool
}

// ProcessQueue drains the queue: one operation at a time, FIFO among
// runnable operations, until the queue empties, an ordinary failure
// schedules a backoff retry, or nothing runnable remains.
//
// Re-entrant calls while a drain is in flight are no-ops.
func (q *Queue) ProcessQueue(ctx context.Context) (Result, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Result{}, ErrQueueClosed
	}
	if q.draining {
		pending := len(q.ops)
		q.mu.Unlock()
		return Result{Pending: pending}, nil
	}
	if err := q.ensureLoadedLocked(ctx); err != nil {
		q.mu.Unlock()
		return Result{}, err
	}
	if len(q.ops) == 0 || !q.oracle.IsOnline() {
		pending := len(q.ops)
		q.mu.Unlock()
		return Result{Pending: pending}, nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	// Refresh the session (and a near-expiry token) before touching any
	// operation. An invalid session aborts the drain without error; no
	// operation is failed for it.
	if err := q.session.Refresh(ctx); err != nil {
		logging.Debug().Err(err).Msg("drain aborted: session not valid")
		q.mu.Lock()
		pending := len(q.ops)
		q.mu.Unlock()
		return Result{Pending: pending}, nil
	}

	start := time.Now()
	defer func() {
		metrics.DrainDuration.Observe(time.Since(start).Seconds())
	}()

	q.publishLifecycle(events.PhaseStarted, "")

	result := Result{Ran: true}
	skipped := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		op, ok := q.nextRunnable(skipped)
		if !ok {
			break
		}

		if !q.identityMatches(&op) {
			// Left queued, retry count untouched: the operation waits for
			// a matching sign-in.
			logging.Debug().
				Str("operation_id", op.ID).
				Str("updated_by", op.UpdatedBy).
				Msg("skipping operation authored by another identity")
			skipped[op.ID] = true
			continue
		}

		if blocked, err := q.conflictBlocked(ctx, &op); err != nil {
			logging.Warn().Err(err).Str("operation_id", op.ID).Msg("conflict detection failed, skipping operation")
			skipped[op.ID] = true
			continue
		} else if blocked {
			logging.Info().
				Str("operation_id", op.ID).
				Str("type", string(op.Type)).
				Msg("operation blocked by unresolved conflict")
			skipped[op.ID] = true
			continue
		}

		execErr := q.executor.Execute(ctx, &op)
		switch outcome := classifyOutcome(execErr); outcome {
		case outcomeSuccess:
			if err := q.removeAndPersist(ctx, op.ID); err != nil {
				return result, err
			}
			result.Processed++
			metrics.OperationOutcomes.WithLabelValues(string(op.Type), "success").Inc()
			q.setLastError("")

			// Yield between head-of-queue dispatches; a short delay, not
			// zero, so other work interleaves.
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(q.cfg.DrainYield):
			}

		case outcomeIntervention:
			var ie *interventionError
			asIntervention(execErr, &ie)
			q.pauseAndPersist(ctx, op.ID, ie)
			metrics.OperationOutcomes.WithLabelValues(string(op.Type), "intervention").Inc()
			logging.Warn().
				Str("operation_id", op.ID).
				Str("reason", ie.reason).
				Msg("operation parked for intervention")
			// Keep the rest of the queue moving.

		case outcomeFatal:
			if err := q.removeAndPersist(ctx, op.ID); err != nil {
				return result, err
			}
			result.Processed++
			metrics.OperationOutcomes.WithLabelValues(string(op.Type), "fatal").Inc()
			q.setLastError(execErr.Error())
			logging.Error().
				Err(execErr).
				Str("operation_id", op.ID).
				Str("type", string(op.Type)).
				Msg("operation dropped: permanent request defect")
			q.publishLifecycle(events.PhaseError, execErr.Error())

		default: // retryable
			retryCount := q.recordFailure(ctx, op.ID, execErr)
			metrics.OperationOutcomes.WithLabelValues(string(op.Type), "retryable").Inc()
			metrics.OperationRetries.Inc()
			delay := retryDelay(q.cfg, retryCount)
			if retryCount >= q.cfg.MaxRetries {
				// Never auto-dropped: the operation stays queued for manual
				// or future-connectivity resolution.
				logging.Error().
					Str("operation_id", op.ID).
					Int("retry_count", retryCount).
					Msg("operation exhausted retry budget, keeping it queued")
			}
			logging.Warn().
				Err(execErr).
				Str("operation_id", op.ID).
				Int("retry_count", retryCount).
				Dur("next_attempt_in", delay).
				Msg("operation failed, scheduling retry")
			q.scheduleRetry(delay)
			q.publishLifecycle(events.PhaseError, execErr.Error())

			q.mu.Lock()
			result.Pending = len(q.ops)
			q.mu.Unlock()
			return result, nil
		}
	}

	q.mu.Lock()
	result.Pending = len(q.ops)
	q.mu.Unlock()

	q.publishLifecycle(events.PhaseSuccess, "")
	return result, nil
}

// nextRunnable returns a copy of the first operation that is neither
// paused nor in the skip set.
func (q *Queue) nextRunnable(skipped map[string]bool) (models.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].Paused() || skipped[q.ops[i].ID] {
			continue
		}
		return q.ops[i], true
	}
	return models.Operation{}, false
}

func (q *Queue) identityMatches(op *models.Operation) bool {
	return op.UpdatedBy == q.session.Identity()
}

// conflictBlocked applies the conflict gating rules: CREATE and UPDATE are
// never blocked (an UPDATE is itself how a conflict gets resolved), DELETE
// and the compound inventory operations are blocked only when their exact
// target entity is in the conflict set.
func (q *Queue) conflictBlocked(ctx context.Context, op *models.Operation) (bool, error) {
	if !op.Type.IsDelete() && !op.Type.IsCompound() {
		return false, nil
	}
	conflicts, err := q.detector.DetectConflicts(ctx, conflict.Scope{
		AccountID: op.AccountID,
		ProjectID: op.Data.ProjectScope(),
	})
	if err != nil {
		return false, err
	}
	target := op.Data.EntityID()
	for i := range conflicts {
		if conflicts[i].ID == target {
			return true, nil
		}
	}
	return false, nil
}

// removeAndPersist deletes an operation from the in-memory list and the
// durable store. A missing id means the operation was canceled while its
// remote call was in flight; the result is simply discarded (idempotent
// remote writes make that safe).
func (q *Queue) removeAndPersist(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(opID)
	if idx < 0 {
		return nil
	}
	q.ops = append(q.ops[:idx], q.ops[idx+1:]...)
	return q.persistLocked(ctx)
}

// pauseAndPersist transitions an operation to requires_intervention.
func (q *Queue) pauseAndPersist(ctx context.Context, opID string, ie *interventionError) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(opID)
	if idx < 0 {
		return
	}
	now := time.Now().UTC()
	op := &q.ops[idx]
	op.SyncStatus = models.StatusRequiresIntervention
	op.InterventionReason = models.InterventionReason(ie.reason)
	op.PausedAt = &now
	op.ErrorCode = ie.code
	op.ErrorDetails = ie.details
	op.LastError = ie.err.Error()
	if err := q.persistLocked(ctx); err != nil {
		logging.Error().Err(err).Str("operation_id", opID).Msg("failed to persist paused operation")
	}
}

// recordFailure increments retry state for an operation and persists.
// Returns the new retry count.
func (q *Queue) recordFailure(ctx context.Context, opID string, execErr error) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(opID)
	if idx < 0 {
		return 0
	}
	op := &q.ops[idx]
	op.RetryCount++
	op.LastError = execErr.Error()
	q.lastError = execErr.Error()
	q.retrying = true
	if err := q.persistLocked(ctx); err != nil {
		logging.Error().Err(err).Str("operation_id", opID).Msg("failed to persist retry state")
	}
	return op.RetryCount
}

func (q *Queue) indexLocked(opID string) int {
	for i := range q.ops {
		if q.ops[i].ID == opID {
			return i
		}
	}
	return -1
}

// retryDelay is the per-operation exponential backoff.
func retryDelay(cfg config.QueueConfig, retryCount int) time.Duration {
	if retryCount > 30 {
		return cfg.RetryMaxDelay
	}
	delay := cfg.RetryBaseDelay << uint(retryCount)
	if delay <= 0 || delay > cfg.RetryMaxDelay {
		return cfg.RetryMaxDelay
	}
	return delay
}

// scheduleRetry arms (or re-arms) the retry timer. The timer is owned by
// the queue so Close can cancel it; a cleared queue never has orphaned
// timers firing into a destroyed instance.
func (q *Queue) scheduleRetry(delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.retryTimer = time.AfterFunc(delay, func() {
		if _, err := q.ProcessQueue(context.Background()); err != nil && err != ErrQueueClosed {
			logging.Warn().Err(err).Msg("scheduled retry drain failed")
		}
	})
}

// CancelOperation removes a specific queued operation. An in-flight remote
// call for it is not aborted; its result is discarded on completion.
func (q *Queue) CancelOperation(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if err := q.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	idx := q.indexLocked(opID)
	if idx < 0 {
		return ErrOperationNotFound
	}
	q.ops = append(q.ops[:idx], q.ops[idx+1:]...)
	return q.persistLocked(ctx)
}

// Clear removes every operation for this queue's account.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.ops = nil
	q.loaded = true
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	if q.accountID == "" {
		return nil
	}
	if err := q.store.ClearOperations(ctx, q.accountID); err != nil {
		return err
	}
	q.notifyChanged()
	return nil
}

// Close stops the queue, canceling any scheduled retry.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
}

// AccountID returns the account this queue is bound to, or "".
func (q *Queue) AccountID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.accountID
}

// ensureLoadedLocked rebuilds the in-memory list from the durable store on
// first use. Callers hold q.mu.
func (q *Queue) ensureLoadedLocked(ctx context.Context) error {
	if q.loaded || q.accountID == "" {
		return nil
	}
	ops, err := q.store.GetOperations(ctx, q.accountID)
	if err != nil {
		return fmt.Errorf("restore queue for account %s: %w", q.accountID, err)
	}
	q.ops = ops
	q.loaded = true
	if len(ops) > 0 {
		logging.Info().
			Str("account", q.accountID).
			Int("operations", len(ops)).
			Msg("queue restored from durable store")
	}
	return nil
}

// persistLocked replaces the durable per-account list with the in-memory
// one. Callers hold q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	if err := q.store.ReplaceOperationsForAccount(ctx, q.accountID, q.ops); err != nil {
		return err
	}
	q.notifyChanged()
	return nil
}

func (q *Queue) notifyChanged() {
	if q.bus == nil {
		return
	}
	pending, paused := 0, 0
	for i := range q.ops {
		if q.ops[i].Paused() {
			paused++
		} else {
			pending++
		}
	}
	q.bus.Publish(events.TopicQueueChanged, events.QueueChanged{
		AccountID: q.accountID,
		Pending:   pending,
		Paused:    paused,
		At:        time.Now().UTC(),
	})
}

func (q *Queue) publishLifecycle(phase events.SyncPhase, errMsg string) {
	if q.bus == nil {
		return
	}
	q.mu.Lock()
	pending := len(q.ops)
	account := q.accountID
	q.mu.Unlock()
	q.bus.Publish(events.TopicSyncLife, events.SyncLifecycle{
		Phase:     phase,
		AccountID: account,
		Pending:   pending,
		Error:     errMsg,
		At:        time.Now().UTC(),
	})
}

func (q *Queue) setLastError(msg string) {
	q.mu.Lock()
	q.lastError = msg
	if msg == "" {
		q.retrying = false
	}
	q.mu.Unlock()
}
