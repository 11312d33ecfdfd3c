// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package queue

import (
	"context"
	"time"

	"github.com/quartermaster-app/quartermaster/internal/models"
)

// Status is a point-in-time view of the queue for status surfaces.
type Status struct {
	AccountID string `json:"accountId"`
	Pending   int    `json:"pending"`
	Paused    int    `json:"paused"`
	Draining  bool   `json:"draining"`
	Retrying  bool   `json:"retrying"`
	LastError string `json:"lastError,omitempty"`
}

// Status reports current queue counts and failure state.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Status{}, ErrQueueClosed
	}
	if err := q.ensureLoadedLocked(ctx); err != nil {
		return Status{}, err
	}
	st := Status{
		AccountID: q.accountID,
		Draining:  q.draining,
		Retrying:  q.retrying,
		LastError: q.lastError,
	}
	for i := range q.ops {
		if q.ops[i].Paused() {
			st.Paused++
		} else {
			st.Pending++
		}
	}
	return st, nil
}

// PausedOperation describes one parked operation for resolution surfaces.
type PausedOperation struct {
	OperationID string                    `json:"operationId"`
	Type        models.OperationType      `json:"type"`
	EntityID    string                    `json:"entityId"`
	Label       string                    `json:"label,omitempty"`
	Reason      models.InterventionReason `json:"reason"`
	ErrorCode   string                    `json:"errorCode,omitempty"`
	LastError   string                    `json:"lastError,omitempty"`
	PausedAt    *time.Time                `json:"pausedAt,omitempty"`
}

// PausedOperations lists every parked operation, oldest first, with a
// human-readable entity label resolved from the local snapshot when one
// still exists.
func (q *Queue) PausedOperations(ctx context.Context) ([]PausedOperation, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if err := q.ensureLoadedLocked(ctx); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	var paused []models.Operation
	for i := range q.ops {
		if q.ops[i].Paused() {
			paused = append(paused, q.ops[i])
		}
	}
	q.mu.Unlock()

	out := make([]PausedOperation, 0, len(paused))
	for i := range paused {
		op := &paused[i]
		entityID := ""
		if op.Data != nil {
			entityID = op.Data.EntityID()
		}
		out = append(out, PausedOperation{
			OperationID: op.ID,
			Type:        op.Type,
			EntityID:    entityID,
			Label:       q.entityLabel(ctx, entityID),
			Reason:      op.InterventionReason,
			ErrorCode:   op.ErrorCode,
			LastError:   op.LastError,
			PausedAt:    op.PausedAt,
		})
	}
	return out, nil
}

// entityLabel resolves a display name for an entity, best effort.
func (q *Queue) entityLabel(ctx context.Context, entityID string) string {
	if entityID == "" {
		return ""
	}
	if item, err := q.snapshots.GetItemByID(ctx, entityID); err == nil && item != nil {
		return item.Name
	}
	if project, err := q.snapshots.GetProjectByID(ctx, entityID); err == nil && project != nil {
		return project.Name
	}
	if txn, err := q.snapshots.GetTransactionByID(ctx, entityID); err == nil && txn != nil {
		return txn.Notes
	}
	return ""
}
