// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// OperationType is the closed set of queued mutation kinds.
type OperationType string

const (
	OpCreateItem        OperationType = "CREATE_ITEM"
	OpUpdateItem        OperationType = "UPDATE_ITEM"
	OpDeleteItem        OperationType = "DELETE_ITEM"
	OpCreateTransaction OperationType = "CREATE_TRANSACTION"
	OpUpdateTransaction OperationType = "UPDATE_TRANSACTION"
	OpDeleteTransaction OperationType = "DELETE_TRANSACTION"
	OpCreateProject     OperationType = "CREATE_PROJECT"
	OpUpdateProject     OperationType = "UPDATE_PROJECT"
	OpDeleteProject     OperationType = "DELETE_PROJECT"

	// Compound inventory movements. These carry an item plus source/target
	// project scope and are executed by the allocation collaborator rather
	// than a plain row write.
	OpDeallocateItemToBusinessInventory OperationType = "DEALLOCATE_ITEM_TO_BUSINESS_INVENTORY"
	OpAllocateItemToProject             OperationType = "ALLOCATE_ITEM_TO_PROJECT"
	OpSellItemToProject                 OperationType = "SELL_ITEM_TO_PROJECT"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpCreateItem, OpUpdateItem, OpDeleteItem,
		OpCreateTransaction, OpUpdateTransaction, OpDeleteTransaction,
		OpCreateProject, OpUpdateProject, OpDeleteProject,
		OpDeallocateItemToBusinessInventory, OpAllocateItemToProject, OpSellItemToProject:
		return true
	}
	return false
}

// IsCompound reports whether t is one of the inventory-movement operations.
func (t OperationType) IsCompound() bool {
	switch t {
	case OpDeallocateItemToBusinessInventory, OpAllocateItemToProject, OpSellItemToProject:
		return true
	}
	return false
}

// IsDelete reports whether t removes a row remotely.
func (t OperationType) IsDelete() bool {
	switch t {
	case OpDeleteItem, OpDeleteTransaction, OpDeleteProject:
		return true
	}
	return false
}

// SyncStatus describes whether an operation is eligible for automatic
// draining or parked awaiting a human decision.
type SyncStatus string

const (
	StatusPending              SyncStatus = "pending"
	StatusRequiresIntervention SyncStatus = "requires_intervention"
)

// InterventionReason is the closed set of conditions that park an operation.
type InterventionReason string

const (
	// ReasonMissingItemOnServer means a remote update targeted a row that no
	// longer exists. Retrying cannot fix this; dropping would lose the edit.
	ReasonMissingItemOnServer InterventionReason = "missing_item_on_server"
)

// Operation is a single queued mutation intent.
//
// Every operation in a queue instance belongs to exactly one account, and an
// operation may only be executed by the identity that authored it.
type Operation struct {
	ID        string        `json:"id"`
	Type      OperationType `json:"type"`
	Data      Payload       `json:"-"`
	AccountID string        `json:"accountId"`
	UpdatedBy string        `json:"updatedBy"`

	// Version is the optimistic-concurrency counter of the target entity at
	// enqueue time; the remote store uses it to detect stale writes.
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`

	RetryCount int    `json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`

	SyncStatus         SyncStatus         `json:"syncStatus"`
	InterventionReason InterventionReason `json:"interventionReason,omitempty"`
	PausedAt           *time.Time         `json:"pausedAt,omitempty"`
	ErrorCode          string             `json:"errorCode,omitempty"`
	ErrorDetails       string             `json:"errorDetails,omitempty"`
}

// Paused reports whether the operation is parked awaiting intervention.
func (o *Operation) Paused() bool {
	return o.SyncStatus == StatusRequiresIntervention
}

// operationJSON is the wire form of Operation with the payload kept raw so
// it can be decoded into the concrete type selected by Type.
type operationJSON struct {
	ID                 string             `json:"id"`
	Type               OperationType      `json:"type"`
	Data               json.RawMessage    `json:"data,omitempty"`
	AccountID          string             `json:"accountId"`
	UpdatedBy          string             `json:"updatedBy"`
	Version            int64              `json:"version"`
	Timestamp          time.Time          `json:"timestamp"`
	RetryCount         int                `json:"retryCount"`
	LastError          string             `json:"lastError,omitempty"`
	SyncStatus         SyncStatus         `json:"syncStatus"`
	InterventionReason InterventionReason `json:"interventionReason,omitempty"`
	PausedAt           *time.Time         `json:"pausedAt,omitempty"`
	ErrorCode          string             `json:"errorCode,omitempty"`
	ErrorDetails       string             `json:"errorDetails,omitempty"`
}

// MarshalJSON serializes the operation with its typed payload inline.
func (o Operation) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if o.Data != nil {
		data, err := json.Marshal(o.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", o.Type, err)
		}
		raw = data
	}
	return json.Marshal(operationJSON{
		ID:                 o.ID,
		Type:               o.Type,
		Data:               raw,
		AccountID:          o.AccountID,
		UpdatedBy:          o.UpdatedBy,
		Version:            o.Version,
		Timestamp:          o.Timestamp,
		RetryCount:         o.RetryCount,
		LastError:          o.LastError,
		SyncStatus:         o.SyncStatus,
		InterventionReason: o.InterventionReason,
		PausedAt:           o.PausedAt,
		ErrorCode:          o.ErrorCode,
		ErrorDetails:       o.ErrorDetails,
	})
}

// UnmarshalJSON rehydrates the operation, decoding the payload into the
// concrete type selected by the operation type tag.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var wire operationJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	payload, err := decodePayload(wire.Type, wire.Data)
	if err != nil {
		return err
	}

	*o = Operation{
		ID:                 wire.ID,
		Type:               wire.Type,
		Data:               payload,
		AccountID:          wire.AccountID,
		UpdatedBy:          wire.UpdatedBy,
		Version:            wire.Version,
		Timestamp:          wire.Timestamp,
		RetryCount:         wire.RetryCount,
		LastError:          wire.LastError,
		SyncStatus:         wire.SyncStatus,
		InterventionReason: wire.InterventionReason,
		PausedAt:           wire.PausedAt,
		ErrorCode:          wire.ErrorCode,
		ErrorDetails:       wire.ErrorDetails,
	}
	if o.SyncStatus == "" {
		o.SyncStatus = StatusPending
	}
	return nil
}
