// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Payload is the tagged-union payload of an Operation. The concrete type is
// determined by the operation's Type tag; decodePayload enforces the pairing
// so a persisted queue can never rehydrate into a mismatched shape.
type Payload interface {
	// EntityID returns the id of the entity the operation targets.
	EntityID() string

	// ProjectScope returns the project id the operation is scoped to, or ""
	// for account-level operations. Used for conflict-detection scoping.
	ProjectScope() string

	isPayload()
}

// CreateItemData carries the locally-created item id. The executor pushes
// the full local snapshot, not this payload, so no fields are duplicated
// here beyond identity and scope.
type CreateItemData struct {
	ItemID    string `json:"itemId" validate:"required"`
	ProjectID string `json:"projectId,omitempty"`
}

// UpdateItemData carries the sparse set of changed fields. The executor
// still loads the full local snapshot as the write payload; Changes exists
// for diagnostics and conflict review surfaces.
type UpdateItemData struct {
	ItemID    string                     `json:"itemId" validate:"required"`
	ProjectID string                     `json:"projectId,omitempty"`
	Changes   map[string]json.RawMessage `json:"changes,omitempty"`
}

type DeleteItemData struct {
	ItemID    string `json:"itemId" validate:"required"`
	ProjectID string `json:"projectId,omitempty"`
}

type CreateTransactionData struct {
	TransactionID string `json:"transactionId" validate:"required"`
	ProjectID     string `json:"projectId,omitempty"`
}

type UpdateTransactionData struct {
	TransactionID string                     `json:"transactionId" validate:"required"`
	ProjectID     string                     `json:"projectId,omitempty"`
	Changes       map[string]json.RawMessage `json:"changes,omitempty"`
}

type DeleteTransactionData struct {
	TransactionID string `json:"transactionId" validate:"required"`
	ProjectID     string `json:"projectId,omitempty"`
}

type CreateProjectData struct {
	ProjectID string `json:"projectId" validate:"required"`
}

type UpdateProjectData struct {
	ProjectID string                     `json:"projectId" validate:"required"`
	Changes   map[string]json.RawMessage `json:"changes,omitempty"`
}

type DeleteProjectData struct {
	ProjectID string `json:"projectId" validate:"required"`
}

// AllocateItemData moves an item from business inventory into a project,
// creating the canonical INV_PURCHASE_<project> transaction.
type AllocateItemData struct {
	ItemID          string   `json:"itemId" validate:"required"`
	TargetProjectID string   `json:"targetProjectId" validate:"required"`
	Amount          *float64 `json:"amount,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	Space           string   `json:"space,omitempty"`
}

// SellItemData transfers an item from one project to another, creating the
// canonical INV_PURCHASE_<target> transaction.
type SellItemData struct {
	ItemID          string   `json:"itemId" validate:"required"`
	SourceProjectID string   `json:"sourceProjectId,omitempty"`
	TargetProjectID string   `json:"targetProjectId" validate:"required"`
	Amount          *float64 `json:"amount,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	Space           string   `json:"space,omitempty"`
}

// DeallocateItemData returns an item to business inventory, either creating
// the INV_SALE_<project> transaction or fully reverting the purchase.
type DeallocateItemData struct {
	ItemID          string   `json:"itemId" validate:"required"`
	SourceProjectID string   `json:"sourceProjectId" validate:"required"`
	Amount          *float64 `json:"amount,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

func (d CreateItemData) EntityID() string        { return d.ItemID }
func (d UpdateItemData) EntityID() string        { return d.ItemID }
func (d DeleteItemData) EntityID() string        { return d.ItemID }
func (d CreateTransactionData) EntityID() string { return d.TransactionID }
func (d UpdateTransactionData) EntityID() string { return d.TransactionID }
func (d DeleteTransactionData) EntityID() string { return d.TransactionID }
func (d CreateProjectData) EntityID() string     { return d.ProjectID }
func (d UpdateProjectData) EntityID() string     { return d.ProjectID }
func (d DeleteProjectData) EntityID() string     { return d.ProjectID }
func (d AllocateItemData) EntityID() string      { return d.ItemID }
func (d SellItemData) EntityID() string          { return d.ItemID }
func (d DeallocateItemData) EntityID() string    { return d.ItemID }

func (d CreateItemData) ProjectScope() string        { return d.ProjectID }
func (d UpdateItemData) ProjectScope() string        { return d.ProjectID }
func (d DeleteItemData) ProjectScope() string        { return d.ProjectID }
func (d CreateTransactionData) ProjectScope() string { return d.ProjectID }
func (d UpdateTransactionData) ProjectScope() string { return d.ProjectID }
func (d DeleteTransactionData) ProjectScope() string { return d.ProjectID }
func (d CreateProjectData) ProjectScope() string     { return d.ProjectID }
func (d UpdateProjectData) ProjectScope() string     { return d.ProjectID }
func (d DeleteProjectData) ProjectScope() string     { return d.ProjectID }
func (d AllocateItemData) ProjectScope() string      { return d.TargetProjectID }
func (d SellItemData) ProjectScope() string          { return d.TargetProjectID }
func (d DeallocateItemData) ProjectScope() string    { return d.SourceProjectID }

func (CreateItemData) isPayload()        {}
func (UpdateItemData) isPayload()        {}
func (DeleteItemData) isPayload()        {}
func (CreateTransactionData) isPayload() {}
func (UpdateTransactionData) isPayload() {}
func (DeleteTransactionData) isPayload() {}
func (CreateProjectData) isPayload()     {}
func (UpdateProjectData) isPayload()     {}
func (DeleteProjectData) isPayload()     {}
func (AllocateItemData) isPayload()      {}
func (SellItemData) isPayload()          {}
func (DeallocateItemData) isPayload()    {}

// NewPayload decodes raw payload bytes into the concrete payload type for
// an operation type. Used by API surfaces that receive payloads as raw JSON.
func NewPayload(t OperationType, raw json.RawMessage) (Payload, error) {
	return decodePayload(t, raw)
}

// decodePayload decodes raw payload bytes into the concrete type selected by
// the operation type. An unknown type is an error, never a silent skip; the
// queue must not carry operations it cannot dispatch.
func decodePayload(t OperationType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("operation %s has no payload", t)
	}

	unmarshal := func(v Payload) (Payload, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return v, nil
	}

	switch t {
	case OpCreateItem:
		return unmarshal(&CreateItemData{})
	case OpUpdateItem:
		return unmarshal(&UpdateItemData{})
	case OpDeleteItem:
		return unmarshal(&DeleteItemData{})
	case OpCreateTransaction:
		return unmarshal(&CreateTransactionData{})
	case OpUpdateTransaction:
		return unmarshal(&UpdateTransactionData{})
	case OpDeleteTransaction:
		return unmarshal(&DeleteTransactionData{})
	case OpCreateProject:
		return unmarshal(&CreateProjectData{})
	case OpUpdateProject:
		return unmarshal(&UpdateProjectData{})
	case OpDeleteProject:
		return unmarshal(&DeleteProjectData{})
	case OpAllocateItemToProject:
		return unmarshal(&AllocateItemData{})
	case OpSellItemToProject:
		return unmarshal(&SellItemData{})
	case OpDeallocateItemToBusinessInventory:
		return unmarshal(&DeallocateItemData{})
	default:
		return nil, fmt.Errorf("unknown operation type %q", t)
	}
}
