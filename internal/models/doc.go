// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package models defines the shared data model for the offline operation
// queue and sync engine: queued operations with their tagged payloads, the
// item/transaction/project entity snapshots, conflict records, and the
// canonical inventory-transaction identifiers.
//
// Operations serialize with goccy/go-json. The payload union round-trips
// through a custom Marshal/Unmarshal pair keyed on the operation type, so a
// persisted queue can always be rehydrated into concrete payload types.
package models
