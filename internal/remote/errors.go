// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	gobreaker "github.com/sony/gobreaker/v2"
)

// Class is the three-way failure taxonomy applied uniformly across all
// operation types.
type Class int

const (
	// ClassRetryable covers network failures, timeouts, and transient
	// server errors. The operation stays queued for backoff-scheduled retry.
	ClassRetryable Class = iota

	// ClassFatal covers permanent request defects: constraint violations,
	// permission denials, malformed payloads. The single offending
	// operation is dropped and reported.
	ClassFatal

	// ClassMissingRow means an update targeted a row that no longer exists.
	// Retrying is futile and dropping would lose data; the operation is
	// parked for human intervention.
	ClassMissingRow
)

func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassMissingRow:
		return "missing_row"
	default:
		return "retryable"
	}
}

// Error codes returned by the remote table API. The Postgres SQLSTATE and
// PostgREST codes that matter for classification are enumerated; anything
// else defaults to retryable.
const (
	CodeForeignKeyViolation = "23503"
	CodeCheckViolation      = "23514"
	CodeUniqueViolation     = "23505"
	CodeNotNullViolation    = "23502"
	CodeInvalidTextRepr     = "22P02"
	CodePermissionDenied    = "42501"
	CodeRowNotFound         = "PGRST116"

	// CodeMissingCategory is the application-level code for a transaction
	// referencing a budget category that no longer exists for the account.
	CodeMissingCategory = "QM_CATEGORY_MISSING"
)

// Error is the structured error returned by the remote table API.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("remote error %s (%d): %s: %s", e.Code, e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("remote error %s (%d): %s", e.Code, e.Status, e.Message)
}

// Class classifies the error per the three-way taxonomy.
func (e *Error) Class() Class {
	switch e.Code {
	case CodeRowNotFound:
		return ClassMissingRow
	case CodeForeignKeyViolation, CodeCheckViolation, CodeUniqueViolation,
		CodeNotNullViolation, CodeInvalidTextRepr, CodePermissionDenied,
		CodeMissingCategory:
		return ClassFatal
	}
	// 4xx other than rate limiting is a request defect; 5xx and everything
	// unrecognized is assumed transient.
	if e.Status >= 400 && e.Status < 500 && e.Status != 408 && e.Status != 429 {
		return ClassFatal
	}
	return ClassRetryable
}

// Classify maps an arbitrary error from a remote call onto the taxonomy.
// Circuit-breaker rejections, timeouts, and network errors are retryable.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Class()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	return ClassRetryable
}

// IsMissingRow reports whether err is the row-not-found condition.
func IsMissingRow(err error) bool {
	return Classify(err) == ClassMissingRow
}

// IsMissingCategory reports whether err is the missing budget category
// condition that UPDATE_TRANSACTION self-repairs.
func IsMissingCategory(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == CodeMissingCategory
}
