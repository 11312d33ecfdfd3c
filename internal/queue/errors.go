// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package queue

import (
	"errors"
	"fmt"
)

// OfflineContextError is returned synchronously from Enqueue when the
// operation cannot be attributed to an account or identity, or would mix
// accounts within one queue instance. Queuing is the only path to
// durability, so these must fail loudly: a swallowed error here is a
// silent data-loss bug.
type OfflineContextError struct {
	Reason string
}

func (e *OfflineContextError) Error() string {
	return "offline context error: " + e.Reason
}

// NewOfflineContextError builds an OfflineContextError with a formatted reason.
func NewOfflineContextError(format string, args ...interface{}) *OfflineContextError {
	return &OfflineContextError{Reason: fmt.Sprintf(format, args...)}
}

// Sentinel errors for queue operations.
var (
	ErrQueueClosed       = fmt.Errorf("operation queue is closed")
	ErrOperationNotFound = fmt.Errorf("operation not found in queue")
	ErrNotPaused         = fmt.Errorf("operation is not paused")
	ErrNotUpdateItem     = fmt.Errorf("only a paused UPDATE_ITEM can be recreated")
)

// fatalError marks an executor failure as a permanent request defect. The
// drain loop drops the single offending operation and keeps going.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the drain loop drops the operation instead of retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// interventionError marks an executor failure as requiring human
// resolution. The operation is parked, not dropped and not retried.
type interventionError struct {
	reason  string
	code    string
	details string
	err     error
}

func (e *interventionError) Error() string {
	return "requires intervention (" + e.reason + "): " + e.err.Error()
}
func (e *interventionError) Unwrap() error { return e.err }

// outcome is the drain loop's three-way (plus success) verdict on one
// executed operation.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomeFatal
	outcomeIntervention
)

func classifyOutcome(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	var ie *interventionError
	if errors.As(err, &ie) {
		return outcomeIntervention
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return outcomeFatal
	}
	return outcomeRetryable
}

func asIntervention(err error, target **interventionError) bool {
	return errors.As(err, target)
}
