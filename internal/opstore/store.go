// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package opstore provides the durable operation store: the on-disk
// representation of each account's operation queue, backed by BadgerDB
// (ACID, fsync).
//
// The persisted per-account operation list is the single source of truth
// for queue membership across process restarts. It is always written as a
// whole (replace, not patch) so a crash mid-write can never leave a
// partially updated list.
package opstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/metrics"
	"github.com/quartermaster-app/quartermaster/internal/models"
)

// Key layout:
//
//	ops:<accountID>   -> JSON array of operations, FIFO order
//	opidx:<opID>      -> accountID (reverse index for DeleteOperation)
const (
	prefixOps   = "ops:"
	prefixIndex = "opidx:"
)

// Config tunes the BadgerDB instance backing the store.
type Config struct {
	Path             string
	SyncWrites       bool
	MemTableSize     int64
	ValueLogFileSize int64
	NumCompactors    int
	GCRatio          float64
	CloseTimeout     time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("opstore path is required")
	}
	if c.NumCompactors < 2 {
		return fmt.Errorf("opstore requires at least 2 compactors, got %d", c.NumCompactors)
	}
	return nil
}

// Store is the BadgerDB-backed durable operation store.
type Store struct {
	db     *badger.DB
	config Config

	totalReplaces atomic.Int64
	totalDeletes  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Errors
var (
	ErrStoreClosed       = fmt.Errorf("operation store is closed")
	ErrOperationNotFound = fmt.Errorf("operation not found")
)

// Open creates or opens the operation store at the configured path.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid opstore config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	opts.NumCompactors = cfg.NumCompactors
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &Store{db: db, config: cfg}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("operation store opened")
	return s, nil
}

// GetOperations returns the persisted operation list for an account in FIFO
// order. A missing account yields an empty list, not an error.
func (s *Store) GetOperations(ctx context.Context, accountID string) ([]models.Operation, error) {
	start := time.Now()
	defer metrics.ObserveStoreOperation("opstore", "get", start)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	var ops []models.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixOps + accountID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get operation list: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ops)
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// ReplaceOperationsForAccount atomically replaces the whole operation list
// for an account and rebuilds the reverse index entries for its members.
// An empty list removes the account's key entirely.
func (s *Store) ReplaceOperationsForAccount(ctx context.Context, accountID string, ops []models.Operation) error {
	start := time.Now()
	defer metrics.ObserveStoreOperation("opstore", "replace", start)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	for i := range ops {
		if ops[i].AccountID != accountID {
			return fmt.Errorf("operation %s belongs to account %s, not %s",
				ops[i].ID, ops[i].AccountID, accountID)
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		// Drop stale index entries for operations no longer in the list.
		existing, err := readList(txn, accountID)
		if err != nil {
			return err
		}
		keep := make(map[string]bool, len(ops))
		for i := range ops {
			keep[ops[i].ID] = true
		}
		for i := range existing {
			if !keep[existing[i].ID] {
				if err := txn.Delete([]byte(prefixIndex + existing[i].ID)); err != nil {
					return fmt.Errorf("delete index entry: %w", err)
				}
			}
		}

		if len(ops) == 0 {
			err := txn.Delete([]byte(prefixOps + accountID))
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete operation list: %w", err)
			}
			return nil
		}

		data, err := json.Marshal(ops)
		if err != nil {
			return fmt.Errorf("marshal operation list: %w", err)
		}
		if err := txn.Set([]byte(prefixOps+accountID), data); err != nil {
			return fmt.Errorf("set operation list: %w", err)
		}
		for i := range ops {
			if err := txn.Set([]byte(prefixIndex+ops[i].ID), []byte(accountID)); err != nil {
				return fmt.Errorf("set index entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.totalReplaces.Add(1)
	metrics.QueueDepth.WithLabelValues(accountID).Set(float64(countPending(ops)))
	metrics.QueuePausedOperations.WithLabelValues(accountID).Set(float64(len(ops) - countPending(ops)))
	return nil
}

// DeleteOperation removes a single operation by id, wherever it lives.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	start := time.Now()
	defer metrics.ObserveStoreOperation("opstore", "delete", start)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if id == "" {
		return fmt.Errorf("operation id is required")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixIndex + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrOperationNotFound
		}
		if err != nil {
			return fmt.Errorf("get index entry: %w", err)
		}

		var accountID string
		if err := item.Value(func(val []byte) error {
			accountID = string(val)
			return nil
		}); err != nil {
			return err
		}

		ops, err := readList(txn, accountID)
		if err != nil {
			return err
		}
		filtered := ops[:0]
		for i := range ops {
			if ops[i].ID != id {
				filtered = append(filtered, ops[i])
			}
		}

		if err := txn.Delete([]byte(prefixIndex + id)); err != nil {
			return fmt.Errorf("delete index entry: %w", err)
		}
		if len(filtered) == 0 {
			err := txn.Delete([]byte(prefixOps + accountID))
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return nil
		}
		data, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("marshal operation list: %w", err)
		}
		return txn.Set([]byte(prefixOps+accountID), data)
	})
	if err != nil {
		return err
	}

	s.totalDeletes.Add(1)
	return nil
}

// ClearOperations removes every operation for one account, or for all
// accounts when accountID is empty.
func (s *Store) ClearOperations(ctx context.Context, accountID string) error {
	start := time.Now()
	defer metrics.ObserveStoreOperation("opstore", "clear", start)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if accountID != "" {
			ops, err := readList(txn, accountID)
			if err != nil {
				return err
			}
			for i := range ops {
				if err := txn.Delete([]byte(prefixIndex + ops[i].ID)); err != nil {
					return err
				}
			}
			err = txn.Delete([]byte(prefixOps + accountID))
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			metrics.QueueDepth.WithLabelValues(accountID).Set(0)
			metrics.QueuePausedOperations.WithLabelValues(accountID).Set(0)
			return nil
		}

		// All accounts: collect keys first, deleting during iteration is
		// not allowed by Badger.
		var keys [][]byte
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for _, prefix := range []string{prefixOps, prefixIndex} {
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Accounts returns every account id that currently has persisted operations.
// Used on startup to rebuild in-memory queues.
func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	var accounts []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixOps)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			accounts = append(accounts, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

// Stats contains store counters for monitoring.
type Stats struct {
	TotalReplaces int64
	TotalDeletes  int64
	DBSizeBytes   int64
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return Stats{}
	}

	lsm, vlog := s.db.Size()
	return Stats{
		TotalReplaces: s.totalReplaces.Load(),
		TotalDeletes:  s.totalDeletes.Load(),
		DBSizeBytes:   lsm + vlog,
	}
}

// RunGC triggers BadgerDB value-log garbage collection.
func (s *Store) RunGC() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	ratio := s.config.GCRatio
	if ratio == 0 {
		ratio = 0.5
	}
	for {
		err := s.db.RunValueLogGC(ratio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close shuts down the store with the configured timeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("operation store closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

// readList reads an account's operation list inside a transaction.
func readList(txn *badger.Txn, accountID string) ([]models.Operation, error) {
	item, err := txn.Get([]byte(prefixOps + accountID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operation list: %w", err)
	}
	var ops []models.Operation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ops)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal operation list: %w", err)
	}
	return ops, nil
}

func countPending(ops []models.Operation) int {
	n := 0
	for i := range ops {
		if !ops[i].Paused() {
			n++
		}
	}
	return n
}
