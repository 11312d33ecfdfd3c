// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package snapshot provides the local entity snapshot store: the latest
// known-local copy of every item, transaction, and project, plus the
// conflict records the conflict detector maintains.
//
// Snapshots are the payload source for remote writes. The executor always
// pushes the entire snapshot, never an operation's sparse diff, so fields
// the diff does not know about are never silently reverted.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/metrics"
	"github.com/quartermaster-app/quartermaster/internal/models"
)

// Key layout:
//
//	item:<id>                 -> Item JSON
//	txn:<id>                  -> Transaction JSON
//	project:<id>              -> Project JSON
//	conflict:<accountID>:<id> -> ConflictItem JSON
const (
	prefixItem        = "item:"
	prefixTransaction = "txn:"
	prefixProject     = "project:"
	prefixConflict    = "conflict:"
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

// Store is the BadgerDB-backed entity snapshot store.
type Store struct {
	db     *badger.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = fmt.Errorf("snapshot store is closed")

// Open creates or opens the snapshot store at the configured path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("snapshot store path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumCompactors >= 2 {
		opts.NumCompactors = cfg.NumCompactors
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("snapshot store opened")
	return &Store{db: db, config: cfg}, nil
}

// GetItemByID returns the item snapshot, or nil when none is cached.
func (s *Store) GetItemByID(ctx context.Context, id string) (*models.Item, error) {
	var item models.Item
	found, err := s.get(prefixItem+id, &item)
	if err != nil || !found {
		return nil, err
	}
	return &item, nil
}

// SaveItems upserts item snapshots.
func (s *Store) SaveItems(ctx context.Context, items []models.Item) error {
	start := time.Now()
	defer metrics.ObserveStoreOperation("snapshot", "save_items", start)

	return s.update(func(txn *badger.Txn) error {
		for i := range items {
			if items[i].ID == "" {
				return fmt.Errorf("item at index %d has no id", i)
			}
			if err := put(txn, prefixItem+items[i].ID, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteItem removes an item snapshot. Missing ids are not an error.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	return s.delete(prefixItem + id)
}

// GetTransactionByID returns the transaction snapshot, or nil when none is
// cached.
func (s *Store) GetTransactionByID(ctx context.Context, id string) (*models.Transaction, error) {
	var txn models.Transaction
	found, err := s.get(prefixTransaction+id, &txn)
	if err != nil || !found {
		return nil, err
	}
	return &txn, nil
}

// SaveTransactions upserts transaction snapshots.
func (s *Store) SaveTransactions(ctx context.Context, txns []models.Transaction) error {
	start := time.Now()
	defer metrics.ObserveStoreOperation("snapshot", "save_transactions", start)

	return s.update(func(txn *badger.Txn) error {
		for i := range txns {
			if txns[i].ID == "" {
				return fmt.Errorf("transaction at index %d has no id", i)
			}
			if err := put(txn, prefixTransaction+txns[i].ID, &txns[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteTransaction removes a transaction snapshot.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	return s.delete(prefixTransaction + id)
}

// GetProjectByID returns the project snapshot, or nil when none is cached.
func (s *Store) GetProjectByID(ctx context.Context, id string) (*models.Project, error) {
	var project models.Project
	found, err := s.get(prefixProject+id, &project)
	if err != nil || !found {
		return nil, err
	}
	return &project, nil
}

// SaveProjects upserts project snapshots.
func (s *Store) SaveProjects(ctx context.Context, projects []models.Project) error {
	start := time.Now()
	defer metrics.ObserveStoreOperation("snapshot", "save_projects", start)

	return s.update(func(txn *badger.Txn) error {
		for i := range projects {
			if projects[i].ID == "" {
				return fmt.Errorf("project at index %d has no id", i)
			}
			if err := put(txn, prefixProject+projects[i].ID, &projects[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteProject removes a project snapshot.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.delete(prefixProject + id)
}

// SaveConflicts records entities currently in conflict for an account.
func (s *Store) SaveConflicts(ctx context.Context, accountID string, conflicts []models.ConflictItem) error {
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	return s.update(func(txn *badger.Txn) error {
		for i := range conflicts {
			key := prefixConflict + accountID + ":" + conflicts[i].ID
			if err := put(txn, key, &conflicts[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConflictsForAccount returns every conflict record for an account.
func (s *Store) ConflictsForAccount(ctx context.Context, accountID string) ([]models.ConflictItem, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	var conflicts []models.ConflictItem
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixConflict + accountID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var c models.ConflictItem
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("snapshot store: bad conflict record")
				continue
			}
			conflicts = append(conflicts, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}

// DeleteConflicts removes conflict records for the given entity ids.
func (s *Store) DeleteConflicts(ctx context.Context, accountID string, entityIDs []string) error {
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	return s.update(func(txn *badger.Txn) error {
		for _, id := range entityIDs {
			err := txn.Delete([]byte(prefixConflict + accountID + ":" + id))
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
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

// Close shuts down the store.
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
		logging.Info().Msg("snapshot store closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

// get reads one key into v. Returns false when the key does not exist.
func (s *Store) get(key string, v interface{}) (bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false, ErrStoreClosed
	}
	s.mu.RUnlock()

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()
	return s.db.Update(fn)
}

func (s *Store) delete(key string) error {
	return s.update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

func put(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := txn.Set([]byte(key), data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
