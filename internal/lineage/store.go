// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package lineage records an item's movement between transactions and
// inventory as append-only edges, and maintains each item's "latest
// transaction" pointer. The invariant verifier refreshes the pointer after
// a compound inventory operation changes an item's transaction.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quartermaster-app/quartermaster/internal/logging"
)

// Key layout:
//
//	edge:<itemID>:<rfc3339nano>:<edgeID> -> Edge JSON (append-only)
//	latest:<itemID>                      -> transaction id
const (
	prefixEdge   = "edge:"
	prefixLatest = "latest:"
)

// Edge is one movement of an item between transactions/inventory.
type Edge struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"accountId"`
	ItemID            string    `json:"itemId"`
	FromTransactionID string    `json:"fromTransactionId,omitempty"`
	ToTransactionID   string    `json:"toTransactionId,omitempty"`
	RecordedAt        time.Time `json:"recordedAt"`
}

// Config tunes the BadgerDB instance backing the store.
type Config struct {
	Path         string
	SyncWrites   bool
	CloseTimeout time.Duration
}

// Store is the BadgerDB-backed lineage store.
type Store struct {
	db     *badger.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = fmt.Errorf("lineage store is closed")

// Open creates or opens the lineage store at the configured path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("lineage store path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("lineage store opened")
	return &Store{db: db, config: cfg}, nil
}

// AppendEdge records one movement. Edges are never updated or deleted.
func (s *Store) AppendEdge(ctx context.Context, edge Edge) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if edge.ItemID == "" {
		return fmt.Errorf("edge item id is required")
	}
	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	if edge.RecordedAt.IsZero() {
		edge.RecordedAt = time.Now().UTC()
	}

	key := fmt.Sprintf("%s%s:%s:%s",
		prefixEdge, edge.ItemID, edge.RecordedAt.Format(time.RFC3339Nano), edge.ID)
	data, err := json.Marshal(&edge)
	if err != nil {
		return fmt.Errorf("marshal edge: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), data); err != nil {
			return fmt.Errorf("set edge: %w", err)
		}
		if edge.ToTransactionID != "" {
			if err := txn.Set([]byte(prefixLatest+edge.ItemID), []byte(edge.ToTransactionID)); err != nil {
				return fmt.Errorf("set latest pointer: %w", err)
			}
		}
		return nil
	})
}

// EdgesForItem returns an item's movement history, oldest first.
func (s *Store) EdgesForItem(ctx context.Context, itemID string) ([]Edge, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	var edges []Edge
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixEdge + itemID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var edge Edge
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &edge)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("lineage: bad edge record")
				continue
			}
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

// LatestTransaction returns the item's latest transaction pointer, or ""
// when the item has no recorded movement.
func (s *Store) LatestTransaction(ctx context.Context, itemID string) (string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", ErrStoreClosed
	}
	s.mu.RUnlock()

	var latest string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixLatest + itemID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			latest = string(val)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("get latest pointer: %w", err)
	}
	return latest, nil
}

// RefreshLatest repoints an item's latest transaction. Called by the
// invariant verifier after a compound operation moved the item.
func (s *Store) RefreshLatest(ctx context.Context, itemID, transactionID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if transactionID == "" {
			err := txn.Delete([]byte(prefixLatest + itemID))
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return nil
		}
		return txn.Set([]byte(prefixLatest+itemID), []byte(transactionID))
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

	for {
		err := s.db.RunValueLogGC(0.5)
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
		logging.Info().Msg("lineage store closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}
