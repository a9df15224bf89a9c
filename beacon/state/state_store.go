// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state holds the server's in-memory state plane: the service
// registry, the config index, and the IAM records, all inside a single
// go-memdb database. Reads run against MVCC snapshots and never block
// writers; writes serialize through one writer lock, persist durable rows
// to the KV backend before commit, and publish change events at the commit
// index.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/kv"
)

// StateStoreConfig is used to configure a new state store
type StateStoreConfig struct {
	Logger hclog.Logger

	// Durable is the pluggable KV backend. Required; use kv.NewMem for a
	// non-persistent server.
	Durable kv.Store
}

// IndexEntry tracks the latest commit index per table.
type IndexEntry struct {
	Key   string
	Value uint64
}

type StateStore struct {
	logger  hclog.Logger
	db      *memdb.MemDB
	durable kv.Store

	// writeLock serializes mutations. memdb write transactions are not
	// internally synchronized.
	writeLock sync.Mutex

	// publish is the change-event sink, wired by the server once the
	// stream broker exists.
	publish func(*structs.Events)
}

func (s *StateStore) publishEvents(e *structs.Events) {
	if s.publish != nil && len(e.Events) > 0 {
		s.publish(e)
	}
}

// NewStateStore creates the memdb database. The broker publish hook is
// attached by the server after it constructs the stream broker.
func NewStateStore(config *StateStoreConfig) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}
	if config.Durable == nil {
		return nil, fmt.Errorf("state store requires a durable backend")
	}
	s := &StateStore{
		logger:  config.Logger.Named("state_store"),
		db:      db,
		durable: config.Durable,
	}
	return s, nil
}

// SetPublisher wires the change-event sink. Must be called before the
// first mutation.
func (s *StateStore) SetPublisher(publish func(*structs.Events)) {
	s.publish = publish
}

// Durable exposes the KV backend for the restore path and for export.
func (s *StateStore) Durable() kv.Store { return s.durable }

// snapshot returns a read transaction against the current MVCC snapshot.
func (s *StateStore) snapshot() *memdb.Txn {
	return s.db.Txn(false)
}

// LatestIndex returns the highest commit index across all tables.
func (s *StateStore) LatestIndex() (uint64, error) {
	txn := s.snapshot()
	iter, err := txn.Get(tableIndex, "id")
	if err != nil {
		return 0, err
	}
	var max uint64
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if idx := raw.(*IndexEntry); idx.Value > max {
			max = idx.Value
		}
	}
	return max, nil
}

// Index returns the latest index of a table.
func (s *StateStore) Index(table string) (uint64, error) {
	txn := s.snapshot()
	raw, err := txn.First(tableIndex, "id", table)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	return raw.(*IndexEntry).Value, nil
}

// nextIndex allocates the commit index for a write transaction and records
// it for the given table.
func (s *StateStore) nextIndex(txn *memdb.Txn, table string) (uint64, error) {
	raw, err := txn.First(tableIndex, "id", "global")
	if err != nil {
		return 0, err
	}
	var next uint64 = 1
	if raw != nil {
		next = raw.(*IndexEntry).Value + 1
	}
	if err := txn.Insert(tableIndex, &IndexEntry{Key: "global", Value: next}); err != nil {
		return 0, err
	}
	if err := txn.Insert(tableIndex, &IndexEntry{Key: table, Value: next}); err != nil {
		return 0, err
	}
	return next, nil
}

// durablePut writes a row to the KV backend, mapping backend failure to
// ErrUnavailable so the caller's write fails without committing.
func (s *StateStore) durablePut(ctx context.Context, key string, v interface{}) error {
	if err := kv.PutMsg(ctx, s.durable, key, v); err != nil {
		return fmt.Errorf("%w: %v", structs.ErrUnavailable, err)
	}
	return nil
}

func (s *StateStore) durableDelete(ctx context.Context, key string) error {
	if err := s.durable.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", structs.ErrUnavailable, err)
	}
	return nil
}
