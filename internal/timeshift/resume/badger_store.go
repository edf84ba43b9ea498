// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resume

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps positions as JSON under "pos:<client>\x00<stream>" with
// the store TTL attached to every entry.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerStore opens a badger database at path.
func NewBadgerStore(path string, ttl time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, ttl: ttl}, nil
}

func badgerKey(clientID, stream string) []byte {
	return []byte("pos:" + compositeKey(clientID, stream))
}

func (s *BadgerStore) Put(_ context.Context, clientID, stream string, state *State) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(badgerKey(clientID, stream), buf)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) Get(_ context.Context, clientID, stream string) (*State, error) {
	var out State
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(clientID, stream))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) Delete(_ context.Context, clientID, stream string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(clientID, stream))
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }
