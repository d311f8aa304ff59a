package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
)

var _ Store = (*BadgerStore)(nil)

// BadgerStore persists values in a local BadgerDB. It's the fallback for
// single-node deployments that have neither Redis nor a SQL database.
type BadgerStore struct {
	db        *badger.DB
	keyPrefix string
}

func NewBadgerStore(db *badger.DB, keyPrefix string) *BadgerStore {
	return &BadgerStore{
		db:        db,
		keyPrefix: keyPrefix,
	}
}

func (s *BadgerStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(s.keyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("Couldn't get value from BadgerDB: %v", err)
	}
	return value, true, nil
}

func (s *BadgerStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(s.keyPrefix+key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("Couldn't set value in BadgerDB: %v", err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(s.keyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("Couldn't delete value from BadgerDB: %v", err)
	}
	return nil
}

// Close is a no-op: the *badger.DB is shared with other components and closed
// by the owner.
func (s *BadgerStore) Close() error {
	return nil
}
