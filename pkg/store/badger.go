package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	cp "github.com/otiai10/copy"

	"github.com/meta-node-blockchain/dicemesh/pkg/logger"
)

// BadgerDB is the durable backend for long-lived nodes.
type BadgerDB struct {
	db     *badger.DB
	path   string
	stopGC chan struct{}
	closed bool
	mu     sync.Mutex
}

func NewBadgerDB(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %s: %w", path, err)
	}
	b := &BadgerDB{db: db, path: path, stopGC: make(chan struct{})}
	go b.runValueLogGC()
	return b, nil
}

// runValueLogGC reclaims value-log space in the background until Close.
func (b *BadgerDB) runValueLogGC() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger.Debug("badger value log GC: %v", err)
			}
		case <-b.stopGC:
			return
		}
	}
}

func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %x", ErrNotFound, key)
	}
	return value, err
}

func (b *BadgerDB) Put(key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (b *BadgerDB) Has(key []byte) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *BadgerDB) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (b *BadgerDB) BatchPut(kvs [][2][]byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, kv := range kvs {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerDB) Iter(prefix []byte, fn func(key, value []byte) bool) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.KeyCopy(nil), value) {
				return nil
			}
		}
		return nil
	})
}

func (b *BadgerDB) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.stopGC)
	return b.db.Close()
}

// SnapshotDir copies the database directory to dst for cold backup. The
// copy of a live database is crash-consistent: opening it replays the
// value log the same way a restart would.
func (b *BadgerDB) SnapshotDir(dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := cp.Copy(b.path, dst); err != nil {
		return fmt.Errorf("store: snapshot %s -> %s: %w", b.path, dst, err)
	}
	return nil
}
