// Package store persists consensus artifacts: finalized states, vote
// records, checkpoints and resolved disputes. Three interchangeable
// backends implement the Storage interface; ConsensusStore layers the
// domain schema on top of whichever backend the node is configured with.
package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("store: key not found")
	ErrClosed         = errors.New("store: database closed")
	ErrUnknownBackend = errors.New("store: unknown backend")
)

// Storage is the key-value contract the backends implement. Iteration
// order over a prefix is ascending and byte-wise on all backends.
type Storage interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	BatchPut(kvs [][2][]byte) error
	Iter(prefix []byte, fn func(key, value []byte) bool) error
	Close() error
}

// Open builds a Storage for the named backend. Path is ignored by the
// memory backend.
func Open(backend, path string) (Storage, error) {
	switch backend {
	case "", "memory":
		return NewMemoryDB(), nil
	case "badger":
		return NewBadgerDB(path)
	case "leveldb":
		return NewLevelDB(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}
