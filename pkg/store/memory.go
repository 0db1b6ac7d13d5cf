package store

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// MemoryDB keeps everything in a map. It is the test and demo backend.
type MemoryDB struct {
	db map[string][]byte
	sync.RWMutex
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{db: make(map[string][]byte)}
}

func (kv *MemoryDB) Get(key []byte) ([]byte, error) {
	kv.RLock()
	defer kv.RUnlock()
	value, ok := kv.db[string(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrNotFound, key)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (kv *MemoryDB) Put(key, value []byte) error {
	kv.Lock()
	defer kv.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	kv.db[string(key)] = stored
	return nil
}

func (kv *MemoryDB) Has(key []byte) (bool, error) {
	kv.RLock()
	defer kv.RUnlock()
	_, ok := kv.db[string(key)]
	return ok, nil
}

func (kv *MemoryDB) Delete(key []byte) error {
	kv.Lock()
	defer kv.Unlock()
	if _, ok := kv.db[string(key)]; !ok {
		return fmt.Errorf("%w: %x", ErrNotFound, key)
	}
	delete(kv.db, string(key))
	return nil
}

func (kv *MemoryDB) BatchPut(kvs [][2][]byte) error {
	kv.Lock()
	defer kv.Unlock()
	for i := range kvs {
		stored := make([]byte, len(kvs[i][1]))
		copy(stored, kvs[i][1])
		kv.db[string(kvs[i][0])] = stored
	}
	return nil
}

// Iter visits prefix-matching entries in ascending key order. Returning
// false from fn stops the walk.
func (kv *MemoryDB) Iter(prefix []byte, fn func(key, value []byte) bool) error {
	kv.RLock()
	keys := make([]string, 0, len(kv.db))
	for key := range kv.db {
		if bytes.HasPrefix([]byte(key), prefix) {
			keys = append(keys, key)
		}
	}
	kv.RUnlock()
	sort.Strings(keys)

	for _, key := range keys {
		kv.RLock()
		value, ok := kv.db[key]
		kv.RUnlock()
		if !ok {
			continue
		}
		if !fn([]byte(key), value) {
			return nil
		}
	}
	return nil
}

func (kv *MemoryDB) Close() error { return nil }

// Snapshot deep-copies the database.
func (kv *MemoryDB) Snapshot() *MemoryDB {
	kv.RLock()
	defer kv.RUnlock()
	clone := NewMemoryDB()
	for key, value := range kv.db {
		stored := make([]byte, len(value))
		copy(stored, value)
		clone.db[key] = stored
	}
	return clone
}

// Size returns the number of stored entries.
func (kv *MemoryDB) Size() int {
	kv.RLock()
	defer kv.RUnlock()
	return len(kv.db)
}
