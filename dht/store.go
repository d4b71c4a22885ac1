// Package dht defines the distributed key/value store boundary used to
// publish and resolve pairing records. The store has no TTL semantics:
// values live until overwritten or evicted, and validity is a contract
// between publisher and consumer.
package dht

import (
	"context"
	"sync"
)

// KeySize is the fixed byte length of store keys.
const KeySize = 32

// Key addresses one value in the store.
type Key [KeySize]byte

// Store is a minimal publish-and-query surface. Put overwrites any previous
// value at the key (last publish wins). Get reports a miss with found=false,
// not an error.
type Store interface {
	Put(ctx context.Context, key Key, value []byte) error
	Get(ctx context.Context, key Key) (value []byte, found bool, err error)
}

// MemoryStore is an in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Key][]byte
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key][]byte)}
}

// Put stores a copy of value at key.
func (s *MemoryStore) Put(_ context.Context, key Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Get returns a copy of the value at key, if present.
func (s *MemoryStore) Get(_ context.Context, key Key) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Len reports the number of stored values.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
