package storage

import "sync"

// KeyedLocker provides per-key mutual exclusion with reference-counted
// entries. Keys are namespaced by the caller ("path:" for link mutation,
// "digest:" for blob materialization), so the two populations never
// collide. Entries are discarded once the last holder or waiter releases,
// keeping the map proportional to in-flight operations.
//
// A request acquires at most one path lock and never nests path locks, so
// no lock ordering discipline beyond path-before-digest is needed.
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	// refs counts holders and waiters. Protected by KeyedLocker.mu, NOT by
	// the mutex below.
	refs int64
	mu   sync.Mutex
}

// NewKeyedLocker returns an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[string]*lockEntry)}
}

// Lock acquires the exclusive lock for key, blocking until available.
func (kl *KeyedLocker) Lock(key string) {
	kl.mu.Lock()
	entry, ok := kl.entries[key]
	if ok {
		entry.refs++
	} else {
		entry = &lockEntry{refs: 1}
		kl.entries[key] = entry
	}
	kl.mu.Unlock()

	entry.mu.Lock()
}

// Unlock releases the lock for key. The entry is removed from the map when
// no holder or waiter remains.
func (kl *KeyedLocker) Unlock(key string) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	entry, ok := kl.entries[key]
	if !ok {
		panic("storage: unlocking unheld key " + key)
	}

	entry.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(kl.entries, key)
	}
}
