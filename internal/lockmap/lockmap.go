// Package lockmap provides a per-key read/write lock map: a sync.Map of
// lazily-created sync.RWMutex values, the same small idiom duplicated
// across the donor's session and project packages, generalized here
// into one reusable type keyed by connection identity.
package lockmap

import "sync"

// KeyedMutex lazily creates one RWMutex per key.
type KeyedMutex struct {
	locks sync.Map // string -> *sync.RWMutex
}

func (k *KeyedMutex) getOrCreateLock(key string) *sync.RWMutex {
	lock, _ := k.locks.LoadOrStore(key, &sync.RWMutex{})
	return lock.(*sync.RWMutex)
}

// Lock acquires the exclusive lock for key.
func (k *KeyedMutex) Lock(key string) { k.getOrCreateLock(key).Lock() }

// Unlock releases the exclusive lock for key.
func (k *KeyedMutex) Unlock(key string) { k.getOrCreateLock(key).Unlock() }

// RLock acquires the shared lock for key.
func (k *KeyedMutex) RLock(key string) { k.getOrCreateLock(key).RLock() }

// RUnlock releases the shared lock for key.
func (k *KeyedMutex) RUnlock(key string) { k.getOrCreateLock(key).RUnlock() }

// Delete forgets the lock object for key. Only safe to call when no
// goroutine holds or is waiting on it.
func (k *KeyedMutex) Delete(key string) { k.locks.Delete(key) }
