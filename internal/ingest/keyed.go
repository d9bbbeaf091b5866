package ingest

import (
	"sync"

	"github.com/blackmichael/bbs/internal/domain"
)

// KeyedMutex serializes work per subscription while letting different
// subscriptions proceed concurrently.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[domain.SubscriptionID]*sync.Mutex
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[domain.SubscriptionID]*sync.Mutex)}
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyedMutex) Lock(key domain.SubscriptionID) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
