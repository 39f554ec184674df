// Package syncutil provides locking primitives shared by the custody engine
// and the mirror.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one channel-based mutex per key. Entries are created on
// first use and dropped when the last holder or waiter lets go, so memory is
// bounded by the number of keys in flight, and two keys never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// LockContext acquires the mutex for key, giving up if ctx is done first.
// On success the caller MUST call the returned unlock function exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	e := m.acquireRef(key)

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				m.releaseRef(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key, e)
		return nil, ctx.Err()
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) releaseRef(key string, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
