// Package lock provides advisory per-entity locks for callers that need
// single-writer semantics on top of the coordinator.
package lock

import (
	"context"
	"sync"

	"dsgate/internal/gwerr"
)

// Release gives up a held lock. It is safe to call more than once.
type Release func()

// Locker acquires an exclusive advisory lock on key, waiting until ctx is
// done. Acquisition failures wrap ErrStoreUnavailable.
type Locker interface {
	Lock(ctx context.Context, key string) (Release, error)
}

// Nop grants every lock immediately.
type Nop struct{}

func (Nop) Lock(context.Context, string) (Release, error) {
	return func() {}, nil
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker serializes holders of one key within this process.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, entry)
		return nil, gwerr.Unavailable("lock "+key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.drop(key, entry)
		})
	}, nil
}

func (l *LocalLocker) drop(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

var (
	_ Locker = Nop{}
	_ Locker = (*LocalLocker)(nil)
)
