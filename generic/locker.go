package generic

import (
	"context"
	"sync"
)

// =============================================================================
// KEY LOCKER - Per-payee serialization of writes
// =============================================================================

// KeyLocker serializes work per key. Two allocations for the same payee
// must never interleave their read of the outstanding balance with the
// other's writes; different payees never contend.
type KeyLocker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// unlock func is safe to call more than once.
	Lock(ctx context.Context, key string) (func(), error)
}

// MutexLocker is an in-process KeyLocker. Entries are reference counted
// and dropped once no caller holds or waits on them.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[string]*keyLock)}
}

func (l *MutexLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLock)
	}
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *MutexLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (l *MutexLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
