package reconcile

import (
	"context"
	"sync"
)

// ownerLocks serializes reconciliations per owner. Entries are reference
// counted and removed when the last holder or waiter leaves.
type ownerLocks struct {
	mu sync.Mutex
	m  map[string]*ownerLock
}

type ownerLock struct {
	ch   chan struct{}
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{m: make(map[string]*ownerLock)}
}

// lock blocks until ownerID's lock is free or ctx is done.
// The returned func releases the lock and must be called exactly once.
//
// Expectations:
//   - A second lock for the same owner waits until the first is released
//   - Locks for different owners do not wait on each other
//   - Returns ctx.Err() when ctx ends while waiting, leaving no entry behind
func (l *ownerLocks) lock(ctx context.Context, ownerID string) (func(), error) {
	l.mu.Lock()
	ol := l.m[ownerID]
	if ol == nil {
		ol = &ownerLock{ch: make(chan struct{}, 1)}
		l.m[ownerID] = ol
	}
	ol.refs++
	l.mu.Unlock()

	select {
	case ol.ch <- struct{}{}:
		return func() {
			<-ol.ch
			l.release(ownerID, ol)
		}, nil
	case <-ctx.Done():
		l.release(ownerID, ol)
		return nil, ctx.Err()
	}
}

func (l *ownerLocks) release(ownerID string, ol *ownerLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ol.refs--
	if ol.refs == 0 {
		delete(l.m, ownerID)
	}
}

func (l *ownerLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
