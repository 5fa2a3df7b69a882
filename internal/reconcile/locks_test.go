package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLock_SameOwnerWaits(t *testing.T) {
	// A second lock for the same owner waits until the first is released
	l := newOwnerLocks()
	unlock, err := l.lock(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		u, err := l.lock(context.Background(), "alice")
		if err == nil {
			close(acquired)
			u()
		}
	}()
	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}

func TestLock_DifferentOwnersIndependent(t *testing.T) {
	// Locks for different owners do not wait on each other
	l := newOwnerLocks()
	u1, _ := l.lock(context.Background(), "alice")
	defer u1()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u2, err := l.lock(ctx, "bob")
	if err != nil {
		t.Fatalf("bob blocked by alice: %v", err)
	}
	u2()
}

func TestLock_CancelWhileWaiting(t *testing.T) {
	// Returns ctx.Err() when ctx ends while waiting, leaving no entry behind
	l := newOwnerLocks()
	u1, _ := l.lock(context.Background(), "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.lock(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	u1()
	if l.size() != 0 {
		t.Errorf("entries left = %d", l.size())
	}
}
