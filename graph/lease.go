package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/interruptgraph/graph/store"
)

// leaseTable serializes work on a run within one process, and across
// processes when a store.Locker is configured. The in-process mutexes are
// reference counted so the table does not grow with the number of runs.
type leaseTable struct {
	mu    sync.Mutex
	locks map[string]*runLock

	locker store.Locker
	ttl    time.Duration
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newLeaseTable(locker store.Locker, ttl time.Duration) *leaseTable {
	return &leaseTable{
		locks:  make(map[string]*runLock),
		locker: locker,
		ttl:    ttl,
	}
}

// acquire blocks until the caller holds the run's lease or ctx is done.
// The returned function releases it.
func (t *leaseTable) acquire(ctx context.Context, runID string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[runID]
	if !ok {
		l = &runLock{}
		t.locks[runID] = l
	}
	l.refs++
	t.mu.Unlock()

	locked := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
	case <-ctx.Done():
		// The goroutine still takes the mutex; hand it straight back.
		go func() {
			<-locked
			l.mu.Unlock()
			t.deref(runID, l)
		}()
		return nil, ctx.Err()
	}

	var unlockRemote store.UnlockFunc
	if t.locker != nil {
		unlock, err := t.locker.Lock(ctx, runID, t.ttl)
		if err != nil {
			l.mu.Unlock()
			t.deref(runID, l)
			return nil, fmt.Errorf("lease %s: %w", runID, err)
		}
		unlockRemote = unlock
	}

	return func() {
		if unlockRemote != nil {
			// Release with a fresh context; the caller's may already be done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = unlockRemote(releaseCtx)
			cancel()
		}
		l.mu.Unlock()
		t.deref(runID, l)
	}, nil
}

func (t *leaseTable) deref(runID string, l *runLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, runID)
	}
}
