// Package lock serializes operations on the same VM name.
//
// Operations on different names never block each other. Three lockers are
// provided: Local for a single process, File for all processes on one host
// (flock) and Redis for processes sharing a Redis server.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Release frees a held lock.
type Release func() error

// Locker acquires exclusive per-name locks.
type Locker interface {
	// Lock blocks until the lock for name is held or ctx is done.
	Lock(ctx context.Context, name string) (Release, error)
}

// Local is an in-process Locker.
type Local struct {
	slots sync.Map // name -> chan struct{} with capacity 1
}

var _ Locker = (*Local)(nil)

// NewLocal returns an in-process Locker.
func NewLocal() *Local {
	return &Local{}
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, name string) (Release, error) {
	v, _ := l.slots.LoadOrStore(name, make(chan struct{}, 1))
	slot := v.(chan struct{})

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for lock on %s: %w", name, ctx.Err())
	}

	var once sync.Once
	return func() error {
		once.Do(func() { <-slot })
		return nil
	}, nil
}
