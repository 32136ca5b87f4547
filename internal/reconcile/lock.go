package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
)

// Locker is the single system-wide reconciliation permit. TryLock never waits.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// LocalLock is an in-process Locker backed by an atomic flag.
type LocalLock struct {
	held atomic.Bool
}

// TryLock takes the permit when it is free.
func (l *LocalLock) TryLock(ctx context.Context) (bool, error) {
	return l.held.CompareAndSwap(false, true), nil
}

// Unlock returns the permit.
func (l *LocalLock) Unlock(ctx context.Context) error {
	if !l.held.CompareAndSwap(true, false) {
		return errors.New("reconcile: unlock of free lock")
	}
	return nil
}
