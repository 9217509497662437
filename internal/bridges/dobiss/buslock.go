package dobiss

import (
	"context"
	"fmt"
)

// BusLock serialises status queries on one bus. It behaves like a
// sync.Mutex whose Acquire can be abandoned through a context.
//
// Set commands never take the lock.
type BusLock struct {
	sem chan struct{}
}

// NewBusLock returns an unlocked BusLock.
func NewBusLock() *BusLock {
	return &BusLock{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is held or ctx is done. On context expiry
// it returns ErrBusBusy wrapping the context error.
func (l *BusLock) Acquire(ctx context.Context) error {
	// Prefer an expired context over a free lock.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBusBusy, err)
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrBusBusy, ctx.Err())
	}
}

// tryAcquire takes the lock if it is free and reports whether it did.
func (l *BusLock) tryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lock. Like sync.Mutex there is no owner: only the
// goroutine whose Acquire succeeded may call it, once. Releasing an
// unlocked BusLock is a no-op.
func (l *BusLock) Release() {
	select {
	case <-l.sem:
	default:
	}
}

// held reports whether the lock is currently held.
func (l *BusLock) held() bool {
	return len(l.sem) == 1
}
