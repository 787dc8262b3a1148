// Package clusterlock guards a cluster's state directory (the inventory
// file and SSH config fragment vmbuilder maintains for it) against two
// separate vmbuilder processes racing the same cluster. This is additive
// to the in-process known_hosts and kpartx mutexes: those guard goroutines
// within one process, this guards processes on the same host.
package clusterlock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 100 * time.Millisecond

// Lock is a cross-process advisory lock over a single path, backed by
// flock(2) via a fresh file descriptor on every acquisition.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New returns a Lock over path, which is created (but never read or
// written by this package beyond the lock itself) if it doesn't exist.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Lock blocks until the lock is acquired or ctx is cancelled.
func (l *Lock) Lock(ctx context.Context) error {
	fl := flock.New(l.path)
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("clusterlock: acquiring lock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("clusterlock: acquiring lock %s: %w", l.path, ctx.Err())
	}
	l.fl = fl
	return nil
}

// Unlock releases a previously-acquired lock. A no-op if the lock was
// never successfully acquired.
func (l *Lock) Unlock() error {
	if l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	if err != nil {
		return fmt.Errorf("clusterlock: releasing lock %s: %w", l.path, err)
	}
	return nil
}
