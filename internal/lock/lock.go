// Package lock provides the scoped exclusive file lock that serialises queue
// flushes. Only one agent process may dequeue at a time; the lock is an
// OS-level advisory flock on a designated lock file, which is sufficient
// because the only contenders are agent processes sharing the same
// configuration.
//
// # Scoping
//
// Acquire and Release form a bracket: the holder must call Release on every
// exit path, typically with defer. Release is safe to call when the lock is
// not held.
package lock

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrUnavailable is returned by TryAcquire when the lock is currently held by
// another process.
var ErrUnavailable = errors.New("lock: held by another process")

// FileLock is an exclusive advisory lock on a named path. The zero value is
// not usable; create one with New. A FileLock is intended for a single
// holder at a time and is not safe for concurrent use by multiple goroutines.
type FileLock struct {
	path string
	fl   *flock.Flock
}

// New returns a FileLock for path. The lock file is created on first acquire
// if it does not exist and is never removed; only the flock state matters.
func New(path string) *FileLock {
	return &FileLock{path: path, fl: flock.New(path)}
}

// Acquire blocks until the exclusive lock is obtained.
func (l *FileLock) Acquire() error {
	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("lock: acquire %q: %w", l.path, err)
	}
	return nil
}

// TryAcquire obtains the exclusive lock without blocking. It returns
// ErrUnavailable if the lock is held elsewhere.
func (l *FileLock) TryAcquire() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock: try-acquire %q: %w", l.path, err)
	}
	if !ok {
		return ErrUnavailable
	}
	return nil
}

// Release drops the lock. Releasing a lock that is not held is a no-op.
func (l *FileLock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("lock: release %q: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}
