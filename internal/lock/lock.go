// Package lock provides exclusive, cross-process advisory file locking
// with bounded exponential backoff, backed by an OS-specific primitive
// (flock on POSIX, LockFileEx on Windows).
package lock

import (
	"os"
	"time"

	"github.com/kthwaite/tak/internal/errs"
)

const (
	initialDelay = time.Millisecond
	maxDelay     = 512 * time.Millisecond
)

// Lock represents a held exclusive lock on a single path. Release must be
// called exactly once.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if necessary) the file at path and blocks,
// retrying with exponential backoff from 1ms up to 512ms (about 1s total),
// until the exclusive lock is obtained or the backoff is exhausted.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.IOErr(err)
	}

	delay := initialDelay
	for {
		err := tryLockExclusive(f)
		if err == nil {
			return &Lock{file: f}, nil
		}
		if delay > maxDelay {
			f.Close()
			return nil, errs.LockedErr(path)
		}
		time.Sleep(delay)
		delay *= 2
	}
}

// Release unlocks and closes the underlying file handle.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockExclusive(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return errs.IOErr(err)
	}
	if closeErr != nil {
		return errs.IOErr(closeErr)
	}
	return nil
}

// WithLock acquires the lock at path, runs fn, and releases it, even if fn
// panics or returns an error.
func WithLock(path string, fn func() error) error {
	l, err := Acquire(path)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
