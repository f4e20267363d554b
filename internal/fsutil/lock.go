package fsutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrLocked is returned by TryLock when another holder owns the lock.
	ErrLocked = errors.New("lock is held by another holder")
	// errAlreadyHeld is returned when the same FileLock is locked twice.
	errAlreadyHeld = errors.New("lock is already held by this handle")
)

const (
	lockPollInitial = 10 * time.Millisecond
	lockPollMax     = 500 * time.Millisecond
)

// FileLock is an exclusive advisory lock on a file.
// Two FileLock values on the same path exclude each other, even inside one process.
type FileLock struct {
	path   string
	handle lockHandle
}

// NewFileLock returns an unlocked lock bound to path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// TryLock acquires the lock without waiting. It returns ErrLocked when the lock is busy.
func (l *FileLock) TryLock() error {
	if l.handle != nil {
		return errAlreadyHeld
	}

	handle, err := acquire(l.path)
	if err != nil {
		return err
	}

	l.handle = handle

	return nil
}

// Lock waits for the lock until ctx is done.
func (l *FileLock) Lock(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = lockPollInitial
	policy.MaxInterval = lockPollMax
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := l.TryLock()
		if err == nil || errors.Is(err, ErrLocked) {
			return err
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("wait for lock %s: %w", l.path, err)
	}

	return nil
}

// Unlock releases the lock. Unlocking an unlocked FileLock is a no-op.
func (l *FileLock) Unlock() error {
	if l.handle == nil {
		return nil
	}

	handle := l.handle
	l.handle = nil

	if err := handle.release(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}

	return nil
}

type lockHandle interface {
	release() error
}
