// Package `flock` wraps syscall `flock(2)`.  `nogb2repld` uses it to ensure
// that a single daemon owns a state directory.
package flock

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"
)

var ErrNoLock = errors.New("did not acquire lock")

type Flock struct {
	fp *os.File
}

// `Create()` opens the lock file, creating it if necessary.
func Create(path string) (*Flock, error) {
	fp, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &Flock{fp}, nil
}

func (lk *Flock) Close() {
	_ = lk.fp.Close()
}

// `Lock()` tries once and returns `ErrNoLock` if another process holds the
// lock.
func (lk *Flock) Lock() error {
	fd := int(lk.fp.Fd())
	err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
	switch err {
	case nil:
		return nil
	case syscall.EWOULDBLOCK:
		return ErrNoLock
	default:
		return err
	}
}

// `TryLock()` retries `Lock()` every `retryDelay` until `ctx` is done.
func (lk *Flock) TryLock(ctx context.Context, retryDelay time.Duration) error {
	for {
		err := lk.Lock()
		if err != ErrNoLock {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func (lk *Flock) Unlock() error {
	fd := int(lk.fp.Fd())
	return syscall.Flock(fd, syscall.LOCK_UN)
}
