// Copyright 2025 James Ross
// Package filelock provides exclusive advisory locks used to serialize
// queue claims and mode-state read-modify-write cycles. It wraps
// flock(2) via golang.org/x/sys/unix and falls back to a sentinel
// directory with bounded-time polling on platforms where flock is
// unavailable, per the concurrency model's fallback requirement.
package filelock

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lock is a held exclusive lock. Release must be called to unlock.
type Lock struct {
	f        *os.File
	path     string
	sentinel bool
}

// Acquire takes an exclusive lock on path, creating it if necessary. It
// blocks until the lock is available, with no time bound; callers use
// AcquireTimeout for a bound.
func Acquire(path string) (*Lock, error) {
	return AcquireTimeout(path, 0)
}

// AcquireTimeout takes an exclusive lock, giving up after timeout (0
// means no bound: flock is retried every 10ms until it succeeds). Where
// flock itself fails for a reason other than contention, it falls back
// to sentinel-directory polling under the same deadline.
func AcquireTimeout(path string, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f, path: path}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			// flock unsupported on this filesystem; fall back to sentinel
			// directory polling.
			f.Close()
			return acquireSentinel(path, deadline)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("acquiring lock %s: timed out", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Release unlocks and closes the underlying handle.
func (l *Lock) Release() error {
	if l.sentinel {
		return os.Remove(l.path + ".sentinel")
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return l.f.Close()
}

func acquireSentinel(path string, deadline time.Time) (*Lock, error) {
	sentinel := path + ".sentinel"
	for {
		err := os.Mkdir(sentinel, 0o755)
		if err == nil {
			return &Lock{path: path, sentinel: true}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquiring sentinel lock %s: %w", sentinel, err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("acquiring sentinel lock %s: timed out", sentinel)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
