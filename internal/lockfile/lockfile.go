// Package lockfile implements the file-based advisory mutex used by the
// job queue and the queue-runner singleton. Acquisition creates the lock
// file exclusively with the caller PID; a holder that crashed is detected
// by mtime staleness and its lock reclaimed.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrLockTimeout means the lock could not be acquired within the retry budget.
var ErrLockTimeout = errors.New("lock acquisition timed out")

const (
	// StaleAfter is how old a lock file's mtime must be before it is
	// considered abandoned and reclaimed.
	StaleAfter = 30 * time.Second
	// RetryInterval is the sleep between acquisition attempts.
	RetryInterval = 100 * time.Millisecond
	// DefaultMaxRetries bounds acquisition attempts.
	DefaultMaxRetries = 50
)

// Lock is a file-based mutex at a fixed path.
type Lock struct {
	Path       string
	MaxRetries int
	staleAfter time.Duration
}

// New creates a Lock for the given path with default retry settings.
func New(path string) *Lock {
	return &Lock{Path: path, MaxRetries: DefaultMaxRetries, staleAfter: StaleAfter}
}

// NewWithStale creates a Lock with a custom staleness window.
func NewWithStale(path string, stale time.Duration) *Lock {
	return &Lock{Path: path, MaxRetries: DefaultMaxRetries, staleAfter: stale}
}

// Acquire takes the lock, reclaiming stale holders. It retries up to
// MaxRetries times, sleeping RetryInterval between attempts, and returns
// ErrLockTimeout on exhaustion.
func (l *Lock) Acquire() error {
	retries := l.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	for attempt := 0; attempt < retries; attempt++ {
		if l.tryAcquire() {
			return nil
		}
		// Holder may have crashed: reclaim when the file is stale.
		if fi, err := os.Stat(l.Path); err == nil {
			if time.Since(fi.ModTime()) > l.staleAfter {
				os.Remove(l.Path)
				if l.tryAcquire() {
					return nil
				}
			}
		} else if os.IsNotExist(err) {
			// Deleted externally between attempts; try again immediately.
			if l.tryAcquire() {
				return nil
			}
		}
		time.Sleep(RetryInterval)
	}
	return fmt.Errorf("%w: %s", ErrLockTimeout, l.Path)
}

func (l *Lock) tryAcquire() bool {
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()
	return true
}

// Touch refreshes the lock file's mtime so a live holder never looks
// stale. Long-lived holders call this periodically.
func (l *Lock) Touch() {
	now := time.Now()
	os.Chtimes(l.Path, now, now)
}

// Release unlinks the lock file. Releasing an unheld lock is a no-op.
func (l *Lock) Release() {
	os.Remove(l.Path)
}

// IsLocked reports whether a non-stale lock file exists.
func (l *Lock) IsLocked() bool {
	fi, err := os.Stat(l.Path)
	if err != nil {
		return false
	}
	return time.Since(fi.ModTime()) <= l.staleAfter
}

// HolderPID returns the PID recorded in the lock file, or 0.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// WithLock runs fn while holding the lock, releasing on every exit path.
func (l *Lock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
