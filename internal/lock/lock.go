// Package lock serialises fetches that target the same artifact, across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

// Suffix is appended to the guarded path to name the lock file.
const Suffix = ".lock"

// ErrLocked is returned when another process holds the lock past the timeout.
var ErrLocked = errors.New("path is locked by another process")

const retryDelay = 50 * time.Millisecond

// Lock is a held exclusive lock.
type Lock struct {
	flock *flock.Flock
}

// Acquire takes an exclusive advisory lock on path+Suffix, waiting at most timeout.
// The lock file's directory is created if needed.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	lockPath := path + Suffix
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory for %s: %w", lockPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("locking %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
	}
	log.WithField("lock", lockPath).Debug("Lock acquired")
	return &Lock{flock: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.flock.Path() }

// Release unlocks. The lock file itself is left in place so that waiting
// processes keep contending on the same inode.
func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlocking %s: %w", l.flock.Path(), err)
	}
	log.WithField("lock", l.flock.Path()).Debug("Lock released")
	return nil
}
