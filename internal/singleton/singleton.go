// Package singleton keeps a second daemon from starting against the same
// runtime directory.
package singleton

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another process holds the lock.
var ErrAlreadyRunning = errors.New("another doppio daemon is already running")

// Lock is an acquired singleton lock.
type Lock struct {
	flock *flock.Flock
}

// Acquire takes the exclusive lock at path without blocking.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("singleton: try lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s is held)", ErrAlreadyRunning, path)
	}
	return &Lock{flock: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.flock.Path() }

// Release gives up the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	return l.flock.Unlock()
}
