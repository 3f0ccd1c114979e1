// Package singleton enforces that at most one traffic-limitd daemon process
// runs at a time, via an exclusively-locked PID file.
package singleton

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

// DefaultPath is the daemon's PID-file location.
const DefaultPath = "/run/traffic-limitd.pid"

// Guard holds the exclusive lock for the process's lifetime.
type Guard struct {
	lock *flock.Flock
	path string
}

// Acquire takes an exclusive, non-blocking lock on path, writing this
// process's pid into the file on success. A locked file held by a live
// process causes Acquire to fail immediately rather than block.
func Acquire(path string) (*Guard, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("singleton: lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("singleton: another instance already holds %s", path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("singleton: write pid to %s: %w", path, err)
	}

	return &Guard{lock: lock, path: path}, nil
}

// Release drops the lock and removes the PID file.
func (g *Guard) Release() error {
	if err := g.lock.Unlock(); err != nil {
		return fmt.Errorf("singleton: unlock %s: %w", g.path, err)
	}
	_ = os.Remove(g.path)
	return nil
}
