// Package filelock guards files that more than one process may write, using
// an advisory lock on a sibling ".lock" file.
package filelock

import (
	"errors"
	"fmt"
	"os"
)

// ErrWouldBlock is returned when another holder has the lock.
var ErrWouldBlock = errors.New("filelock: locked by another process")

// Lock is a held lock. Release it exactly once.
type Lock struct {
	file *os.File
}

// PathFor returns the lock file guarding path.
func PathFor(path string) string {
	return path + ".lock"
}

// Acquire takes an exclusive, non-blocking lock guarding path. It returns
// ErrWouldBlock (wrapped) if the lock is held elsewhere.
func Acquire(path string) (*Lock, error) {
	f, err := acquireFileLock(PathFor(path))
	if err != nil {
		return nil, fmt.Errorf("filelock: %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return releaseFileLock(f)
}

// removeLockFile treats an already missing lock file as removed.
func removeLockFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
