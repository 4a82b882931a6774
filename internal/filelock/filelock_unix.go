//go:build !windows

package filelock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func acquireFileLock(path string) (*os.File, error) {
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	return lockFile, nil
}

func releaseFileLock(lockFile *os.File) error {
	path := lockFile.Name()
	// remove while still holding the lock, so a waiter never locks a
	// file that is about to disappear
	err1 := removeLockFile(path)
	_ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	err2 := lockFile.Close()
	return errors.Join(err1, err2)
}
