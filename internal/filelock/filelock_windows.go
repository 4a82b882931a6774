//go:build windows

package filelock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

func acquireFileLock(path string) (*os.File, error) {
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	var overlapped windows.Overlapped
	err = windows.LockFileEx(
		windows.Handle(lockFile.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		1, // lock 1 byte
		0,
		&overlapped,
	)
	if err != nil {
		_ = lockFile.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("LockFileEx: %w", err)
	}
	return lockFile, nil
}

func releaseFileLock(lockFile *os.File) error {
	path := lockFile.Name()
	var overlapped windows.Overlapped
	err1 := windows.UnlockFileEx(windows.Handle(lockFile.Fd()), 0, 1, 0, &overlapped)
	err2 := lockFile.Close()
	// an open handle blocks deletion on windows, so remove after closing
	err3 := removeLockFile(path)
	return errors.Join(err1, err2, err3)
}
