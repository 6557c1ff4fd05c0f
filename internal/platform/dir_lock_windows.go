//go:build windows

package platform

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

type windowsDirLock struct {
	path string
	file *os.File
}

func acquireDirLock(lockPath string) (DirLock, error) {
	// #nosec G304 -- lockPath is a fixed filename inside the configured recording directory.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ol := new(windows.Overlapped)
	err = windows.LockFileEx(windows.Handle(file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	if err != nil {
		_ = file.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, fmt.Errorf("%w: %s", ErrDirLocked, lockPath)
		}

		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	writeLockOwner(file)

	return &windowsDirLock{path: lockPath, file: file}, nil
}

func (l *windowsDirLock) Path() string { return l.path }

func (l *windowsDirLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	ol := new(windows.Overlapped)
	unlockErr := windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, ol)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlock file lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}

	return nil
}
