//go:build unix && !windows

package platform

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

type unixDirLock struct {
	path string
	file *os.File
}

func acquireDirLock(lockPath string) (DirLock, error) {
	// #nosec G304 -- lockPath is a fixed filename inside the configured recording directory.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if isUnixLockContention(err) {
			return nil, fmt.Errorf("%w: %s", ErrDirLocked, lockPath)
		}

		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	writeLockOwner(file)

	return &unixDirLock{path: lockPath, file: file}, nil
}

func (l *unixDirLock) Path() string { return l.path }

func (l *unixDirLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())
	unlockErr := syscall.Flock(fd, syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil && !errors.Is(unlockErr, syscall.EBADF) {
		return fmt.Errorf("unlock file lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}

	return nil
}

func isUnixLockContention(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}
