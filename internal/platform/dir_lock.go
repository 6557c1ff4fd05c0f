// Package platform holds OS-specific helpers.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrDirLocked indicates another process already records into the directory.
var ErrDirLocked = errors.New("directory locked by another process")

// ErrDirLockUnsupported indicates the current platform has no lock backend implementation.
var ErrDirLockUnsupported = errors.New("directory lock unsupported")

const dirLockFilename = ".groundlink.lock"

// DirLock represents an acquired directory lock. The OS releases it if the process dies.
type DirLock interface {
	Path() string
	Release() error
}

// AcquireDirLock takes an exclusive, non-blocking lock on dir, creating dir if needed.
func AcquireDirLock(dir string) (DirLock, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("lock directory is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	return acquireDirLock(filepath.Join(filepath.Clean(dir), dirLockFilename))
}

func writeLockOwner(f *os.File) {
	if err := f.Truncate(0); err != nil {
		return
	}
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
}
