// Package lock keeps a second agent from processing the same change stream.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/mattjoyce/pwgo-agent/internal/storage"
)

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("lock is held by another process")

// PIDLock is a single-instance lock: an flock(2) on lock_path, with the
// holder's PID written into the file for operators.
type PIDLock struct {
	fl *flock.Flock
}

// AcquirePIDLock takes the lock without blocking. The lock lives until
// Release or process exit.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	if err := storage.RequireLocalFilesystem(lockPath, "lock_path"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if pid, err := HolderPID(lockPath); err == nil {
			return nil, fmt.Errorf("%w (pid %d): %s", ErrHeld, pid, lockPath)
		}
		return nil, fmt.Errorf("%w: %s", ErrHeld, lockPath)
	}

	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	return &PIDLock{fl: fl}, nil
}

// HolderPID reads the PID recorded in the lock file.
func HolderPID(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func (l *PIDLock) Path() string { return l.fl.Path() }

func (l *PIDLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return err
}
