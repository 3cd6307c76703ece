//go:build unix

package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type fcntlLock struct {
	f *os.File
}

func lockFile(path string) (*fcntlLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %w", ErrResourceCreation, err)
	}

	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(io.SeekStart),
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w: %s", ErrBundleLocked, path)
		}
		return nil, fmt.Errorf("%w: lock %s: %w", ErrResourceCreation, path, err)
	}
	return &fcntlLock{f: f}, nil
}

func (l *fcntlLock) unlock() error {
	flock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(io.SeekStart),
	}
	if err := unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &flock); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("unlock: %w", err)
	}
	return l.f.Close()
}
