//go:build !unix

package vm

import (
	"fmt"
	"os"
)

// Only the in-process registry guards the bundle here.
type plainLock struct {
	f *os.File
}

func lockFile(path string) (*plainLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %w", ErrResourceCreation, err)
	}
	return &plainLock{f: f}, nil
}

func (l *plainLock) unlock() error {
	return l.f.Close()
}
