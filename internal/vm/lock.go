package vm

import (
	"fmt"
	"path/filepath"
	"sync"
)

// fcntl locks are per process, so bundles held by this process are tracked
// here as well.
var (
	heldMu sync.Mutex
	held   = map[string]struct{}{}
)

// BundleLock is an exclusive hold on a bundle.
type BundleLock struct {
	key  string
	file fileUnlocker

	once sync.Once
	err  error
}

type fileUnlocker interface {
	unlock() error
}

// LockBundle takes the bundle lock without waiting. It fails with
// ErrBundleLocked if another controller holds it.
func LockBundle(b *Bundle) (*BundleLock, error) {
	key, err := filepath.Abs(b.Dir())
	if err != nil {
		key = filepath.Clean(b.Dir())
	}

	heldMu.Lock()
	defer heldMu.Unlock()
	if _, ok := held[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleLocked, b.Dir())
	}

	f, err := lockFile(b.LockPath())
	if err != nil {
		return nil, err
	}
	held[key] = struct{}{}
	return &BundleLock{key: key, file: f}, nil
}

// Unlock releases the lock. Calling it more than once is harmless.
func (l *BundleLock) Unlock() error {
	l.once.Do(func() {
		heldMu.Lock()
		delete(held, l.key)
		heldMu.Unlock()
		l.err = l.file.unlock()
	})
	return l.err
}
