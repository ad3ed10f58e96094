package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/jbweber/kiln/internal/naming"
)

// DefaultLockDir holds the per-VM lock files.
const DefaultLockDir = "/run/kiln/locks"

// fileRetryDelay is the polling interval while another process holds a lock.
const fileRetryDelay = 50 * time.Millisecond

// File is a Locker backed by flock(2) on one file per VM name.
type File struct {
	dir string
}

var _ Locker = (*File)(nil)

// NewFile returns a File locker keeping lock files in dir.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		dir = DefaultLockDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Lock implements Locker.
func (f *File) Lock(ctx context.Context, name string) (Release, error) {
	fl := flock.New(filepath.Join(f.dir, naming.LockFileName(name)))

	locked, err := fl.TryLockContext(ctx, fileRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("waiting for lock on %s: %w", name, err)
	}
	if !locked {
		return nil, fmt.Errorf("waiting for lock on %s: %w", name, context.Cause(ctx))
	}

	return func() error {
		if err := fl.Unlock(); err != nil {
			return fmt.Errorf("failed to release lock on %s: %w", name, err)
		}
		return nil
	}, nil
}
