// Package disk creates and removes VM boot disks with qemu-img and plain
// filesystem operations.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/naming"
)

const (
	// DefaultStorageBase is the default directory for VM disk images.
	DefaultStorageBase = "/var/lib/libvirt/images"

	// DirPermissions are the permissions for the storage directory
	DirPermissions = 0755

	// FilePermissions are the permissions for VM disk files
	FilePermissions = 0644
)

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager handles disk image operations for VMs.
type Manager struct {
	storageBase string
	// ownerUID/ownerGID are -1 when files keep the creating user's ownership.
	ownerUID int
	ownerGID int
	run      CommandRunner
}

// Options configure a Manager.
type Options struct {
	// StorageBase is the directory holding disk images. Defaults to DefaultStorageBase.
	StorageBase string

	// Owner is the system user that should own disk images (e.g. "qemu" or
	// "libvirt-qemu"). Empty leaves ownership untouched.
	Owner string

	// Runner overrides the command runner. Defaults to ExecRunner.
	Runner CommandRunner
}

// NewManager creates a new disk manager.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		storageBase: opts.StorageBase,
		ownerUID:    -1,
		ownerGID:    -1,
		run:         opts.Runner,
	}
	if m.storageBase == "" {
		m.storageBase = DefaultStorageBase
	}
	if m.run == nil {
		m.run = ExecRunner
	}

	if opts.Owner != "" {
		u, err := user.Lookup(opts.Owner)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup %s user: %w", opts.Owner, err)
		}
		if m.ownerUID, err = strconv.Atoi(u.Uid); err != nil {
			return nil, fmt.Errorf("invalid UID for %s user: %w", opts.Owner, err)
		}
		if m.ownerGID, err = strconv.Atoi(u.Gid); err != nil {
			return nil, fmt.Errorf("invalid GID for %s user: %w", opts.Owner, err)
		}
	}

	return m, nil
}

// DiskPath returns the boot disk path for a VM.
func (m *Manager) DiskPath(vmName string) string {
	return naming.DiskImagePath(m.storageBase, vmName)
}

// CreateDisk creates an empty qcow2 boot disk of sizeGB at path.
//
// Failures are returned as *v1alpha1.ProvisionError carrying qemu-img's
// output. An existing file at path is never overwritten.
func (m *Manager) CreateDisk(ctx context.Context, path string, sizeGB int) error {
	if sizeGB <= 0 {
		return &v1alpha1.ProvisionError{Step: "create disk", Err: fmt.Errorf("disk size must be > 0, got %d", sizeGB)}
	}

	if _, err := os.Stat(path); err == nil {
		return &v1alpha1.ProvisionError{Step: "create disk", Err: fmt.Errorf("disk image already exists: %s", path)}
	} else if !errors.Is(err, os.ErrNotExist) {
		return &v1alpha1.ProvisionError{Step: "create disk", Err: fmt.Errorf("failed to stat %s: %w", path, err)}
	}

	if err := os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return &v1alpha1.ProvisionError{Step: "create disk", Err: fmt.Errorf("failed to create directory for %s: %w", path, err)}
	}

	output, err := m.run(ctx,
		"qemu-img", "create",
		"-f", "qcow2",
		path,
		fmt.Sprintf("%dG", sizeGB),
	)
	if err != nil {
		return &v1alpha1.ProvisionError{Step: "create disk", Output: string(output), Err: err}
	}

	if err := m.setFileOwnership(path); err != nil {
		// A stray image blocks every later create of this name.
		if rmErr := m.RemoveDisk(path); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return &v1alpha1.ProvisionError{Step: "create disk", Err: err}
	}

	return nil
}

// RemoveDisk deletes a disk image. A missing file is not an error.
func (m *Manager) RemoveDisk(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete disk image %s: %w", path, err)
	}
	return nil
}

// CheckDiskSpace verifies that sizeGB fits in the storage base filesystem.
func (m *Manager) CheckDiskSpace(sizeGB int) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.storageBase, &stat); err != nil {
		return fmt.Errorf("failed to get filesystem stats for %s: %w", m.storageBase, err)
	}

	availableGB := (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024 * 1024)
	if uint64(sizeGB) > availableGB {
		return fmt.Errorf("insufficient disk space: need %dGB, have %dGB available", sizeGB, availableGB)
	}

	return nil
}

// setFileOwnership applies the configured owner and file permissions.
func (m *Manager) setFileOwnership(path string) error {
	if m.ownerUID >= 0 {
		if err := os.Chown(path, m.ownerUID, m.ownerGID); err != nil {
			return fmt.Errorf("failed to set ownership on %s: %w", path, err)
		}
	}

	if err := os.Chmod(path, FilePermissions); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}

	return nil
}
