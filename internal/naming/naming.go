// Package naming provides the naming rules shared by the record store, the
// hypervisor gateway and the lockers: which VM names are acceptable, and how
// a VM name maps to its disk image and lock file.
package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// MaxNameLength bounds VM names so that derived file names stay short.
const MaxNameLength = 63

var (
	// Must start and end with alphanumeric, can contain alphanumeric, hyphens, underscores.
	namePattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*[a-z0-9]$`)
	singleCharPattern = regexp.MustCompile(`^[a-z0-9]$`)
)

// ValidateVMName checks that name is usable as a libvirt domain name and as
// a file name component.
func ValidateVMName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name must be at most %d characters, got %d", MaxNameLength, len(name))
	}

	pattern := namePattern
	if len(name) == 1 {
		pattern = singleCharPattern
	}
	if !pattern.MatchString(name) {
		return fmt.Errorf("name must start and end with lowercase alphanumeric characters and contain only lowercase alphanumeric, hyphens, or underscores, got %q", name)
	}

	return nil
}

// DiskImageName returns the file name of a VM's boot disk.
// Format: {vmName}.qcow2
func DiskImageName(vmName string) string {
	return fmt.Sprintf("%s.qcow2", vmName)
}

// DiskImagePath returns the full path of a VM's boot disk under imageDir.
func DiskImagePath(imageDir, vmName string) string {
	return filepath.Join(imageDir, DiskImageName(vmName))
}

// LockFileName returns the file name used to serialize operations on a VM.
// Format: {vmName}.lock
func LockFileName(vmName string) string {
	return fmt.Sprintf("%s.lock", vmName)
}

// LockKey returns the shared-lock key used to serialize operations on a VM.
// Format: kiln:lock:vm:{vmName}
func LockKey(vmName string) string {
	return "kiln:lock:vm:" + vmName
}
