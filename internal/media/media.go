// Package media maps guest OS types to installation media and verifies that
// the configured media are readable ISO 9660 images.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kdomanski/iso9660"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// Entry describes the install media for one OS type.
type Entry struct {
	// ISO is the install image file name, relative to the media directory,
	// or an absolute path.
	ISO string `yaml:"iso"`

	// Variant is the virt-install style --os-variant hint, e.g. "ubuntu22.04".
	Variant string `yaml:"variant"`

	// OSInfoID is the libosinfo identifier recorded in the domain metadata.
	OSInfoID string `yaml:"osinfo_id"`
}

// DefaultOSType is the entry used for unknown OS types.
const DefaultOSType = v1alpha1.OSUbuntu

// DefaultEntries is the built-in OS table.
func DefaultEntries() map[v1alpha1.OSType]Entry {
	return map[v1alpha1.OSType]Entry{
		v1alpha1.OSUbuntu: {
			ISO:      "ubuntu-22.04.iso",
			Variant:  "ubuntu22.04",
			OSInfoID: "http://ubuntu.com/ubuntu/22.04",
		},
		v1alpha1.OSDebian: {
			ISO:      "debian-12.iso",
			Variant:  "debian12",
			OSInfoID: "http://debian.org/debian/12",
		},
	}
}

// Table resolves OS types to install media under a media directory.
type Table struct {
	dir     string
	entries map[v1alpha1.OSType]Entry
}

// NewTable creates a table rooted at dir. Overrides replace or extend the
// built-in entries per OS type.
func NewTable(dir string, overrides map[v1alpha1.OSType]Entry) (*Table, error) {
	entries := DefaultEntries()
	for osType, e := range overrides {
		if e.ISO == "" {
			return nil, fmt.Errorf("media entry %q: iso is required", osType)
		}
		entries[osType] = e
	}
	return &Table{dir: dir, entries: entries}, nil
}

// Resolved is a table lookup result.
type Resolved struct {
	// OSType is the OS type the entry was found under. It differs from the
	// requested type when the lookup fell back to the default.
	OSType   v1alpha1.OSType
	Path     string
	Variant  string
	OSInfoID string
	Fallback bool
}

// Lookup returns the install media for osType.
//
// Unknown OS types fall back to the default entry instead of failing.
func (t *Table) Lookup(osType v1alpha1.OSType) Resolved {
	e, ok := t.entries[osType]
	resolvedType := osType
	if !ok {
		e = t.entries[DefaultOSType]
		resolvedType = DefaultOSType
	}
	return Resolved{
		OSType:   resolvedType,
		Path:     t.path(e.ISO),
		Variant:  e.Variant,
		OSInfoID: e.OSInfoID,
		Fallback: !ok,
	}
}

// OSTypes returns the known OS types in sorted order.
func (t *Table) OSTypes() []v1alpha1.OSType {
	types := make([]v1alpha1.OSType, 0, len(t.entries))
	for osType := range t.entries {
		types = append(types, osType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (t *Table) path(iso string) string {
	if filepath.IsAbs(iso) {
		return iso
	}
	return filepath.Join(t.dir, iso)
}

// Verify checks that the file at path is a readable ISO 9660 image.
func Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open install media %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("install media %s is not an ISO 9660 image: %w", path, err)
	}

	if _, err := img.RootDir(); err != nil {
		return fmt.Errorf("failed to read root directory of %s: %w", path, err)
	}

	return nil
}
